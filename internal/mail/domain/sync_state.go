package domain

import "time"

// SyncState is the per-user watermark into the provider's change log plus
// the push-watch registration state. HistoryID is advanced only after a
// notification's batch has been fully processed, and never moves backward.
type SyncState struct {
	ID              string     `json:"id" gorm:"primaryKey"`
	UserID          string     `json:"user_id" gorm:"uniqueIndex;not null"`
	HistoryID       uint64     `json:"history_id"`
	WatchEnabled    bool       `json:"watch_enabled"`
	WatchExpiration *time.Time `json:"watch_expiration,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (SyncState) TableName() string {
	return "sync_states"
}
