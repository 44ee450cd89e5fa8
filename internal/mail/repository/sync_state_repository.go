package repository

import (
	"errors"
	"time"

	maildomain "mailpilot-backend/internal/mail/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SyncStateRepository defines the interface for per-user sync cursor persistence
type SyncStateRepository interface {
	// GetByUserID returns the sync state for userID, or (nil, nil) when the
	// user has never been synced.
	GetByUserID(userID string) (*maildomain.SyncState, error)
	// SaveCursor persists historyID as the user's cursor, creating the row
	// on first sync.
	SaveCursor(userID string, historyID uint64) error
	EnableWatch(userID string, historyID uint64, expiration time.Time) error
	DisableWatch(userID string) error
	// ListWatchExpiring returns users whose active watch expires before the
	// given instant.
	ListWatchExpiring(before time.Time) ([]*maildomain.SyncState, error)
}

// syncStateRepository implements SyncStateRepository interface
type syncStateRepository struct {
	db *gorm.DB
}

// NewSyncStateRepository creates a new instance of syncStateRepository
func NewSyncStateRepository(db *gorm.DB) SyncStateRepository {
	return &syncStateRepository{
		db: db,
	}
}

func (r *syncStateRepository) GetByUserID(userID string) (*maildomain.SyncState, error) {
	var state maildomain.SyncState
	err := r.db.Where("user_id = ?", userID).First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

func (r *syncStateRepository) SaveCursor(userID string, historyID uint64) error {
	now := time.Now()
	result := r.db.Model(&maildomain.SyncState{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"history_id": historyID,
			"updated_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		state := &maildomain.SyncState{
			ID:        uuid.New().String(),
			UserID:    userID,
			HistoryID: historyID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return r.db.Create(state).Error
	}
	return nil
}

func (r *syncStateRepository) EnableWatch(userID string, historyID uint64, expiration time.Time) error {
	now := time.Now()
	result := r.db.Model(&maildomain.SyncState{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"history_id":       historyID,
			"watch_enabled":    true,
			"watch_expiration": expiration,
			"updated_at":       now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		state := &maildomain.SyncState{
			ID:              uuid.New().String(),
			UserID:          userID,
			HistoryID:       historyID,
			WatchEnabled:    true,
			WatchExpiration: &expiration,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		return r.db.Create(state).Error
	}
	return nil
}

func (r *syncStateRepository) DisableWatch(userID string) error {
	return r.db.Model(&maildomain.SyncState{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"watch_enabled":    false,
			"watch_expiration": nil,
			"updated_at":       time.Now(),
		}).Error
}

func (r *syncStateRepository) ListWatchExpiring(before time.Time) ([]*maildomain.SyncState, error) {
	var states []*maildomain.SyncState
	err := r.db.Where("watch_enabled = ? AND watch_expiration IS NOT NULL AND watch_expiration < ?", true, before).
		Find(&states).Error
	if err != nil {
		return nil, err
	}
	return states, nil
}
