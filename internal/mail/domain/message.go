package domain

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// StringArray is a custom type to handle JSON arrays in GORM text columns
type StringArray []string

// Value implements driver.Valuer
func (a StringArray) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "[]", nil
	}
	return json.Marshal(a)
}

// Scan implements sql.Scanner
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = []string{}
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}
	if len(bytes) == 0 {
		*a = []string{}
		return nil
	}
	return json.Unmarshal(bytes, a)
}

// Message is the canonical, provider-independent representation of an
// ingested email. Identity is (user_id, provider_message_id); the unique
// index on that pair is the sole deduplication mechanism.
//
// A message is immutable after insert except for the summary fields, which
// are written once by the enrichment worker (or left NULL forever when
// summarization fails).
type Message struct {
	ID                string      `json:"id" gorm:"primaryKey"`
	UserID            string      `json:"user_id" gorm:"index:idx_user_msg;uniqueIndex:idx_user_msg_unique;not null"`
	ProviderMessageID string      `json:"provider_message_id" gorm:"index:idx_user_msg;uniqueIndex:idx_user_msg_unique;not null"`
	ThreadID          string      `json:"thread_id"`
	Subject           string      `json:"subject"`
	SenderEmail       string      `json:"sender_email"`
	SenderName        string      `json:"sender_name,omitempty"`
	RecipientEmail    string      `json:"recipient_email"`
	BodyText          string      `json:"body_text" gorm:"type:text"`
	BodyHTML          string      `json:"body_html" gorm:"type:text"`
	Snippet           string      `json:"snippet"`
	HasAttachments    bool        `json:"has_attachments"`
	Labels            StringArray `json:"labels" gorm:"type:text"`
	ReceivedAt        time.Time   `json:"received_at"`

	Summary        *string    `json:"summary" gorm:"type:text"`
	Category       string     `json:"category,omitempty"`
	ActionRequired bool       `json:"action_required"`
	SummarizedAt   *time.Time `json:"summarized_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Message) TableName() string {
	return "messages"
}

// SyncCounts is the per-notification ingestion result
type SyncCounts struct {
	Imported         int `json:"imported"`
	Skipped          int `json:"skipped"`
	Failed           int `json:"failed"`
	EnrichmentQueued int `json:"enrichment_queued"`
}
