package repository

import (
	"errors"
	"strings"
	"time"

	maildomain "mailpilot-backend/internal/mail/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrDuplicateMessage signals that (user_id, provider_message_id) already
// exists. Two concurrent ingests of the same notification race on the
// unique index; the loser treats this as a normal skip, not a failure.
var ErrDuplicateMessage = errors.New("message already exists")

// MessageRepository defines the interface for canonical message persistence
type MessageRepository interface {
	// FindByProviderID returns the message for (userID, providerMessageID),
	// or (nil, nil) when absent. This lookup is the dedup check.
	FindByProviderID(userID, providerMessageID string) (*maildomain.Message, error)
	// Insert persists a new message. Returns ErrDuplicateMessage when the
	// unique (user_id, provider_message_id) index rejects the row.
	Insert(msg *maildomain.Message) error
	// SetSummaryIfUnset writes the enrichment result, but only when summary
	// is still NULL. Returns whether the update was applied.
	SetSummaryIfUnset(userID, providerMessageID, summary, category string, actionRequired bool) (bool, error)
	ListByUser(userID string, limit, offset int) ([]*maildomain.Message, int64, error)
}

// messageRepository implements MessageRepository interface
type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository creates a new instance of messageRepository
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{
		db: db,
	}
}

func (r *messageRepository) FindByProviderID(userID, providerMessageID string) (*maildomain.Message, error) {
	var msg maildomain.Message
	err := r.db.Where("user_id = ? AND provider_message_id = ?", userID, providerMessageID).First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

func (r *messageRepository) Insert(msg *maildomain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	now := time.Now()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	if err := r.db.Create(msg).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMessage
		}
		return err
	}
	return nil
}

func (r *messageRepository) SetSummaryIfUnset(userID, providerMessageID, summary, category string, actionRequired bool) (bool, error) {
	now := time.Now()
	result := r.db.Model(&maildomain.Message{}).
		Where("user_id = ? AND provider_message_id = ? AND summary IS NULL", userID, providerMessageID).
		Updates(map[string]interface{}{
			"summary":         summary,
			"category":        category,
			"action_required": actionRequired,
			"summarized_at":   now,
			"updated_at":      now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *messageRepository) ListByUser(userID string, limit, offset int) ([]*maildomain.Message, int64, error) {
	if limit <= 0 {
		limit = 20
	}

	var total int64
	if err := r.db.Model(&maildomain.Message{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var messages []*maildomain.Message
	err := r.db.Where("user_id = ?", userID).
		Order("received_at DESC").
		Limit(limit).Offset(offset).
		Find(&messages).Error
	if err != nil {
		return nil, 0, err
	}
	return messages, total, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// pgx SQLSTATE 23505 surfaces through gorm as a wrapped driver error
	return strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "duplicate key")
}
