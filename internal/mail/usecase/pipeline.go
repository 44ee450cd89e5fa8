package usecase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	authdomain "mailpilot-backend/internal/auth/domain"
	authrepo "mailpilot-backend/internal/auth/repository"
	maildomain "mailpilot-backend/internal/mail/domain"
	"mailpilot-backend/internal/mail/repository"
	"mailpilot-backend/pkg/ai"
	"mailpilot-backend/pkg/tokenvault"
)

// Notification is one decoded Gmail push event: the mailbox it concerns
// and the history position the mailbox had reached when it fired.
type Notification struct {
	EmailAddress string
	HistoryID    uint64
}

// Enricher receives fire-and-forget summarization tasks
type Enricher interface {
	Enqueue(task EnrichmentTask)
}

// IngestionPipeline drives incremental mailbox sync: it turns push
// notifications into fetched, normalized, persisted messages and keeps
// the per-user history cursor moving.
type IngestionPipeline struct {
	userRepo    authrepo.UserRepository
	messageRepo repository.MessageRepository
	syncRepo    repository.SyncStateRepository
	provider    maildomain.MailProvider
	enricher    Enricher
	pubsubTopic string
}

// NewIngestionPipeline creates a new ingestion pipeline
func NewIngestionPipeline(
	userRepo authrepo.UserRepository,
	messageRepo repository.MessageRepository,
	syncRepo repository.SyncStateRepository,
	provider maildomain.MailProvider,
	enricher Enricher,
	pubsubTopic string,
) *IngestionPipeline {
	return &IngestionPipeline{
		userRepo:    userRepo,
		messageRepo: messageRepo,
		syncRepo:    syncRepo,
		provider:    provider,
		enricher:    enricher,
		pubsubTopic: pubsubTopic,
	}
}

func credentialOf(user *authdomain.User) tokenvault.Credential {
	return tokenvault.Credential{
		UserID:       user.ID,
		AccessToken:  user.AccessToken,
		RefreshToken: user.RefreshToken,
		Expiry:       user.TokenExpiry,
	}
}

// ProcessNotification handles one push notification end to end. The
// cursor advances exactly once per call, even when the fetch comes back
// empty or individual messages fail to import, but never backward: a
// redelivered notification with an older history ID leaves it in place.
// It never advances when the fetch itself fails.
func (p *IngestionPipeline) ProcessNotification(ctx context.Context, n Notification) error {
	user, err := p.userRepo.FindByEmail(n.EmailAddress)
	if err != nil {
		return fmt.Errorf("lookup user %s: %w", n.EmailAddress, err)
	}
	if user == nil {
		// Stale watch for an account we no longer track. Drop it.
		log.Printf("[Ingestion] Notification for unknown mailbox %s, dropping", n.EmailAddress)
		return nil
	}

	cred := credentialOf(user)

	state, err := p.syncRepo.GetByUserID(user.ID)
	if err != nil {
		return fmt.Errorf("load sync state for %s: %w", user.ID, err)
	}

	var startID uint64
	if state != nil && state.HistoryID > 0 {
		startID = state.HistoryID
	} else if n.HistoryID > 0 {
		// First notification for this user. Back up one step so the
		// change that triggered the notification is included.
		startID = n.HistoryID - 1
	}
	if startID == 0 {
		log.Printf("[Ingestion] No usable start position for %s, re-baselining", user.ID)
		return p.rebaseline(ctx, user)
	}

	messages, err := p.provider.FetchSince(ctx, cred, startID)
	if err != nil {
		switch {
		case errors.Is(err, maildomain.ErrHistoryExpired):
			log.Printf("[Ingestion] History %d expired for %s, re-baselining", startID, user.ID)
			return p.rebaseline(ctx, user)
		case errors.Is(err, maildomain.ErrReauthRequired):
			// Token refresh is dead; stop the watch so we quit getting
			// notifications we cannot act on. Cursor stays put.
			log.Printf("[Ingestion] Re-auth required for %s, disabling watch", user.ID)
			if derr := p.syncRepo.DisableWatch(user.ID); derr != nil {
				log.Printf("[Ingestion] Failed to disable watch for %s: %v", user.ID, derr)
			}
			return err
		default:
			return fmt.Errorf("fetch history for %s: %w", user.ID, err)
		}
	}

	counts := p.ingestBatch(ctx, cred, user, messages)

	// A redelivered or out-of-order notification can carry an older
	// history ID than the cursor. The cursor only ever moves forward.
	target := n.HistoryID
	if startID > target {
		target = startID
	}
	if err := p.syncRepo.SaveCursor(user.ID, target); err != nil {
		return fmt.Errorf("advance cursor for %s: %w", user.ID, err)
	}

	log.Printf("[Ingestion] User %s: imported=%d skipped=%d failed=%d queued=%d cursor=%d",
		user.ID, counts.Imported, counts.Skipped, counts.Failed, counts.EnrichmentQueued, target)
	return nil
}

// ingestBatch persists a fetched batch. One bad message never blocks
// the rest of the batch.
func (p *IngestionPipeline) ingestBatch(ctx context.Context, cred tokenvault.Credential, user *authdomain.User, messages []*maildomain.Message) maildomain.SyncCounts {
	var counts maildomain.SyncCounts
	var archiveIDs []string

	for _, msg := range messages {
		existing, err := p.messageRepo.FindByProviderID(user.ID, msg.ProviderMessageID)
		if err != nil {
			log.Printf("[Ingestion] Dedup check failed for %s: %v", msg.ProviderMessageID, err)
			counts.Failed++
			continue
		}
		if existing != nil {
			counts.Skipped++
			continue
		}

		msg.UserID = user.ID
		if err := p.messageRepo.Insert(msg); err != nil {
			if errors.Is(err, repository.ErrDuplicateMessage) {
				counts.Skipped++
				continue
			}
			log.Printf("[Ingestion] Insert failed for %s: %v", msg.ProviderMessageID, err)
			counts.Failed++
			continue
		}
		counts.Imported++
		archiveIDs = append(archiveIDs, msg.ProviderMessageID)

		p.enricher.Enqueue(EnrichmentTask{
			UserID:            user.ID,
			ProviderMessageID: msg.ProviderMessageID,
			Content: ai.EmailContent{
				Subject: msg.Subject,
				From:    msg.SenderEmail,
				Body:    msg.BodyText,
				Snippet: msg.Snippet,
			},
		})
		counts.EnrichmentQueued++
	}

	// Archiving is cleanup in the mailbox, not part of ingest. Failures
	// here must not hold the cursor back.
	if len(archiveIDs) > 0 {
		result, err := p.provider.ArchiveAll(ctx, cred, archiveIDs)
		if err != nil {
			log.Printf("[Ingestion] Archive batch failed for %s: %v", user.ID, err)
		} else if len(result.Failed) > 0 {
			log.Printf("[Ingestion] Archive incomplete for %s: %d of %d failed",
				user.ID, len(result.Failed), len(archiveIDs))
		}
	}

	return counts
}

// rebaseline rebuilds the cursor when incremental history is gone: take
// the mailbox's current watermark, import what the inbox holds now, and
// park the cursor at that watermark. Messages that fell in the gap and
// already left the inbox are lost; that is the documented cost of an
// expired history window.
func (p *IngestionPipeline) rebaseline(ctx context.Context, user *authdomain.User) error {
	cred := credentialOf(user)

	// Watermark first. Anything arriving between this call and the list
	// below shows up in both and gets deduplicated.
	watermark, err := p.provider.Watermark(ctx, cred)
	if err != nil {
		if errors.Is(err, maildomain.ErrReauthRequired) {
			log.Printf("[Ingestion] Re-auth required for %s during re-baseline, disabling watch", user.ID)
			if derr := p.syncRepo.DisableWatch(user.ID); derr != nil {
				log.Printf("[Ingestion] Failed to disable watch for %s: %v", user.ID, derr)
			}
		}
		return fmt.Errorf("fetch watermark for %s: %w", user.ID, err)
	}

	messages, err := p.provider.ListRecentInbox(ctx, cred, 100)
	if err != nil {
		return fmt.Errorf("list inbox for %s: %w", user.ID, err)
	}

	counts := p.ingestBatch(ctx, cred, user, messages)

	if err := p.syncRepo.SaveCursor(user.ID, watermark); err != nil {
		return fmt.Errorf("save baseline cursor for %s: %w", user.ID, err)
	}

	log.Printf("[Ingestion] Re-baselined %s at %d: imported=%d skipped=%d failed=%d",
		user.ID, watermark, counts.Imported, counts.Skipped, counts.Failed)
	return nil
}

// Resync forces a full re-baseline for one user, regardless of cursor
// state. Exposed for the manual resync endpoint.
func (p *IngestionPipeline) Resync(ctx context.Context, userID string) error {
	user, err := p.userRepo.FindByID(userID)
	if err != nil {
		return fmt.Errorf("lookup user %s: %w", userID, err)
	}
	if user == nil {
		return fmt.Errorf("user %s not found", userID)
	}
	return p.rebaseline(ctx, user)
}

// StartWatch registers a Gmail watch for the user and records its
// expiration. An existing cursor is kept; the watch response only seeds
// the cursor when the user has never synced.
func (p *IngestionPipeline) StartWatch(ctx context.Context, userID string) (*maildomain.WatchInfo, error) {
	user, err := p.userRepo.FindByID(userID)
	if err != nil {
		return nil, fmt.Errorf("lookup user %s: %w", userID, err)
	}
	if user == nil {
		return nil, fmt.Errorf("user %s not found", userID)
	}

	info, err := p.provider.Watch(ctx, credentialOf(user), p.pubsubTopic)
	if err != nil {
		return nil, fmt.Errorf("register watch for %s: %w", userID, err)
	}

	historyID := info.HistoryID
	state, err := p.syncRepo.GetByUserID(userID)
	if err != nil {
		return nil, fmt.Errorf("load sync state for %s: %w", userID, err)
	}
	if state != nil && state.HistoryID > 0 {
		historyID = state.HistoryID
	}

	if err := p.syncRepo.EnableWatch(userID, historyID, info.Expiration); err != nil {
		return nil, fmt.Errorf("record watch for %s: %w", userID, err)
	}

	log.Printf("[Ingestion] Watch active for %s until %s", userID, info.Expiration.Format(time.RFC3339))
	return info, nil
}

// StopWatch tears down the user's Gmail watch
func (p *IngestionPipeline) StopWatch(ctx context.Context, userID string) error {
	user, err := p.userRepo.FindByID(userID)
	if err != nil {
		return fmt.Errorf("lookup user %s: %w", userID, err)
	}
	if user == nil {
		return fmt.Errorf("user %s not found", userID)
	}

	if err := p.provider.StopWatch(ctx, credentialOf(user)); err != nil {
		return fmt.Errorf("stop watch for %s: %w", userID, err)
	}
	return p.syncRepo.DisableWatch(userID)
}

// ListMessages returns the user's ingested messages, newest first
func (p *IngestionPipeline) ListMessages(userID string, limit, offset int) ([]*maildomain.Message, int64, error) {
	return p.messageRepo.ListByUser(userID, limit, offset)
}
