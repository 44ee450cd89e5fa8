package domain

import (
	"context"
	"errors"
	"time"

	"mailpilot-backend/pkg/tokenvault"
)

// Provider error taxonomy. Classification happens exactly once, inside the
// provider adapter; callers use errors.Is and never inspect error strings.
var (
	// ErrUnauthorized: the access token was rejected. The adapter handles
	// the refresh-and-retry-once dance itself, so when this escapes the
	// adapter it has already been retried.
	ErrUnauthorized = errors.New("mail provider: unauthorized")

	// ErrReauthRequired: refresh failed or a retried call got a second 401.
	// The user must go through the consent flow again.
	ErrReauthRequired = errors.New("mail provider: re-authentication required")

	// ErrHistoryExpired: the change-log start id is too old; the caller must
	// re-baseline from a recent listing instead.
	ErrHistoryExpired = errors.New("mail provider: history expired")

	ErrRateLimited = errors.New("mail provider: rate limited")
	ErrNotFound    = errors.New("mail provider: not found")
)

// ArchiveResult reports the per-id outcome of a batched archive call.
// "Already archived" and stale ids count as succeeded: the intent is
// idempotent.
type ArchiveResult struct {
	Succeeded []string
	Failed    []string
}

// WatchInfo is the provider's push registration receipt
type WatchInfo struct {
	HistoryID  uint64
	Expiration time.Time
}

// MailProvider is the remote mailbox collaborator. Every call carries the
// user's credential explicitly; there is no shared mutable client state.
type MailProvider interface {
	// ListRecentInbox is the bounded fetch used for manual import and for
	// re-baselining after the change log expired.
	ListRecentInbox(ctx context.Context, cred tokenvault.Credential, max int64) ([]*Message, error)

	// FetchSince returns normalized messages added to the change log after
	// startHistoryID that are still in the inbox. Fails with
	// ErrHistoryExpired when startHistoryID is too old.
	FetchSince(ctx context.Context, cred tokenvault.Credential, startHistoryID uint64) ([]*Message, error)

	// ArchiveAll removes the inbox label from each id, best effort.
	ArchiveAll(ctx context.Context, cred tokenvault.Credential, ids []string) (*ArchiveResult, error)

	// Watermark returns the provider's current change-log position.
	Watermark(ctx context.Context, cred tokenvault.Credential) (uint64, error)

	Watch(ctx context.Context, cred tokenvault.Credential, topic string) (*WatchInfo, error)
	StopWatch(ctx context.Context, cred tokenvault.Credential) error
}
