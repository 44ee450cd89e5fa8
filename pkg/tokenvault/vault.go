package tokenvault

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// Credential is a user's OAuth token pair. It is a value: callers hand a
// snapshot into each provider call and the vault owns the live state.
type Credential struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// PersistFunc writes a refreshed credential back to storage. It runs in the
// background; a persist failure never fails the call that triggered the
// refresh: the in-memory token stays authoritative for the call chain.
type PersistFunc func(cred Credential) error

var (
	// ErrNoRefreshToken: the token is expired and there is nothing to
	// exchange. Surfaces to the caller as "re-authentication required".
	ErrNoRefreshToken = errors.New("tokenvault: no refresh token available")

	// ErrRefreshRejected: the authorization server refused the refresh
	// grant (revoked or rotated-away token).
	ErrRefreshRejected = errors.New("tokenvault: refresh grant rejected")
)

// Refresh proactively this long before the recorded expiry.
const expiryMargin = 5 * time.Minute

// Vault manages per-user OAuth credentials and their refresh lifecycle.
// At most one refresh grant is in flight per user at a time: some providers
// rotate refresh tokens, so a concurrent double-exchange can invalidate the
// token a sibling caller is about to use. Callers needing a refresh block on
// the per-user entry until the single in-flight exchange completes.
type Vault struct {
	exchange func(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	persist  PersistFunc

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.Mutex // held across the refresh exchange: per-user single flight
	cred Credential
}

// New creates a vault that exchanges refresh tokens against the given OAuth
// config and schedules write-backs through persist.
func New(conf *oauth2.Config, persist PersistFunc) *Vault {
	return &Vault{
		exchange: func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
			return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		},
		persist: persist,
		entries: make(map[string]*entry),
	}
}

// AccessToken returns a token valid for at least expiryMargin, refreshing if
// needed. cred seeds the vault on first sight of the user; afterwards the
// vault's in-memory state wins, except that a caller carrying a fresher
// credential (e.g. after a new consent flow) replaces the stale one.
func (v *Vault) AccessToken(ctx context.Context, cred Credential) (string, error) {
	e := v.entryFor(cred)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cred.AccessToken != "" && time.Until(e.cred.Expiry) > expiryMargin {
		return e.cred.AccessToken, nil
	}
	return v.refreshLocked(ctx, e)
}

// ForceRefresh discards the access token that was just rejected downstream
// and obtains a new one. If another caller already replaced the rejected
// token, the replacement is returned without a second exchange.
func (v *Vault) ForceRefresh(ctx context.Context, cred Credential, rejectedToken string) (string, error) {
	e := v.entryFor(cred)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cred.AccessToken != rejectedToken && e.cred.AccessToken != "" && time.Until(e.cred.Expiry) > 0 {
		return e.cred.AccessToken, nil
	}
	return v.refreshLocked(ctx, e)
}

// Snapshot returns the vault's current view of a user's credential.
func (v *Vault) Snapshot(cred Credential) Credential {
	e := v.entryFor(cred)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cred
}

func (v *Vault) entryFor(cred Credential) *entry {
	// v.mu guards only the map. It is released before touching e.mu,
	// which can be held across a refresh exchange for another caller;
	// taking both would stall every user behind one user's refresh.
	v.mu.Lock()
	e, ok := v.entries[cred.UserID]
	if !ok {
		e = &entry{cred: cred}
		v.entries[cred.UserID] = e
	}
	v.mu.Unlock()
	if !ok {
		return e
	}

	e.mu.Lock()
	if cred.Expiry.After(e.cred.Expiry) && cred.AccessToken != "" {
		e.cred.AccessToken = cred.AccessToken
		e.cred.Expiry = cred.Expiry
	}
	// A refresh token, once known, is never replaced by an empty one
	if e.cred.RefreshToken == "" && cred.RefreshToken != "" {
		e.cred.RefreshToken = cred.RefreshToken
	}
	e.mu.Unlock()

	return e
}

// refreshLocked performs the refresh-grant exchange. e.mu must be held.
func (v *Vault) refreshLocked(ctx context.Context, e *entry) (string, error) {
	if e.cred.RefreshToken == "" {
		return "", ErrNoRefreshToken
	}

	tok, err := v.exchange(ctx, e.cred.RefreshToken)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return "", fmt.Errorf("%w: %v", ErrRefreshRejected, err)
		}
		return "", fmt.Errorf("refresh token exchange: %w", err)
	}

	e.cred.AccessToken = tok.AccessToken
	e.cred.Expiry = tok.Expiry
	if tok.RefreshToken != "" {
		e.cred.RefreshToken = tok.RefreshToken
	}

	if v.persist != nil {
		snapshot := e.cred
		go func() {
			if err := v.persist(snapshot); err != nil {
				log.Printf("[TokenVault] Failed to persist refreshed token for user %s: %v", snapshot.UserID, err)
			}
		}()
	}

	return e.cred.AccessToken, nil
}
