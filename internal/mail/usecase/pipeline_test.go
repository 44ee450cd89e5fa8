package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	authdomain "mailpilot-backend/internal/auth/domain"
	maildomain "mailpilot-backend/internal/mail/domain"
	"mailpilot-backend/internal/mail/repository"
	"mailpilot-backend/pkg/ai"
	"mailpilot-backend/pkg/tokenvault"

	"github.com/nalgeon/be"
)

// --- fakes ---

type fakeUserRepo struct {
	users []*authdomain.User
}

func (r *fakeUserRepo) Create(user *authdomain.User) error { r.users = append(r.users, user); return nil }
func (r *fakeUserRepo) FindByEmail(email string) (*authdomain.User, error) {
	for _, u := range r.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, nil
}
func (r *fakeUserRepo) FindByID(id string) (*authdomain.User, error) {
	for _, u := range r.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, nil
}
func (r *fakeUserRepo) Update(user *authdomain.User) error { return nil }
func (r *fakeUserRepo) UpdateCredential(userID, accessToken, refreshToken string, expiry time.Time) error {
	return nil
}
func (r *fakeUserRepo) SaveRefreshToken(token *authdomain.RefreshToken) error { return nil }
func (r *fakeUserRepo) FindRefreshToken(token string) (*authdomain.RefreshToken, error) {
	return nil, nil
}
func (r *fakeUserRepo) DeleteRefreshToken(token string) error { return nil }

type fakeMessageRepo struct {
	mu        sync.Mutex
	messages  map[string]*maildomain.Message // keyed userID+providerMessageID
	insertErr error
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{messages: make(map[string]*maildomain.Message)}
}

func msgKey(userID, pmid string) string { return userID + "/" + pmid }

func (r *fakeMessageRepo) FindByProviderID(userID, pmid string) (*maildomain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messages[msgKey(userID, pmid)], nil
}
func (r *fakeMessageRepo) Insert(msg *maildomain.Message) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := msgKey(msg.UserID, msg.ProviderMessageID)
	if _, exists := r.messages[key]; exists {
		return repository.ErrDuplicateMessage
	}
	r.messages[key] = msg
	return nil
}
func (r *fakeMessageRepo) SetSummaryIfUnset(userID, pmid, summary, category string, actionRequired bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[msgKey(userID, pmid)]
	if !ok || msg.Summary != nil {
		return false, nil
	}
	msg.Summary = &summary
	msg.Category = category
	msg.ActionRequired = actionRequired
	return true, nil
}
func (r *fakeMessageRepo) ListByUser(userID string, limit, offset int) ([]*maildomain.Message, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*maildomain.Message
	for _, m := range r.messages {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, int64(len(out)), nil
}

// stored is a lock-safe peek for assertions
func (r *fakeMessageRepo) stored(userID, pmid string) *maildomain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg, ok := r.messages[msgKey(userID, pmid)]; ok {
		copied := *msg
		return &copied
	}
	return nil
}

type fakeSyncRepo struct {
	states      map[string]*maildomain.SyncState
	cursorSaves int
}

func newFakeSyncRepo() *fakeSyncRepo {
	return &fakeSyncRepo{states: make(map[string]*maildomain.SyncState)}
}

func (r *fakeSyncRepo) GetByUserID(userID string) (*maildomain.SyncState, error) {
	return r.states[userID], nil
}
func (r *fakeSyncRepo) SaveCursor(userID string, historyID uint64) error {
	r.cursorSaves++
	state, ok := r.states[userID]
	if !ok {
		state = &maildomain.SyncState{UserID: userID}
		r.states[userID] = state
	}
	state.HistoryID = historyID
	return nil
}
func (r *fakeSyncRepo) EnableWatch(userID string, historyID uint64, expiration time.Time) error {
	state, ok := r.states[userID]
	if !ok {
		state = &maildomain.SyncState{UserID: userID}
		r.states[userID] = state
	}
	state.HistoryID = historyID
	state.WatchEnabled = true
	state.WatchExpiration = &expiration
	return nil
}
func (r *fakeSyncRepo) DisableWatch(userID string) error {
	if state, ok := r.states[userID]; ok {
		state.WatchEnabled = false
		state.WatchExpiration = nil
	}
	return nil
}
func (r *fakeSyncRepo) ListWatchExpiring(before time.Time) ([]*maildomain.SyncState, error) {
	var out []*maildomain.SyncState
	for _, s := range r.states {
		if s.WatchEnabled && s.WatchExpiration != nil && s.WatchExpiration.Before(before) {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeProvider struct {
	fetchResult   []*maildomain.Message
	fetchErr      error
	fetchStartIDs []uint64
	listResult    []*maildomain.Message
	listErr       error
	watermark     uint64
	watermarkErr  error
	archived      []string
	archiveErr    error
	watchInfo     *maildomain.WatchInfo
	watchErr      error
	stopCalled    bool
}

func (p *fakeProvider) ListRecentInbox(ctx context.Context, cred tokenvault.Credential, max int64) ([]*maildomain.Message, error) {
	return p.listResult, p.listErr
}
func (p *fakeProvider) FetchSince(ctx context.Context, cred tokenvault.Credential, startHistoryID uint64) ([]*maildomain.Message, error) {
	p.fetchStartIDs = append(p.fetchStartIDs, startHistoryID)
	return p.fetchResult, p.fetchErr
}
func (p *fakeProvider) ArchiveAll(ctx context.Context, cred tokenvault.Credential, ids []string) (*maildomain.ArchiveResult, error) {
	if p.archiveErr != nil {
		return nil, p.archiveErr
	}
	p.archived = append(p.archived, ids...)
	return &maildomain.ArchiveResult{Succeeded: ids}, nil
}
func (p *fakeProvider) Watermark(ctx context.Context, cred tokenvault.Credential) (uint64, error) {
	return p.watermark, p.watermarkErr
}
func (p *fakeProvider) Watch(ctx context.Context, cred tokenvault.Credential, topic string) (*maildomain.WatchInfo, error) {
	return p.watchInfo, p.watchErr
}
func (p *fakeProvider) StopWatch(ctx context.Context, cred tokenvault.Credential) error {
	p.stopCalled = true
	return nil
}

type fakeEnricher struct {
	tasks []EnrichmentTask
}

func (e *fakeEnricher) Enqueue(task EnrichmentTask) { e.tasks = append(e.tasks, task) }

// --- helpers ---

func rawMsg(id string) *maildomain.Message {
	return &maildomain.Message{
		ProviderMessageID: id,
		Subject:           "subject " + id,
		SenderEmail:       "sender@example.com",
		BodyText:          "body " + id,
		ReceivedAt:        time.Now(),
	}
}

type testEnv struct {
	users    *fakeUserRepo
	messages *fakeMessageRepo
	sync     *fakeSyncRepo
	provider *fakeProvider
	enricher *fakeEnricher
	pipeline *IngestionPipeline
}

func newTestEnv() *testEnv {
	env := &testEnv{
		users: &fakeUserRepo{users: []*authdomain.User{{
			ID:           "user-1",
			Email:        "alice@example.com",
			AccessToken:  "at",
			RefreshToken: "rt",
			TokenExpiry:  time.Now().Add(time.Hour),
		}}},
		messages: newFakeMessageRepo(),
		sync:     newFakeSyncRepo(),
		provider: &fakeProvider{},
		enricher: &fakeEnricher{},
	}
	env.pipeline = NewIngestionPipeline(env.users, env.messages, env.sync, env.provider, env.enricher, "projects/p/topics/t")
	return env
}

// --- tests ---

func TestProcessNotificationImportsAndAdvancesCursor(t *testing.T) {
	env := newTestEnv()
	env.sync.states["user-1"] = &maildomain.SyncState{UserID: "user-1", HistoryID: 100}
	env.provider.fetchResult = []*maildomain.Message{rawMsg("m1"), rawMsg("m2")}

	err := env.pipeline.ProcessNotification(context.Background(), Notification{
		EmailAddress: "alice@example.com",
		HistoryID:    150,
	})
	be.Err(t, err, nil)

	// Fetch started from the stored cursor
	be.Equal(t, env.provider.fetchStartIDs, []uint64{100})

	// Both messages persisted with identity assigned
	be.Equal(t, len(env.messages.messages), 2)
	stored := env.messages.messages[msgKey("user-1", "m1")]
	be.Equal(t, stored.UserID, "user-1")

	// Both queued for enrichment and archived
	be.Equal(t, len(env.enricher.tasks), 2)
	be.Equal(t, env.provider.archived, []string{"m1", "m2"})

	// Cursor advanced to the notification position, exactly once
	be.Equal(t, env.sync.states["user-1"].HistoryID, uint64(150))
	be.Equal(t, env.sync.cursorSaves, 1)
}

func TestProcessNotificationEmptyFetchStillAdvances(t *testing.T) {
	env := newTestEnv()
	env.sync.states["user-1"] = &maildomain.SyncState{UserID: "user-1", HistoryID: 100}
	env.provider.fetchResult = nil

	err := env.pipeline.ProcessNotification(context.Background(), Notification{
		EmailAddress: "alice@example.com",
		HistoryID:    150,
	})
	be.Err(t, err, nil)
	be.Equal(t, env.sync.states["user-1"].HistoryID, uint64(150))
}

func TestProcessNotificationStaleHistoryIDDoesNotMoveCursorBack(t *testing.T) {
	env := newTestEnv()
	env.sync.states["user-1"] = &maildomain.SyncState{UserID: "user-1", HistoryID: 100}
	env.provider.fetchResult = nil

	// Redelivery carrying an older history ID than the stored cursor
	err := env.pipeline.ProcessNotification(context.Background(), Notification{
		EmailAddress: "alice@example.com",
		HistoryID:    90,
	})
	be.Err(t, err, nil)
	be.Equal(t, env.sync.states["user-1"].HistoryID, uint64(100))
}

func TestProcessNotificationIdempotent(t *testing.T) {
	env := newTestEnv()
	env.sync.states["user-1"] = &maildomain.SyncState{UserID: "user-1", HistoryID: 100}
	env.provider.fetchResult = []*maildomain.Message{rawMsg("m1")}

	n := Notification{EmailAddress: "alice@example.com", HistoryID: 150}
	be.Err(t, env.pipeline.ProcessNotification(context.Background(), n), nil)

	// Redelivery of the same window: message already stored, only skips
	env.provider.fetchResult = []*maildomain.Message{rawMsg("m1")}
	be.Err(t, env.pipeline.ProcessNotification(context.Background(), n), nil)

	be.Equal(t, len(env.messages.messages), 1)
	be.Equal(t, len(env.enricher.tasks), 1)
}

func TestProcessNotificationUnknownMailboxDropped(t *testing.T) {
	env := newTestEnv()

	err := env.pipeline.ProcessNotification(context.Background(), Notification{
		EmailAddress: "stranger@example.com",
		HistoryID:    150,
	})
	be.Err(t, err, nil)
	be.Equal(t, env.sync.cursorSaves, 0)
}

func TestProcessNotificationFirstSyncBacksUpOneStep(t *testing.T) {
	env := newTestEnv()
	env.provider.fetchResult = []*maildomain.Message{rawMsg("m1")}

	err := env.pipeline.ProcessNotification(context.Background(), Notification{
		EmailAddress: "alice@example.com",
		HistoryID:    200,
	})
	be.Err(t, err, nil)
	be.Equal(t, env.provider.fetchStartIDs, []uint64{199})
	be.Equal(t, env.sync.states["user-1"].HistoryID, uint64(200))
}

func TestProcessNotificationDoesNotWaitOnSummarizer(t *testing.T) {
	env := newTestEnv()
	env.sync.states["user-1"] = &maildomain.SyncState{UserID: "user-1", HistoryID: 100}
	env.provider.fetchResult = []*maildomain.Message{rawMsg("m1")}

	release := make(chan struct{})
	summarizer := &fakeSummarizer{fn: func(content ai.EmailContent) (*ai.Summary, error) {
		<-release // summarizer stays busy until the pipeline has returned
		return &ai.Summary{Summary: "done at last", Category: ai.CategoryOther}, nil
	}}
	scheduler := NewEnrichmentScheduler(env.messages, summarizer, 1)
	scheduler.Start()
	defer scheduler.Stop()
	env.pipeline = NewIngestionPipeline(env.users, env.messages, env.sync, env.provider, scheduler, "projects/p/topics/t")

	done := make(chan error, 1)
	go func() {
		done <- env.pipeline.ProcessNotification(context.Background(), Notification{
			EmailAddress: "alice@example.com",
			HistoryID:    150,
		})
	}()

	select {
	case err := <-done:
		be.Err(t, err, nil)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("pipeline waited on the summarizer")
	}
	be.Equal(t, env.sync.states["user-1"].HistoryID, uint64(150))

	// Enrichment still lands once the summarizer comes back
	close(release)
	waitFor(t, func() bool {
		msg := env.messages.stored("user-1", "m1")
		return msg != nil && msg.Summary != nil
	})
}

func TestProcessNotificationPartialFailureStillAdvances(t *testing.T) {
	env := newTestEnv()
	env.sync.states["user-1"] = &maildomain.SyncState{UserID: "user-1", HistoryID: 100}
	env.provider.fetchResult = []*maildomain.Message{rawMsg("m1"), rawMsg("m2")}
	env.messages.insertErr = fmt.Errorf("disk full")

	err := env.pipeline.ProcessNotification(context.Background(), Notification{
		EmailAddress: "alice@example.com",
		HistoryID:    150,
	})
	be.Err(t, err, nil)

	// Nothing stored, nothing enriched, but the cursor still moved
	be.Equal(t, len(env.messages.messages), 0)
	be.Equal(t, len(env.enricher.tasks), 0)
	be.Equal(t, env.sync.states["user-1"].HistoryID, uint64(150))
}

func TestProcessNotificationFetchErrorDoesNotAdvance(t *testing.T) {
	env := newTestEnv()
	env.sync.states["user-1"] = &maildomain.SyncState{UserID: "user-1", HistoryID: 100}
	env.provider.fetchErr = errors.New("network down")

	err := env.pipeline.ProcessNotification(context.Background(), Notification{
		EmailAddress: "alice@example.com",
		HistoryID:    150,
	})
	be.True(t, err != nil)
	be.Equal(t, env.sync.states["user-1"].HistoryID, uint64(100))
}

func TestProcessNotificationArchiveFailureDoesNotGate(t *testing.T) {
	env := newTestEnv()
	env.sync.states["user-1"] = &maildomain.SyncState{UserID: "user-1", HistoryID: 100}
	env.provider.fetchResult = []*maildomain.Message{rawMsg("m1")}
	env.provider.archiveErr = errors.New("rate limited")

	err := env.pipeline.ProcessNotification(context.Background(), Notification{
		EmailAddress: "alice@example.com",
		HistoryID:    150,
	})
	be.Err(t, err, nil)
	be.Equal(t, len(env.messages.messages), 1)
	be.Equal(t, env.sync.states["user-1"].HistoryID, uint64(150))
}

func TestProcessNotificationHistoryExpiredRebaselines(t *testing.T) {
	env := newTestEnv()
	env.sync.states["user-1"] = &maildomain.SyncState{UserID: "user-1", HistoryID: 100}
	env.provider.fetchErr = fmt.Errorf("history gone: %w", maildomain.ErrHistoryExpired)
	env.provider.watermark = 500
	env.provider.listResult = []*maildomain.Message{rawMsg("m1"), rawMsg("m2")}

	err := env.pipeline.ProcessNotification(context.Background(), Notification{
		EmailAddress: "alice@example.com",
		HistoryID:    150,
	})
	be.Err(t, err, nil)

	// Inbox contents imported, cursor parked at the fresh watermark
	be.Equal(t, len(env.messages.messages), 2)
	be.Equal(t, env.sync.states["user-1"].HistoryID, uint64(500))
}

func TestProcessNotificationReauthDisablesWatch(t *testing.T) {
	env := newTestEnv()
	env.sync.states["user-1"] = &maildomain.SyncState{
		UserID: "user-1", HistoryID: 100, WatchEnabled: true,
	}
	env.provider.fetchErr = fmt.Errorf("token dead: %w", maildomain.ErrReauthRequired)

	err := env.pipeline.ProcessNotification(context.Background(), Notification{
		EmailAddress: "alice@example.com",
		HistoryID:    150,
	})
	be.True(t, errors.Is(err, maildomain.ErrReauthRequired))
	be.Equal(t, env.sync.states["user-1"].WatchEnabled, false)
	be.Equal(t, env.sync.states["user-1"].HistoryID, uint64(100))
}

func TestResyncRebaselines(t *testing.T) {
	env := newTestEnv()
	env.sync.states["user-1"] = &maildomain.SyncState{UserID: "user-1", HistoryID: 100}
	env.provider.watermark = 900
	env.provider.listResult = []*maildomain.Message{rawMsg("m1")}

	err := env.pipeline.Resync(context.Background(), "user-1")
	be.Err(t, err, nil)
	be.Equal(t, len(env.messages.messages), 1)
	be.Equal(t, env.sync.states["user-1"].HistoryID, uint64(900))
}

func TestStartWatchKeepsExistingCursor(t *testing.T) {
	env := newTestEnv()
	env.sync.states["user-1"] = &maildomain.SyncState{UserID: "user-1", HistoryID: 100}
	exp := time.Now().Add(7 * 24 * time.Hour)
	env.provider.watchInfo = &maildomain.WatchInfo{HistoryID: 400, Expiration: exp}

	info, err := env.pipeline.StartWatch(context.Background(), "user-1")
	be.Err(t, err, nil)
	be.Equal(t, info.HistoryID, uint64(400))

	state := env.sync.states["user-1"]
	be.Equal(t, state.WatchEnabled, true)
	// Existing cursor preserved; the watch response does not overwrite it
	be.Equal(t, state.HistoryID, uint64(100))
}

func TestStartWatchSeedsCursorForNewUser(t *testing.T) {
	env := newTestEnv()
	exp := time.Now().Add(7 * 24 * time.Hour)
	env.provider.watchInfo = &maildomain.WatchInfo{HistoryID: 400, Expiration: exp}

	_, err := env.pipeline.StartWatch(context.Background(), "user-1")
	be.Err(t, err, nil)
	be.Equal(t, env.sync.states["user-1"].HistoryID, uint64(400))
}

func TestStopWatch(t *testing.T) {
	env := newTestEnv()
	env.sync.states["user-1"] = &maildomain.SyncState{UserID: "user-1", WatchEnabled: true}

	err := env.pipeline.StopWatch(context.Background(), "user-1")
	be.Err(t, err, nil)
	be.Equal(t, env.provider.stopCalled, true)
	be.Equal(t, env.sync.states["user-1"].WatchEnabled, false)
}
