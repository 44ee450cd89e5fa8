package usecase

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	maildomain "mailpilot-backend/internal/mail/domain"
	"mailpilot-backend/pkg/ai"

	"github.com/nalgeon/be"
)

type fakeSummarizer struct {
	calls  atomic.Int32
	result *ai.Summary
	err    error
	fn     func(content ai.EmailContent) (*ai.Summary, error)
}

func (s *fakeSummarizer) SummarizeEmail(ctx context.Context, content ai.EmailContent) (*ai.Summary, error) {
	s.calls.Add(1)
	if s.fn != nil {
		return s.fn(content)
	}
	return s.result, s.err
}

func seededRepo() *fakeMessageRepo {
	repo := newFakeMessageRepo()
	repo.messages[msgKey("user-1", "m1")] = &maildomain.Message{
		UserID:            "user-1",
		ProviderMessageID: "m1",
		Subject:           "hello",
	}
	return repo
}

func task() EnrichmentTask {
	return EnrichmentTask{
		UserID:            "user-1",
		ProviderMessageID: "m1",
		Content:           ai.EmailContent{Subject: "hello", Body: "body"},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestEnrichmentWritesSummary(t *testing.T) {
	repo := seededRepo()
	summarizer := &fakeSummarizer{result: &ai.Summary{
		Summary: "a greeting", Category: "personal", ActionRequired: false,
	}}

	s := NewEnrichmentScheduler(repo, summarizer, 1)
	s.Start()
	defer s.Stop()

	s.Enqueue(task())

	waitFor(t, func() bool {
		return repo.stored("user-1", "m1").Summary != nil
	})
	msg := repo.stored("user-1", "m1")
	be.Equal(t, *msg.Summary, "a greeting")
	be.Equal(t, msg.Category, "personal")
}

func TestEnrichmentFailureLeavesSummaryNull(t *testing.T) {
	repo := seededRepo()
	summarizer := &fakeSummarizer{err: errors.New("model offline")}

	s := NewEnrichmentScheduler(repo, summarizer, 1)
	s.Start()

	s.Enqueue(task())
	s.Stop() // drains the queue

	be.Equal(t, summarizer.calls.Load(), int32(1))
	be.Equal(t, repo.stored("user-1", "m1").Summary == nil, true)
}

func TestEnrichmentPanicContained(t *testing.T) {
	repo := seededRepo()
	repo.messages[msgKey("user-1", "m2")] = &maildomain.Message{
		UserID: "user-1", ProviderMessageID: "m2",
	}
	summarizer := &fakeSummarizer{fn: func(content ai.EmailContent) (*ai.Summary, error) {
		if content.Subject == "hello" {
			panic("summarizer exploded")
		}
		return &ai.Summary{Summary: "second", Category: "other"}, nil
	}}

	s := NewEnrichmentScheduler(repo, summarizer, 1)
	s.Start()

	// First task panics; the worker must survive to process the second
	s.Enqueue(task())
	s.Enqueue(EnrichmentTask{
		UserID:            "user-1",
		ProviderMessageID: "m2",
		Content:           ai.EmailContent{Subject: "next"},
	})

	waitFor(t, func() bool {
		return repo.stored("user-1", "m2").Summary != nil
	})
	s.Stop()
	be.Equal(t, repo.stored("user-1", "m1").Summary == nil, true)
}

func TestEnrichmentSetOnce(t *testing.T) {
	repo := seededRepo()
	existing := "already summarized"
	repo.messages[msgKey("user-1", "m1")].Summary = &existing

	summarizer := &fakeSummarizer{result: &ai.Summary{Summary: "new take"}}
	s := NewEnrichmentScheduler(repo, summarizer, 1)
	s.Start()

	s.Enqueue(task())
	s.Stop()

	be.Equal(t, *repo.stored("user-1", "m1").Summary, "already summarized")
}

func TestEnqueueOverflowDoesNotBlock(t *testing.T) {
	repo := seededRepo()
	summarizer := &fakeSummarizer{result: &ai.Summary{Summary: "s"}}

	// Workers never started: the channel fills up and overflow tasks run
	// on their own goroutines
	s := NewEnrichmentScheduler(repo, summarizer, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 600; i++ {
			s.Enqueue(task())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked ingestion")
	}
}
