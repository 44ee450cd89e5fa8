package usecase

import (
	"context"
	"errors"
	"log"
	"time"

	maildomain "mailpilot-backend/internal/mail/domain"
)

// WatchRenewalScheduler re-registers Gmail watches before they lapse.
// Gmail expires a watch after about seven days; a mailbox whose watch
// expires silently stops producing notifications.
type WatchRenewalScheduler struct {
	pipeline *IngestionPipeline
	interval time.Duration
	window   time.Duration
	stopChan chan struct{}
}

// NewWatchRenewalScheduler creates a new scheduler
func NewWatchRenewalScheduler(pipeline *IngestionPipeline) *WatchRenewalScheduler {
	return &WatchRenewalScheduler{
		pipeline: pipeline,
		interval: 1 * time.Hour,
		window:   24 * time.Hour, // Renew anything expiring within a day
		stopChan: make(chan struct{}),
	}
}

// Start begins the scheduler loop
func (s *WatchRenewalScheduler) Start() {
	log.Printf("[WatchRenewal] Starting watch renewal scheduler (interval: %s)", s.interval)

	go func() {
		// Run immediately on start
		s.renewExpiring()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.renewExpiring()
			case <-s.stopChan:
				log.Println("[WatchRenewal] Scheduler stopped")
				return
			}
		}
	}()
}

// Stop gracefully stops the scheduler
func (s *WatchRenewalScheduler) Stop() {
	close(s.stopChan)
}

// renewExpiring re-registers every watch that expires within the window
func (s *WatchRenewalScheduler) renewExpiring() {
	states, err := s.pipeline.syncRepo.ListWatchExpiring(time.Now().Add(s.window))
	if err != nil {
		log.Printf("[WatchRenewal] Error listing expiring watches: %v", err)
		return
	}

	if len(states) == 0 {
		return
	}

	log.Printf("[WatchRenewal] Renewing %d expiring watches", len(states))

	for _, state := range states {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		info, err := s.pipeline.StartWatch(ctx, state.UserID)
		cancel()
		if err != nil {
			if errors.Is(err, maildomain.ErrReauthRequired) {
				log.Printf("[WatchRenewal] Re-auth required for %s, disabling watch", state.UserID)
				if derr := s.pipeline.syncRepo.DisableWatch(state.UserID); derr != nil {
					log.Printf("[WatchRenewal] Failed to disable watch for %s: %v", state.UserID, derr)
				}
				continue
			}
			// Transient failures get retried on the next tick.
			log.Printf("[WatchRenewal] Failed to renew watch for %s: %v", state.UserID, err)
			continue
		}
		log.Printf("[WatchRenewal] Renewed watch for %s until %s", state.UserID, info.Expiration.Format(time.RFC3339))
	}
}
