package usecase

import (
	"context"
	"log"
	"sync"
	"time"

	"mailpilot-backend/internal/mail/repository"
	"mailpilot-backend/pkg/ai"
)

// EnrichmentTask represents a queued AI summarization job for one message
type EnrichmentTask struct {
	UserID            string
	ProviderMessageID string
	Content           ai.EmailContent
}

// EnrichmentScheduler handles background AI summarization of ingested
// messages. Ingestion only hands tasks over; nothing in the sync path
// ever waits on a model call.
type EnrichmentScheduler struct {
	messageRepo repository.MessageRepository
	summarizer  ai.SummarizerService
	taskQueue   chan EnrichmentTask
	taskTimeout time.Duration
	workerWg    sync.WaitGroup
	workerCount int
	started     bool
	mu          sync.Mutex
}

// NewEnrichmentScheduler creates a new enrichment scheduler
func NewEnrichmentScheduler(
	messageRepo repository.MessageRepository,
	summarizer ai.SummarizerService,
	workerCount int,
) *EnrichmentScheduler {
	if workerCount <= 0 {
		workerCount = 3 // Default to 3 workers
	}

	return &EnrichmentScheduler{
		messageRepo: messageRepo,
		summarizer:  summarizer,
		taskQueue:   make(chan EnrichmentTask, 500), // Buffered channel
		taskTimeout: 60 * time.Second,
		workerCount: workerCount,
	}
}

// Start starts the enrichment workers
func (s *EnrichmentScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}

	for i := 0; i < s.workerCount; i++ {
		s.workerWg.Add(1)
		go s.worker(i)
	}
	s.started = true
	log.Printf("[Enrichment] Started %d workers", s.workerCount)
}

// Stop stops all workers gracefully
func (s *EnrichmentScheduler) Stop() {
	close(s.taskQueue)
	s.workerWg.Wait()
	log.Println("[Enrichment] All workers stopped")
}

// Enqueue hands a task to the worker pool without blocking the caller.
// When the queue is full the task runs on its own goroutine instead of
// being dropped; ingestion throughput stays independent either way.
func (s *EnrichmentScheduler) Enqueue(task EnrichmentTask) {
	select {
	case s.taskQueue <- task:
	default:
		log.Printf("[Enrichment] Queue full, processing %s inline", task.ProviderMessageID)
		go s.processTask(task)
	}
}

// worker processes enrichment tasks from the queue
func (s *EnrichmentScheduler) worker(id int) {
	defer s.workerWg.Done()

	for task := range s.taskQueue {
		s.processTask(task)
	}

	log.Printf("[Enrichment] Worker %d stopped", id)
}

// processTask summarizes one message. A panic in the summarizer or
// anywhere below it is contained here; the message simply stays
// unsummarized and the worker keeps going.
func (s *EnrichmentScheduler) processTask(task EnrichmentTask) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Enrichment] Panic processing %s: %v", task.ProviderMessageID, r)
		}
	}()

	if s.summarizer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.taskTimeout)
	defer cancel()

	summary, err := s.summarizer.SummarizeEmail(ctx, task.Content)
	if err != nil {
		// Leave the summary NULL. The message is already persisted and
		// visible; a later resummarize sweep can pick it up.
		log.Printf("[Enrichment] AI error for message %s: %v", task.ProviderMessageID, err)
		return
	}

	applied, err := s.messageRepo.SetSummaryIfUnset(
		task.UserID, task.ProviderMessageID,
		summary.Summary, summary.Category, summary.ActionRequired,
	)
	if err != nil {
		log.Printf("[Enrichment] Save error for message %s: %v", task.ProviderMessageID, err)
		return
	}
	if !applied {
		// A concurrent worker got there first, or the message vanished.
		return
	}

	log.Printf("[Enrichment] Summarized message %s", task.ProviderMessageID)
}
