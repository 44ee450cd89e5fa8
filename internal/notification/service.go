package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"mailpilot-backend/internal/mail/usecase"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// GmailNotification is the payload Gmail publishes to the watch topic
type GmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// Service pulls Gmail push notifications off a Pub/Sub subscription and
// feeds them to the ingestion pipeline.
type Service struct {
	pubsubClient *pubsub.Client
	pipeline     *usecase.IngestionPipeline
	projectID    string
	topicName    string
	subName      string
	// Deduplication: track last historyId per mailbox. Gmail frequently
	// re-sends the same position; skipping early saves API calls. The
	// cursor makes processing idempotent anyway, so losing this map on
	// restart is harmless.
	mu            sync.Mutex
	lastHistoryID map[string]uint64
}

func NewService(projectID, topicName string, pipeline *usecase.IngestionPipeline, credentialsFile string) (*Service, error) {
	ctx := context.Background()

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %v", err)
	}

	return &Service{
		pubsubClient:  client,
		pipeline:      pipeline,
		projectID:     projectID,
		topicName:     topicName,
		subName:       topicName + "-sub", // Convention: topic-sub
		lastHistoryID: make(map[string]uint64),
	}, nil
}

func (s *Service) Start(ctx context.Context) {
	log.Printf("[PubSub] Starting notification service with topic: %s, subscription: %s", s.topicName, s.subName)

	// Ensure subscription exists
	sub := s.pubsubClient.Subscription(s.subName)
	exists, err := sub.Exists(ctx)
	if err != nil {
		log.Printf("[PubSub] Error checking subscription existence: %v", err)
		return
	}

	if !exists {
		topic := s.pubsubClient.Topic(s.topicName)
		topicExists, err := topic.Exists(ctx)
		if err != nil {
			log.Printf("[PubSub] Error checking topic existence: %v", err)
			return
		}

		if !topicExists {
			log.Printf("[PubSub] Topic %s does not exist, cannot create subscription", s.topicName)
			return
		}

		sub, err = s.pubsubClient.CreateSubscription(ctx, s.subName, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: 10 * time.Second,
		})
		if err != nil {
			log.Printf("[PubSub] Failed to create subscription: %v", err)
			return
		}
		log.Printf("[PubSub] Created subscription: %s", s.subName)
	}

	log.Printf("[PubSub] Listening for messages on subscription: %s", s.subName)
	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		s.handleMessage(ctx, msg)
		// Always ack. Redelivering a notification we failed on would not
		// help: the cursor is the source of truth and the next
		// notification covers the same ground.
		msg.Ack()
	})
	if err != nil {
		log.Printf("[PubSub] Error receiving messages: %v", err)
	}
}

func (s *Service) handleMessage(ctx context.Context, msg *pubsub.Message) {
	var notification GmailNotification
	if err := json.Unmarshal(msg.Data, &notification); err != nil {
		log.Printf("[PubSub] Failed to unmarshal notification: %v", err)
		return
	}

	log.Printf("[PubSub] Notification for %s (historyId: %d)", notification.EmailAddress, notification.HistoryID)

	if s.isDuplicate(notification) {
		log.Printf("[PubSub] Skipping duplicate notification for %s (historyId %d)", notification.EmailAddress, notification.HistoryID)
		return
	}

	if err := s.pipeline.ProcessNotification(ctx, usecase.Notification{
		EmailAddress: notification.EmailAddress,
		HistoryID:    notification.HistoryID,
	}); err != nil {
		log.Printf("[PubSub] Failed to process notification for %s: %v", notification.EmailAddress, err)
	}
}

func (s *Service) isDuplicate(n GmailNotification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, seen := s.lastHistoryID[n.EmailAddress]
	if seen && n.HistoryID <= last {
		return true
	}
	s.lastHistoryID[n.EmailAddress] = n.HistoryID
	return false
}
