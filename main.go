package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	api "mailpilot-backend/cmd/api"
	authdomain "mailpilot-backend/internal/auth/domain"
	authRepo "mailpilot-backend/internal/auth/repository"
	authUsecase "mailpilot-backend/internal/auth/usecase"
	maildomain "mailpilot-backend/internal/mail/domain"
	mailRepo "mailpilot-backend/internal/mail/repository"
	mailUsecase "mailpilot-backend/internal/mail/usecase"
	"mailpilot-backend/internal/notification"
	"mailpilot-backend/pkg/ai"
	"mailpilot-backend/pkg/config"
	"mailpilot-backend/pkg/database"
	"mailpilot-backend/pkg/gmail"
	"mailpilot-backend/pkg/tokenvault"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize database
	db, err := database.NewPostgresConnection(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Auto-migrate database schemas
	if err := db.AutoMigrate(&authdomain.User{}, &authdomain.RefreshToken{}, &maildomain.Message{}, &maildomain.SyncState{}); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	// Initialize repositories (dependency injection)
	userRepo := authRepo.NewUserRepository(db)
	messageRepo := mailRepo.NewMessageRepository(db)
	syncStateRepo := mailRepo.NewSyncStateRepository(db)

	// Token vault: refreshed credentials are written back through the
	// user repository in the background.
	oauthConf := &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURI,
		Endpoint:     google.Endpoint,
		Scopes: []string{
			"https://www.googleapis.com/auth/gmail.modify",
			"https://www.googleapis.com/auth/userinfo.email",
		},
	}
	vault := tokenvault.New(oauthConf, func(cred tokenvault.Credential) error {
		return userRepo.UpdateCredential(cred.UserID, cred.AccessToken, cred.RefreshToken, cred.Expiry)
	})

	// Gmail provider
	gmailClient := gmail.NewClient(vault)

	// AI summarizer
	summarizer, err := ai.NewSummarizerService(ai.Config{
		Provider:      ai.ProviderType(cfg.AIProvider),
		GeminiAPIKey:  cfg.GeminiAPIKey,
		OllamaBaseURL: cfg.OllamaBaseURL,
		OllamaModel:   cfg.OllamaModel,
	})
	if err != nil {
		log.Printf("[WARN] Failed to initialize AI service, enrichment disabled: %v", err)
	}

	// Enrichment workers
	enricher := mailUsecase.NewEnrichmentScheduler(messageRepo, summarizer, cfg.EnrichmentWorkers)
	enricher.Start()

	// Gmail watch wants the full topic resource name; the pull subscriber
	// wants the short one.
	topicName := cfg.GooglePubSubTopic
	if parts := strings.Split(topicName, "/"); len(parts) > 1 {
		topicName = parts[len(parts)-1]
	}
	topicResource := cfg.GooglePubSubTopic
	if !strings.HasPrefix(topicResource, "projects/") {
		topicResource = fmt.Sprintf("projects/%s/topics/%s", cfg.GoogleProjectID, topicName)
	}

	// Ingestion pipeline
	pipeline := mailUsecase.NewIngestionPipeline(
		userRepo, messageRepo, syncStateRepo,
		gmailClient, enricher, topicResource,
	)

	// Notification Service (Pub/Sub pull). Only start if project ID is
	// configured; the push webhook works either way.
	if cfg.GoogleProjectID != "" {
		notifService, err := notification.NewService(cfg.GoogleProjectID, topicName, pipeline, cfg.GoogleCredentials)
		if err != nil {
			log.Printf("[ERROR] Failed to initialize notification service: %v", err)
		} else {
			go notifService.Start(context.Background())
		}
	} else {
		log.Printf("[WARN] GOOGLE_PROJECT_ID not configured, pull subscriber disabled")
	}

	// Watch renewal
	watchRenewal := mailUsecase.NewWatchRenewalScheduler(pipeline)
	watchRenewal.Start()

	// Initialize use cases (dependency injection)
	authUsecaseInstance := authUsecase.NewAuthUsecase(userRepo, cfg)

	// Initialize HTTP handler
	handler := api.NewHandler(authUsecaseInstance, pipeline, cfg)

	log.Printf("Server starting on port %s", cfg.Port)
	if err := handler.Start(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
