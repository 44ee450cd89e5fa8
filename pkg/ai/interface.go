package ai

import (
	"context"
)

// EmailContent is the normalized input handed to a summarizer
type EmailContent struct {
	Subject string `json:"subject"`
	From    string `json:"from"`
	Body    string `json:"body"`
	Snippet string `json:"snippet"`
}

// Summary is the structured enrichment result for one email. Only
// Summary, Category and ActionRequired are persisted; the rest is
// available to callers that want richer triage signals.
type Summary struct {
	Summary        string   `json:"summary"`
	KeyPoints      []string `json:"key_points"`
	Sentiment      string   `json:"sentiment"`
	Category       string   `json:"category"`
	ActionRequired bool     `json:"action_required"`
	Confidence     float64  `json:"confidence"`
}

// SummarizerService is the interface for AI email summarization
// Implement this interface to add new AI providers (Gemini, Ollama, OpenAI, etc.)
type SummarizerService interface {
	SummarizeEmail(ctx context.Context, content EmailContent) (*Summary, error)
}

// ProviderType represents the AI provider type
type ProviderType string

const (
	ProviderGemini ProviderType = "gemini"
	ProviderOllama ProviderType = "ollama"
	ProviderAuto   ProviderType = "auto"
)

// Known categories returned by the summarizers. Anything else the model
// invents is coerced to CategoryOther before persistence.
const (
	CategoryPrimary    = "primary"
	CategoryWork       = "work"
	CategoryPersonal   = "personal"
	CategoryPromotions = "promotions"
	CategoryUpdates    = "updates"
	CategoryOther      = "other"
)

func normalizeCategory(category string) string {
	switch category {
	case CategoryPrimary, CategoryWork, CategoryPersonal, CategoryPromotions, CategoryUpdates:
		return category
	default:
		return CategoryOther
	}
}

const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

func normalizeSentiment(sentiment string) string {
	switch sentiment {
	case SentimentPositive, SentimentNegative:
		return sentiment
	default:
		return SentimentNeutral
	}
}
