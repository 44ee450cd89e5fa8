package ai

import (
	"context"

	"mailpilot-backend/pkg/gemini"
)

// GeminiSummarizer adapts the Gemini REST client to SummarizerService
type GeminiSummarizer struct {
	client *gemini.GeminiService
}

// NewGeminiSummarizer creates a Gemini-backed summarizer
func NewGeminiSummarizer(apiKey string) *GeminiSummarizer {
	return &GeminiSummarizer{
		client: gemini.NewGeminiService(apiKey),
	}
}

// SummarizeEmail implements SummarizerService
func (g *GeminiSummarizer) SummarizeEmail(ctx context.Context, content EmailContent) (*Summary, error) {
	text, err := g.client.GenerateContent(ctx, BuildSummaryPrompt(content))
	if err != nil {
		return nil, err
	}

	summary, err := ParseSummaryResponse(text)
	if err != nil {
		// Transport succeeded but the model went off script. Enrich with
		// the deterministic summary rather than reporting a failure.
		return FallbackSummary(content), nil
	}
	return summary, nil
}
