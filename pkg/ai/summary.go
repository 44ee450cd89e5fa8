package ai

import (
	"encoding/json"
	"fmt"
	"strings"
)

const summaryPromptTemplate = `You are an email triage assistant. Analyze the email below and respond with a single JSON object, no markdown, no extra text.

FIELDS:
- "summary": one or two sentences capturing what the email is about and what the reader should do, if anything
- "key_points": up to three short bullet phrases, may be empty
- "sentiment": one of "positive", "neutral", "negative"
- "category": one of "primary", "work", "personal", "promotions", "updates", "other"
- "action_required": true only if the reader must respond, pay, confirm, or meet a deadline
- "confidence": your confidence in this analysis, 0.0 to 1.0

EXAMPLE OUTPUT:
{"summary": "Team standup moved to Thursday 2pm to review the release checklist.", "key_points": ["standup moved to Thursday 2pm", "release checklist review"], "sentiment": "neutral", "category": "work", "action_required": true, "confidence": 0.9}

EMAIL:
Subject: %s
From: %s

%s

JSON:`

func BuildSummaryPrompt(content EmailContent) string {
	body := content.Body
	if body == "" {
		body = content.Snippet
	}
	// Keep the prompt bounded; long newsletters blow past model context.
	if len(body) > 8000 {
		body = body[:8000]
	}
	return fmt.Sprintf(summaryPromptTemplate, content.Subject, content.From, body)
}

// ParseSummaryResponse extracts the JSON object from raw model output.
// Models wrap answers in markdown fences or prose often enough that we
// scan for the outermost braces instead of trusting the whole string.
func ParseSummaryResponse(raw string) (*Summary, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimSuffix(text, "```")
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(text, "```")
	}
	text = strings.TrimSpace(text)

	jsonStart := strings.Index(text, "{")
	jsonEnd := strings.LastIndex(text, "}")
	if jsonStart == -1 || jsonEnd == -1 || jsonEnd < jsonStart {
		return nil, fmt.Errorf("no JSON object in model output")
	}
	text = text[jsonStart : jsonEnd+1]

	var summary Summary
	if err := json.Unmarshal([]byte(text), &summary); err != nil {
		return nil, fmt.Errorf("failed to parse summary JSON: %v", err)
	}
	if summary.Summary == "" {
		return nil, fmt.Errorf("model returned empty summary")
	}
	summary.Category = normalizeCategory(summary.Category)
	summary.Sentiment = normalizeSentiment(summary.Sentiment)
	if summary.Confidence < 0 {
		summary.Confidence = 0
	} else if summary.Confidence > 1 {
		summary.Confidence = 1
	}
	return &summary, nil
}

// FallbackSummary builds a deterministic summary from the email itself.
// Used when a provider answers but the answer cannot be parsed, so the
// message still gets enriched instead of staying in the queue forever.
func FallbackSummary(content EmailContent) *Summary {
	text := content.Snippet
	if text == "" {
		text = content.Body
	}
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > 200 {
		text = text[:200] + "..."
	}

	summary := text
	if summary == "" {
		summary = content.Subject
	}
	if summary == "" {
		summary = "(no content)"
	}

	return &Summary{
		Summary:        summary,
		Sentiment:      SentimentNeutral,
		Category:       CategoryOther,
		ActionRequired: false,
		Confidence:     0,
	}
}
