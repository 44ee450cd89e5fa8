package gmail

import (
	"encoding/base64"
	"log"
	"regexp"
	"strings"
	"time"

	maildomain "mailpilot-backend/internal/mail/domain"

	"google.golang.org/api/gmail/v1"
)

// Pure normalization of a raw Gmail message into the canonical record.
// Never fails: a malformed sub-field gets a safe default and a log line
// instead of sinking the whole message.

var (
	addrWithNameRe = regexp.MustCompile(`^\s*"?([^"<]*)"?\s*<\s*([^<>\s]+@[^<>\s]+)\s*>\s*$`)
	bareEmailRe    = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	htmlTagRe      = regexp.MustCompile(`<[^>]*>`)
)

// Normalize converts a full-format Gmail message into a CanonicalMessage.
// The returned record has no ID or UserID: the pipeline assigns those.
func Normalize(msg *gmail.Message) *maildomain.Message {
	headers := headerMap(msg.Payload)

	senderName, senderEmail := ParseSender(headers["From"])
	_, recipientEmail := ParseSender(headers["To"])
	if recipientEmail == "" {
		recipientEmail = headers["To"]
	}

	plain, html := extractBodies(msg.Payload)
	bodyText := plain
	if bodyText == "" && html != "" {
		// Lossy tag-strip fallback, only when no real text/plain exists
		bodyText = StripTags(html)
	}

	snippet := msg.Snippet
	if snippet == "" {
		snippet = previewOf(bodyText)
	}

	return &maildomain.Message{
		ProviderMessageID: msg.Id,
		ThreadID:          msg.ThreadId,
		Subject:           headers["Subject"],
		SenderEmail:       senderEmail,
		SenderName:        senderName,
		RecipientEmail:    recipientEmail,
		BodyText:          bodyText,
		BodyHTML:          html,
		Snippet:           snippet,
		HasAttachments:    hasAttachments(msg.Payload),
		Labels:            append(maildomain.StringArray{}, msg.LabelIds...),
		ReceivedAt:        receivedAt(msg, headers["Date"]),
	}
}

// ParseSender splits an address header into display name and email.
// "Jane Doe <jane@x.com>" -> ("Jane Doe", "jane@x.com"); a bare email token
// anywhere in the string is accepted next; anything else keeps the raw
// string as the email with an empty name.
func ParseSender(raw string) (name, email string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ""
	}

	if m := addrWithNameRe.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1]), m[2]
	}
	if m := bareEmailRe.FindString(raw); m != "" {
		return "", m
	}
	return "", raw
}

// StripTags derives plain text from HTML by tag removal, not rendering.
// Good enough for summarization input, explicitly lossy.
func StripTags(html string) string {
	text := htmlTagRe.ReplaceAllString(html, " ")
	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	text = strings.ReplaceAll(text, "&quot;", "\"")
	text = strings.ReplaceAll(text, "&#39;", "'")
	text = strings.ReplaceAll(text, "&amp;", "&")
	return strings.Join(strings.Fields(text), " ")
}

func previewOf(text string) string {
	if len(text) > 200 {
		return text[:200] + "..."
	}
	return text
}

func headerMap(payload *gmail.MessagePart) map[string]string {
	headers := make(map[string]string)
	if payload == nil {
		return headers
	}
	for _, h := range payload.Headers {
		if _, ok := headers[h.Name]; !ok {
			headers[h.Name] = h.Value
		}
	}
	return headers
}

// extractBodies walks the part tree and returns the first text/plain and
// first text/html bodies found at any depth.
func extractBodies(payload *gmail.MessagePart) (plain, html string) {
	if payload == nil {
		return "", ""
	}

	// Single-part message: the payload itself carries the body
	if payload.Body != nil && payload.Body.Data != "" {
		if data := decodeBody(payload.Body.Data); data != "" {
			if payload.MimeType == "text/html" {
				return "", data
			}
			return data, ""
		}
	}

	var walk func(parts []*gmail.MessagePart)
	walk = func(parts []*gmail.MessagePart) {
		for _, part := range parts {
			switch part.MimeType {
			case "text/plain":
				if plain == "" && part.Body != nil {
					plain = decodeBody(part.Body.Data)
				}
			case "text/html":
				if html == "" && part.Body != nil {
					html = decodeBody(part.Body.Data)
				}
			}
			if len(part.Parts) > 0 {
				walk(part.Parts)
			}
		}
	}
	walk(payload.Parts)
	return plain, html
}

func decodeBody(data string) string {
	if data == "" {
		return ""
	}
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		// Gmail omits padding on some parts
		decoded, err = base64.RawURLEncoding.DecodeString(data)
	}
	if err != nil {
		log.Printf("[Normalize] Undecodable body part, skipping: %v", err)
		return ""
	}
	return string(decoded)
}

// hasAttachments reports whether any part, at any depth, carries a filename
func hasAttachments(payload *gmail.MessagePart) bool {
	if payload == nil {
		return false
	}
	// A single-part message carries the filename on the root itself
	if payload.Filename != "" {
		return true
	}
	var walk func(parts []*gmail.MessagePart) bool
	walk = func(parts []*gmail.MessagePart) bool {
		for _, part := range parts {
			if part.Filename != "" {
				return true
			}
			if len(part.Parts) > 0 && walk(part.Parts) {
				return true
			}
		}
		return false
	}
	return walk(payload.Parts)
}

func receivedAt(msg *gmail.Message, dateHeader string) time.Time {
	if msg.InternalDate > 0 {
		return time.UnixMilli(msg.InternalDate)
	}
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, "Mon, 2 Jan 2006 15:04:05 -0700"} {
		if t, err := time.Parse(layout, dateHeader); err == nil {
			return t
		}
	}
	log.Printf("[Normalize] Unparseable date %q on message %s, using current time", dateHeader, msg.Id)
	return time.Now()
}
