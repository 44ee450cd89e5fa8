package gmail

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	maildomain "mailpilot-backend/internal/mail/domain"
	"mailpilot-backend/pkg/tokenvault"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	inboxLabel = "INBOX"

	// one retry with a short pause for transient provider failures
	transientBackoff = 500 * time.Millisecond
)

// Client implements maildomain.MailProvider against the Gmail API. Every
// operation resolves its access token through the vault and retries exactly
// once on 401 after a forced refresh; error classification into the domain
// taxonomy happens here and nowhere else.
type Client struct {
	vault *tokenvault.Vault
}

// NewClient creates a Gmail provider adapter
func NewClient(vault *tokenvault.Vault) *Client {
	return &Client{vault: vault}
}

var _ maildomain.MailProvider = (*Client)(nil)

func (c *Client) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	srv, err := gmail.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	return srv, nil
}

// do runs fn with a valid access token, retrying once on a transient failure
// and once on 401 after forcing a refresh. A second 401 is terminal.
func (c *Client) do(ctx context.Context, cred tokenvault.Credential, fn func(srv *gmail.Service) error) error {
	token, err := c.vault.AccessToken(ctx, cred)
	if err != nil {
		return mapVaultError(err)
	}

	run := func(tok string) error {
		srv, serr := c.service(ctx, tok)
		if serr != nil {
			return serr
		}
		return fn(srv)
	}

	err = run(token)
	if isTransient(err) {
		time.Sleep(transientBackoff)
		err = run(token)
	}

	if statusCode(err) == http.StatusUnauthorized {
		refreshed, rerr := c.vault.ForceRefresh(ctx, cred, token)
		if rerr != nil {
			return fmt.Errorf("%w: %v", maildomain.ErrReauthRequired, rerr)
		}
		err = run(refreshed)
		if statusCode(err) == http.StatusUnauthorized {
			return fmt.Errorf("%w: token rejected after refresh", maildomain.ErrReauthRequired)
		}
	}

	return classify(err)
}

// ListRecentInbox performs a bounded fetch of the newest inbox messages,
// used for first imports and for re-baselining after the change log expired.
func (c *Client) ListRecentInbox(ctx context.Context, cred tokenvault.Credential, max int64) ([]*maildomain.Message, error) {
	if max <= 0 {
		max = 20
	}

	var messages []*maildomain.Message
	err := c.do(ctx, cred, func(srv *gmail.Service) error {
		messages = messages[:0]

		resp, err := srv.Users.Messages.List("me").LabelIds(inboxLabel).MaxResults(max).Do()
		if err != nil {
			return err
		}

		for _, m := range resp.Messages {
			full, err := srv.Users.Messages.Get("me", m.Id).Format("full").Do()
			if err != nil {
				if statusCode(err) == http.StatusNotFound {
					continue // message vanished between list and get
				}
				return err
			}
			messages = append(messages, Normalize(full))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// FetchSince walks the change log from startHistoryID, collecting the ids of
// added messages (deduplicated within the batch; one message can appear in
// several change records), then fetches each in full. Messages no longer
// carrying the inbox label are dropped: another agent already moved them.
func (c *Client) FetchSince(ctx context.Context, cred tokenvault.Credential, startHistoryID uint64) ([]*maildomain.Message, error) {
	var messages []*maildomain.Message
	err := c.do(ctx, cred, func(srv *gmail.Service) error {
		messages = messages[:0]

		seen := make(map[string]bool)
		var ids []string

		pageToken := ""
		for {
			call := srv.Users.History.List("me").StartHistoryId(startHistoryID).HistoryTypes("messageAdded")
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			resp, err := call.Do()
			if err != nil {
				if statusCode(err) == http.StatusNotFound {
					return fmt.Errorf("%w: start id %d", maildomain.ErrHistoryExpired, startHistoryID)
				}
				return err
			}

			for _, h := range resp.History {
				for _, added := range h.MessagesAdded {
					if added.Message == nil || seen[added.Message.Id] {
						continue
					}
					seen[added.Message.Id] = true
					ids = append(ids, added.Message.Id)
				}
			}

			pageToken = resp.NextPageToken
			if pageToken == "" {
				break
			}
		}

		for _, id := range ids {
			full, err := srv.Users.Messages.Get("me", id).Format("full").Do()
			if err != nil {
				if statusCode(err) == http.StatusNotFound {
					continue
				}
				return err
			}
			if !hasLabel(full.LabelIds, inboxLabel) {
				continue
			}
			messages = append(messages, Normalize(full))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// ArchiveAll removes the inbox label from each id. Best effort per id:
// a stale or already-archived id counts as succeeded, archiving is a side
// effect layered after durability and its intent is idempotent.
func (c *Client) ArchiveAll(ctx context.Context, cred tokenvault.Credential, ids []string) (*maildomain.ArchiveResult, error) {
	result := &maildomain.ArchiveResult{}
	if len(ids) == 0 {
		return result, nil
	}

	err := c.do(ctx, cred, func(srv *gmail.Service) error {
		result.Succeeded = result.Succeeded[:0]
		result.Failed = result.Failed[:0]

		req := &gmail.ModifyMessageRequest{RemoveLabelIds: []string{inboxLabel}}
		for _, id := range ids {
			_, err := srv.Users.Messages.Modify("me", id, req).Do()
			switch code := statusCode(err); {
			case err == nil, code == http.StatusNotFound, code == http.StatusBadRequest:
				result.Succeeded = append(result.Succeeded, id)
			case code == http.StatusUnauthorized:
				return err // let do() refresh and rerun the batch
			default:
				log.Printf("[Gmail] Archive failed for message %s: %v", id, err)
				result.Failed = append(result.Failed, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Watermark returns the mailbox's current change-log position
func (c *Client) Watermark(ctx context.Context, cred tokenvault.Credential) (uint64, error) {
	var historyID uint64
	err := c.do(ctx, cred, func(srv *gmail.Service) error {
		profile, err := srv.Users.GetProfile("me").Do()
		if err != nil {
			return err
		}
		historyID = profile.HistoryId
		return nil
	})
	if err != nil {
		return 0, err
	}
	return historyID, nil
}

// Watch registers push notifications for the inbox. Any existing watch is
// stopped first: Gmail allows only one push client per user.
func (c *Client) Watch(ctx context.Context, cred tokenvault.Credential, topic string) (*maildomain.WatchInfo, error) {
	var info *maildomain.WatchInfo
	err := c.do(ctx, cred, func(srv *gmail.Service) error {
		_ = srv.Users.Stop("me").Do()

		resp, err := srv.Users.Watch("me", &gmail.WatchRequest{
			TopicName: topic,
			LabelIds:  []string{inboxLabel},
		}).Do()
		if err != nil {
			return err
		}
		info = &maildomain.WatchInfo{
			HistoryID:  resp.HistoryId,
			Expiration: time.UnixMilli(resp.Expiration),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// StopWatch cancels the push registration
func (c *Client) StopWatch(ctx context.Context, cred tokenvault.Credential) error {
	return c.do(ctx, cred, func(srv *gmail.Service) error {
		return srv.Users.Stop("me").Do()
	})
}

// statusCode extracts the HTTP status from a googleapi error, 0 otherwise
func statusCode(err error) int {
	if err == nil {
		return 0
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

func isTransient(err error) bool {
	switch code := statusCode(err); {
	case code >= 500:
		return true
	case code == http.StatusTooManyRequests:
		return true
	case code == http.StatusForbidden:
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			for _, e := range gerr.Errors {
				if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
					return true
				}
			}
		}
	}
	return false
}

// classify maps a raw provider error onto the domain taxonomy exactly once.
// Errors already carrying a domain sentinel pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, maildomain.ErrHistoryExpired) || errors.Is(err, maildomain.ErrReauthRequired) {
		return err
	}

	switch code := statusCode(err); {
	case code == http.StatusUnauthorized:
		return fmt.Errorf("%w: %v", maildomain.ErrUnauthorized, err)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %v", maildomain.ErrNotFound, err)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", maildomain.ErrRateLimited, err)
	case code == http.StatusForbidden && isTransient(err):
		return fmt.Errorf("%w: %v", maildomain.ErrRateLimited, err)
	}
	return err
}

func mapVaultError(err error) error {
	if errors.Is(err, tokenvault.ErrNoRefreshToken) || errors.Is(err, tokenvault.ErrRefreshRejected) {
		return fmt.Errorf("%w: %v", maildomain.ErrReauthRequired, err)
	}
	return err
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}
