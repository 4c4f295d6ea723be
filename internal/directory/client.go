package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

const (
	maxRetries  = 4
	backoffBase = 250 * time.Millisecond
)

// Client talks to the directory/mailbox service over HTTP. Every call
// carries an explicit timeout after which it fails as transient.
type Client struct {
	baseURL  string
	username string
	token    string
	http     *http.Client
	logger   zerolog.Logger
}

// NewClient creates a directory client authenticated as username.
func NewClient(baseURL, username, token string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		username: username,
		token:    token,
		http:     &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "directory").Logger(),
	}
}

// Lookup resolves a username to its directory record. A missing entry is
// ErrNotFound; anything else that fails is transient.
func (c *Client) Lookup(ctx context.Context, username string) (*UserRecord, error) {
	var rec UserRecord
	if err := c.doJSON(ctx, http.MethodGet, "/users/"+url.PathEscape(username), nil, &rec, false); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Register performs the idempotent presence upsert for this node,
// retrying transient failures with bounded exponential backoff.
func (c *Client) Register(ctx context.Context, req RegisterRequest) error {
	return c.withBackoff(ctx, "register", func() error {
		return c.doJSON(ctx, http.MethodPost, "/register", req, nil, false)
	})
}

// Heartbeat refreshes last_seen and the advertised address, retrying
// transient failures with bounded exponential backoff.
func (c *Client) Heartbeat(ctx context.Context, address string) error {
	return c.withBackoff(ctx, "heartbeat", func() error {
		return c.doJSON(ctx, http.MethodPost, "/heartbeat", HeartbeatRequest{Address: address}, nil, true)
	})
}

// Enqueue appends one mailbox row for an offline recipient. There is no
// hidden retry: a failure here is surfaced immediately to the caller as
// an undelivered outcome.
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	var resp EnqueueResponse
	if err := c.doJSON(ctx, http.MethodPost, "/mailbox", req, &resp, false); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Drain fetches all pending mailbox rows for this node, oldest first.
// Rows are not deleted; each must be acknowledged after local application.
func (c *Client) Drain(ctx context.Context) ([]MailboxMessage, error) {
	var resp MailboxResponse
	if err := c.doJSON(ctx, http.MethodGet, "/mailbox/"+url.PathEscape(c.username), nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Acknowledge deletes one mailbox row by remote record id. Called only
// after the message has been applied locally.
func (c *Client) Acknowledge(ctx context.Context, recordID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/mailbox/row/"+url.PathEscape(recordID), nil, nil, true)
}

// withBackoff retries op on transient errors only.
func (c *Client) withBackoff(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffBase << (attempt - 1)
			c.logger.Debug().Str("op", op).Int("attempt", attempt).Dur("delay", delay).Msg("retrying directory call")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &TransientError{Op: op, Err: ctx.Err()}
			}
		}
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
	}
	return err
}

// doJSON performs one HTTP round trip, optionally with owner credentials,
// and decodes the response into out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any, authed bool) error {
	op := method + " " + path

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set(HeaderUser, c.username)
		req.Header.Set(HeaderToken, c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case resp.StatusCode >= 500:
		return &TransientError{Op: op, Err: fmt.Errorf("server error %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return fmt.Errorf("%s: directory error %d: %s", op, resp.StatusCode, errResp.Error)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%s: decoding response: %w", op, err)
		}
	}
	return nil
}
