// Package api is the HTTP client for the patient portal's messaging REST
// endpoints. It owns transport concerns only: request building, auth,
// pagination envelopes, and error classification. Normalization of the raw
// shapes it returns lives in internal/messaging.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Sentinel errors surfaced to callers. Everything transport-level (timeouts,
// connection resets, 5xx) maps to ErrTransient so the poll loop can treat it
// as retry-next-tick.
var (
	ErrTransient    = errors.New("transient network error")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("resource not found")
	ErrBadRequest   = errors.New("bad request")
)

// IsTransient reports whether err should be retried on the next poll tick.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

const defaultTimeout = 15 * time.Second

// Client talks to the portal messaging API.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates a portal API client. The token source supplies the
// session bearer token; pass nil for unauthenticated test servers.
func NewClient(baseURL string, ts oauth2.TokenSource, logger zerolog.Logger) *Client {
	hc := &http.Client{Timeout: defaultTimeout}
	if ts != nil {
		hc.Transport = &oauth2.Transport{Source: ts}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		log:     logger.With().Str("component", "api").Logger(),
	}
}

// ListThreads returns one page of the caller's conversation threads.
func (c *Client) ListThreads(ctx context.Context, cursor string, limit int, query string) ([]RawThread, string, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if query != "" {
		q.Set("query", query)
	}
	var out threadListResponse
	if err := c.do(ctx, http.MethodGet, "/threads", q, nil, &out); err != nil {
		return nil, "", fmt.Errorf("list threads: %w", err)
	}
	return out.Threads, out.NextCursor, nil
}

// GetThread returns a single thread with a page of its messages, newest-last.
func (c *Client) GetThread(ctx context.Context, id string, cursor string, limit int) (*RawThread, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: thread id cannot be empty", ErrBadRequest)
	}
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out RawThread
	if err := c.do(ctx, http.MethodGet, "/threads/"+url.PathEscape(id), q, nil, &out); err != nil {
		return nil, fmt.Errorf("get thread %s: %w", id, err)
	}
	return &out, nil
}

// ListMessages returns one page of a thread's messages.
func (c *Client) ListMessages(ctx context.Context, threadID string, cursor string, limit int) ([]RawMessage, string, error) {
	if threadID == "" {
		return nil, "", fmt.Errorf("%w: thread id cannot be empty", ErrBadRequest)
	}
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out messageListResponse
	if err := c.do(ctx, http.MethodGet, "/threads/"+url.PathEscape(threadID)+"/messages", q, nil, &out); err != nil {
		return nil, "", fmt.Errorf("list messages for %s: %w", threadID, err)
	}
	return out.Messages, out.NextCursor, nil
}

// PostMessage sends a new message and returns the confirmed server record.
func (c *Client) PostMessage(ctx context.Context, threadID, body string) (*RawMessage, error) {
	if threadID == "" || strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: thread id and body cannot be empty", ErrBadRequest)
	}
	var out RawMessage
	payload := map[string]string{"body": body}
	if err := c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", nil, payload, &out); err != nil {
		return nil, fmt.Errorf("post message to %s: %w", threadID, err)
	}
	return &out, nil
}

// EditMessage replaces a message's body and returns the updated record.
func (c *Client) EditMessage(ctx context.Context, threadID, messageID, body string) (*RawMessage, error) {
	if threadID == "" || messageID == "" {
		return nil, fmt.Errorf("%w: thread id and message id cannot be empty", ErrBadRequest)
	}
	var out RawMessage
	payload := map[string]string{"body": body}
	path := "/threads/" + url.PathEscape(threadID) + "/messages/" + url.PathEscape(messageID)
	if err := c.do(ctx, http.MethodPut, path, nil, payload, &out); err != nil {
		return nil, fmt.Errorf("edit message %s: %w", messageID, err)
	}
	return &out, nil
}

// DeleteMessage soft-deletes a message and returns the updated record.
func (c *Client) DeleteMessage(ctx context.Context, threadID, messageID string) (*RawMessage, error) {
	if threadID == "" || messageID == "" {
		return nil, fmt.Errorf("%w: thread id and message id cannot be empty", ErrBadRequest)
	}
	var out RawMessage
	path := "/threads/" + url.PathEscape(threadID) + "/messages/" + url.PathEscape(messageID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil, &out); err != nil {
		return nil, fmt.Errorf("delete message %s: %w", messageID, err)
	}
	return &out, nil
}

// CreateThread starts a new conversation with an initial message.
func (c *Client) CreateThread(ctx context.Context, counterpartyID, subject, body string) (*RawThread, error) {
	if counterpartyID == "" || strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: counterparty id and body cannot be empty", ErrBadRequest)
	}
	var out RawThread
	payload := map[string]string{
		"counterpartyId": counterpartyID,
		"subject":        subject,
		"body":           body,
	}
	if err := c.do(ctx, http.MethodPost, "/threads", nil, payload, &out); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return &out, nil
}

// MarkRead marks a whole thread as read. Best effort.
func (c *Client) MarkRead(ctx context.Context, threadID string) error {
	if threadID == "" {
		return fmt.Errorf("%w: thread id cannot be empty", ErrBadRequest)
	}
	if err := c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/read", nil, nil, nil); err != nil {
		return fmt.Errorf("mark read %s: %w", threadID, err)
	}
	return nil
}

// UnreadCount returns the total unread message count across threads.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out unreadResponse
	if err := c.do(ctx, http.MethodGet, "/messages/unread-count", nil, nil, &out); err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return out.Count, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("request")

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: server returned %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: server returned %d", ErrBadRequest, resp.StatusCode)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
