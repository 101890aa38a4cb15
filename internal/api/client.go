package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matheus3301/parley/internal/convo"
	"go.uber.org/zap"
)

const defaultTimeout = 15 * time.Second

// Config holds pull-channel client settings.
type Config struct {
	BaseURL string
	Token   string
	SelfID  string
	Timeout time.Duration
}

// Client is the pull channel: request/response snapshot queries and the
// side-effecting calls (mark-read, send, hide) against the chat backend.
type Client struct {
	base   *url.URL
	token  string
	selfID string
	httpc  *http.Client
	logger *zap.Logger
}

// New creates a pull-channel client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		base:   base,
		token:  cfg.Token,
		selfID: cfg.SelfID,
		httpc:  &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

// SelfID returns the local user id the client was configured with.
func (c *Client) SelfID() string { return c.selfID }

// FetchPrivate retrieves the private conversation snapshot.
func (c *Client) FetchPrivate(ctx context.Context) ([]convo.Summary, error) {
	return c.fetchList(ctx, "conversations/private", convo.KindPrivate)
}

// FetchGroup retrieves the group conversation snapshot. Unread counts are
// server-computed; this client only merges them.
func (c *Client) FetchGroup(ctx context.Context) ([]convo.Summary, error) {
	return c.fetchList(ctx, "conversations/group", convo.KindGroup)
}

func (c *Client) fetchList(ctx context.Context, path string, kind convo.Kind) ([]convo.Summary, error) {
	var wire []wireConversation
	if err := c.do(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}
	out := make([]convo.Summary, 0, len(wire))
	for i := range wire {
		out = append(out, wire[i].toSummary(kind, c.selfID))
	}
	return out, nil
}

// MarkRead acknowledges read state server-side. The endpoint is idempotent.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("conversations/%s/read", url.PathEscape(conversationID))
	return c.do(ctx, http.MethodPost, path, struct{}{}, nil)
}

// SendMessage posts a message and returns the confirmed envelope. The server
// echoes the correlation id so the caller can replace its pending envelope
// in place.
func (c *Client) SendMessage(ctx context.Context, conversationID, correlationID, content string) (*convo.Envelope, error) {
	path := fmt.Sprintf("conversations/%s/messages", url.PathEscape(conversationID))
	req := struct {
		ClientID string `json:"client_id"`
		Content  string `json:"content"`
	}{ClientID: correlationID, Content: content}

	var wire wireMessage
	if err := c.do(ctx, http.MethodPost, path, req, &wire); err != nil {
		return nil, err
	}
	env := wire.toEnvelope()
	if env.CorrelationID == "" {
		env.CorrelationID = correlationID
	}
	if env.ConversationID == "" {
		env.ConversationID = conversationID
	}
	return &env, nil
}

// HideConversations removes the given ids from the caller's visible list
// only; shared history is untouched.
func (c *Client) HideConversations(ctx context.Context, ids []string) error {
	req := struct {
		IDs []string `json:"ids"`
	}{IDs: ids}
	return c.do(ctx, http.MethodPost, "conversations/hide", req, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	op := method + " " + path

	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+"/"+path, reqBody)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthError{Op: op}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ValidationError{Op: op, Detail: strings.TrimSpace(string(detail))}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		// Transient server trouble is handled like connectivity loss:
		// keep stale data, let the user retry.
		return &NetworkError{Op: op, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &NetworkError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
