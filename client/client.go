// Package client talks to the card service over HTTP and keeps a board
// engine fed with fresh snapshots.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"prism-board/domain"
)

const maxErrorBody = 4 << 10

// StatusError is returned for responses without a domain mapping.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("card service returned %d: %s", e.Code, e.Body)
}

// Client is a workspace-scoped HTTP client of the card service.
type Client struct {
	baseURL   *url.URL
	workspace string
	token     string
	http      *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for workspaceID on the service at baseURL.
func New(baseURL, workspaceID, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	if workspaceID == "" {
		return nil, errors.New("workspace id is required")
	}
	c := &Client{
		baseURL:   u,
		workspace: workspaceID,
		token:     token,
		http:      &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Workspace returns the workspace the client is scoped to.
func (c *Client) Workspace() string { return c.workspace }

// NotificationsURL is the websocket endpoint announcing card changes.
func (c *Client) NotificationsURL() string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = c.workspacePath("ws")
	return u.String()
}

// AuthHeader returns the headers needed to authenticate a websocket dial.
func (c *Client) AuthHeader() http.Header {
	h := make(http.Header)
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// card mirrors domain.Card on the wire with a raw status so that cards in
// columns this client does not know about do not fail the whole snapshot.
type card struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	Status      string    `json:"status"`
	Order       int       `json:"order"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Priority    string    `json:"priority"`
	Type        string    `json:"type"`
	Assignee    string    `json:"assignee"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (w card) toDomain() domain.Card {
	return domain.Card{
		ID:          w.ID,
		WorkspaceID: w.WorkspaceID,
		Status:      domain.Column(w.Status),
		Order:       w.Order,
		Title:       w.Title,
		Description: w.Description,
		Priority:    w.Priority,
		Type:        w.Type,
		Assignee:    w.Assignee,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
}

// ListCards fetches the full snapshot of the workspace.
func (c *Client) ListCards(ctx context.Context) ([]domain.Card, error) {
	var resp struct {
		Cards []card `json:"cards"`
	}
	if err := c.do(ctx, http.MethodGet, c.workspacePath("cards"), nil, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.Card, len(resp.Cards))
	for i, w := range resp.Cards {
		out[i] = w.toDomain()
	}
	return out, nil
}

// UpdateStatus sends a partial status/order update for cardID.
func (c *Client) UpdateStatus(ctx context.Context, cardID string, upd domain.StatusUpdate) (domain.Card, error) {
	var out card
	err := c.do(ctx, http.MethodPatch, c.workspacePath("cards", cardID), upd, nil, &out)
	return out.toDomain(), err
}

// CreateCard creates a card. A non-empty idempotencyKey makes retries safe.
func (c *Client) CreateCard(ctx context.Context, in domain.NewCard, idempotencyKey string) (domain.Card, error) {
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}
	var out card
	err := c.do(ctx, http.MethodPost, c.workspacePath("cards"), in, headers, &out)
	return out.toDomain(), err
}

// DeleteCard removes a card.
func (c *Client) DeleteCard(ctx context.Context, cardID string) error {
	return c.do(ctx, http.MethodDelete, c.workspacePath("cards", cardID), nil, nil, nil)
}

func (c *Client) workspacePath(parts ...string) string {
	segs := append([]string{c.baseURL.Path, "api", "workspaces", c.workspace}, parts...)
	return strings.Join(segs, "/")
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	u := *c.baseURL
	u.Path = path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return errorForStatus(resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return sonic.ConfigStd.NewDecoder(resp.Body).Decode(out)
}

func errorForStatus(code int, msg string) error {
	switch code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrValidation, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrConcurrencyConflict, msg)
	}
	return &StatusError{Code: code, Body: msg}
}
