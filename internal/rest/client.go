package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dmelo/chirp/internal/config"
)

// Client talks to the chat backend's HTTP API. History retrieval is
// fire-and-forget: the request only triggers the backend, the page itself
// arrives later on the messagesRetrieved socket channel.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Body)
}

// NewClient creates a client from config.
func NewClient(cfg *config.Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: cfg.Server.BaseURL,
		token:   cfg.Server.Token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger.Named("rest"),
	}
}

// Target addresses one conversation for the backend. Exactly one field is
// set: ChatBuddy with the other participant's user id for direct chats,
// ChatGroup with the group id for groups.
type Target struct {
	ChatBuddy string `json:"chat_buddy,omitempty"`
	ChatGroup string `json:"chat_group,omitempty"`
}

// RetrieveMessages asks the backend to push one history page over the socket.
// Pages count backward from the newest messages, starting at 1.
func (c *Client) RetrieveMessages(ctx context.Context, target Target, page int) error {
	body := struct {
		Target
		Page int `json:"page"`
	}{Target: target, Page: page}
	return c.postJSON(ctx, "/messages/retrieve", body, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
