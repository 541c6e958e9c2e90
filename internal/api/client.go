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
	"strings"
	"time"

	"paircode/internal/model"
)

const defaultTimeout = 10 * time.Second

var ErrSessionNotFound = errors.New("session not found")

// RequestError is a non-2xx response other than a missing session.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// Client talks to the session CRUD and completion endpoints.
type Client struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

func New(baseURL string) *Client {
	return NewWithClient(baseURL, &http.Client{})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		timeout: defaultTimeout,
	}
}

// WithTimeout returns a copy of c whose requests time out after timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	clone := *c
	clone.timeout = timeout
	return &clone
}

func (c *Client) BaseURL() string { return c.baseURL }

type createSessionRequest struct {
	Language model.Language `json:"language"`
}

type createSessionResponse struct {
	RoomID string `json:"roomId"`
}

// CreateSession creates an empty session and returns its id.
func (c *Client) CreateSession(ctx context.Context, language model.Language) (string, error) {
	var out createSessionResponse
	if err := c.do(ctx, http.MethodPost, "/rooms/", createSessionRequest{Language: language}, &out); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if out.RoomID == "" {
		return "", errors.New("create session: empty roomId in response")
	}
	return out.RoomID, nil
}

// GetSession fetches a session. An unknown id yields ErrSessionNotFound.
func (c *Client) GetSession(ctx context.Context, id string) (model.Session, error) {
	var out model.Session
	if err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(id), nil, &out); err != nil {
		return model.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return out, nil
}

// Complete requests a completion suggestion.
func (c *Client) Complete(ctx context.Context, req model.CompletionRequest) (model.CompletionResponse, error) {
	var out model.CompletionResponse
	if err := c.do(ctx, http.MethodPost, "/autocomplete/", req, &out); err != nil {
		return model.CompletionResponse{}, fmt.Errorf("complete: %w", err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/rooms/") {
		return ErrSessionNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RequestError{StatusCode: resp.StatusCode, Message: errorDetail(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorDetail extracts {"detail": "..."} bodies, falling back to raw text.
func errorDetail(body []byte) string {
	var env struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Detail != "" {
		return env.Detail
	}
	return strings.TrimSpace(string(body))
}
