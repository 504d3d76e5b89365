// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package agent is the HTTP client for the external agent session API.
//
// The API is an opaque collaborator: sessions are created with a prompt
// plus relay context, polled until a terminal state, and cancellable.
// Credentials are passed per call because the executor fails over
// between accounts mid-task.
//
// Outbound requests are paced by a client-side rate limiter so a burst
// of ready tasks cannot hammer the API even before RateGuard quotas
// apply.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/swarmgate/swarmgate/services/datatypes"
)

// CreateSessionRequest is the create-session payload.
type CreateSessionRequest struct {
	Prompt         string `json:"prompt"`
	SourceContext  string `json:"sourceContext,omitempty"`
	AutomationMode bool   `json:"automationMode"`
}

// Session is the observable state of one agent session.
type Session struct {
	ID     string                 `json:"sessionId"`
	State  datatypes.SessionState `json:"state"`
	Result string                 `json:"result,omitempty"`
}

// APIError is a non-2xx response from the session API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agent api returned %d: %s", e.StatusCode, e.Body)
}

// SessionAPI is the contract consumed by the swarm executor.
type SessionAPI interface {
	CreateSession(ctx context.Context, apiKey string, req CreateSessionRequest) (string, error)
	GetSession(ctx context.Context, apiKey, sessionID string) (*Session, error)
	CancelSession(ctx context.Context, apiKey, sessionID string) error
}

// Client implements SessionAPI over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates a session API client. rps caps outbound request
// rate; zero disables pacing.
func NewClient(baseURL string, rps float64, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
		limiter: limiter,
		logger:  logger.With(slog.String("component", "agent_api")),
	}
}

func (c *Client) do(ctx context.Context, apiKey, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent api call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// CreateSession starts a new agent session and returns its handle.
func (c *Client) CreateSession(ctx context.Context, apiKey string, req CreateSessionRequest) (string, error) {
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.do(ctx, apiKey, http.MethodPost, "/v1/sessions", req, &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("agent api returned empty session id")
	}
	c.logger.Debug("session created", "session_id", out.SessionID)
	return out.SessionID, nil
}

// GetSession fetches the current state of a session.
func (c *Client) GetSession(ctx context.Context, apiKey, sessionID string) (*Session, error) {
	var out Session
	if err := c.do(ctx, apiKey, http.MethodGet, "/v1/sessions/"+sessionID, nil, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		out.ID = sessionID
	}
	return &out, nil
}

// CancelSession requests cancellation of a running session.
func (c *Client) CancelSession(ctx context.Context, apiKey, sessionID string) error {
	return c.do(ctx, apiKey, http.MethodPost, "/v1/sessions/"+sessionID+":cancel", nil, nil)
}
