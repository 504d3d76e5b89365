// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmgate/swarmgate/services/datatypes"
)

func TestCreateAndPollSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/sessions":
			var req CreateSessionRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "Bearer key-a", r.Header.Get("Authorization"))
			assert.Equal(t, "build the parser", req.Prompt)
			json.NewEncoder(w).Encode(map[string]string{"sessionId": "sess-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/sessions/sess-1":
			json.NewEncoder(w).Encode(Session{ID: "sess-1", State: datatypes.SessionCompleted, Result: "done"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0, nil)
	ctx := context.Background()

	id, err := c.CreateSession(ctx, "key-a", CreateSessionRequest{Prompt: "build the parser", AutomationMode: true})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", id)

	sess, err := c.GetSession(ctx, "key-a", id)
	require.NoError(t, err)
	assert.Equal(t, datatypes.SessionCompleted, sess.State)
	assert.Equal(t, "done", sess.Result)
	assert.True(t, sess.State.Terminal())
}

func TestUnauthorizedSurfacesStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0, nil)
	_, err := c.CreateSession(context.Background(), "stale-key", CreateSessionRequest{Prompt: "x"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestCancelSession(t *testing.T) {
	cancelled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/v1/sessions/sess-9:cancel" {
			cancelled = true
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0, nil)
	require.NoError(t, c.CancelSession(context.Background(), "key-a", "sess-9"))
	assert.True(t, cancelled)
}
