// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/fluxc2/c2"
	"github.com/absmach/fluxc2/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockControlPlane struct {
	running    bool
	status     c2.Status
	pending    []*storage.Callback
	pendingErr error
}

func (m *mockControlPlane) Running() bool { return m.running }

func (m *mockControlPlane) Status() c2.Status { return m.status }

func (m *mockControlPlane) Pending(context.Context) ([]*storage.Callback, error) {
	return m.pending, m.pendingErr
}

func TestAddrWithoutListener(t *testing.T) {
	s := New(Config{}, &mockControlPlane{}, nil)
	assert.Empty(t, s.Addr())
}

func TestHealthEndpoint(t *testing.T) {
	s := New(Config{}, nil, nil)

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{name: "GET request returns healthy", method: http.MethodGet, expectedStatus: http.StatusOK},
		{name: "POST request not allowed", method: http.MethodPost, expectedStatus: http.StatusMethodNotAllowed},
		{name: "PUT request not allowed", method: http.MethodPut, expectedStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.handleHealth(rec, httptest.NewRequest(tt.method, "http://test/health", nil))

			require.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedStatus == http.StatusOK {
				var resp HealthResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.Equal(t, "healthy", resp.Status)
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		cp             ControlPlane
		method         string
		expectedStatus int
		expectedState  string
		expectedReason string
	}{
		{
			name:           "no control plane",
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedState:  "not_ready",
			expectedReason: "control plane not initialized",
		},
		{
			name:           "control plane stopped",
			cp:             &mockControlPlane{},
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedState:  "not_ready",
			expectedReason: "control plane not started",
		},
		{
			name:           "control plane running",
			cp:             &mockControlPlane{running: true},
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedState:  "ready",
		},
		{
			name:           "POST request not allowed",
			cp:             &mockControlPlane{running: true},
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{}, tt.cp, nil)
			rec := httptest.NewRecorder()
			s.handleReady(rec, httptest.NewRequest(tt.method, "http://test/ready", nil))

			require.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedState == "" {
				return
			}
			var resp ReadyResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.expectedState, resp.Status)
			assert.Equal(t, tt.expectedReason, resp.Details)
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	cp := &mockControlPlane{
		running: true,
		status: c2.Status{
			Started:      true,
			Topic:        "projects/p/topics/c2",
			Subscription: "projects/p/subscriptions/c2-c2resp",
			Commands:     []string{"ACK", "PING"},
		},
		pending: []*storage.Callback{{AckID: "a"}, {AckID: "b"}},
	}
	s := New(Config{}, cp, nil)

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "http://test/c2/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Started)
	assert.Equal(t, "projects/p/topics/c2", resp.Topic)
	assert.Equal(t, "projects/p/subscriptions/c2-c2resp", resp.Subscription)
	assert.Equal(t, []string{"ACK", "PING"}, resp.Commands)
	assert.Equal(t, 2, resp.PendingCallbacks)
	assert.Empty(t, resp.Details)
}

func TestStatusEndpoint_PendingError(t *testing.T) {
	cp := &mockControlPlane{pendingErr: errors.New("store offline")}
	s := New(Config{}, cp, nil)

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "http://test/c2/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "store offline", resp.Details)
	assert.Zero(t, resp.PendingCallbacks)
}

func TestListen(t *testing.T) {
	s := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, &mockControlPlane{running: true}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Listen(ctx) }()

	require.Eventually(t, func() bool {
		addr := s.Addr()
		if addr == "" {
			return false
		}
		resp, err := http.Get("http://" + addr + "/ready")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
