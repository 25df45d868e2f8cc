// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSender_Send(t *testing.T) {
	cases := []struct {
		desc    string
		status  int
		delay   time.Duration
		timeout time.Duration
		err     string
	}{
		{desc: "ok", status: http.StatusOK, timeout: time.Second},
		{desc: "accepted", status: http.StatusAccepted, timeout: time.Second},
		{desc: "bad request", status: http.StatusBadRequest, timeout: time.Second, err: "non-2xx status: 400"},
		{desc: "server error", status: http.StatusInternalServerError, timeout: time.Second, err: "non-2xx status: 500"},
		{desc: "timeout", status: http.StatusOK, delay: 500 * time.Millisecond, timeout: 50 * time.Millisecond, err: "context deadline exceeded"},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
				assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))

				body, err := io.ReadAll(r.Body)
				assert.NoError(t, err)
				assert.JSONEq(t, `{"event_type":"destination.state_changed"}`, string(body))

				if tc.delay > 0 {
					select {
					case <-time.After(tc.delay):
					case <-r.Context().Done():
					}
				}
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			err := NewHTTPSender().Send(context.Background(), srv.URL,
				map[string]string{"Authorization": "Bearer token"},
				[]byte(`{"event_type":"destination.state_changed"}`), tc.timeout)
			if tc.err == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.err)
		})
	}
}

func TestHTTPSender_InvalidURL(t *testing.T) {
	err := NewHTTPSender().Send(context.Background(), "invalid://url", nil, []byte("{}"), time.Second)
	assert.Error(t, err)
}
