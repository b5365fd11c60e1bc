// ABOUTME: Tests for the automated reply webhook client.
// ABOUTME: Covers output extraction, error statuses, timeouts, empty replies.

package autoreply

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient() *Client {
	return NewClient(2*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testRequest() Request {
	return Request{
		Message:      "where is my order?",
		SystemPrompt: "You are a support assistant.",
		SessionID:    "visitor-1",
		BusinessID:   "42",
	}
}

func TestReply_JSONOutputField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "where is my order?", req.Message)
		assert.Equal(t, "You are a support assistant.", req.SystemPrompt)
		assert.Equal(t, "visitor-1", req.SessionID)
		assert.Equal(t, "42", req.BusinessID)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output": "  It ships tomorrow.  "}`))
	}))
	defer srv.Close()

	text, err := testClient().Reply(context.Background(), srv.URL, testRequest())
	require.NoError(t, err)
	assert.Equal(t, "It ships tomorrow.", text)
}

func TestReply_PlainTextBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("It ships tomorrow.\n"))
	}))
	defer srv.Close()

	text, err := testClient().Reply(context.Background(), srv.URL, testRequest())
	require.NoError(t, err)
	assert.Equal(t, "It ships tomorrow.", text)
}

func TestReply_EmptyOutputIsNoReply(t *testing.T) {
	for name, body := range map[string]string{
		"empty body":        "",
		"whitespace body":   "   \n\t",
		"empty json output": `{"output": ""}`,
		"whitespace output": `{"output": "   "}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			_, err := testClient().Reply(context.Background(), srv.URL, testRequest())
			assert.ErrorIs(t, err, ErrNoReply)
		})
	}
}

func TestReply_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "kaboom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testClient().Reply(context.Background(), srv.URL, testRequest())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoReply)
	assert.Contains(t, err.Error(), "status 500")
}

func TestReply_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	client := NewClient(50*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	start := time.Now()
	_, err := client.Reply(context.Background(), srv.URL, testRequest())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestReply_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := testClient().Reply(ctx, srv.URL, testRequest())
	require.Error(t, err)
}

func TestReply_UnreachableWebhook(t *testing.T) {
	_, err := testClient().Reply(context.Background(), "http://127.0.0.1:1/webhook", testRequest())
	require.Error(t, err)
}
