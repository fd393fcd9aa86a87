package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronflow/internal/executor"
)

func TestWebhookPostsOccurrence(t *testing.T) {
	var got Payload
	var idem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		idem = r.Header.Get("Idempotency-Key")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	wh, err := New(Config{URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}})
	require.NoError(t, err)

	inv := executor.Invocation{
		TaskID:       uuid.New(),
		TaskName:     "backup",
		AttemptID:    uuid.New(),
		ScheduledFor: time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC),
	}
	out, err := wh.Run(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(out.Data))
	assert.Equal(t, "text/plain", out.ContentType)

	assert.Equal(t, "backup", got.TaskName)
	assert.Equal(t, inv.TaskID.String(), got.TaskID)
	assert.True(t, inv.ScheduledFor.Equal(got.ScheduledFor))
	assert.Equal(t, inv.TaskID.String()+"/2024-01-01T01:00:00Z", idem)
}

func TestWebhookErrorStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	wh, err := New(Config{URL: srv.URL})
	require.NoError(t, err)

	_, err = wh.Run(context.Background(), executor.Invocation{TaskID: uuid.New(), TaskName: "x"})
	var f *executor.Failure
	require.ErrorAs(t, err, &f)
	assert.Contains(t, f.Reason, "HTTP 502")
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoURL)
}

func TestWebhookRejectsOversizedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, maxBody+1))
	}))
	defer srv.Close()

	wh, err := New(Config{URL: srv.URL})
	require.NoError(t, err)

	_, err = wh.Run(context.Background(), executor.Invocation{TaskID: uuid.New(), TaskName: "x"})
	assert.Error(t, err)
}
