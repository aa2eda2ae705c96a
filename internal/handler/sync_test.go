package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/termbridge/task-service/internal/model"
)

func TestSyncHandler(t *testing.T) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		received = body
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"synced":true}`)
	}))
	defer srv.Close()

	h := NewSyncHandler(SyncConfig{Endpoint: srv.URL}, zap.NewNop())

	source := "src-1"
	task := &model.Task{
		ID:       "task-sync",
		Kind:     model.TaskKindLDESSync,
		SourceID: &source,
		Metadata: json.RawMessage(`{"fragment":"123.ttl"}`),
	}

	result, err := h.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, result.Status)
	assert.JSONEq(t, `{"synced":true}`, string(result.Metadata))

	var envelope struct {
		TaskID   string          `json:"task_id"`
		Kind     string          `json:"kind"`
		SourceID *string         `json:"source_id"`
		Metadata json.RawMessage `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(received, &envelope))
	assert.Equal(t, "task-sync", envelope.TaskID)
	assert.Equal(t, "ldes-sync", envelope.Kind)
	require.NotNil(t, envelope.SourceID)
	assert.Equal(t, "src-1", *envelope.SourceID)
	assert.JSONEq(t, `{"fragment":"123.ttl"}`, string(envelope.Metadata))
}

func TestSyncHandlerRejectedUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	h := NewSyncHandler(SyncConfig{Endpoint: srv.URL}, zap.NewNop())
	result, err := h.Execute(context.Background(), &model.Task{ID: "task-sync", Kind: model.TaskKindTriplestoreSync})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, result.Status)
	assert.Contains(t, result.Error, "422")
}
