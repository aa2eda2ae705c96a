package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/termbridge/task-service/internal/model"
)

// SyncConfig defines configuration for the sync handler.
type SyncConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// SyncHandler forwards a task's metadata to a remote endpoint. It serves
// the ldes-sync, triplestore-sync and file-upload kinds, which differ
// only in the endpoint they target.
type SyncHandler struct {
	logger     *zap.Logger
	config     SyncConfig
	httpClient *http.Client
}

// NewSyncHandler creates a new sync handler.
func NewSyncHandler(config SyncConfig, logger *zap.Logger) *SyncHandler {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &SyncHandler{
		logger: logger.Named("sync"),
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Execute posts the task's metadata to the configured endpoint.
func (h *SyncHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	body := task.Metadata
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}

	envelope, err := json.Marshal(map[string]interface{}{
		"task_id":   task.ID,
		"kind":      task.Kind,
		"source_id": task.SourceID,
		"metadata":  body,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sync request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.Endpoint, bytes.NewReader(envelope))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	h.logger.Info("Executing sync",
		zap.String("task_id", task.ID),
		zap.String("kind", string(task.Kind)),
		zap.String("endpoint", h.config.Endpoint))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sync request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	result := &model.TaskResult{
		TaskID:      task.ID,
		Status:      model.TaskStatusCompleted,
		CompletedAt: time.Now().UTC(),
	}
	if json.Valid(respBody) {
		result.Metadata = respBody
	}

	if resp.StatusCode >= 400 {
		result.Status = model.TaskStatusFailed
		result.Error = fmt.Sprintf("sync rejected with status: %d", resp.StatusCode)
	}

	return result, nil
}
