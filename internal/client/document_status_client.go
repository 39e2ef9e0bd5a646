package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/NCGHoldings/StoresONE-sub005/internal/repository"
)

// DocumentStatusClient posts approval outcomes to the service that owns a
// document type. The owner applies its own status transition.
type DocumentStatusClient struct {
	url    string
	client *http.Client
}

// NewDocumentStatusClient creates a client for the callback at url.
func NewDocumentStatusClient(url string, timeout time.Duration) *DocumentStatusClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DocumentStatusClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// SyncStatus POSTs the update as JSON. Any non-2xx response is an error so
// the outbox retries it.
func (c *DocumentStatusClient) SyncStatus(ctx context.Context, update repository.StatusUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to encode status update: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build status callback: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call status callback for %s %s: %w", update.EntityType, update.EntityID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status callback for %s %s returned %d: %s",
			update.EntityType, update.EntityID, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
