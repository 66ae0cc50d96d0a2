package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"safesight/internal/model"
)

// WebhookDispatcher POSTs the alert payload as JSON to a configured URL.
// A 2xx response counts as delivered; the sink may return its own reference
// in a {"reference": "..."} body, otherwise a UUID is assigned.
type WebhookDispatcher struct {
	URL    string
	Client *http.Client
}

func NewWebhookDispatcher(url string, timeout time.Duration) *WebhookDispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookDispatcher{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

func (d *WebhookDispatcher) Dispatch(ctx context.Context, payload model.AlertPayload) (model.DispatchResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return model.DispatchResult{}, fmt.Errorf("encode alert payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return model.DispatchResult{}, fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.Client.Do(req)
	if err != nil {
		return model.DispatchResult{}, fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.DispatchResult{}, fmt.Errorf("alert sink returned %d: %w", resp.StatusCode, model.ErrAlertDispatch)
	}
	ref := referenceFrom(resp.Body)
	if ref == "" {
		ref = uuid.NewString()
	}
	return model.DispatchResult{Delivered: true, Reference: ref}, nil
}

func referenceFrom(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 1<<16))
	if err != nil || len(data) == 0 {
		return ""
	}
	var out struct {
		Reference string `json:"reference"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return ""
	}
	return out.Reference
}
