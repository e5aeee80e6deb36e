package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SalesClient pushes events to the external sales system over HTTP,
// authenticated by a shared key. Delivery is at-least-once; the receiver is
// expected to deduplicate on event id.
type SalesClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewSalesClient constructs a new client.
func NewSalesClient(baseURL, apiKey string) *SalesClient {
	return &SalesClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type salesEnvelope struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Attempt   int             `json:"attempt"`
	Data      json.RawMessage `json:"data"`
}

// Deliver posts one event to the sales endpoint. Any non-2xx response is a
// delivery failure and will be retried by the dispatcher.
func (c *SalesClient) Deliver(ctx context.Context, event Event) error {
	body, err := json.Marshal(salesEnvelope{
		EventID:   event.ID.String(),
		EventType: event.Type,
		Attempt:   event.Attempts,
		Data:      event.Payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/events", c.baseURL), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ledger-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sales push returned status %d", resp.StatusCode)
	}
	return nil
}
