package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnknownLease is returned by Renew and Ack when the server no longer
// recognizes the lease token (expired, wrong, or already acknowledged).
var ErrUnknownLease = errors.New("unknown or expired lease")

// Client talks to a docq server.
type Client struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Message is a claimed message as returned by the server.
type Message struct {
	ID             int64           `json:"id"`
	Payload        json.RawMessage `json:"payload"`
	LeaseToken     string          `json:"lease_token"`
	VisibleAt      time.Time       `json:"visible_at"`
	Tries          int             `json:"tries"`
	FirstClaimedAt *time.Time      `json:"first_claimed_at,omitempty"`
	ClaimedBy      *string         `json:"claimed_by,omitempty"`
	Queue          string          `json:"-"` // set by the caller
}

// Stats mirrors the server's advisory queue counts.
type Stats struct {
	Total   int64 `json:"total"`
	Pending int64 `json:"pending"`
	Leased  int64 `json:"leased"`
	Done    int64 `json:"done"`
}

// EnqueueOptions for customizing message enqueue
type EnqueueOptions struct {
	Delay time.Duration // hold the message back before it becomes claimable
}

// Enqueue sends a message to a queue. The payload is marshaled to JSON and
// stored as-is.
func (c *Client) Enqueue(ctx context.Context, queue string, payload interface{}, opts *EnqueueOptions) (int64, error) {
	if opts == nil {
		opts = &EnqueueOptions{}
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	req := map[string]interface{}{
		"payload": json.RawMessage(payloadJSON),
	}
	if opts.Delay > 0 {
		req["delay_ms"] = opts.Delay.Milliseconds()
	}

	var resp struct {
		ID int64 `json:"id"`
	}
	err = c.post(ctx, fmt.Sprintf("/v1/queues/%s/messages", queue), req, http.StatusCreated, &resp)
	if err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// ClaimOptions for customizing a claim
type ClaimOptions struct {
	Visibility time.Duration // lease duration, server default when zero
	Claimant   string        // recorded on the message
}

// Claim leases the next available message, or returns (nil, nil) when the
// queue has nothing eligible.
func (c *Client) Claim(ctx context.Context, queue string, opts *ClaimOptions) (*Message, error) {
	if opts == nil {
		opts = &ClaimOptions{}
	}

	req := map[string]interface{}{}
	if opts.Visibility > 0 {
		req["visibility_ms"] = opts.Visibility.Milliseconds()
	}
	if opts.Claimant != "" {
		req["claimant"] = opts.Claimant
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1/queues/%s:claim", c.baseURL, queue)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("claim failed: %s - %s", resp.Status, string(bodyBytes))
	}

	var m Message
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, err
	}
	m.Queue = queue
	return &m, nil
}

// Renew extends the lease identified by token.
func (c *Client) Renew(ctx context.Context, queue, token string, visibility time.Duration) error {
	req := map[string]interface{}{
		"lease_token": token,
	}
	if visibility > 0 {
		req["visibility_ms"] = visibility.Milliseconds()
	}
	return c.post(ctx, fmt.Sprintf("/v1/queues/%s:renew", queue), req, http.StatusOK, nil)
}

// Ack finalizes the message under the lease identified by token.
func (c *Client) Ack(ctx context.Context, queue, token string) error {
	req := map[string]interface{}{
		"lease_token": token,
	}
	return c.post(ctx, fmt.Sprintf("/v1/queues/%s:ack", queue), req, http.StatusOK, nil)
}

// Purge removes finalized messages and reports how many were deleted.
func (c *Client) Purge(ctx context.Context, queue string) (int64, error) {
	var resp struct {
		Purged int64 `json:"purged"`
	}
	err := c.post(ctx, fmt.Sprintf("/v1/queues/%s:purge", queue), map[string]interface{}{}, http.StatusOK, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Purged, nil
}

// Stats fetches advisory counts for a queue.
func (c *Client) Stats(ctx context.Context, queue string) (Stats, error) {
	url := fmt.Sprintf("%s/v1/queues/%s/stats", c.baseURL, queue)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return Stats{}, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Stats{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return Stats{}, fmt.Errorf("stats failed: %s - %s", resp.Status, string(bodyBytes))
	}

	var s Stats
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return Stats{}, err
	}
	return s, nil
}

func (c *Client) post(ctx context.Context, path string, reqBody interface{}, wantStatus int, out interface{}) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrUnknownLease
	}
	if resp.StatusCode != wantStatus {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s - %s", path, resp.Status, string(bodyBytes))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
