// Package wa talks to the WhatsApp bridge sidecar: a REST client for
// outbound sends and a websocket stream for inbound group messages. The
// bridge owns the WhatsApp session; this package owns pacing, retry and
// decoding.
package wa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"otcdesk/internal/telemetry"
)

const (
	DefaultHost = "http://127.0.0.1:8090"

	// Send pacing bounds. A human operator does not answer three clients
	// in the same second; neither should the desk's number.
	DefaultMinSendGap = 1500 * time.Millisecond
	DefaultMaxSendGap = 4 * time.Second
)

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bridge API error (%d): %s", e.Status, e.Body)
}

// SendRequest is the bridge's POST /send payload.
type SendRequest struct {
	GroupJID string   `json:"group_jid"`
	Text     string   `json:"text"`
	Mentions []string `json:"mentions,omitempty"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

type ClientOptions struct {
	Host  string
	Token string

	// MinSendGap/MaxSendGap bound the jittered pause between two sends to
	// the same group. Zero values take the defaults.
	MinSendGap time.Duration
	MaxSendGap time.Duration
}

// Client sends messages through the bridge REST API, spacing consecutive
// sends to the same group by a randomized gap.
type Client struct {
	host       string
	token      string
	httpClient *http.Client
	minGap     time.Duration
	maxGap     time.Duration

	mu       sync.Mutex
	nextSlot map[string]time.Time
}

func NewClient(httpClient *http.Client, opts ClientOptions) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = DefaultHost
	}
	host = strings.TrimRight(host, "/")
	minGap := opts.MinSendGap
	if minGap <= 0 {
		minGap = DefaultMinSendGap
	}
	maxGap := opts.MaxSendGap
	if maxGap <= 0 {
		maxGap = DefaultMaxSendGap
	}
	if maxGap < minGap {
		maxGap = minGap
	}
	return &Client{
		host:       host,
		token:      opts.Token,
		httpClient: httpClient,
		minGap:     minGap,
		maxGap:     maxGap,
		nextSlot:   map[string]time.Time{},
	}
}

// SendToGroup posts one text to a group, waiting out the group's pacing
// slot first. Mentions are JIDs the bridge should tag in the message.
func (c *Client) SendToGroup(ctx context.Context, groupJID, text string, mentions []string) error {
	if c == nil {
		return fmt.Errorf("wa client is nil")
	}
	if strings.TrimSpace(groupJID) == "" {
		return fmt.Errorf("group jid is required")
	}
	if err := c.waitSlot(ctx, groupJID); err != nil {
		return err
	}

	body, err := c.doJSON(ctx, http.MethodPost, "/send", SendRequest{
		GroupJID: groupJID,
		Text:     text,
		Mentions: mentions,
	})
	if err != nil {
		telemetry.BridgeSends.WithLabelValues("error").Inc()
		return err
	}
	var resp sendResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		telemetry.BridgeSends.WithLabelValues("error").Inc()
		return fmt.Errorf("decode send response: %w", err)
	}
	telemetry.BridgeSends.WithLabelValues("ok").Inc()
	return nil
}

// waitSlot reserves the group's next send instant under the lock, then
// sleeps up to it. Reserving before sleeping keeps concurrent senders to
// the same group serialized with one gap each.
func (c *Client) waitSlot(ctx context.Context, groupJID string) error {
	gap := c.minGap
	if c.maxGap > c.minGap {
		gap += time.Duration(rand.Int63n(int64(c.maxGap - c.minGap)))
	}

	c.mu.Lock()
	now := time.Now()
	slot := now
	if next, ok := c.nextSlot[groupJID]; ok && next.After(now) {
		slot = next
	}
	c.nextSlot[groupJID] = slot.Add(gap)
	c.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if c.httpClient == nil {
		return nil, fmt.Errorf("http client is nil")
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.host+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}
