package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/jsherman999/keyspider/internal/agentrecv"
)

// Client pushes to the keyspider receiver, spooling on failure.
type Client struct {
	baseURL string
	token   string
	state   *State
	http    *http.Client
}

// NewClient builds the receiver client.
func NewClient(cfg *Config, state *State) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		token:   cfg.Token,
		state:   state,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        5,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", "keyspider-agent/"+Version)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &httpError{endpoint: endpoint, status: resp.StatusCode, body: string(body)}
	}
	return nil
}

type httpError struct {
	endpoint string
	status   int
	body     string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.endpoint, e.status, e.body)
}

// push delivers now or spools for later. A 4xx response is a permanent
// rejection and is not spooled.
func (c *Client) push(ctx context.Context, endpoint string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", endpoint, err)
	}
	if err := c.post(ctx, endpoint, payload); err != nil {
		if permanent(err) {
			return err
		}
		log.Printf("[agent] %s failed, spooling: %v", endpoint, err)
		return c.state.Enqueue(endpoint, payload)
	}
	return nil
}

// permanent reports a 4xx rejection: retrying the same payload will
// never succeed.
func permanent(err error) bool {
	var he *httpError
	return errors.As(err, &he) && he.status >= 400 && he.status < 500
}

// Heartbeat reports liveness. Heartbeats are never spooled; a stale one
// is worthless.
func (c *Client) Heartbeat(ctx context.Context) error {
	payload, err := json.Marshal(agentrecv.HeartbeatRequest{Version: Version})
	if err != nil {
		return err
	}
	return c.post(ctx, "/api/agent/heartbeat", payload)
}

// PushEvents delivers parsed auth events.
func (c *Client) PushEvents(ctx context.Context, events []agentrecv.EventPayload) error {
	if len(events) == 0 {
		return nil
	}
	return c.push(ctx, "/api/agent/events", agentrecv.EventsRequest{Events: events})
}

// PushSudoEvents delivers parsed sudo events.
func (c *Client) PushSudoEvents(ctx context.Context, events []agentrecv.SudoPayload) error {
	if len(events) == 0 {
		return nil
	}
	return c.push(ctx, "/api/agent/sudo-events", agentrecv.SudoEventsRequest{Events: events})
}

// PushKeys delivers a key inventory.
func (c *Client) PushKeys(ctx context.Context, req agentrecv.KeysRequest) error {
	return c.push(ctx, "/api/agent/keys", req)
}

// Drain replays spooled pushes oldest-first, stopping at the first
// failure so ordering holds.
func (c *Client) Drain(ctx context.Context, batch int) error {
	for {
		items, err := c.state.DequeueBatch(batch)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		var delivered []int64
		for _, it := range items {
			if err := c.post(ctx, it.Endpoint, it.Payload); err != nil {
				if !permanent(err) {
					if derr := c.state.Delete(delivered); derr != nil {
						return derr
					}
					return err
				}
				// Permanently rejected payloads are dropped.
				log.Printf("[agent] dropping spooled push: %v", err)
			}
			delivered = append(delivered, it.ID)
		}
		if err := c.state.Delete(delivered); err != nil {
			return err
		}
		if len(items) < batch {
			return nil
		}
	}
}
