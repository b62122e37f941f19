// Package perch is the client for the perch generation service: the
// upstream model host that streams summary tokens with hallucination
// scores over SSE.
package perch

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kastrel/kastrel-dashboard/internal/session"
	"github.com/rs/zerolog/log"
)

// SummarizeRequest is the wire body for POST /api/v1/summarize. Customer
// data, documents and messages come from the dashboard's data
// collaborators and pass through opaquely; the perch service formats
// them for the model.
type SummarizeRequest struct {
	Prompt       string            `json:"prompt"`
	CustomerData json.RawMessage   `json:"customer_data"`
	Documents    []json.RawMessage `json:"documents"`
	Messages     []json.RawMessage `json:"messages"`
}

// HealthStatus is the perch service health payload.
type HealthStatus struct {
	Status  string `json:"status"`
	Model   string `json:"model"`
	Version string `json:"version"`
}

type Client struct {
	baseURL        string
	http           *http.Client
	connectTimeout time.Duration
}

// NewClient builds a perch client. connectTimeout bounds dialing only;
// the overall stream budget is the caller's context deadline, since
// generation responses are long-lived.
func NewClient(baseURL string, connectTimeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 0,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		connectTimeout: connectTimeout,
	}
}

// Summarize opens a stream session against the perch service and blocks
// until it settles. Progress and the terminal outcome arrive on cb; the
// returned session carries the terminal state and diagnostics.
func (c *Client) Summarize(ctx context.Context, req SummarizeRequest, cb session.Callbacks) (*session.Session, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal summarize request: %w", err)
	}

	log.Info().
		Int("documents", len(req.Documents)).
		Int("messages", len(req.Messages)).
		Msg("requesting summary from perch service")

	sess := session.New(c.http, cb)
	sess.Run(ctx, session.Request{
		URL:  c.baseURL + "/api/v1/summarize",
		Body: body,
	})
	return sess, nil
}

// Health probes the perch service. A non-200 response or transport
// failure returns the decoded status (if any) alongside the error.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return HealthStatus{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return HealthStatus{}, fmt.Errorf("perch health check: %w", err)
	}
	defer resp.Body.Close()

	var hs HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
		return HealthStatus{}, fmt.Errorf("decode perch health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return hs, fmt.Errorf("perch service unhealthy: status %d", resp.StatusCode)
	}
	return hs, nil
}
