// Package memory implements the kernel's client to the external vector
// store: a similarity-search collaborator, deliberately out of scope to
// implement (spec.md §1 "the vector store (abstracted as a
// similarity-search interface)"). The kernel only ever asks it for its
// top-K nearest artefacts to a query string.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to an external vector-store collaborator over HTTP,
// generalizing the request/response forwarder idiom of the teacher's
// internal/gateway/proxy.go (not part of this repository).
type Client struct {
	endpoint string
	http     *http.Client
}

// New constructs a Client. An empty endpoint is valid: callers treat it
// as "no vector store configured" and skip memory retrieval entirely.
func New(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 5 * time.Second},
	}
}

// Configured reports whether an endpoint was supplied.
func (c *Client) Configured() bool {
	return c.endpoint != ""
}

type topKRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

type topKResponse struct {
	Results []string `json:"results"`
}

// TopK returns the k nearest artefacts to query, satisfying
// hooks.VectorStore. Callers treat any error as a degraded-enrichment
// signal, never a pipeline halt.
func (c *Client) TopK(ctx context.Context, query string, k int) ([]string, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("memory: vector store not configured")
	}

	body, err := json.Marshal(topKRequest{Query: query, K: k})
	if err != nil {
		return nil, fmt.Errorf("memory: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("memory: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("memory: vector store unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("memory: vector store returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("memory: read response: %w", err)
	}

	var out topKResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("memory: decode response: %w", err)
	}
	return out.Results, nil
}
