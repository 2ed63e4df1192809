// Package exec bridges "run this code" requests to an external
// Piston-compatible execution provider.
package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrProviderUnreachable = errors.New("execution provider unreachable")
	ErrProviderStatus      = errors.New("execution provider returned non-success status")
	ErrBadResponse         = errors.New("execution provider returned an unreadable response")
)

const maxResponseBytes = 4 << 20

// Request describes one execution. The provider owns sandboxing, the
// language/version matrix and execution limits.
type Request struct {
	Language string `json:"language"`
	Version  string `json:"version"`
	Files    []File `json:"files"`
	Stdin    string `json:"stdin,omitempty"`
}

type File struct {
	Content string `json:"content"`
}

// Result carries the provider's payload verbatim plus the fields the history
// store records. No interpretation of exit codes or stderr happens here.
type Result struct {
	Raw    json.RawMessage
	Output string
}

// resultBody mirrors just enough of the Piston response to lift the output.
type resultBody struct {
	Run struct {
		Output string `json:"output"`
	} `json:"run"`
}

// Client is a stateless request/response bridge to the provider.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Run submits code for execution and returns the provider's raw payload.
// Network errors, timeouts and non-2xx statuses all surface as errors;
// partial output is never returned.
func (c *Client) Run(ctx context.Context, req Request) (*Result, error) {
	if len(req.Files) == 0 {
		req.Files = []File{{}}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal execute request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build execute request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s", ErrProviderStatus, resp.Status)
	}

	var parsed resultBody
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	return &Result{Raw: raw, Output: parsed.Run.Output}, nil
}
