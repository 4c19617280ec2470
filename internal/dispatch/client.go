package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ClientFactory builds the client for one submission.
type ClientFactory func(timeout time.Duration) *http.Client

// NewHTTPClient is the default ClientFactory. The transport is shared for
// connection reuse; the client itself is never mutated after construction.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: http.DefaultTransport,
	}
}

// newSubmitRequest builds the outbound POST for one submission.
func newSubmitRequest(ctx context.Context, target *Target, provider, contentType string, payload []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.WithAgent(provider), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

const maxExcerptBytes = 1024

// readExcerpt reads at most maxExcerptBytes of body and drains the rest.
func readExcerpt(body io.Reader) string {
	buf, _ := io.ReadAll(io.LimitReader(body, maxExcerptBytes))
	_, _ = io.Copy(io.Discard, body)
	return string(bytes.TrimSpace(buf))
}
