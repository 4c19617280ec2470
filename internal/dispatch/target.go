package dispatch

import (
	"fmt"
	"net/url"
	"strings"
)

// ProcessingAgentParam carries the provider identifier on the outbound URL.
const ProcessingAgentParam = "processingAgent"

// Target is a resolved submission endpoint.
type Target struct {
	url *url.URL
}

// ParseTarget parses raw into an absolute http(s) endpoint.
func ParseTarget(raw string) (*Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidTarget)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q is not an http(s) URL", ErrInvalidTarget, raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidTarget, raw)
	}
	u.Fragment = ""
	return &Target{url: u}, nil
}

// ResolveTarget prefers override and falls back to the configured default.
// A malformed override is an error, never a silent fallback.
func ResolveTarget(override, fallback string) (*Target, error) {
	if strings.TrimSpace(override) != "" {
		t, err := ParseTarget(override)
		if err != nil {
			return nil, fmt.Errorf("override: %w", err)
		}
		return t, nil
	}
	return ParseTarget(fallback)
}

// String returns the endpoint without the processing agent.
func (t *Target) String() string { return t.url.String() }

// Host returns host[:port].
func (t *Target) Host() string { return t.url.Host }

// Path returns the endpoint path.
func (t *Target) Path() string { return t.url.Path }

// WithAgent returns the request URL for provider. Existing query
// parameters are kept.
func (t *Target) WithAgent(provider string) string {
	u := *t.url
	q := u.Query()
	q.Set(ProcessingAgentParam, provider)
	u.RawQuery = q.Encode()
	return u.String()
}
