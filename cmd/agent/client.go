package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"paylock/internal/directive"
	"paylock/internal/lockstate"
	"paylock/internal/snapshot"
)

// Maximum accepted response body.
const maxResponseSize = 1 << 20

// errPermanent marks responses that retrying cannot fix.
var errPermanent = errors.New("permanent backend error")

// httpBackend posts snapshots to the management server.
type httpBackend struct {
	client  *http.Client
	baseURL string
	token   string
	policy  directive.RetryPolicy
	debug   bool
}

func newHTTPBackend(baseURL, token string, timeout time.Duration, policy directive.RetryPolicy, debug bool) *httpBackend {
	return &httpBackend{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		policy:  policy,
		debug:   debug,
	}
}

// Heartbeat implements heartbeat.Backend.
func (b *httpBackend) Heartbeat(ctx context.Context, snap snapshot.Snapshot) (*lockstate.Response, error) {
	start := time.Now()
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	endpoint := b.baseURL + "/api/devices/" + url.PathEscape(snap.DeviceID) + "/data/"

	attempts := b.policy.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	var permanent error
	resp, err := retry.DoWithData(func() (*lockstate.Response, error) {
		if err := ctx.Err(); err != nil {
			permanent = err
			return nil, nil
		}
		r, err := b.send(ctx, endpoint, data)
		if errors.Is(err, errPermanent) {
			permanent = err
			return nil, nil
		}
		return r, err
	}, retry.Attempts(attempts), retry.DelayType(b.delay), retry.MaxDelay(b.policy.Max))
	if permanent != nil {
		return nil, permanent
	}
	if err != nil {
		return nil, fmt.Errorf("heartbeat failed after %d attempt(s): %w", attempts, err)
	}
	if b.debug {
		log.Printf("[DEBUG] Heartbeat accepted in %v (locked=%t, %d directive(s))",
			time.Since(start), resp.Content.IsLocked, len(resp.Directives))
	}
	return resp, nil
}

// delay follows the configured policy; retry passes the 1-based number of
// the attempt about to run.
func (b *httpBackend) delay(n uint, _ error, _ *retry.Config) time.Duration {
	d, _ := b.policy.NextDelay(n)
	return d
}

func (b *httpBackend) send(ctx context.Context, endpoint string, data []byte) (*lockstate.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w: %w", errPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Token "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("[WARN] Error closing response body: %v", err)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError, resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: server returned status %d: %s", errPermanent, resp.StatusCode, truncate(string(body), maxLogLength))
	}

	var out lockstate.Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %w", errPermanent, err)
	}
	return &out, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
