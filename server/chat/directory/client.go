package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bizchat/server/chat/domain"
	cmnenv "bizchat/server/common/env"
)

const (
	employeesPath = "/api/v1/directory/employees"
	statusPath    = "/api/v1/directory/employees/status"
)

const (
	defaultHTTPTimeout      = 5 * time.Second
	defaultFailThreshold    = 3
	defaultEndpointCooldown = 10 * time.Second
)

// Client talks to the directory service over HTTP. Requests rotate over the
// endpoints; an endpoint failing failThreshold times in a row is skipped for
// the cooldown.
type Client struct {
	endpoints []string
	http      *http.Client
	next      uint32
	now       func() time.Time

	failThreshold    int
	endpointCooldown time.Duration

	mu         sync.Mutex
	failureCnt map[string]int
	cooldownTo map[string]time.Time
}

func NewClient(endpoints ...string) *Client {
	normalized := normalizeEndpoints(endpoints)
	return &Client{
		endpoints:        normalized,
		http:             &http.Client{Timeout: cmnenv.Duration("DIRECTORY_HTTP_TIMEOUT", defaultHTTPTimeout)},
		now:              time.Now,
		failThreshold:    cmnenv.Int("DIRECTORY_FAIL_THRESHOLD", defaultFailThreshold),
		endpointCooldown: cmnenv.Duration("DIRECTORY_COOLDOWN", defaultEndpointCooldown),
		failureCnt:       make(map[string]int, len(normalized)),
		cooldownTo:       make(map[string]time.Time, len(normalized)),
	}
}

func (c *Client) ListEmployees(ctx context.Context) ([]domain.User, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, employeesPath, nil, &raw); err != nil {
		return nil, err
	}
	return decodeEmployees(raw)
}

func (c *Client) UpdateStatus(ctx context.Context, userID string, active bool) error {
	payload := map[string]any{"user_id": userID, "active": active}
	return c.do(ctx, http.MethodPost, statusPath, payload, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	if len(c.endpoints) == 0 {
		return fmt.Errorf("directory endpoint is not configured")
	}
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = encoded
	}

	start := int(atomic.AddUint32(&c.next, 1)-1) % len(c.endpoints)
	var lastErr error
	for offset := 0; offset < len(c.endpoints); offset++ {
		endpoint := c.endpoints[(start+offset)%len(c.endpoints)]
		if c.isCoolingDown(endpoint, c.now()) {
			continue
		}
		req, reqErr := http.NewRequestWithContext(ctx, method, endpoint+path, bytes.NewReader(body))
		if reqErr != nil {
			return reqErr
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, doErr := c.http.Do(req)
		if doErr != nil {
			lastErr = fmt.Errorf("directory request failed endpoint=%s: %w", endpoint, doErr)
			c.onFailure(endpoint, c.now())
			continue
		}
		if resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("directory status %d endpoint=%s", resp.StatusCode, endpoint)
			c.onFailure(endpoint, c.now())
			continue
		}
		if resp.StatusCode >= 300 {
			_ = resp.Body.Close()
			return fmt.Errorf("directory status %d endpoint=%s", resp.StatusCode, endpoint)
		}

		var decodeErr error
		if out != nil {
			decodeErr = json.NewDecoder(resp.Body).Decode(out)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
		}
		_ = resp.Body.Close()
		if decodeErr != nil {
			return fmt.Errorf("decode directory response endpoint=%s: %w", endpoint, decodeErr)
		}
		c.onSuccess(endpoint)
		return nil
	}

	if lastErr == nil {
		return fmt.Errorf("%w: all directory endpoints cooling down", domain.ErrNotAvailable)
	}
	return lastErr
}

// decodeEmployees accepts a bare array or an object wrapping it under
// items, employees or users.
func decodeEmployees(raw json.RawMessage) ([]domain.User, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, err
		}
		trimmed = nil
		for _, key := range []string{"items", "employees", "users", "data"} {
			if v, ok := wrapped[key]; ok {
				trimmed = v
				break
			}
		}
		if trimmed == nil {
			return nil, fmt.Errorf("directory response has no employee list")
		}
	}
	users := make([]domain.User, 0)
	if err := json.Unmarshal(trimmed, &users); err != nil {
		return nil, err
	}
	out := users[:0]
	for _, u := range users {
		if u.ID != "" {
			out = append(out, u)
		}
	}
	return out, nil
}

func normalizeEndpoints(endpoints []string) []string {
	result := make([]string, 0, len(endpoints))
	seen := map[string]struct{}{}
	for _, endpoint := range endpoints {
		normalized := strings.TrimRight(strings.TrimSpace(endpoint), "/")
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}
	return result
}

func (c *Client) isCoolingDown(endpoint string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.cooldownTo[endpoint]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(c.cooldownTo, endpoint)
		return false
	}
	return true
}

func (c *Client) onFailure(endpoint string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := c.failureCnt[endpoint] + 1
	c.failureCnt[endpoint] = count
	if count >= c.failThreshold {
		c.cooldownTo[endpoint] = now.Add(c.endpointCooldown)
		c.failureCnt[endpoint] = 0
	}
}

func (c *Client) onSuccess(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCnt[endpoint] = 0
	delete(c.cooldownTo, endpoint)
}
