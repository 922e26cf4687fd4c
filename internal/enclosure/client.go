// Package enclosure is the client for the storage enclosure's management
// REST API. One Client is shared by every sensor; it owns the login session
// and the request rate limit.
package enclosure

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrPollFailure wraps every failure to read from the enclosure: the API is
// unreachable, answered with a non-success status or sent a malformed body.
var ErrPollFailure = errors.New("enclosure poll failed")

// SessionHeader carries the session key on every authenticated request.
const SessionHeader = "sessionKey"

const maxBody = 16 << 20

// Client wraps the enclosure management API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	limiter    *rate.Limiter
	logger     *zap.Logger

	mu         sync.Mutex
	sessionKey string
}

// NewClient creates a client. It does not log in until the first request.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
}

// loginResponse is the status block the API returns for every command.
type loginResponse struct {
	Status []struct {
		ResponseType string `json:"response-type"`
		Response     string `json:"response"`
		ReturnCode   int    `json:"return-code"`
	} `json:"status"`
}

// Login opens a new session, replacing any existing one.
func (c *Client) Login(ctx context.Context) error {
	_, err := c.login(ctx)
	return err
}

func (c *Client) login(ctx context.Context) (string, error) {
	sum := sha256.Sum256([]byte(c.username + "_" + c.password))
	path := "/api/login/" + hex.EncodeToString(sum[:])

	status, body, err := c.do(ctx, path, "")
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("%w: login returned %d", ErrPollFailure, status)
	}
	var resp loginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: decode login response: %v", ErrPollFailure, err)
	}
	if len(resp.Status) == 0 || resp.Status[0].ReturnCode != 1 || resp.Status[0].Response == "" {
		return "", fmt.Errorf("%w: login rejected for user %q", ErrPollFailure, c.username)
	}

	key := resp.Status[0].Response
	c.mu.Lock()
	c.sessionKey = key
	c.mu.Unlock()
	c.logger.Debug("enclosure session established", zap.String("url", c.baseURL))
	return key, nil
}

func (c *Client) session(ctx context.Context) (string, error) {
	c.mu.Lock()
	key := c.sessionKey
	c.mu.Unlock()
	if key != "" {
		return key, nil
	}
	return c.login(ctx)
}

// List fetches path and returns the array stored under collection, e.g.
// List(ctx, "/api/show/power-supplies", "power-supplies"). An expired
// session is renewed once.
func (c *Client) List(ctx context.Context, path, collection string) ([]map[string]any, error) {
	key, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	status, body, err := c.do(ctx, path, key)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.logger.Info("enclosure session expired, logging in again", zap.Int("status", status))
		if key, err = c.login(ctx); err != nil {
			return nil, err
		}
		if status, body, err = c.do(ctx, path, key); err != nil {
			return nil, err
		}
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("%w: GET %s returned %d: %s", ErrPollFailure, path, status, truncate(body, 256))
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrPollFailure, path, err)
	}
	raw, ok := doc[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no %q collection", ErrPollFailure, path, collection)
	}
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: decode %q: %v", ErrPollFailure, collection, err)
	}
	return items, nil
}

// do performs one rate-limited GET.
func (c *Client) do(ctx context.Context, path, sessionKey string) (int, []byte, error) {
	if c.baseURL == "" {
		return 0, nil, fmt.Errorf("%w: enclosure url not configured", ErrPollFailure)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("%w: rate limit: %v", ErrPollFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: create request: %v", ErrPollFailure, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("datatype", "json")
	if sessionKey != "" {
		req.Header.Set(SessionHeader, sessionKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: GET %s: %v", ErrPollFailure, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read %s: %v", ErrPollFailure, path, err)
	}
	requestDuration.WithLabelValues(command(path)).Observe(time.Since(start).Seconds())
	return resp.StatusCode, body, nil
}

// command names the API command in path for metrics, without the login
// hash.
func command(path string) string {
	cmd := strings.TrimPrefix(path, "/api/")
	if strings.HasPrefix(cmd, "login/") {
		return "login"
	}
	return cmd
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
