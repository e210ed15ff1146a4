package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
)

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// RequestsPerMinute throttles outbound calls; zero disables throttling.
	RequestsPerMinute int
	Burst             int
}

// ListNotificationsOpts narrows a notification history fetch.
type ListNotificationsOpts struct {
	Limit      int
	UnreadOnly bool
}

// Client is the REST client for the trading backend's position and
// notification endpoints.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a REST client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60), burst)
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		logger:     logger.With(slog.String("component", "backend_rest")),
	}
}

// GetLivePositions fetches the authoritative position snapshot.
func (c *Client) GetLivePositions(ctx context.Context) ([]domain.Position, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/trading/live-positions", nil)
	if err != nil {
		return nil, fmt.Errorf("backend/rest: live positions: %w", err)
	}

	var rows positionsResponse
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("backend/rest: decode live positions: %w", err)
	}

	out := make([]domain.Position, 0, len(rows))
	for _, row := range rows {
		if row.Symbol == "" {
			continue
		}
		pos := row.ToDomainPosition()
		if pos.Quantity.IsZero() {
			continue
		}
		out = append(out, pos)
	}
	return out, nil
}

// ListNotifications fetches notification history.
func (c *Client) ListNotifications(ctx context.Context, opts ListNotificationsOpts) ([]domain.Notification, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.UnreadOnly {
		q.Set("unread_only", "true")
	}
	path := "/api/notifications/"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("backend/rest: list notifications: %w", err)
	}

	var rows notificationsResponse
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("backend/rest: decode notifications: %w", err)
	}

	out := make([]domain.Notification, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.ToDomain())
	}
	return out, nil
}

// MarkRead marks the given server ids read.
func (c *Client) MarkRead(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/notifications/mark-read", markReadRequest{NotificationIDs: ids}); err != nil {
		return fmt.Errorf("backend/rest: mark read: %w", err)
	}
	return nil
}

// MarkAllRead marks every notification read.
func (c *Client) MarkAllRead(ctx context.Context) error {
	if _, err := c.do(ctx, http.MethodPost, "/api/notifications/mark-read", markReadRequest{MarkAll: true}); err != nil {
		return fmt.Errorf("backend/rest: mark all read: %w", err)
	}
	return nil
}

// DeleteNotification deletes one notification.
func (c *Client) DeleteNotification(ctx context.Context, id int64) error {
	if _, err := c.do(ctx, http.MethodDelete, "/api/notifications/"+strconv.FormatInt(id, 10), nil); err != nil {
		return fmt.Errorf("backend/rest: delete notification %d: %w", id, err)
	}
	return nil
}

// DeleteReadNotifications deletes every read notification.
func (c *Client) DeleteReadNotifications(ctx context.Context) error {
	if _, err := c.do(ctx, http.MethodDelete, "/api/notifications/read", nil); err != nil {
		return fmt.Errorf("backend/rest: delete read: %w", err)
	}
	return nil
}

// Cleanup deletes notifications older than days and returns the backend's
// deleted count.
func (c *Client) Cleanup(ctx context.Context, days int) (int, error) {
	body, err := c.do(ctx, http.MethodDelete, "/api/notifications/cleanup?days="+strconv.Itoa(days), nil)
	if err != nil {
		return 0, fmt.Errorf("backend/rest: cleanup: %w", err)
	}
	var resp cleanupResponse
	if len(bytes.TrimSpace(body)) > 0 {
		_ = json.Unmarshal(body, &resp)
	}
	return resp.Deleted, nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRateLimited, err)
	}

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBackend, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := strings.TrimSpace(string(body))
	if len(bodyStr) > 256 {
		bodyStr = bodyStr[:256]
	}
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrBackend, statusCode, bodyStr)
	}
}
