// Package remote is the HTTP client for the shop's REST API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/shopsync/internal/domain"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	baseRetryDelay    = 500 * time.Millisecond
	maxErrorBody      = 512
)

// Client implements domain.RemoteAPI against the shop backend
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries int
	retryDelay time.Duration
}

// NewClient creates a new API client. timeout <= 0 uses 30s.
func NewClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger:     logger,
		maxRetries: defaultMaxRetries,
		retryDelay: baseRetryDelay,
	}
}

// SetRetryPolicy tunes in-call retries on 5xx/429 responses
func (c *Client) SetRetryPolicy(maxRetries int, baseDelay time.Duration) {
	if maxRetries >= 0 {
		c.maxRetries = maxRetries
	}
	if baseDelay > 0 {
		c.retryDelay = baseDelay
	}
}

// response is a completed HTTP exchange
type response struct {
	status int
	body   []byte
}

// doRequest performs an authenticated request. 5xx and 429 responses are
// retried with exponential backoff while ctx allows; every other status is
// returned to the caller for classification.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte, idempotencyKey string) (response, error) {
	reqURL := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		// Check context before each attempt
		if err := ctx.Err(); err != nil {
			return response{}, contextError(err)
		}

		// Wait before retry (exponential backoff)
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1)) // 500ms, 1s, 2s
			c.logger.Debug("retrying request", "attempt", attempt, "delay", delay, "url", reqURL)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return response{}, contextError(ctx.Err())
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if err != nil {
			return response{}, fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Token "+c.token)
		}
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}

		c.logger.Debug("api request", "method", method, "url", reqURL, "attempt", attempt)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return response{}, c.transportError(ctx, err)
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return response{}, domain.NetworkFailure(err, "failed to read response")
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("server error: %d - %s", resp.StatusCode, truncate(respBody))
			c.logger.Warn("api server error, will retry",
				"status", resp.StatusCode,
				"attempt", attempt,
				"maxRetries", c.maxRetries,
				"method", method,
				"path", path,
			)
			continue
		}

		return response{status: resp.StatusCode, body: respBody}, nil
	}

	c.logger.Error("api request failed after retries", "error", lastErr, "method", method, "path", path)
	return response{}, domain.NetworkFailure(lastErr, "server unavailable")
}

// ApplyMutation sends one queued mutation. The mutation id travels as the
// Idempotency-Key, and every payload is an end state, so re-delivery after an
// unknown outcome is harmless.
func (c *Client) ApplyMutation(ctx context.Context, m domain.QueuedMutation) (json.RawMessage, error) {
	method, path, body, err := route(m)
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest(ctx, method, path, body, m.ID)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.status >= 200 && resp.status < 300:
		return serverState(resp.body), nil
	case resp.status == http.StatusNotFound && method == http.MethodDelete:
		// Already absent: the desired end state holds
		return nil, nil
	default:
		return nil, c.statusError(m, resp)
	}
}

// FetchEntity reads the authoritative server value for an entity key.
func (c *Client) FetchEntity(ctx context.Context, key string) (json.RawMessage, error) {
	path, err := entityPath(key)
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}

	switch {
	case resp.status == http.StatusOK:
		if !json.Valid(resp.body) {
			return nil, domain.ServerRejected("server returned malformed JSON for " + key)
		}
		return resp.body, nil
	case resp.status == http.StatusNotFound:
		return nil, domain.ErrNotFound
	case resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden:
		return nil, domain.Unauthorized(fmt.Sprintf("fetch %s: status %d", key, resp.status))
	default:
		return nil, domain.ServerRejected(fmt.Sprintf("fetch %s: unexpected status %d", key, resp.status))
	}
}

// --- Private helpers ---

func route(m domain.QueuedMutation) (method, path string, body []byte, err error) {
	switch m.Type {
	case domain.AddToCart, domain.UpdateCartQuantity, domain.RemoveFromCart:
		var p domain.CartItemPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return "", "", nil, domain.ServerRejected("corrupt cart payload: " + err.Error())
		}
		path = "/api/cart/items/" + url.PathEscape(p.ItemID) + "/"
		if m.Type == domain.RemoveFromCart {
			return http.MethodDelete, path, nil, nil
		}
		body, _ = json.Marshal(map[string]int{"quantity": p.Quantity})
		return http.MethodPut, path, body, nil

	case domain.AddToFavorites, domain.RemoveFromFavorites:
		var p domain.FavoritePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return "", "", nil, domain.ServerRejected("corrupt favorite payload: " + err.Error())
		}
		path = "/api/favorites/" + url.PathEscape(p.ProductID) + "/"
		if m.Type == domain.RemoveFromFavorites {
			return http.MethodDelete, path, nil, nil
		}
		return http.MethodPut, path, nil, nil

	case domain.UpdateProfile:
		var p domain.ProfilePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return "", "", nil, domain.ServerRejected("corrupt profile payload: " + err.Error())
		}
		body, err := json.Marshal(p.Fields)
		if err != nil {
			return "", "", nil, domain.ServerRejected("profile fields are not serializable")
		}
		return http.MethodPatch, "/api/profile/", body, nil
	}
	return "", "", nil, domain.ServerRejected(fmt.Sprintf("no route for mutation type %q", m.Type))
}

func entityPath(key string) (string, error) {
	if key == domain.KeyProfile {
		return "/api/profile/", nil
	}
	class, id, ok := strings.Cut(key, ":")
	if !ok || id == "" {
		return "", fmt.Errorf("unroutable entity key %q", key)
	}
	switch class + ":" {
	case domain.PrefixCart:
		return "/api/cart/items/" + url.PathEscape(id) + "/", nil
	case domain.PrefixFavorite:
		return "/api/favorites/" + url.PathEscape(id) + "/", nil
	case domain.PrefixProduct:
		return "/api/products/" + url.PathEscape(id) + "/", nil
	}
	return "", fmt.Errorf("unroutable entity key %q", key)
}

func (c *Client) statusError(m domain.QueuedMutation, resp response) error {
	detail := fmt.Sprintf("%s %s: status %d: %s", m.Type, m.EntityKey, resp.status, truncate(resp.body))
	switch resp.status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.Unauthorized(detail)
	default:
		// 400, 404, 409, 422 and anything else in 4xx: the payload will never succeed
		c.logger.Warn("server rejected mutation", "mutationID", m.ID, "status", resp.status)
		return domain.ServerRejected(detail)
	}
}

func (c *Client) transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return contextError(ctxErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.Timeout(err, "request timed out")
	}
	c.logger.Debug("api transport error", "error", err)
	return domain.NetworkFailure(err, "server unreachable")
}

// contextError keeps cancellation visible to errors.Is while mapping a
// deadline onto the Timeout class.
func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Timeout(err, "request deadline exceeded")
	}
	return err
}

func serverState(body []byte) json.RawMessage {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || !json.Valid(body) {
		return nil
	}
	return json.RawMessage(body)
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}
