// Package authority is the HTTP and WebSocket client for the cart server.
// It implements syncengine.Authority and connectivity.Pinger.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/hyperengineering/cartsync/internal/syncengine"
	"github.com/hyperengineering/cartsync/internal/types"
)

const (
	defaultTimeout = 30 * time.Second
	// maxFrameBytes bounds a single broadcast frame.
	maxFrameBytes = 1 << 20
)

// Client talks to a cart server.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// New creates a Client for the server at baseURL.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: defaultTimeout,
		},
		logger: slog.Default().With("component", "authority"),
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

// Ping checks that the server is reachable and healthy.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.sendRequest(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check failed: %d", syncengine.ErrNetwork, resp.StatusCode)
	}
	return nil
}

// Snapshot fetches the authoritative cart.
func (c *Client) Snapshot(ctx context.Context, cartID types.CartID) (types.Snapshot, error) {
	var snap types.Snapshot
	err := c.do(ctx, http.MethodGet, cartPath(cartID, "snapshot"), nil, &snap)
	return snap, err
}

// Submit sends one mutation. A rejection is a successful call with
// Accepted set to false.
func (c *Client) Submit(ctx context.Context, m types.Mutation) (types.SubmitResult, error) {
	var res types.SubmitResult
	err := c.do(ctx, http.MethodPost, cartPath(m.CartID, "mutations"), types.SubmitRequest{Mutation: m}, &res)
	return res, err
}

// Delta fetches change-log entries after the given version.
func (c *Client) Delta(ctx context.Context, cartID types.CartID, after int64, limit int) (types.DeltaResponse, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp types.DeltaResponse
	err := c.do(ctx, http.MethodGet, cartPath(cartID, "delta")+"?"+q.Encode(), nil, &resp)
	return resp, err
}

// SetInventory records how many units of an item variant can be sold.
func (c *Client) SetInventory(ctx context.Context, key types.ItemKey, available int) error {
	return c.do(ctx, http.MethodPut, "/api/v1/inventory", types.InventoryRequest{Key: key, Available: available}, nil)
}

// Subscribe opens the cart's broadcast stream. The returned channel carries
// snapshots in arrival order and is closed when the stream ends, the cart
// expires, or ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, cartID types.CartID) (<-chan types.Snapshot, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + cartPath(cartID, "broadcasts")

	dialCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	conn, resp, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + c.apiKey}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, statusError(resp.StatusCode, err.Error())
		}
		return nil, fmt.Errorf("%w: dial broadcasts: %v", syncengine.ErrNetwork, err)
	}
	conn.SetReadLimit(maxFrameBytes)

	out := make(chan types.Snapshot)
	go c.readBroadcasts(ctx, conn, cartID, out)
	return out, nil
}

func (c *Client) readBroadcasts(ctx context.Context, conn *websocket.Conn, cartID types.CartID, out chan<- types.Snapshot) {
	defer close(out)
	defer conn.CloseNow()

	for {
		var msg types.BroadcastMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() == nil {
				c.logger.Info("broadcast stream ended",
					"action", "broadcast_end",
					"cart_id", cartID,
					"close_code", int(websocket.CloseStatus(err)),
					"error", err,
				)
			}
			return
		}

		switch msg.Type {
		case types.MessageSnapshot:
			if msg.Snapshot == nil {
				continue
			}
			select {
			case out <- *msg.Snapshot:
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		case types.MessageCartExpired:
			c.logger.Warn("cart expired",
				"action", "broadcast_cart_expired",
				"cart_id", cartID,
			)
			return
		default:
			c.logger.Debug("ignoring unknown broadcast frame",
				"action", "broadcast_unknown",
				"type", msg.Type,
			)
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.sendRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, problemDetail(resp.Body))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %v", syncengine.ErrNetwork, method, path, err)
	}
	return nil
}

// sendRequest sends an authenticated request to the server.
func (c *Client) sendRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s %s: %v", syncengine.ErrNetwork, method, path, err)
	}
	return resp, nil
}

// statusError classifies a non-success status. Server failures and rate
// limiting are transient. Expired carts and rejected credentials end the
// session. Remaining client errors are returned as plain errors.
func statusError(status int, detail string) error {
	switch {
	case status >= 500, status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d: %s", syncengine.ErrNetwork, status, detail)
	case status == http.StatusGone, status == http.StatusUnauthorized, status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", syncengine.ErrSessionExpired, status, detail)
	default:
		return fmt.Errorf("authority: status %d: %s", status, detail)
	}
}

func problemDetail(r io.Reader) string {
	var p struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	raw, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	if err := json.Unmarshal(raw, &p); err != nil || (p.Detail == "" && p.Title == "") {
		return strings.TrimSpace(string(raw))
	}
	if p.Detail == "" {
		return p.Title
	}
	return p.Detail
}

func cartPath(cartID types.CartID, op string) string {
	return "/api/v1/carts/" + url.PathEscape(string(cartID)) + "/" + op
}
