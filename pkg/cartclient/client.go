// Package cartclient is the embeddable offline-first cart client. It wires
// the durable mutation log, the materialized cart state, connectivity
// monitoring, the HTTP authority and the sync engine into one handle.
package cartclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/cartsync/internal/authority"
	"github.com/hyperengineering/cartsync/internal/cartstate"
	"github.com/hyperengineering/cartsync/internal/connectivity"
	"github.com/hyperengineering/cartsync/internal/mutationlog"
	"github.com/hyperengineering/cartsync/internal/syncengine"
	"github.com/hyperengineering/cartsync/internal/types"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("cart client is closed")

// Re-exported so callers need not import internal packages.
type (
	Phase            = syncengine.Phase
	Metrics          = syncengine.Metrics
	RejectedMutation = syncengine.RejectedMutation
	ErrorEvent       = syncengine.ErrorEvent
	HistoryEntry     = mutationlog.HistoryEntry
)

// Config holds the cart client configuration.
type Config struct {
	ServerURL string       // Cart server base URL
	APIKey    string       // Bearer key for the server
	CartID    types.CartID // Cart this client edits
	LogPath   string       // Local mutation log database path
	// ClientID is used the first time a log is created. A log that already
	// holds an id keeps it. Empty generates a random id.
	ClientID       string
	Rules          cartstate.Rules // Zero value uses cartstate.DefaultRules
	GraceWindow    time.Duration   // Default: 1s
	PingInterval   time.Duration   // Default: 5s
	InitialBackoff time.Duration   // Default: 200ms
	MaxBackoff     time.Duration   // Default: 30s
	Logger         *slog.Logger
}

// Client is an open cart session.
type Client struct {
	cfg       Config
	clientID  string
	log       *mutationlog.Log
	monitor   *connectivity.Monitor
	authority *authority.Client
	engine    *syncengine.Engine

	cancel context.CancelFunc
	group  *errgroup.Group

	mu     sync.RWMutex // guards closed and log access against Close
	closed bool
}

// Open opens the local log, restores cached state and starts syncing in the
// background. The returned Client is usable offline immediately.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.LogPath == "" {
		return nil, errors.New("LogPath is required")
	}
	if cfg.ServerURL == "" {
		return nil, errors.New("ServerURL is required")
	}
	if err := types.ValidateCartID(cfg.CartID); err != nil {
		return nil, err
	}

	if cfg.Rules == (cartstate.Rules{}) {
		cfg.Rules = cartstate.DefaultRules()
	}
	if cfg.GraceWindow == 0 {
		cfg.GraceWindow = time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	log, err := mutationlog.Open(ctx, cfg.LogPath)
	if err != nil {
		return nil, err
	}

	candidate := cfg.ClientID
	if candidate == "" {
		candidate = uuid.NewString()
	}
	clientID, err := log.ClientID(ctx, candidate)
	if err != nil {
		log.Close()
		return nil, err
	}

	auth := authority.New(cfg.ServerURL, cfg.APIKey)
	monitor := connectivity.New(connectivity.Config{
		GraceWindow:  cfg.GraceWindow,
		PingInterval: cfg.PingInterval,
		Pinger:       auth,
		Logger:       cfg.Logger,
	})
	engine, err := syncengine.New(ctx, syncengine.Config{
		CartID:         cfg.CartID,
		ClientID:       clientID,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Logger:         cfg.Logger,
	}, log, cartstate.NewStore(clientID, cfg.Rules), monitor, auth)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("create sync engine: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })

	cfg.Logger.Info("cart client opened",
		"component", "cartclient",
		"action", "open",
		"cart_id", cfg.CartID,
		"client_id", clientID,
		"server_url", cfg.ServerURL,
	)

	return &Client{
		cfg:       cfg,
		clientID:  clientID,
		log:       log,
		monitor:   monitor,
		authority: auth,
		engine:    engine,
		cancel:    cancel,
		group:     g,
	}, nil
}

// Close stops syncing and closes the local log. Pending mutations stay in
// the log and are submitted by the next Open.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	runErr := c.group.Wait()

	c.mu.Lock()
	closeErr := c.log.Close()
	c.mu.Unlock()
	return errors.Join(runErr, closeErr)
}

// ClientID returns this installation's persisted client id.
func (c *Client) ClientID() string {
	return c.clientID
}

// CartID returns the cart this client edits.
func (c *Client) CartID() types.CartID {
	return c.cfg.CartID
}

// AddItem adds qty units of item.
func (c *Client) AddItem(ctx context.Context, item types.LineItem, qty int) error {
	if c.isClosed() {
		return ErrClosed
	}
	return stopped(c.engine.AddItem(ctx, item, qty))
}

// SetQuantity sets the quantity of item's line. qty <= 0 removes it.
func (c *Client) SetQuantity(ctx context.Context, item types.LineItem, qty int) error {
	if c.isClosed() {
		return ErrClosed
	}
	return stopped(c.engine.SetQuantity(ctx, item, qty))
}

// RemoveItem removes the line with key.
func (c *Client) RemoveItem(ctx context.Context, key types.ItemKey) error {
	if c.isClosed() {
		return ErrClosed
	}
	return stopped(c.engine.RemoveItem(ctx, key))
}

// ClearCart removes every line.
func (c *Client) ClearCart(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	return stopped(c.engine.ClearCart(ctx))
}

// Resume restarts syncing after a fatal error.
func (c *Client) Resume(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	return stopped(c.engine.Resume(ctx))
}

// CurrentState returns the materialized cart.
func (c *Client) CurrentState() types.CartState {
	return c.engine.CurrentState()
}

// Phase returns the sync engine's state.
func (c *Client) Phase() Phase {
	return c.engine.State()
}

// Connectivity returns the debounced connectivity status.
func (c *Client) Connectivity() connectivity.Status {
	return c.monitor.Status()
}

// Metrics returns sync counters.
func (c *Client) Metrics() Metrics {
	return c.engine.Metrics()
}

// OnStateChanged registers fn for every materialized state change.
func (c *Client) OnStateChanged(fn func(types.CartState)) {
	c.engine.OnStateChanged(fn)
}

// OnMutationRejected registers fn for every rejected mutation.
func (c *Client) OnMutationRejected(fn func(RejectedMutation)) {
	c.engine.OnMutationRejected(fn)
}

// OnError registers fn for surfaced errors.
func (c *Client) OnError(fn func(ErrorEvent)) {
	c.engine.OnError(fn)
}

// OnPhaseChanged registers fn for sync engine state changes.
func (c *Client) OnPhaseChanged(fn func(Phase)) {
	c.engine.OnPhaseChanged(fn)
}

// Pending returns the mutations not yet resolved by the server.
func (c *Client) Pending(ctx context.Context) ([]types.Mutation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.log.PendingFor(ctx, c.cfg.CartID)
}

// History returns the most recent resolved intents, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.log.History(ctx, c.cfg.CartID, limit)
}

// WaitSynced blocks until the engine is live and the server has resolved
// every logged mutation, or ctx ends.
func (c *Client) WaitSynced(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.engine.Synced() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// stopped maps the engine's shutdown error to ErrClosed.
func stopped(err error) error {
	if errors.Is(err, syncengine.ErrStopped) {
		return ErrClosed
	}
	return err
}
