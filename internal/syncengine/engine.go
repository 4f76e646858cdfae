// Package syncengine reconciles a client's local mutation log with the
// server authority. All inputs are serialized on one event loop: UI
// commands, connectivity transitions, network results and broadcasts.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/cartsync/internal/cartstate"
	"github.com/hyperengineering/cartsync/internal/connectivity"
	"github.com/hyperengineering/cartsync/internal/types"
)

var (
	// ErrNetwork is a transient transport failure; retried with backoff.
	ErrNetwork = errors.New("network error")
	// ErrSessionExpired is fatal: the cart expired or credentials were rejected.
	ErrSessionExpired = errors.New("session expired")
	// ErrInvalidItem indicates a UI call with an unusable item or quantity.
	ErrInvalidItem = errors.New("invalid item")
	// ErrStopped is returned by UI calls after Run has returned.
	ErrStopped = errors.New("sync engine stopped")
)

// Phase is the engine's state machine position.
type Phase string

const (
	Disconnected Phase = "disconnected"
	Reconciling  Phase = "reconciling"
	Live         Phase = "live"
)

// Authority is the server side of the sync protocol.
type Authority interface {
	Snapshot(ctx context.Context, cartID types.CartID) (types.Snapshot, error)
	Submit(ctx context.Context, m types.Mutation) (types.SubmitResult, error)
	// Subscribe streams snapshots until ctx is cancelled or the stream ends,
	// at which point the channel is closed.
	Subscribe(ctx context.Context, cartID types.CartID) (<-chan types.Snapshot, error)
}

// MutationLog is the durable pending-mutation store.
type MutationLog interface {
	Append(ctx context.Context, m types.Mutation) (types.Mutation, error)
	PendingFor(ctx context.Context, cartID types.CartID) ([]types.Mutation, error)
	MarkSubmitted(ctx context.Context, mutationID string) error
	MarkAcknowledged(ctx context.Context, mutationID string, version int64) error
	MarkRejected(ctx context.Context, mutationID, reason string) error
	MarkResolved(ctx context.Context, mutationID string, version int64) error
	SaveSnapshot(ctx context.Context, s types.Snapshot) error
	LoadSnapshot(ctx context.Context, cartID types.CartID) (types.Snapshot, bool, error)
}

// Connectivity is the subset of connectivity.Monitor the engine uses.
type Connectivity interface {
	Status() connectivity.Status
	Subscribe() (<-chan connectivity.Transition, func())
	Report(online bool)
}

// RejectedMutation is emitted once per mutation the authority rejects.
type RejectedMutation struct {
	Mutation types.Mutation
	Code     string
	Reason   string
}

// ErrorEvent reports an error the UI should surface.
type ErrorEvent struct {
	Err   error
	Fatal bool
	At    time.Time
}

// Metrics are counters about sync activity. Pending counts log entries the
// authority has not resolved yet, the in-flight one included.
type Metrics struct {
	Phase          Phase     `json:"phase"`
	Halted         bool      `json:"halted"`
	Pending        int       `json:"pending"`
	TotalUpdates   int64     `json:"total_updates"`
	LastUpdate     time.Time `json:"last_update"`
	ReconnectCount int64     `json:"reconnect_count"`
	RejectedCount  int64     `json:"rejected_count"`
}

// Config configures an Engine.
type Config struct {
	CartID         types.CartID
	ClientID       string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// OfflineAfterFailures reports offline to the monitor after this many
	// consecutive network failures of one request. Zero disables it.
	OfflineAfterFailures int
	Logger               *slog.Logger
}

// Defaults for Config zero values.
const (
	DefaultInitialBackoff       = 200 * time.Millisecond
	DefaultMaxBackoff           = 30 * time.Second
	DefaultOfflineAfterFailures = 3
)

// Engine is the per-cart sync state machine for one client.
type Engine struct {
	cfg       Config
	log       MutationLog
	store     *cartstate.Store
	monitor   Connectivity
	authority Authority
	logger    *slog.Logger

	actions chan func()
	stopped chan struct{}

	// loop-owned
	runCtx     context.Context
	session    context.Context
	cancel     context.CancelFunc
	gen        uint64
	phase      Phase
	halted     bool
	loaded     bool // snapshot of the current session applied
	inflight   *types.Mutation
	sessions   int64
	updates    int64
	lastUpdate time.Time
	rejected   int64

	mu        sync.RWMutex
	current   types.CartState
	metrics   Metrics
	onState   []func(types.CartState)
	onReject  []func(RejectedMutation)
	onError   []func(ErrorEvent)
	onPhase   []func(Phase)
	runCalled bool
}

// New creates an engine and loads the cached snapshot and pending log so
// CurrentState is meaningful before Run starts.
func New(ctx context.Context, cfg Config, log MutationLog, store *cartstate.Store, monitor Connectivity, authority Authority) (*Engine, error) {
	if err := types.ValidateCartID(cfg.CartID); err != nil {
		return nil, err
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:       cfg,
		log:       log,
		store:     store,
		monitor:   monitor,
		authority: authority,
		logger:    logger.With("component", "syncengine", "cart_id", cfg.CartID),
		actions:   make(chan func(), 64),
		stopped:   make(chan struct{}),
		phase:     Disconnected,
	}
	e.publishMetrics()

	cached, ok, err := log.LoadSnapshot(ctx, cfg.CartID)
	if err != nil {
		return nil, fmt.Errorf("load cached snapshot: %w", err)
	}
	if ok {
		if err := store.ApplySnapshot(cached); err != nil && !errors.Is(err, types.ErrStaleSnapshot) {
			return nil, fmt.Errorf("apply cached snapshot: %w", err)
		}
	}
	if err := e.refresh(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Run executes the event loop until ctx is cancelled. It may be called once.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.runCalled {
		e.mu.Unlock()
		return fmt.Errorf("sync engine already running")
	}
	e.runCalled = true
	e.mu.Unlock()
	defer close(e.stopped)

	transitions, unsubscribe := e.monitor.Subscribe()
	defer unsubscribe()

	e.runCtx = ctx
	e.logger.Info("sync engine started", "action", "start", "client_id", e.cfg.ClientID)
	if e.monitor.Status() == connectivity.Online {
		e.goOnline()
	}

	for {
		select {
		case <-ctx.Done():
			e.endSession()
			e.logger.Info("sync engine stopped", "action", "stop")
			return nil
		case tr, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			e.handleTransition(tr)
		case fn := <-e.actions:
			fn()
		}
	}
}

func (e *Engine) handleTransition(tr connectivity.Transition) {
	switch tr.To {
	case connectivity.Online:
		if e.phase == Disconnected && !e.halted {
			e.goOnline()
		}
	case connectivity.Offline:
		if e.phase != Disconnected {
			e.endSession()
			e.setPhase(Disconnected)
		}
	}
}

// post enqueues fn on the loop. Safe from any goroutine except the loop.
func (e *Engine) post(fn func()) {
	select {
	case e.actions <- fn:
	case <-e.stopped:
	}
}

// do runs fn on the loop and waits for its result.
func (e *Engine) do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	select {
	case e.actions <- func() { done <- fn() }:
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddItem adds qty units of item, inserting the line when absent. The delta
// is clamped so the line never exceeds the per-line cap.
func (e *Engine) AddItem(ctx context.Context, item types.LineItem, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: add quantity must be positive, got %d", ErrInvalidItem, qty)
	}
	if err := validateItem(item); err != nil {
		return err
	}
	return e.do(ctx, func() error {
		return e.record(ctx, mutationFor(types.MutationAdd, item, qty))
	})
}

// SetQuantity sets the line to qty. qty <= 0 removes the line; values above
// the cap are clamped and the clamped value is what gets submitted.
func (e *Engine) SetQuantity(ctx context.Context, item types.LineItem, qty int) error {
	if qty > 0 {
		if err := validateItem(item); err != nil {
			return err
		}
	}
	return e.do(ctx, func() error {
		return e.record(ctx, mutationFor(types.MutationSetQuantity, item, qty))
	})
}

// RemoveItem removes the line with key. Removing an absent line is a no-op.
func (e *Engine) RemoveItem(ctx context.Context, key types.ItemKey) error {
	if key.ItemID == "" {
		return fmt.Errorf("%w: item id is required", ErrInvalidItem)
	}
	return e.do(ctx, func() error {
		return e.record(ctx, types.Mutation{Kind: types.MutationRemove, Key: key})
	})
}

// ClearCart records one remove per line currently in the cart.
func (e *Engine) ClearCart(ctx context.Context) error {
	return e.do(ctx, func() error {
		for _, l := range e.store.CurrentState(e.cfg.CartID).LineItems {
			if err := e.record(ctx, types.Mutation{Kind: types.MutationRemove, Key: l.Key()}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Resume clears the halted flag set by a fatal error and reconnects when
// the monitor reports online.
func (e *Engine) Resume(ctx context.Context) error {
	return e.do(ctx, func() error {
		if !e.halted {
			return nil
		}
		e.halted = false
		e.publishMetrics()
		e.logger.Info("session resumed", "action", "resume")
		if e.monitor.Status() == connectivity.Online && e.phase == Disconnected {
			e.goOnline()
		}
		return nil
	})
}

func validateItem(item types.LineItem) error {
	if item.ItemID == "" {
		return fmt.Errorf("%w: item id is required", ErrInvalidItem)
	}
	if !item.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidItem, item.Kind)
	}
	if item.UnitPrice < 0 {
		return fmt.Errorf("%w: negative unit price", ErrInvalidItem)
	}
	return nil
}

func mutationFor(kind types.MutationKind, item types.LineItem, qty int) types.Mutation {
	return types.Mutation{
		Kind: kind,
		Key:  item.Key(),
		Item: types.ItemDescriptor{
			Kind:      item.Kind,
			Name:      item.Name,
			Category:  item.Category,
			UnitPrice: item.UnitPrice,
		},
		Quantity: qty,
	}
}

// record clamps, appends and optimistically applies m. Runs on the loop.
func (e *Engine) record(ctx context.Context, m types.Mutation) error {
	state := e.store.CurrentState(e.cfg.CartID)
	m, ok := cartstate.Clamp(m, state.LineItems, e.store.Rules())
	if !ok {
		return nil
	}
	if m.Kind == types.MutationRemove {
		if _, present := state.Line(m.Key); !present {
			return nil
		}
	}
	m.CartID = e.cfg.CartID
	m.ClientID = e.cfg.ClientID
	m.ClientTimestamp = time.Now()

	appended, err := e.log.Append(ctx, m)
	if err != nil {
		return fmt.Errorf("record mutation: %w", err)
	}
	e.logger.Debug("mutation recorded",
		"action", "record",
		"mutation_id", appended.MutationID,
		"kind", appended.Kind,
		"key", appended.Key.String(),
		"quantity", appended.Quantity,
	)

	if err := e.refresh(ctx); err != nil {
		return err
	}
	e.submitNext()
	return nil
}

// refresh refolds pending mutations over the held snapshot and publishes.
func (e *Engine) refresh(ctx context.Context) error {
	pending, err := e.log.PendingFor(ctx, e.cfg.CartID)
	if err != nil {
		return fmt.Errorf("load pending mutations: %w", err)
	}
	e.store.ApplyPendingMutations(e.cfg.CartID, pending)
	e.mu.Lock()
	e.metrics.Pending = len(pending)
	e.mu.Unlock()
	e.publishState()
	return nil
}

// CurrentState returns the latest published cart state.
func (e *Engine) CurrentState() types.CartState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// State returns the current phase.
func (e *Engine) State() Phase {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metrics.Phase
}

// Synced reports whether the engine is live and the log holds nothing the
// authority has yet to resolve.
func (e *Engine) Synced() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metrics.Phase == Live && e.metrics.Pending == 0
}

// Metrics returns sync counters.
func (e *Engine) Metrics() Metrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metrics
}

// OnStateChanged registers fn for every published state. Callbacks run on
// the loop goroutine and must not block.
func (e *Engine) OnStateChanged(fn func(types.CartState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onState = append(e.onState, fn)
}

// OnMutationRejected registers fn for authority rejections.
func (e *Engine) OnMutationRejected(fn func(RejectedMutation)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onReject = append(e.onReject, fn)
}

// OnError registers fn for surfaced errors.
func (e *Engine) OnError(fn func(ErrorEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = append(e.onError, fn)
}

// OnPhaseChanged registers fn for phase transitions.
func (e *Engine) OnPhaseChanged(fn func(Phase)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPhase = append(e.onPhase, fn)
}

func (e *Engine) publishState() {
	state := e.store.CurrentState(e.cfg.CartID)

	e.mu.Lock()
	e.current = state
	listeners := append([]func(types.CartState){}, e.onState...)
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

func (e *Engine) publishMetrics() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics.Phase = e.phase
	e.metrics.Halted = e.halted
	e.metrics.TotalUpdates = e.updates
	e.metrics.LastUpdate = e.lastUpdate
	e.metrics.RejectedCount = e.rejected
	if e.sessions > 1 {
		e.metrics.ReconnectCount = e.sessions - 1
	}
}

func (e *Engine) setPhase(p Phase) {
	if e.phase == p {
		return
	}
	e.logger.Info("phase changed", "action", "phase", "from", e.phase, "to", p)
	e.phase = p
	e.publishMetrics()

	e.mu.RLock()
	listeners := append([]func(Phase){}, e.onPhase...)
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(p)
	}
}

func (e *Engine) emitRejected(r RejectedMutation) {
	e.mu.RLock()
	listeners := append([]func(RejectedMutation){}, e.onReject...)
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(r)
	}
}

func (e *Engine) emitError(err error, fatal bool) {
	ev := ErrorEvent{Err: err, Fatal: fatal, At: time.Now()}
	e.mu.RLock()
	listeners := append([]func(ErrorEvent){}, e.onError...)
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}
