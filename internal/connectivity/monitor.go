// Package connectivity tracks whether the server authority is reachable as a
// two-state value with debounced transitions.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status is the connectivity state.
type Status string

const (
	Online  Status = "online"
	Offline Status = "offline"
)

// DefaultGraceWindow is how long connectivity must hold before Online is declared.
const DefaultGraceWindow = time.Second

// Transition is emitted on every status flip.
type Transition struct {
	From Status
	To   Status
	At   time.Time
}

// Pinger checks whether the authority is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config configures a Monitor.
type Config struct {
	// GraceWindow is how long positive reports must hold, with no contrary
	// report, before Online is declared. Offline is declared immediately.
	GraceWindow time.Duration
	// PingInterval enables periodic liveness pings when > 0 and Pinger is set.
	PingInterval time.Duration
	Pinger       Pinger
	Logger       *slog.Logger
}

const subscriberBuffer = 8

// Monitor debounces connectivity reports into transitions. Initial status is
// Offline.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	status  Status
	timer   *time.Timer
	gen     uint64
	subs    map[int]chan Transition
	nextSub int
	closed  bool
}

// New creates a Monitor.
func New(cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:    cfg,
		logger: logger.With("component", "connectivity"),
		status: Offline,
		subs:   make(map[int]chan Transition),
	}
}

// Status returns the current debounced status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe returns a channel of transitions and a function that cancels the
// subscription. A slow subscriber loses its oldest undelivered transitions,
// never the latest.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Transition, subscriberBuffer)
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if c, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(c)
			}
		})
	}
}

// Report feeds an observation from a transport callback, a heartbeat, a closed
// broadcast stream or a failed submission.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	if !online {
		m.cancelPendingLocked()
		if m.status == Online {
			m.setLocked(Offline)
		}
		return
	}

	if m.status == Online || m.timer != nil {
		return
	}
	if m.cfg.GraceWindow <= 0 {
		m.setLocked(Online)
		return
	}
	gen := m.gen
	m.timer = time.AfterFunc(m.cfg.GraceWindow, func() { m.promote(gen) })
}

func (m *Monitor) promote(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.gen {
		return
	}
	m.timer = nil
	if m.status != Online {
		m.setLocked(Online)
	}
}

func (m *Monitor) cancelPendingLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) setLocked(to Status) {
	t := Transition{From: m.status, To: to, At: time.Now()}
	m.status = to
	m.logger.Info("connectivity changed", "action", "transition", "from", t.From, "to", t.To)

	for _, ch := range m.subs {
		select {
		case ch <- t:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- t
		}
	}
}

// Run drives liveness pings until ctx is cancelled, then closes every
// subscription. Without a Pinger it only waits for cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.shutdown()

	if m.cfg.Pinger == nil || m.cfg.PingInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	m.heartbeat(ctx)
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.heartbeat(ctx)
		}
	}
}

func (m *Monitor) heartbeat(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.PingInterval)
	defer cancel()

	err := m.cfg.Pinger.Ping(pctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Debug("heartbeat failed", "action", "heartbeat", "error", err)
	}
	m.Report(err == nil)
}

func (m *Monitor) shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelPendingLocked()
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}
