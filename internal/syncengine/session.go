package syncengine

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/cartsync/internal/types"
)

// goOnline starts a new session: fetch the snapshot, drain the log, then
// subscribe to broadcasts. Runs on the loop.
func (e *Engine) goOnline() {
	e.endSession()
	e.gen++
	e.sessions++
	e.session, e.cancel = context.WithCancel(e.runCtx)
	e.setPhase(Reconciling)
	e.publishMetrics()
	e.fetchSnapshot()
}

// endSession cancels in-flight I/O and drops the subscription. Pending log
// entries stay; an in-flight entry stays frozen and is resent with the same
// mutation id next session.
func (e *Engine) endSession() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.gen++
	e.loaded = false
	e.inflight = nil
}

func (e *Engine) backoff() retry.Backoff {
	b := retry.NewExponential(e.cfg.InitialBackoff)
	b = retry.WithJitterPercent(10, b)
	return retry.WithCappedDuration(e.cfg.MaxBackoff, b)
}

// withRetry runs op until it succeeds, fails permanently or ctx ends.
// ErrNetwork is retried; after OfflineAfterFailures consecutive failures the
// monitor is told the authority looks unreachable.
func (e *Engine) withRetry(ctx context.Context, action string, op func(context.Context) error) error {
	failures := 0
	return retry.Do(ctx, e.backoff(), func(ctx context.Context) error {
		err := op(ctx)
		if err == nil || !errors.Is(err, ErrNetwork) {
			return err
		}
		failures++
		e.logger.Warn("request failed, retrying", "action", action, "attempt", failures, "error", err)
		if e.cfg.OfflineAfterFailures > 0 && failures == e.cfg.OfflineAfterFailures {
			e.monitor.Report(false)
		}
		return retry.RetryableError(err)
	})
}

func (e *Engine) fetchSnapshot() {
	gen, ctx := e.gen, e.session
	go func() {
		var snap types.Snapshot
		err := e.withRetry(ctx, "fetch_snapshot", func(ctx context.Context) error {
			var err error
			snap, err = e.authority.Snapshot(ctx, e.cfg.CartID)
			return err
		})
		if ctx.Err() != nil {
			return
		}
		e.post(func() {
			if gen != e.gen {
				return
			}
			if err != nil {
				e.fail(err)
				return
			}
			e.adopt(snap, "snapshot")
			e.loaded = true
			e.refreshOrReport()
			e.submitNext()
		})
	}()
}

// submitNext sends the oldest pending mutation if nothing is in flight and
// the session's snapshot is applied. With nothing left to send, Reconciling
// becomes Live.
func (e *Engine) submitNext() {
	if e.inflight != nil || e.halted || e.phase == Disconnected || !e.loaded {
		return
	}

	pending, err := e.log.PendingFor(e.session, e.cfg.CartID)
	if err != nil {
		e.localFailure(err)
		return
	}
	if len(pending) == 0 {
		if e.phase == Reconciling {
			e.setPhase(Live)
			e.subscribe()
		}
		return
	}

	m := pending[0]
	if err := e.log.MarkSubmitted(e.session, m.MutationID); err != nil {
		e.localFailure(err)
		return
	}
	e.inflight = &m

	gen, ctx := e.gen, e.session
	go func() {
		var res types.SubmitResult
		err := e.withRetry(ctx, "submit", func(ctx context.Context) error {
			var err error
			res, err = e.authority.Submit(ctx, m)
			return err
		})
		if ctx.Err() != nil {
			return
		}
		e.post(func() {
			if gen != e.gen || e.inflight == nil || e.inflight.MutationID != m.MutationID {
				return
			}
			e.inflight = nil
			e.resolve(m, res, err)
		})
	}()
}

// resolve applies a submission outcome. Runs on the loop.
func (e *Engine) resolve(m types.Mutation, res types.SubmitResult, err error) {
	ctx := e.session
	switch {
	case errors.Is(err, ErrSessionExpired):
		e.fail(err)
		return
	case err != nil:
		// Permanent client-side problem (malformed request): treat as rejected.
		res = types.SubmitResult{MutationID: m.MutationID, Code: types.RejectInvalid, Reason: err.Error()}
	}

	rejected := !res.Accepted && res.Code != types.ResultAlreadyResolved
	switch {
	case res.Accepted:
		if err := e.log.MarkAcknowledged(ctx, m.MutationID, res.Version); err != nil {
			e.localFailure(err)
		}
		e.logger.Info("mutation acknowledged", "action", "ack", "mutation_id", m.MutationID, "version", res.Version)
	case !rejected:
		if err := e.log.MarkResolved(ctx, m.MutationID, res.Version); err != nil {
			e.localFailure(err)
		}
		e.logger.Info("mutation already resolved", "action", "resolved", "mutation_id", m.MutationID, "version", res.Version)
	default:
		if err := e.log.MarkRejected(ctx, m.MutationID, res.Reason); err != nil {
			e.localFailure(err)
		}
		e.rejected++
		e.logger.Info("mutation rejected", "action", "reject", "mutation_id", m.MutationID, "code", res.Code, "reason", res.Reason)
	}
	if res.Snapshot != nil {
		e.adopt(*res.Snapshot, "submit")
	}
	e.refreshOrReport()
	e.publishMetrics()

	if rejected {
		m.SyncState = types.SyncRejected
		m.Reason = res.Reason
		e.emitRejected(RejectedMutation{Mutation: m, Code: res.Code, Reason: res.Reason})
	}
	e.submitNext()
}

// subscribe opens the broadcast stream for the current session.
func (e *Engine) subscribe() {
	gen, ctx := e.gen, e.session
	go func() {
		var stream <-chan types.Snapshot
		err := e.withRetry(ctx, "subscribe", func(ctx context.Context) error {
			var err error
			stream, err = e.authority.Subscribe(ctx, e.cfg.CartID)
			return err
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			e.post(func() {
				if gen == e.gen {
					e.fail(err)
				}
			})
			return
		}

		for snap := range stream {
			snap := snap
			e.post(func() {
				if gen != e.gen {
					return
				}
				e.adopt(snap, "broadcast")
				e.refreshOrReport()
			})
		}
		if ctx.Err() != nil {
			return
		}
		e.post(func() {
			if gen != e.gen {
				return
			}
			e.logger.Warn("broadcast stream ended", "action", "stream_end")
			e.monitor.Report(false)
		})
	}()
}

// adopt applies a server snapshot. Stale snapshots are discarded.
func (e *Engine) adopt(s types.Snapshot, source string) {
	if err := e.store.ApplySnapshot(s); err != nil {
		if errors.Is(err, types.ErrStaleSnapshot) {
			e.logger.Debug("stale snapshot discarded", "action", source, "version", s.Version)
			return
		}
		e.logger.Warn("snapshot rejected", "action", source, "error", err)
		return
	}
	if err := e.log.SaveSnapshot(e.runCtx, s); err != nil && !errors.Is(err, types.ErrStaleSnapshot) {
		e.logger.Warn("cache snapshot failed", "action", source, "error", err)
	}
	e.updates++
	e.lastUpdate = time.Now()
	e.publishMetrics()
}

func (e *Engine) refreshOrReport() {
	if err := e.refresh(e.runCtx); err != nil {
		e.localFailure(err)
	}
}

// fail handles an error that ended a session's request. ErrSessionExpired
// halts the engine until Resume.
func (e *Engine) fail(err error) {
	fatal := errors.Is(err, ErrSessionExpired)
	e.endSession()
	if fatal {
		e.halted = true
		e.logger.Error("session expired", "action", "halt", "error", err)
	} else {
		e.logger.Error("sync session failed", "action", "session_error", "error", err)
	}
	e.setPhase(Disconnected)
	e.publishMetrics()
	e.emitError(err, fatal)
	if !fatal {
		// Let connectivity decide when to retry.
		e.monitor.Report(false)
	}
}

func (e *Engine) localFailure(err error) {
	e.logger.Error("mutation log failure", "action", "local_io", "error", err)
	e.emitError(err, false)
}
