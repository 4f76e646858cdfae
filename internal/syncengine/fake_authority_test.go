package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/hyperengineering/cartsync/internal/cartstate"
	"github.com/hyperengineering/cartsync/internal/types"
)

// fakeAuthority is an in-memory server authority for one cart.
type fakeAuthority struct {
	rules cartstate.Rules

	mu        sync.Mutex
	snap      types.Snapshot
	results   map[string]types.SubmitResult
	subs      map[int]chan types.Snapshot
	nextSub   int
	submitted []types.Mutation
	down      bool
	expired   bool
	// dropResponses applies the next n submissions but reports ErrNetwork.
	dropResponses int
}

func newFakeAuthority(cartID types.CartID) *fakeAuthority {
	return &fakeAuthority{
		rules:   cartstate.DefaultRules(),
		snap:    types.Snapshot{CartID: cartID, Watermarks: map[string]int64{}},
		results: make(map[string]types.SubmitResult),
		subs:    make(map[int]chan types.Snapshot),
	}
}

func (f *fakeAuthority) seed(version int64, lines ...types.LineItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.Version = version
	f.snap.LineItems = append([]types.LineItem(nil), lines...)
	f.snap.Totals = cartstate.ComputeTotals(f.snap.LineItems, f.rules)
}

func (f *fakeAuthority) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeAuthority) setExpired(expired bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = expired
}

func (f *fakeAuthority) dropNextResponses(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropResponses = n
}

// forgetResults drops the idempotency records, as server cleanup would.
func (f *fakeAuthority) forgetResults() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = make(map[string]types.SubmitResult)
}

func (f *fakeAuthority) current() types.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copySnapshot(f.snap)
}

func (f *fakeAuthority) submissions() []types.Mutation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Mutation(nil), f.submitted...)
}

// endStreams closes every broadcast stream, as a server restart would.
func (f *fakeAuthority) endStreams() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

func (f *fakeAuthority) gate() error {
	if f.expired {
		return ErrSessionExpired
	}
	if f.down {
		return ErrNetwork
	}
	return nil
}

func (f *fakeAuthority) Snapshot(ctx context.Context, cartID types.CartID) (types.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return types.Snapshot{}, err
	}
	return copySnapshot(f.snap), nil
}

func (f *fakeAuthority) Submit(ctx context.Context, m types.Mutation) (types.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return types.SubmitResult{}, err
	}
	f.submitted = append(f.submitted, m)

	res, seen := f.results[m.MutationID]
	switch {
	case seen:
	case m.Seq <= f.snap.Watermarks[m.ClientID]:
		res = types.SubmitResult{MutationID: m.MutationID, Version: f.snap.Version, Code: types.ResultAlreadyResolved}
	default:
		res = f.apply(m)
		f.results[m.MutationID] = res
	}
	snap := copySnapshot(f.snap)
	res.Snapshot = &snap

	if f.dropResponses > 0 {
		f.dropResponses--
		return types.SubmitResult{}, ErrNetwork
	}
	return res, nil
}

func (f *fakeAuthority) apply(m types.Mutation) types.SubmitResult {
	res := types.SubmitResult{MutationID: m.MutationID}
	var current *types.LineItem
	for i := range f.snap.LineItems {
		if f.snap.LineItems[i].Key() == m.Key {
			current = &f.snap.LineItems[i]
		}
	}

	switch {
	case m.Kind == types.MutationRemove && current == nil:
		res.Code, res.Reason = types.RejectNotInCart, "item not in cart"
	case m.Kind == types.MutationSetQuantity && m.Quantity > f.rules.MaxQuantityPerLine:
		res.Code, res.Reason = types.RejectQuantityCap, "quantity above cap"
	default:
		res.Accepted = true
	}

	if res.Accepted {
		f.snap.LineItems = cartstate.ApplyOne(f.snap.LineItems, m, f.rules)
		types.SortLines(f.snap.LineItems)
		f.snap.Totals = cartstate.ComputeTotals(f.snap.LineItems, f.rules)
		f.snap.Version++
		f.snap.UpdatedAt = time.Now()
	}
	if f.snap.Watermarks[m.ClientID] < m.Seq {
		f.snap.Watermarks[m.ClientID] = m.Seq
	}
	res.Version = f.snap.Version
	f.broadcastLocked()
	return res
}

func (f *fakeAuthority) broadcastLocked() {
	snap := copySnapshot(f.snap)
	for _, ch := range f.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func (f *fakeAuthority) Subscribe(ctx context.Context, cartID types.CartID) (<-chan types.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return nil, err
	}
	ch := make(chan types.Snapshot, 16)
	id := f.nextSub
	f.nextSub++
	f.subs[id] = ch
	ch <- copySnapshot(f.snap)

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(c)
		}
	}()
	return ch, nil
}

// heldSnapshots holds every Snapshot call until release is closed.
type heldSnapshots struct {
	*fakeAuthority
	release chan struct{}
}

func (h *heldSnapshots) Snapshot(ctx context.Context, cartID types.CartID) (types.Snapshot, error) {
	select {
	case <-h.release:
	case <-ctx.Done():
		return types.Snapshot{}, ctx.Err()
	}
	return h.fakeAuthority.Snapshot(ctx, cartID)
}

func copySnapshot(s types.Snapshot) types.Snapshot {
	out := s
	out.LineItems = append([]types.LineItem(nil), s.LineItems...)
	out.Watermarks = make(map[string]int64, len(s.Watermarks))
	for k, v := range s.Watermarks {
		out.Watermarks[k] = v
	}
	out.Totals.Subtotals = make(map[string]types.Money, len(s.Totals.Subtotals))
	for k, v := range s.Totals.Subtotals {
		out.Totals.Subtotals[k] = v
	}
	return out
}
