package cartstate

import (
	"fmt"
	"sync"

	"github.com/hyperengineering/cartsync/internal/types"
)

type cartEntry struct {
	snapshot types.Snapshot
	pending  []types.Mutation
	state    types.CartState
}

// Store holds the materialized state of every cart a client tracks.
// It is safe for concurrent use; state is recomputed on every change.
type Store struct {
	clientID string
	rules    Rules

	mu    sync.RWMutex
	carts map[types.CartID]*cartEntry
}

// NewStore creates a store folding pending mutations of clientID.
func NewStore(clientID string, rules Rules) *Store {
	return &Store{
		clientID: clientID,
		rules:    rules,
		carts:    make(map[types.CartID]*cartEntry),
	}
}

// Rules returns the business rules the store folds with.
func (s *Store) Rules() Rules {
	return s.rules
}

func (s *Store) entry(cartID types.CartID) *cartEntry {
	e, ok := s.carts[cartID]
	if !ok {
		e = &cartEntry{snapshot: types.Snapshot{CartID: cartID}}
		e.state = Fold(e.snapshot, nil, s.clientID, s.rules)
		s.carts[cartID] = e
	}
	return e
}

func (s *Store) recompute(e *cartEntry) {
	e.state = Fold(e.snapshot, e.pending, s.clientID, s.rules)
}

// CurrentState returns the materialized cart. Unknown carts are empty.
func (s *Store) CurrentState(cartID types.CartID) types.CartState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.carts[cartID]
	if !ok {
		return Fold(types.Snapshot{CartID: cartID}, nil, s.clientID, s.rules)
	}
	return cloneState(e.state)
}

// Snapshot returns the latest snapshot held for cartID.
func (s *Store) Snapshot(cartID types.CartID) (types.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.carts[cartID]
	if !ok {
		return types.Snapshot{}, false
	}
	return e.snapshot, true
}

// ApplySnapshot adopts snapshot as the cart's base and refolds. A snapshot
// with a lower version than the one held is discarded with ErrStaleSnapshot.
// Equal versions are adopted, since rejections advance watermarks without
// bumping the version.
func (s *Store) ApplySnapshot(snapshot types.Snapshot) error {
	if err := types.ValidateCartID(snapshot.CartID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(snapshot.CartID)
	if snapshot.Version < e.snapshot.Version {
		return fmt.Errorf("%w: cart %s holds version %d, received %d",
			types.ErrStaleSnapshot, snapshot.CartID, e.snapshot.Version, snapshot.Version)
	}
	snapshot.LineItems = append([]types.LineItem(nil), snapshot.LineItems...)
	types.SortLines(snapshot.LineItems)
	e.snapshot = snapshot
	s.recompute(e)
	return nil
}

// ApplyPendingMutations replaces the cart's pending mutations and refolds.
func (s *Store) ApplyPendingMutations(cartID types.CartID, pending []types.Mutation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(cartID)
	e.pending = append([]types.Mutation(nil), pending...)
	s.recompute(e)
}

func cloneState(st types.CartState) types.CartState {
	out := st
	out.LineItems = append([]types.LineItem(nil), st.LineItems...)
	out.Totals.Subtotals = make(map[string]types.Money, len(st.Totals.Subtotals))
	for k, v := range st.Totals.Subtotals {
		out.Totals.Subtotals[k] = v
	}
	return out
}
