// Package cartstate materializes a client's view of a cart: the latest server
// snapshot with the client's still-pending mutations folded on top.
//
// Everything here is pure and deterministic. Totals are recomputed from the
// line items on every change; nothing is accumulated incrementally.
package cartstate

import (
	"sort"

	"github.com/hyperengineering/cartsync/internal/types"
)

// Rules holds the business rules applied when folding mutations.
type Rules struct {
	MaxQuantityPerLine    int
	FreeShippingThreshold types.Money
	ShippingFee           types.Money
}

// DefaultRules returns the production defaults: 5 per line, free shipping
// above 200.00, otherwise 18.90.
func DefaultRules() Rules {
	return Rules{
		MaxQuantityPerLine:    5,
		FreeShippingThreshold: 20000,
		ShippingFee:           1890,
	}
}

func (r Rules) clamp(q int) int {
	if q < 0 {
		return 0
	}
	if r.MaxQuantityPerLine > 0 && q > r.MaxQuantityPerLine {
		return r.MaxQuantityPerLine
	}
	return q
}

// ApplyOne returns lines with m applied. The input slice is not modified.
//
// add increments or inserts, set_quantity overwrites or inserts, remove
// deletes the key and is a no-op when the key is absent. Resulting quantities
// are clamped to [0, MaxQuantityPerLine]; a line that reaches zero is dropped.
func ApplyOne(lines []types.LineItem, m types.Mutation, rules Rules) []types.LineItem {
	m = m.Normalize()
	out := make([]types.LineItem, 0, len(lines)+1)
	idx := -1
	for _, l := range lines {
		if l.Key() == m.Key {
			idx = len(out)
		}
		out = append(out, l)
	}

	var q int
	switch m.Kind {
	case types.MutationAdd:
		if idx >= 0 {
			q = out[idx].Quantity + m.Quantity
		} else {
			q = m.Quantity
		}
	case types.MutationSetQuantity:
		q = m.Quantity
	case types.MutationRemove:
		q = 0
	default:
		return out
	}
	q = rules.clamp(q)

	switch {
	case q == 0 && idx >= 0:
		out = append(out[:idx], out[idx+1:]...)
	case q == 0:
	case idx >= 0:
		out[idx].Quantity = q
	default:
		out = append(out, m.LineFor(q))
	}
	return out
}

// Fold computes the cart state for clientID from a snapshot and that client's
// pending mutations. Entries whose seq is covered by the snapshot's watermark
// for clientID are already reflected in the snapshot and are skipped.
func Fold(snapshot types.Snapshot, pending []types.Mutation, clientID string, rules Rules) types.CartState {
	ordered := make([]types.Mutation, len(pending))
	copy(ordered, pending)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	lines := make([]types.LineItem, len(snapshot.LineItems))
	copy(lines, snapshot.LineItems)

	watermark := snapshot.Watermark(clientID)
	applied := 0
	for _, m := range ordered {
		if m.Seq <= watermark {
			continue
		}
		if m.SyncState != "" && m.SyncState != types.SyncPending {
			continue
		}
		lines = ApplyOne(lines, m, rules)
		applied++
	}
	types.SortLines(lines)

	return types.CartState{
		CartID:    snapshot.CartID,
		Version:   snapshot.Version,
		LineItems: lines,
		Totals:    ComputeTotals(lines, rules),
		Pending:   applied,
	}
}

// ComputeTotals derives per-category subtotals, item count, shipping and the
// grand total from lines. Shipping is charged only when the cart holds at
// least one product line and the subtotal does not exceed the threshold.
func ComputeTotals(lines []types.LineItem, rules Rules) types.Totals {
	t := types.Totals{Subtotals: make(map[string]types.Money)}
	hasProduct := false
	for _, l := range lines {
		if l.Quantity <= 0 {
			continue
		}
		total := l.LineTotal()
		t.Subtotals[l.EffectiveCategory()] += total
		t.Subtotal += total
		t.ItemCount += l.Quantity
		if l.Kind == types.KindProduct {
			hasProduct = true
		}
	}
	if hasProduct && t.Subtotal <= rules.FreeShippingThreshold {
		t.Shipping = rules.ShippingFee
	}
	t.GrandTotal = t.Subtotal + t.Shipping
	return t
}

// Clamp returns m with its quantity bounded so that applying it to current
// never exceeds the per-line cap. The clamped mutation is what gets recorded
// and submitted. ok is false when m would not change the cart at all (an add
// to a line already at the cap).
func Clamp(m types.Mutation, current []types.LineItem, rules Rules) (clamped types.Mutation, ok bool) {
	m = m.Normalize()
	switch m.Kind {
	case types.MutationSetQuantity:
		m.Quantity = rules.clamp(m.Quantity)
		return m, true
	case types.MutationAdd:
		existing := 0
		for _, l := range current {
			if l.Key() == m.Key {
				existing = l.Quantity
				break
			}
		}
		room := rules.clamp(existing+m.Quantity) - existing
		if room <= 0 {
			return m, false
		}
		m.Quantity = room
		return m, true
	case types.MutationRemove:
		m.Quantity = 0
		return m, true
	}
	return m, false
}
