package cartstate

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/cartsync/internal/types"
)

var (
	shirtM = types.ItemKey{ItemID: "shirt-1", Variant: types.Variant{Size: "M"}}
	shirtG = types.ItemKey{ItemID: "shirt-1", Variant: types.Variant{Size: "G"}}
	vip    = types.ItemKey{ItemID: "show-1", Variant: types.Variant{TicketType: "vip"}}
)

func shirt() types.ItemDescriptor {
	return types.ItemDescriptor{Kind: types.KindProduct, Name: "Camiseta", Category: "camisetas", UnitPrice: 5990}
}

func ticket() types.ItemDescriptor {
	return types.ItemDescriptor{Kind: types.KindTicket, Name: "Show", UnitPrice: 15000}
}

func mut(seq int64, kind types.MutationKind, key types.ItemKey, item types.ItemDescriptor, qty int) types.Mutation {
	return types.Mutation{
		MutationID: "m" + string(rune('0'+seq)),
		CartID:     "cart-1",
		ClientID:   "a",
		Seq:        seq,
		Kind:       kind,
		Key:        key,
		Item:       item,
		Quantity:   qty,
		SyncState:  types.SyncPending,
	}
}

func TestApplyOne_AddInsertsAndIncrements(t *testing.T) {
	rules := DefaultRules()

	lines := ApplyOne(nil, mut(1, types.MutationAdd, shirtM, shirt(), 2), rules)
	require.Len(t, lines, 1)
	assert.Equal(t, 2, lines[0].Quantity)
	assert.Equal(t, "Camiseta", lines[0].Name)

	lines = ApplyOne(lines, mut(2, types.MutationAdd, shirtM, shirt(), 1), rules)
	require.Len(t, lines, 1)
	assert.Equal(t, 3, lines[0].Quantity)
}

func TestApplyOne_DoesNotModifyInput(t *testing.T) {
	in := []types.LineItem{{ItemID: "shirt-1", Kind: types.KindProduct, Variant: shirtM.Variant, Quantity: 1}}

	out := ApplyOne(in, mut(1, types.MutationSetQuantity, shirtM, shirt(), 4), DefaultRules())

	assert.Equal(t, 1, in[0].Quantity)
	assert.Equal(t, 4, out[0].Quantity)
}

func TestApplyOne_ClampsToCap(t *testing.T) {
	rules := DefaultRules()

	lines := ApplyOne(nil, mut(1, types.MutationSetQuantity, shirtM, shirt(), 9), rules)
	require.Len(t, lines, 1)
	assert.Equal(t, rules.MaxQuantityPerLine, lines[0].Quantity)

	lines = ApplyOne(lines, mut(2, types.MutationAdd, shirtM, shirt(), 3), rules)
	assert.Equal(t, rules.MaxQuantityPerLine, lines[0].Quantity)
}

func TestApplyOne_RemoveAndNegativeSet(t *testing.T) {
	rules := DefaultRules()
	lines := ApplyOne(nil, mut(1, types.MutationAdd, shirtM, shirt(), 2), rules)

	lines = ApplyOne(lines, mut(2, types.MutationSetQuantity, shirtM, shirt(), -1), rules)
	assert.Empty(t, lines)

	// remove of an absent key is a no-op
	lines = ApplyOne(lines, mut(3, types.MutationRemove, shirtG, types.ItemDescriptor{}, 0), rules)
	assert.Empty(t, lines)
}

func TestApplyOne_VariantsAreDistinctLines(t *testing.T) {
	rules := DefaultRules()
	lines := ApplyOne(nil, mut(1, types.MutationAdd, shirtM, shirt(), 1), rules)
	lines = ApplyOne(lines, mut(2, types.MutationAdd, shirtG, shirt(), 1), rules)

	assert.Len(t, lines, 2)
}

func TestFold_SkipsWatermarkedEntries(t *testing.T) {
	snapshot := types.Snapshot{
		CartID:  "cart-1",
		Version: 3,
		LineItems: []types.LineItem{
			{ItemID: "shirt-1", Kind: types.KindProduct, Variant: shirtM.Variant, Quantity: 2, UnitPrice: 5990},
		},
		Watermarks: map[string]int64{"a": 1},
	}
	pending := []types.Mutation{
		// already applied by the server as part of version 3
		mut(1, types.MutationAdd, shirtM, shirt(), 2),
		mut(2, types.MutationAdd, vip, ticket(), 1),
	}

	st := Fold(snapshot, pending, "a", DefaultRules())

	assert.Equal(t, int64(3), st.Version)
	assert.Equal(t, 1, st.Pending)
	line, ok := st.Line(shirtM)
	require.True(t, ok)
	assert.Equal(t, 2, line.Quantity)
	_, ok = st.Line(vip)
	assert.True(t, ok)
}

func TestFold_OrdersBySeqNotTimestamp(t *testing.T) {
	set := mut(2, types.MutationSetQuantity, shirtM, shirt(), 1)
	add := mut(1, types.MutationAdd, shirtM, shirt(), 3)

	st := Fold(types.Snapshot{CartID: "cart-1"}, []types.Mutation{set, add}, "a", DefaultRules())

	line, ok := st.Line(shirtM)
	require.True(t, ok)
	assert.Equal(t, 1, line.Quantity)
}

func TestFold_IsDeterministic(t *testing.T) {
	snapshot := types.Snapshot{CartID: "cart-1", Version: 1}
	pending := []types.Mutation{
		mut(1, types.MutationAdd, shirtG, shirt(), 1),
		mut(2, types.MutationAdd, shirtM, shirt(), 2),
		mut(3, types.MutationAdd, vip, ticket(), 1),
	}

	first := Fold(snapshot, pending, "a", DefaultRules())
	second := Fold(snapshot, pending, "a", DefaultRules())

	assert.Equal(t, first, second)
	require.Len(t, first.LineItems, 3)
	assert.Equal(t, "shirt-1|G|", first.LineItems[0].Key().String())
}

func TestComputeTotals(t *testing.T) {
	rules := DefaultRules()

	tests := []struct {
		name     string
		lines    []types.LineItem
		subtotal types.Money
		shipping types.Money
		count    int
	}{
		{"empty cart ships free", nil, 0, 0, 0},
		{
			"product below threshold pays shipping",
			[]types.LineItem{{ItemID: "s", Kind: types.KindProduct, Quantity: 2, UnitPrice: 5990}},
			11980, 1890, 2,
		},
		{
			"product at threshold pays shipping",
			[]types.LineItem{{ItemID: "s", Kind: types.KindProduct, Quantity: 1, UnitPrice: 20000}},
			20000, 1890, 1,
		},
		{
			"product above threshold ships free",
			[]types.LineItem{{ItemID: "s", Kind: types.KindProduct, Quantity: 1, UnitPrice: 20001}},
			20001, 0, 1,
		},
		{
			"ticket-only cart ships free",
			[]types.LineItem{{ItemID: "t", Kind: types.KindTicket, Quantity: 1, UnitPrice: 5000}},
			5000, 0, 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			totals := ComputeTotals(tt.lines, rules)
			assert.Equal(t, tt.subtotal, totals.Subtotal)
			assert.Equal(t, tt.shipping, totals.Shipping)
			assert.Equal(t, tt.subtotal+tt.shipping, totals.GrandTotal)
			assert.Equal(t, tt.count, totals.ItemCount)
		})
	}
}

func TestComputeTotals_PerCategory(t *testing.T) {
	lines := []types.LineItem{
		{ItemID: "s", Kind: types.KindProduct, Category: "camisetas", Quantity: 2, UnitPrice: 5990},
		{ItemID: "v", Kind: types.KindProduct, Category: "vestidos", Quantity: 1, UnitPrice: 12000},
		{ItemID: "t", Kind: types.KindTicket, Quantity: 2, UnitPrice: 15000},
	}

	totals := ComputeTotals(lines, DefaultRules())

	assert.Equal(t, types.Money(11980), totals.Subtotals["camisetas"])
	assert.Equal(t, types.Money(12000), totals.Subtotals["vestidos"])
	assert.Equal(t, types.Money(30000), totals.Subtotals[types.CategoryTicket])
	assert.Equal(t, types.Money(53980), totals.Subtotal)
	assert.Equal(t, types.Money(0), totals.Shipping)
}

func TestClamp(t *testing.T) {
	rules := DefaultRules()
	current := []types.LineItem{{ItemID: "shirt-1", Kind: types.KindProduct, Variant: shirtM.Variant, Quantity: 4}}

	t.Run("set above cap submits cap", func(t *testing.T) {
		m, ok := Clamp(mut(1, types.MutationSetQuantity, shirtM, shirt(), 10), current, rules)
		require.True(t, ok)
		assert.Equal(t, rules.MaxQuantityPerLine, m.Quantity)
	})

	t.Run("add limited to remaining room", func(t *testing.T) {
		m, ok := Clamp(mut(1, types.MutationAdd, shirtM, shirt(), 3), current, rules)
		require.True(t, ok)
		assert.Equal(t, 1, m.Quantity)
	})

	t.Run("add at cap is dropped", func(t *testing.T) {
		full := []types.LineItem{{ItemID: "shirt-1", Kind: types.KindProduct, Variant: shirtM.Variant, Quantity: 5}}
		_, ok := Clamp(mut(1, types.MutationAdd, shirtM, shirt(), 1), full, rules)
		assert.False(t, ok)
	})

	t.Run("set zero becomes remove", func(t *testing.T) {
		m, ok := Clamp(mut(1, types.MutationSetQuantity, shirtM, shirt(), 0), current, rules)
		require.True(t, ok)
		assert.Equal(t, types.MutationRemove, m.Kind)
	})
}

func TestStore_ApplySnapshot_RejectsStale(t *testing.T) {
	s := NewStore("a", DefaultRules())

	require.NoError(t, s.ApplySnapshot(types.Snapshot{CartID: "cart-1", Version: 5}))
	err := s.ApplySnapshot(types.Snapshot{CartID: "cart-1", Version: 4})

	assert.True(t, errors.Is(err, types.ErrStaleSnapshot))
	assert.Equal(t, int64(5), s.CurrentState("cart-1").Version)
}

func TestStore_ApplySnapshot_EqualVersionUpdatesWatermark(t *testing.T) {
	s := NewStore("a", DefaultRules())
	s.ApplyPendingMutations("cart-1", []types.Mutation{mut(1, types.MutationRemove, shirtM, types.ItemDescriptor{}, 0)})
	require.NoError(t, s.ApplySnapshot(types.Snapshot{CartID: "cart-1", Version: 2}))
	assert.Equal(t, 1, s.CurrentState("cart-1").Pending)

	require.NoError(t, s.ApplySnapshot(types.Snapshot{CartID: "cart-1", Version: 2, Watermarks: map[string]int64{"a": 1}}))

	assert.Equal(t, 0, s.CurrentState("cart-1").Pending)
}

func TestStore_OptimisticThenRollback(t *testing.T) {
	s := NewStore("a", DefaultRules())
	require.NoError(t, s.ApplySnapshot(types.Snapshot{CartID: "cart-1", Version: 1}))

	s.ApplyPendingMutations("cart-1", []types.Mutation{mut(1, types.MutationAdd, vip, ticket(), 2)})
	st := s.CurrentState("cart-1")
	assert.Equal(t, 2, st.Totals.ItemCount)

	s.ApplyPendingMutations("cart-1", nil)
	st = s.CurrentState("cart-1")
	assert.Empty(t, st.LineItems)
	assert.Equal(t, int64(1), st.Version)
}

func TestStore_CurrentStateIsACopy(t *testing.T) {
	s := NewStore("a", DefaultRules())
	s.ApplyPendingMutations("cart-1", []types.Mutation{mut(1, types.MutationAdd, shirtM, shirt(), 1)})

	st := s.CurrentState("cart-1")
	st.LineItems[0].Quantity = 99
	st.Totals.Subtotals["camisetas"] = 0

	again := s.CurrentState("cart-1")
	assert.Equal(t, 1, again.LineItems[0].Quantity)
	assert.Equal(t, types.Money(5990), again.Totals.Subtotals["camisetas"])
}

func TestStore_UnknownCartIsEmpty(t *testing.T) {
	s := NewStore("a", DefaultRules())

	st := s.CurrentState("nobody")

	assert.Equal(t, types.CartID("nobody"), st.CartID)
	assert.Empty(t, st.LineItems)
	_, ok := s.Snapshot("nobody")
	assert.False(t, ok)
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := NewStore("a", DefaultRules())
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(v int64) {
			defer wg.Done()
			_ = s.ApplySnapshot(types.Snapshot{CartID: "cart-1", Version: v})
		}(int64(i))
		go func() {
			defer wg.Done()
			_ = s.CurrentState("cart-1")
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(19), s.CurrentState("cart-1").Version)
}
