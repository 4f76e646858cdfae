package syncengine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/cartsync/internal/cartstate"
	"github.com/hyperengineering/cartsync/internal/connectivity"
	"github.com/hyperengineering/cartsync/internal/mutationlog"
	"github.com/hyperengineering/cartsync/internal/types"
)

const testCart types.CartID = "cart-1"

var (
	itemX = types.LineItem{ItemID: "shirt-x", Kind: types.KindProduct, Variant: types.Variant{Size: "M"}, Name: "Camiseta X", UnitPrice: 5990}
	itemY = types.LineItem{ItemID: "dress-y", Kind: types.KindProduct, Variant: types.Variant{Size: "P"}, Name: "Vestido Y", UnitPrice: 12990}
	vip   = types.LineItem{ItemID: "show-1", Kind: types.KindTicket, Variant: types.Variant{TicketType: "vip"}, Name: "Show VIP", UnitPrice: 25000}
)

const waitFor = 3 * time.Second
const tick = 5 * time.Millisecond

type testClient struct {
	t       *testing.T
	id      string
	path    string
	log     *mutationlog.Log
	monitor *connectivity.Monitor
	engine  *Engine
	cancel  context.CancelFunc
	done    chan error

	mu         sync.Mutex
	rejections []RejectedMutation
	errs       []ErrorEvent
}

func startClient(t *testing.T, auth Authority, id, path string) *testClient {
	t.Helper()
	ctx := context.Background()

	log, err := mutationlog.Open(ctx, path)
	require.NoError(t, err)

	monitor := connectivity.New(connectivity.Config{})
	store := cartstate.NewStore(id, cartstate.DefaultRules())
	engine, err := New(ctx, Config{
		CartID:         testCart,
		ClientID:       id,
		InitialBackoff: 2 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	}, log, store, monitor, auth)
	require.NoError(t, err)

	c := &testClient{t: t, id: id, path: path, log: log, monitor: monitor, engine: engine, done: make(chan error, 1)}
	engine.OnMutationRejected(func(r RejectedMutation) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.rejections = append(c.rejections, r)
	})
	engine.OnError(func(ev ErrorEvent) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.errs = append(c.errs, ev)
	})

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go func() { c.done <- engine.Run(runCtx) }()
	t.Cleanup(c.stop)
	return c
}

func newClient(t *testing.T, auth Authority, id string) *testClient {
	return startClient(t, auth, id, filepath.Join(t.TempDir(), id+".db"))
}

func (c *testClient) stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.log.Close()
}

func (c *testClient) online()  { c.monitor.Report(true) }
func (c *testClient) offline() { c.monitor.Report(false) }

func (c *testClient) waitPhase(p Phase) {
	c.t.Helper()
	require.Eventually(c.t, func() bool { return c.engine.State() == p }, waitFor, tick,
		"client %s never reached %s (at %s)", c.id, p, c.engine.State())
}

func (c *testClient) waitSettled() {
	c.t.Helper()
	require.Eventually(c.t, c.engine.Synced, waitFor, tick,
		"client %s never settled (phase %s, %d unresolved)", c.id, c.engine.State(), c.engine.Metrics().Pending)
}

func (c *testClient) quantity(item types.LineItem) int {
	line, ok := c.engine.CurrentState().Line(item.Key())
	if !ok {
		return 0
	}
	return line.Quantity
}

func (c *testClient) rejected() []RejectedMutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RejectedMutation(nil), c.rejections...)
}

func (c *testClient) errorEvents() []ErrorEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ErrorEvent(nil), c.errs...)
}

func serverQuantity(auth *fakeAuthority, item types.LineItem) int {
	for _, l := range auth.current().LineItems {
		if l.Key() == item.Key() {
			return l.Quantity
		}
	}
	return 0
}

func TestEngine_StartsDisconnectedAndAppliesOptimistically(t *testing.T) {
	auth := newFakeAuthority(testCart)
	c := newClient(t, auth, "a")
	ctx := context.Background()

	assert.Equal(t, Disconnected, c.engine.State())
	require.NoError(t, c.engine.AddItem(ctx, itemX, 2))

	st := c.engine.CurrentState()
	assert.Equal(t, 2, c.quantity(itemX))
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, types.Money(11980), st.Totals.Subtotal)
	assert.Empty(t, auth.submissions(), "no network I/O while disconnected")
}

func TestEngine_OfflineSetThenReconnect_Acknowledged(t *testing.T) {
	auth := newFakeAuthority(testCart)
	c := newClient(t, auth, "a")
	ctx := context.Background()

	// Given: client A is offline and sets X to 3
	require.NoError(t, c.engine.SetQuantity(ctx, itemX, 3))
	pending, err := c.log.PendingFor(ctx, testCart)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	mutationID := pending[0].MutationID

	// When: A reconnects
	c.online()
	c.waitSettled()

	// Then: the authority holds X at 3 and the mutation is acknowledged
	assert.Equal(t, 3, serverQuantity(auth, itemX))
	assert.Equal(t, 3, c.quantity(itemX))
	history, err := c.log.History(ctx, testCart, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, mutationID, history[0].MutationID)
	assert.Equal(t, types.SyncAcknowledged, history[0].SyncState)
	assert.Equal(t, int64(1), history[0].Version)
}

func TestEngine_LastWriterWinsByArrival(t *testing.T) {
	auth := newFakeAuthority(testCart)
	auth.seed(4, types.LineItem{ItemID: itemY.ItemID, Kind: itemY.Kind, Variant: itemY.Variant, Name: itemY.Name, Quantity: 1, UnitPrice: itemY.UnitPrice})
	ctx := context.Background()

	a := newClient(t, auth, "a")
	b := newClient(t, auth, "b")
	a.online()
	b.online()
	a.waitSettled()
	b.waitSettled()
	require.Equal(t, 1, a.quantity(itemY))
	require.Equal(t, 1, b.quantity(itemY))

	// B drops off and stays unaware of A's change
	b.offline()
	b.waitPhase(Disconnected)

	require.NoError(t, a.engine.SetQuantity(ctx, itemY, 2))
	require.Eventually(t, func() bool { return auth.current().Version == 5 }, waitFor, tick)

	require.NoError(t, b.engine.SetQuantity(ctx, itemY, 4))
	assert.Equal(t, 4, b.quantity(itemY))

	b.online()
	b.waitSettled()

	require.Eventually(t, func() bool {
		return a.quantity(itemY) == 4 && a.engine.CurrentState().Version == 6
	}, waitFor, tick)
	assert.Equal(t, int64(6), auth.current().Version)
	assert.Equal(t, 4, b.quantity(itemY))
	assert.Equal(t, a.engine.CurrentState().LineItems, b.engine.CurrentState().LineItems)
	assert.Equal(t, a.engine.CurrentState().Totals, b.engine.CurrentState().Totals)
}

func TestEngine_Convergence_InterleavedClients(t *testing.T) {
	auth := newFakeAuthority(testCart)
	ctx := context.Background()
	a := newClient(t, auth, "a")
	b := newClient(t, auth, "b")
	a.online()
	b.online()
	a.waitSettled()
	b.waitSettled()

	require.NoError(t, a.engine.AddItem(ctx, itemX, 1))
	require.NoError(t, b.engine.AddItem(ctx, vip, 2))
	require.NoError(t, a.engine.AddItem(ctx, vip, 1))
	b.offline()
	require.NoError(t, b.engine.SetQuantity(ctx, itemX, 4))
	require.NoError(t, b.engine.AddItem(ctx, itemY, 1))
	require.NoError(t, a.engine.RemoveItem(ctx, itemX.Key()))
	b.online()

	a.waitSettled()
	b.waitSettled()
	require.Eventually(t, func() bool {
		v := auth.current().Version
		return a.engine.CurrentState().Version == v && b.engine.CurrentState().Version == v
	}, waitFor, tick)

	server := auth.current()
	assert.Equal(t, server.LineItems, a.engine.CurrentState().LineItems)
	assert.Equal(t, server.LineItems, b.engine.CurrentState().LineItems)
	assert.Equal(t, a.engine.CurrentState().Totals, b.engine.CurrentState().Totals)
}

func TestEngine_RejectedMutationRolledBackAndSurfacedOnce(t *testing.T) {
	auth := newFakeAuthority(testCart)
	auth.seed(1, types.LineItem{ItemID: itemY.ItemID, Kind: itemY.Kind, Variant: itemY.Variant, Quantity: 1, UnitPrice: itemY.UnitPrice})
	ctx := context.Background()

	a := newClient(t, auth, "a")
	b := newClient(t, auth, "b")
	a.online()
	b.online()
	a.waitSettled()
	b.waitSettled()

	a.offline()
	a.waitPhase(Disconnected)
	require.NoError(t, b.engine.RemoveItem(ctx, itemY.Key()))
	b.waitSettled()
	require.Eventually(t, func() bool { return auth.current().Version == 2 }, waitFor, tick)

	// A still sees Y and removes it again while offline
	require.NoError(t, a.engine.RemoveItem(ctx, itemY.Key()))
	a.online()
	a.waitSettled()

	require.Eventually(t, func() bool { return len(a.rejected()) == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	rejections := a.rejected()
	require.Len(t, rejections, 1)
	assert.Equal(t, types.RejectNotInCart, rejections[0].Code)
	assert.Equal(t, types.SyncRejected, rejections[0].Mutation.SyncState)

	st := a.engine.CurrentState()
	assert.Empty(t, st.LineItems)
	assert.Equal(t, int64(2), st.Version)
	assert.Equal(t, int64(1), a.engine.Metrics().RejectedCount)
}

func TestEngine_ClampSubmitsCap(t *testing.T) {
	auth := newFakeAuthority(testCart)
	c := newClient(t, auth, "a")
	c.online()
	c.waitSettled()

	require.NoError(t, c.engine.SetQuantity(context.Background(), itemX, 9))
	c.waitSettled()

	assert.Equal(t, 5, c.quantity(itemX))
	subs := auth.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, 5, subs[0].Quantity)
	assert.Equal(t, 5, serverQuantity(auth, itemX))
}

func TestEngine_LostResponseIsNotDoubleApplied(t *testing.T) {
	auth := newFakeAuthority(testCart)
	c := newClient(t, auth, "a")
	c.online()
	c.waitSettled()

	auth.dropNextResponses(2)
	require.NoError(t, c.engine.AddItem(context.Background(), itemX, 2))
	c.waitSettled()

	subs := auth.submissions()
	require.Len(t, subs, 3, "two lost responses then a replay")
	assert.Equal(t, subs[0].MutationID, subs[2].MutationID)
	assert.Equal(t, 2, serverQuantity(auth, itemX))
	assert.Equal(t, 2, c.quantity(itemX))
	assert.Equal(t, int64(1), auth.current().Version)
}

func TestEngine_NotSyncedUntilLostResponseResolved(t *testing.T) {
	auth := newFakeAuthority(testCart)
	c := newClient(t, auth, "a")
	c.online()
	c.waitSettled()

	// Given: the add lands server-side but its response never arrives
	auth.dropNextResponses(1000)
	require.NoError(t, c.engine.AddItem(context.Background(), itemX, 1))

	// When: the broadcast watermark already covers the in-flight entry
	require.Eventually(t, func() bool {
		st := c.engine.CurrentState()
		return st.Version == 1 && st.Pending == 0
	}, waitFor, tick)

	// Then: the log still holds it, so the engine is not synced
	assert.False(t, c.engine.Synced())
	assert.Equal(t, 1, c.engine.Metrics().Pending)
	assert.Equal(t, 1, c.quantity(itemX))

	auth.dropNextResponses(0)
	c.waitSettled()
	assert.Equal(t, 0, c.engine.Metrics().Pending)
	assert.Equal(t, 1, serverQuantity(auth, itemX))
	assert.Equal(t, int64(1), auth.current().Version)
}

func TestEngine_AlreadyResolvedIsNeitherAckNorRejection(t *testing.T) {
	auth := newFakeAuthority(testCart)
	c := newClient(t, auth, "a")
	c.online()
	c.waitSettled()

	// Given: the add was applied but its result was cleaned up before the
	// client heard back
	auth.dropNextResponses(1000)
	require.NoError(t, c.engine.AddItem(context.Background(), itemX, 1))
	require.Eventually(t, func() bool { return len(auth.submissions()) >= 1 }, waitFor, tick)
	auth.forgetResults()
	auth.dropNextResponses(0)

	c.waitSettled()

	assert.Empty(t, c.rejected())
	assert.Equal(t, int64(0), c.engine.Metrics().RejectedCount)
	assert.Equal(t, 1, c.quantity(itemX))
	assert.Equal(t, 1, serverQuantity(auth, itemX))

	history, err := c.log.History(context.Background(), testCart, 5)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, types.SyncResolved, history[0].SyncState)
}

func TestEngine_NoSubmitBeforeSnapshotApplied(t *testing.T) {
	auth := &heldSnapshots{fakeAuthority: newFakeAuthority(testCart), release: make(chan struct{})}
	auth.seed(4, types.LineItem{ItemID: itemY.ItemID, Kind: itemY.Kind, Variant: itemY.Variant, Name: itemY.Name, UnitPrice: itemY.UnitPrice, Quantity: 1})
	c := newClient(t, auth, "a")
	c.online()
	c.waitPhase(Reconciling)

	require.NoError(t, c.engine.AddItem(context.Background(), itemX, 1))
	assert.Never(t, func() bool { return len(auth.submissions()) > 0 }, 100*time.Millisecond, tick,
		"mutation submitted while the snapshot request was outstanding")
	assert.Equal(t, Reconciling, c.engine.State())

	close(auth.release)
	c.waitSettled()

	require.Len(t, auth.submissions(), 1)
	assert.Equal(t, 1, c.quantity(itemX))
	assert.Equal(t, 1, c.quantity(itemY))
	assert.Equal(t, int64(5), c.engine.CurrentState().Version)
}

func TestEngine_OfflineDurabilityAcrossRestart(t *testing.T) {
	auth := newFakeAuthority(testCart)
	path := filepath.Join(t.TempDir(), "a.db")
	ctx := context.Background()

	first := startClient(t, auth, "a", path)
	require.NoError(t, first.engine.AddItem(ctx, itemX, 1))
	require.NoError(t, first.engine.AddItem(ctx, vip, 2))
	first.stop()

	second := startClient(t, auth, "a", path)
	assert.Equal(t, 2, second.engine.CurrentState().Pending, "pending mutations reload after restart")
	assert.Equal(t, 1, second.quantity(itemX))

	second.online()
	second.waitSettled()

	assert.Equal(t, 1, serverQuantity(auth, itemX))
	assert.Equal(t, 2, serverQuantity(auth, vip))
}

func TestEngine_InterruptedSubmitResendsSameID(t *testing.T) {
	auth := newFakeAuthority(testCart)
	c := newClient(t, auth, "a")
	ctx := context.Background()
	c.online()
	c.waitSettled()
	c.offline()
	c.waitPhase(Disconnected)

	// Given: X is applied server-side but every response is lost
	require.NoError(t, c.engine.AddItem(ctx, itemX, 1))
	auth.dropNextResponses(1000)
	c.online()
	require.Eventually(t, func() bool { return len(auth.submissions()) >= 2 }, waitFor, tick)

	// When: the connection drops mid-reconcile and a new intent is recorded
	c.offline()
	c.waitPhase(Disconnected)
	require.NoError(t, c.engine.AddItem(ctx, vip, 1))
	auth.dropNextResponses(0)
	c.online()
	c.waitSettled()

	// Then: X was resent under its original id and applied once
	var xSubs []types.Mutation
	for _, m := range auth.submissions() {
		if m.Key == itemX.Key() {
			xSubs = append(xSubs, m)
		}
	}
	require.GreaterOrEqual(t, len(xSubs), 3)
	for _, m := range xSubs {
		assert.Equal(t, xSubs[0].MutationID, m.MutationID)
	}
	assert.Equal(t, 1, serverQuantity(auth, itemX))
	assert.Equal(t, 1, serverQuantity(auth, vip))
	assert.Equal(t, 1, c.quantity(itemX))
	assert.Equal(t, int64(2), auth.current().Version)
	assert.Equal(t, int64(2), c.engine.Metrics().ReconnectCount)
}

func TestEngine_SessionExpiredHaltsUntilResume(t *testing.T) {
	auth := newFakeAuthority(testCart)
	c := newClient(t, auth, "a")
	ctx := context.Background()

	auth.setExpired(true)
	require.NoError(t, c.engine.AddItem(ctx, itemX, 1))
	c.online()

	require.Eventually(t, func() bool { return len(c.errorEvents()) == 1 }, waitFor, tick)
	ev := c.errorEvents()[0]
	assert.True(t, ev.Fatal)
	assert.True(t, errors.Is(ev.Err, ErrSessionExpired))
	assert.Equal(t, Disconnected, c.engine.State())
	assert.True(t, c.engine.Metrics().Halted)
	assert.Equal(t, 1, c.engine.CurrentState().Pending, "pending mutation kept for explicit user action")

	// still online but halted: no retry storm
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, Disconnected, c.engine.State())

	auth.setExpired(false)
	require.NoError(t, c.engine.Resume(ctx))
	c.waitSettled()
	assert.Equal(t, 1, serverQuantity(auth, itemX))
	assert.False(t, c.engine.Metrics().Halted)
}

func TestEngine_StreamEndReportsOffline(t *testing.T) {
	auth := newFakeAuthority(testCart)
	c := newClient(t, auth, "a")
	c.online()
	c.waitSettled()

	auth.endStreams()

	c.waitPhase(Disconnected)
	assert.Equal(t, connectivity.Offline, c.monitor.Status())

	c.online()
	c.waitSettled()
}

func TestEngine_NewLiveMutationsSubmittedInOrder(t *testing.T) {
	auth := newFakeAuthority(testCart)
	c := newClient(t, auth, "a")
	c.online()
	c.waitSettled()
	ctx := context.Background()

	require.NoError(t, c.engine.AddItem(ctx, itemX, 1))
	require.NoError(t, c.engine.AddItem(ctx, itemY, 1))
	require.NoError(t, c.engine.AddItem(ctx, vip, 1))
	c.waitSettled()

	subs := auth.submissions()
	require.Len(t, subs, 3)
	for i := 1; i < len(subs); i++ {
		assert.Greater(t, subs[i].Seq, subs[i-1].Seq)
	}
	assert.Equal(t, int64(3), auth.current().Version)
}

func TestEngine_ClearCart(t *testing.T) {
	auth := newFakeAuthority(testCart)
	c := newClient(t, auth, "a")
	ctx := context.Background()
	c.online()
	c.waitSettled()

	require.NoError(t, c.engine.AddItem(ctx, itemX, 1))
	require.NoError(t, c.engine.AddItem(ctx, vip, 1))
	c.waitSettled()

	require.NoError(t, c.engine.ClearCart(ctx))
	assert.Empty(t, c.engine.CurrentState().LineItems)
	c.waitSettled()
	assert.Empty(t, auth.current().LineItems)
}

func TestEngine_InvalidUIInput(t *testing.T) {
	auth := newFakeAuthority(testCart)
	c := newClient(t, auth, "a")
	ctx := context.Background()

	assert.True(t, errors.Is(c.engine.AddItem(ctx, itemX, 0), ErrInvalidItem))
	assert.True(t, errors.Is(c.engine.AddItem(ctx, types.LineItem{ItemID: "x", Kind: "gift"}, 1), ErrInvalidItem))
	assert.True(t, errors.Is(c.engine.RemoveItem(ctx, types.ItemKey{}), ErrInvalidItem))

	// removing an absent line records nothing
	require.NoError(t, c.engine.RemoveItem(ctx, itemX.Key()))
	assert.Equal(t, 0, c.engine.CurrentState().Pending)
}

func TestEngine_StaleBroadcastDiscarded(t *testing.T) {
	auth := newFakeAuthority(testCart)
	auth.seed(10, types.LineItem{ItemID: itemX.ItemID, Kind: itemX.Kind, Variant: itemX.Variant, Quantity: 2, UnitPrice: itemX.UnitPrice})
	c := newClient(t, auth, "a")
	c.online()
	c.waitSettled()

	c.engine.post(func() { c.engine.adopt(types.Snapshot{CartID: testCart, Version: 3}, "broadcast") })
	c.engine.post(func() { c.engine.refreshOrReport() })

	require.Eventually(t, func() bool { return c.engine.Metrics().TotalUpdates > 0 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(10), c.engine.CurrentState().Version)
	assert.Equal(t, 2, c.quantity(itemX))
}

func TestEngine_StateChangedAndPhaseCallbacks(t *testing.T) {
	auth := newFakeAuthority(testCart)
	c := newClient(t, auth, "a")

	var mu sync.Mutex
	var phases []Phase
	var states int
	c.engine.OnPhaseChanged(func(p Phase) {
		mu.Lock()
		defer mu.Unlock()
		phases = append(phases, p)
	})
	c.engine.OnStateChanged(func(types.CartState) {
		mu.Lock()
		defer mu.Unlock()
		states++
	})

	require.NoError(t, c.engine.AddItem(context.Background(), itemX, 1))
	c.online()
	c.waitSettled()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Phase{Reconciling, Live}, phases)
	assert.GreaterOrEqual(t, states, 2)
}

func TestEngine_UICallsAfterStopFail(t *testing.T) {
	auth := newFakeAuthority(testCart)
	c := newClient(t, auth, "a")
	c.cancel()
	<-c.done
	c.done <- nil

	err := c.engine.AddItem(context.Background(), itemX, 1)
	assert.True(t, errors.Is(err, ErrStopped))
}
