package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"portfolio-watch-bot/internal/binance"
	"portfolio-watch-bot/internal/guard"
	"portfolio-watch-bot/internal/ledger"
	"portfolio-watch-bot/internal/models"
	"portfolio-watch-bot/internal/oracle"
	"portfolio-watch-bot/internal/portfolio"
	"portfolio-watch-bot/internal/tenant"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type credStore map[int64]*binance.Credentials

func (c credStore) Credentials(_ context.Context, id int64) (*binance.Credentials, error) {
	return c[id], nil
}

type fakePrices struct {
	mu     sync.Mutex
	prices oracle.Prices
	err    error
}

func (f *fakePrices) Prices(context.Context, time.Duration) (oracle.Prices, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prices, f.err
}

func (f *fakePrices) set(p oracle.Prices, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices, f.err = p, err
}

// MockSource is a mock implementation of portfolio.Source.
type MockSource struct {
	mock.Mock
}

func (m *MockSource) Balances(ctx context.Context, creds binance.Credentials) (map[string]decimal.Decimal, error) {
	args := m.Called(ctx, creds)
	b, _ := args.Get(0).(map[string]decimal.Decimal)
	return b, args.Error(1)
}

func (m *MockSource) Portfolio(ctx context.Context, creds binance.Credentials, prices oracle.Prices) (portfolio.Portfolio, error) {
	args := m.Called(ctx, creds, prices)
	return args.Get(0).(portfolio.Portfolio), args.Error(1)
}

type recordingSink struct {
	mu     sync.Mutex
	events []TradingEvent
}

func (s *recordingSink) OnTradingEvent(_ context.Context, _ int64, ev TradingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) all() []TradingEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TradingEvent(nil), s.events...)
}

type fixture struct {
	engine *Engine
	prices *fakePrices
	source *MockSource
	store  *ledger.MemoryStore
	sink   *recordingSink
	guard  *guard.Local
}

var testCreds = &binance.Credentials{APIKey: "k", SecretKey: "s"}

// setupTest creates an engine for tenant 1 with in-memory collaborators.
func setupTest(t *testing.T) *fixture {
	f := &fixture{
		prices: &fakePrices{prices: prices("SOL", "20")},
		source: new(MockSource),
		store:  ledger.NewMemoryStore(),
		sink:   &recordingSink{},
		guard:  guard.NewLocal(),
	}
	f.engine = NewEngine(credStore{1: testCreds}, f.guard, f.prices, f.source, f.store, f.sink, Options{
		Quote:     "USDT",
		Cash:      []string{"USDT"},
		Threshold: d("1"),
		Timeout:   time.Second,
	}, zap.NewNop())
	f.engine.now = func() time.Time { return t0 }
	return f
}

func (f *fixture) balances(b map[string]decimal.Decimal) *mock.Call {
	return f.source.On("Balances", mock.Anything, *testCreds).Return(b, nil).Once()
}

func TestReconcile_SkipsTenantWithoutCredentials(t *testing.T) {
	f := setupTest(t)

	rep, err := f.engine.Reconcile(context.Background(), 2)

	assert.NoError(t, err)
	assert.Equal(t, SkipNoCredentials, rep.Skipped)
	f.source.AssertNotCalled(t, "Balances", mock.Anything, mock.Anything)
}

func TestReconcile_FirstTickInitializesWithoutEvents(t *testing.T) {
	// Arrange
	f := setupTest(t)
	f.balances(bal("SOL", "10", "USDT", "50"))

	// Act
	rep, err := f.engine.Reconcile(context.Background(), 1)

	// Assert
	require.NoError(t, err)
	assert.True(t, rep.Initialized)
	assert.Empty(t, rep.Events)
	assert.Empty(t, f.sink.all())
	snap, ok, _ := f.store.LoadSnapshot(context.Background(), 1)
	require.True(t, ok)
	assert.True(t, snap.Balances["SOL"].Equal(d("10")))
	assert.True(t, snap.TotalValue.Equal(d("250")))
	ps, _ := f.store.Load(context.Background(), 1)
	assert.Empty(t, ps, "holdings found at onboarding are not positions")
}

func TestReconcile_BuyThenClose(t *testing.T) {
	// Arrange
	f := setupTest(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveSnapshot(ctx, 1, ledger.Snapshot{Balances: bal("USDT", "500"), TotalValue: d("500"), TakenAt: t0}))

	// Act: tick 1 buys 10 SOL at 20
	f.balances(bal("SOL", "10", "USDT", "300"))
	rep, err := f.engine.Reconcile(ctx, 1)
	require.NoError(t, err)

	// Assert
	require.Len(t, rep.Events, 1)
	assert.Equal(t, KindBuy, rep.Events[0].Kind)
	assert.True(t, rep.Events[0].PreTradeTotal.Equal(d("500")))
	ps, _ := f.store.Load(ctx, 1)
	assert.True(t, ps["SOL"].AvgBuyPrice().Equal(d("20")))

	// Act: tick 2 sells everything at 25
	f.prices.set(prices("SOL", "25"), nil)
	f.balances(bal("USDT", "550"))
	rep, err = f.engine.Reconcile(ctx, 1)
	require.NoError(t, err)

	// Assert
	require.Len(t, rep.Events, 1)
	assert.Equal(t, KindClose, rep.Events[0].Kind)
	trades, _ := f.store.ClosedTrades(ctx, 1, 0)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].PnL.Equal(d("50")))
	assert.True(t, trades[0].PnLPercent.Equal(d("25")))
	assert.NotEmpty(t, trades[0].ID)
	ps, _ = f.store.Load(ctx, 1)
	assert.Empty(t, ps)

	events := f.sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, KindBuy, events[0].Kind)
	assert.Equal(t, KindClose, events[1].Kind)
}

func TestReconcile_NoOpTickLeavesStateUntouched(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()
	sol := open(t, "SOL", "10", "20")
	require.NoError(t, f.store.Save(ctx, 1, ledger.Positions{"SOL": sol}))
	baseline := ledger.Snapshot{Balances: bal("SOL", "10"), TotalValue: d("200"), TakenAt: t0.Add(-time.Hour)}
	require.NoError(t, f.store.SaveSnapshot(ctx, 1, baseline))

	for i := 0; i < 2; i++ {
		f.balances(bal("SOL", "10"))
		rep, err := f.engine.Reconcile(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, rep.Events)
		assert.False(t, rep.Committed)
	}

	snap, _, _ := f.store.LoadSnapshot(ctx, 1)
	assert.Equal(t, baseline, snap)
	ps, _ := f.store.Load(ctx, 1)
	assert.Equal(t, ledger.Positions{"SOL": sol}, ps)
}

func TestReconcile_PriceMoveWithoutTradeCommitsNothing(t *testing.T) {
	// Arrange
	f := setupTest(t)
	ctx := context.Background()
	sol := open(t, "SOL", "10", "20")
	require.NoError(t, f.store.Save(ctx, 1, ledger.Positions{"SOL": sol}))
	baseline := ledger.Snapshot{Balances: bal("SOL", "10"), TotalValue: d("200"), TakenAt: t0.Add(-time.Hour)}
	require.NoError(t, f.store.SaveSnapshot(ctx, 1, baseline))
	f.prices.set(prices("SOL", "26"), nil)
	f.balances(bal("SOL", "10"))

	// Act
	rep, err := f.engine.Reconcile(ctx, 1)

	// Assert
	require.NoError(t, err)
	assert.Empty(t, rep.Events)
	assert.False(t, rep.Committed)
	ps, _ := f.store.Load(ctx, 1)
	assert.Equal(t, ledger.Positions{"SOL": sol}, ps)
	assert.True(t, ps["SOL"].HighestPrice.Equal(d("20")))
	snap, _, _ := f.store.LoadSnapshot(ctx, 1)
	assert.Equal(t, baseline, snap)
}

func TestReconcile_PriceFailureAbortsBeforeMutation(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()
	baseline := ledger.Snapshot{Balances: bal("USDT", "500"), TakenAt: t0}
	require.NoError(t, f.store.SaveSnapshot(ctx, 1, baseline))
	f.prices.set(nil, errors.New("exchange down"))

	rep, err := f.engine.Reconcile(ctx, 1)

	assert.ErrorIs(t, err, ErrUpstream)
	assert.Empty(t, rep.Events)
	snap, _, _ := f.store.LoadSnapshot(ctx, 1)
	assert.Equal(t, baseline, snap)
	f.source.AssertNotCalled(t, "Balances", mock.Anything, mock.Anything)
	assert.False(t, f.guard.Held(1), "guard released on error")
}

func TestReconcile_BalanceFailureIsUpstream(t *testing.T) {
	f := setupTest(t)
	f.source.On("Balances", mock.Anything, mock.Anything).Return(nil, errors.New("timeout"))

	_, err := f.engine.Reconcile(context.Background(), 1)

	assert.ErrorIs(t, err, ErrUpstream)
	_, ok, _ := f.store.LoadSnapshot(context.Background(), 1)
	assert.False(t, ok)
}

func TestReconcile_ConcurrentPassesForSameTenant(t *testing.T) {
	// Arrange
	f := setupTest(t)
	entered := make(chan struct{})
	unblock := make(chan struct{})
	f.source.On("Balances", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(entered)
			<-unblock
		}).
		Return(bal("SOL", "1"), nil).Once()

	// Act
	var first Report
	var firstErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		first, firstErr = f.engine.Reconcile(context.Background(), 1)
	}()
	<-entered
	second, secondErr := f.engine.Reconcile(context.Background(), 1)
	close(unblock)
	<-done

	// Assert
	require.NoError(t, secondErr)
	assert.Equal(t, SkipBusy, second.Skipped)
	require.NoError(t, firstErr)
	assert.Empty(t, first.Skipped)
	assert.True(t, first.Initialized)
	f.source.AssertNumberOfCalls(t, "Balances", 1)
}

func TestReconcile_TimeoutReleasesGuard(t *testing.T) {
	f := setupTest(t)
	f.engine.opts.Timeout = 20 * time.Millisecond
	f.source.On("Balances", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded).Once()

	_, err := f.engine.Reconcile(context.Background(), 1)

	assert.ErrorIs(t, err, ErrUpstream)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, f.guard.Held(1))
}

type failingTxStore struct {
	*ledger.MemoryStore
}

func (s failingTxStore) WithTx(context.Context, func(ledger.Store) error) error {
	return errors.New("disk full")
}

func TestReconcile_CommitFailureEmitsNothing(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()
	store := failingTxStore{ledger.NewMemoryStore()}
	require.NoError(t, store.SaveSnapshot(ctx, 1, ledger.Snapshot{Balances: bal(), TakenAt: t0}))
	f.engine.store = store
	f.balances(bal("SOL", "10"))

	rep, err := f.engine.Reconcile(ctx, 1)

	assert.ErrorContains(t, err, "disk full")
	assert.Empty(t, rep.Events)
	assert.Empty(t, f.sink.all())
}

func TestReconcile_DifferentTenantsRunInParallel(t *testing.T) {
	f := setupTest(t)
	f.engine.creds = credStore{1: testCreds, 2: testCreds}
	entered := make(chan struct{}, 2)
	unblock := make(chan struct{})
	f.source.On("Balances", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			entered <- struct{}{}
			<-unblock
		}).
		Return(bal(), nil).Twice()

	var wg sync.WaitGroup
	for _, id := range []int64{1, 2} {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			rep, err := f.engine.Reconcile(context.Background(), id)
			assert.NoError(t, err)
			assert.Empty(t, rep.Skipped)
		}(id)
	}
	<-entered
	<-entered
	close(unblock)
	wg.Wait()
}

type hookPrices struct {
	prices oracle.Prices
	hook   func()
}

func (h hookPrices) Prices(context.Context, time.Duration) (oracle.Prices, error) {
	h.hook()
	return h.prices, nil
}

// setupGormTest wires the engine to the real tenant and ledger stores on one
// in-memory database, with tenant 1 linked.
func setupGormTest(t *testing.T) (*Engine, *tenant.Store, *ledger.GormStore, *MockSource, *recordingSink) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.All()...))

	sealer, err := tenant.NewSealer("master", "salt")
	require.NoError(t, err)
	tenants := tenant.NewStore(db, sealer)
	require.NoError(t, tenants.Link(context.Background(), 1, *testCreds))

	store := ledger.NewGormStore(db)
	source := new(MockSource)
	sink := &recordingSink{}
	e := NewEngine(tenants, guard.NewLocal(), hookPrices{prices: prices("SOL", "20"), hook: func() {}}, source, store, sink, Options{
		Quote:     "USDT",
		Cash:      []string{"USDT"},
		Threshold: d("1"),
		Timeout:   5 * time.Second,
	}, zap.NewNop())
	e.now = func() time.Time { return t0 }
	return e, tenants, store, source, sink
}

func TestReconcile_TenantRemovedDuringFetchGetsNoBaseline(t *testing.T) {
	// Arrange
	e, tenants, store, source, sink := setupGormTest(t)
	ctx := context.Background()
	e.prices = hookPrices{prices: prices("SOL", "20"), hook: func() {
		require.NoError(t, tenants.Remove(ctx, 1))
	}}
	source.On("Balances", mock.Anything, mock.Anything).Return(bal("SOL", "10"), nil).Once()

	// Act
	rep, err := e.Reconcile(ctx, 1)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, SkipRemoved, rep.Skipped)
	assert.False(t, rep.Committed)
	_, err = tenants.Get(ctx, 1)
	assert.ErrorIs(t, err, tenant.ErrNotFound)
	_, found, err := store.LoadSnapshot(ctx, 1)
	require.NoError(t, err)
	assert.False(t, found, "an erased tenant owns no snapshot")
	assert.Empty(t, sink.all())
}

func TestReconcile_TenantRemovedBeforeCommitGetsNoPositions(t *testing.T) {
	// Arrange
	e, tenants, store, source, sink := setupGormTest(t)
	ctx := context.Background()
	require.NoError(t, store.SaveSnapshot(ctx, 1, ledger.Snapshot{Balances: bal("USDT", "500"), TotalValue: d("500"), TakenAt: t0}))
	source.On("Balances", mock.Anything, mock.Anything).Return(bal("SOL", "10", "USDT", "300"), nil).Once()
	// The clock is read after the state is loaded and before the commit.
	e.now = func() time.Time {
		require.NoError(t, tenants.Remove(ctx, 1))
		return t0
	}

	// Act
	rep, err := e.Reconcile(ctx, 1)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, SkipRemoved, rep.Skipped)
	assert.Empty(t, rep.Events)
	ps, err := store.Load(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, ps)
	_, found, _ := store.LoadSnapshot(ctx, 1)
	assert.False(t, found)
	trades, _ := store.ClosedTrades(ctx, 1, 0)
	assert.Empty(t, trades)
	assert.Empty(t, sink.all())
}

func TestReconcile_LinkedTenantCommitsThroughGormStore(t *testing.T) {
	e, _, store, source, sink := setupGormTest(t)
	ctx := context.Background()
	require.NoError(t, store.SaveSnapshot(ctx, 1, ledger.Snapshot{Balances: bal("USDT", "500"), TotalValue: d("500"), TakenAt: t0}))
	source.On("Balances", mock.Anything, mock.Anything).Return(bal("SOL", "10", "USDT", "300"), nil).Once()

	rep, err := e.Reconcile(ctx, 1)

	require.NoError(t, err)
	assert.True(t, rep.Committed)
	require.Len(t, sink.all(), 1)
	ps, _ := store.Load(ctx, 1)
	assert.True(t, ps["SOL"].TotalAmountBought.Equal(d("10")))
}
