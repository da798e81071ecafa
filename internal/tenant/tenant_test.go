package tenant

import (
	"context"
	"sync"
	"testing"
	"time"

	"portfolio-watch-bot/internal/binance"
	"portfolio-watch-bot/internal/guard"
	"portfolio-watch-bot/internal/ledger"
	"portfolio-watch-bot/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	sealerOnce sync.Once
	testSealer *Sealer
)

// sealer derives the key once; PBKDF2 is deliberately slow.
func sealer(t *testing.T) *Sealer {
	sealerOnce.Do(func() {
		var err error
		testSealer, err = NewSealer("master", "salt")
		require.NoError(t, err)
	})
	return testSealer
}

// setupTest creates an in-memory DB with the full schema.
func setupTest(t *testing.T) (*gorm.DB, *Store) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db, NewStore(db, sealer(t))
}

func TestSealer_RoundTrip(t *testing.T) {
	s := sealer(t)

	a, err := s.Seal("top-secret")
	require.NoError(t, err)
	b, err := s.Seal("top-secret")
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "nonce must differ per seal")
	assert.NotContains(t, a, "top-secret")
	plain, err := s.Open(a)
	require.NoError(t, err)
	assert.Equal(t, "top-secret", plain)
}

func TestSealer_RejectsTamperedAndForeign(t *testing.T) {
	s := sealer(t)
	sealed, _ := s.Seal("x")

	_, err := s.Open("plain")
	assert.ErrorIs(t, err, ErrUnseal)

	tampered := sealed[:len(sealed)-2] + "AA"
	_, err = s.Open(tampered)
	assert.ErrorIs(t, err, ErrUnseal)

	_, err = NewSealer("", "")
	assert.Error(t, err)
}

func TestLinkAndCredentials(t *testing.T) {
	// Arrange
	db, store := setupTest(t)
	ctx := context.Background()

	// Act
	require.NoError(t, store.Link(ctx, 100, binance.Credentials{APIKey: "k1", SecretKey: "s1"}))
	require.NoError(t, store.SetDebug(ctx, 100, true))
	require.NoError(t, store.Link(ctx, 100, binance.Credentials{APIKey: "k2", SecretKey: "s2"}))

	// Assert
	creds, err := store.Credentials(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, binance.Credentials{APIKey: "k2", SecretKey: "s2"}, *creds)

	tn, err := store.Get(ctx, 100)
	require.NoError(t, err)
	assert.True(t, tn.Debug, "relink keeps settings")

	var raw models.Tenant
	require.NoError(t, db.Take(&raw, "id = ?", 100).Error)
	assert.NotContains(t, raw.SealedSecret, "s2")
}

func TestCredentials_AbsentTenant(t *testing.T) {
	_, store := setupTest(t)

	creds, err := store.Credentials(context.Background(), 5)

	assert.NoError(t, err)
	assert.Nil(t, creds)
}

func TestLink_RequiresBothKeys(t *testing.T) {
	_, store := setupTest(t)

	err := store.Link(context.Background(), 1, binance.Credentials{APIKey: "k"})

	assert.Error(t, err)
}

func TestListAndSettings(t *testing.T) {
	_, store := setupTest(t)
	ctx := context.Background()
	for _, id := range []int64{3, 1, 2} {
		require.NoError(t, store.Link(ctx, id, binance.Credentials{APIKey: "k", SecretKey: "s"}))
	}

	ids, err := store.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	require.NoError(t, store.SetShareToChannel(ctx, 2, true))
	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.True(t, list[1].ShareToChannel)
	assert.False(t, list[0].ShareToChannel)

	assert.ErrorIs(t, store.SetDebug(ctx, 99, true), ErrNotFound)
}

func TestRemove_ErasesOwnedData(t *testing.T) {
	// Arrange
	db, store := setupTest(t)
	ctx := context.Background()
	ls := ledger.NewGormStore(db)
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sol, err := ledger.Open("SOL", decimal.NewFromInt(1), decimal.NewFromInt(20), t0)
	require.NoError(t, err)

	for _, id := range []int64{1, 2} {
		require.NoError(t, store.Link(ctx, id, binance.Credentials{APIKey: "k", SecretKey: "s"}))
		require.NoError(t, ls.Save(ctx, id, ledger.Positions{"SOL": sol}))
		require.NoError(t, ls.SaveSnapshot(ctx, id, ledger.Snapshot{Balances: map[string]decimal.Decimal{}, TakenAt: t0}))
		require.NoError(t, db.Create(&models.PriceAlert{TenantID: id, Symbol: "SOLUSDT", Direction: models.AlertAbove}).Error)
	}

	// Act
	require.NoError(t, store.Remove(ctx, 1))

	// Assert
	_, err = store.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	ps, _ := ls.Load(ctx, 1)
	assert.Empty(t, ps)
	_, ok, _ := ls.LoadSnapshot(ctx, 1)
	assert.False(t, ok)
	var alerts int64
	db.Unscoped().Model(&models.PriceAlert{}).Where("tenant_id = ?", 1).Count(&alerts)
	assert.Zero(t, alerts)

	ps, _ = ls.Load(ctx, 2)
	assert.NotEmpty(t, ps)

	assert.ErrorIs(t, store.Remove(ctx, 1), ErrNotFound)
}

func TestRemove_WaitsForTenantGuard(t *testing.T) {
	// Arrange
	_, store := setupTest(t)
	ctx := context.Background()
	g := guard.NewLocal()
	store.WithGuard(g).retry = 5 * time.Millisecond
	require.NoError(t, store.Link(ctx, 1, binance.Credentials{APIKey: "k", SecretKey: "s"}))
	release, ok, err := g.TryAcquire(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	// Act
	done := make(chan error, 1)
	go func() { done <- store.Remove(ctx, 1) }()

	// Assert
	select {
	case err := <-done:
		t.Fatalf("Remove returned while the tenant was held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	_, err = store.Get(ctx, 1)
	require.NoError(t, err, "tenant must survive until the pass ends")

	release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Remove did not finish after release")
	}
	_, err = store.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, g.Held(1), "Remove releases the guard")
}

func TestRemove_GivesUpWhenContextEnds(t *testing.T) {
	_, store := setupTest(t)
	g := guard.NewLocal()
	store.WithGuard(g).retry = 5 * time.Millisecond
	require.NoError(t, store.Link(context.Background(), 1, binance.Credentials{APIKey: "k", SecretKey: "s"}))
	release, _, _ := g.TryAcquire(context.Background(), 1)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := store.Remove(ctx, 1)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, err = store.Get(context.Background(), 1)
	assert.NoError(t, err)
}
