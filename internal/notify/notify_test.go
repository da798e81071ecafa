package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"portfolio-watch-bot/internal/ledger"
	"portfolio-watch-bot/internal/models"
	"portfolio-watch-bot/internal/reconcile"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sent struct {
	chatID int64
	text   string
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (f *fakeSender) Send(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, sent{chatID, text})
	return nil
}

func (f *fakeSender) all() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.msgs...)
}

type tenants map[int64]*models.Tenant

func (t tenants) Get(_ context.Context, id int64) (*models.Tenant, error) {
	if tn, ok := t[id]; ok {
		return tn, nil
	}
	return nil, errors.New("not found")
}

var at = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func buyEvent(asset string, offset time.Duration) reconcile.TradingEvent {
	pos, _ := ledger.Open(asset, decimal.NewFromInt(10), decimal.NewFromInt(20), at)
	return reconcile.TradingEvent{
		Kind:           reconcile.KindBuy,
		Asset:          asset,
		Delta:          decimal.NewFromInt(10),
		Price:          decimal.NewFromInt(20),
		Notional:       decimal.NewFromInt(200),
		PreTradeTotal:  decimal.NewFromInt(500),
		PostTradeTotal: decimal.NewFromInt(500),
		AssetWeightPct: decimal.NewFromInt(40),
		CashPct:        decimal.NewFromInt(60),
		Position:       pos,
		At:             at.Add(offset),
	}
}

func closeEvent(asset string) reconcile.TradingEvent {
	pos, _ := ledger.Open(asset, decimal.NewFromInt(10), decimal.NewFromInt(20), at)
	pos, _, _ = pos.ApplySell(decimal.NewFromInt(10), decimal.NewFromInt(25))
	ct := pos.Close("id", decimal.NewFromInt(25), at.Add(24*time.Hour))
	return reconcile.TradingEvent{
		Kind:     reconcile.KindClose,
		Asset:    asset,
		Delta:    decimal.NewFromInt(-10),
		Price:    decimal.NewFromInt(25),
		Notional: decimal.NewFromInt(250),
		Position: pos,
		Closed:   &ct,
		At:       at,
	}
}

// run starts the dispatcher and returns a stop func that drains the queue.
func run(d *Dispatcher) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestDispatcher_SendsToTenantAndChannel(t *testing.T) {
	// Arrange
	sender := &fakeSender{}
	lookup := tenants{1: {ID: 1, ShareToChannel: true}, 2: {ID: 2}}
	d := NewDispatcher(sender, lookup, Options{ChannelID: -100}, zap.NewNop())

	// Act
	d.OnTradingEvent(context.Background(), 1, buyEvent("SOL", 0))
	d.OnTradingEvent(context.Background(), 2, buyEvent("ETH", 0))
	run(d)()

	// Assert
	msgs := sender.all()
	require.Len(t, msgs, 3)
	assert.Equal(t, int64(1), msgs[0].chatID)
	assert.Contains(t, msgs[0].text, "BUY SOL")
	assert.Equal(t, int64(-100), msgs[1].chatID)
	assert.NotContains(t, msgs[1].text, "200", "channel posts omit amounts")
	assert.Equal(t, int64(2), msgs[2].chatID)
}

func TestDispatcher_CooldownSuppressesRepeatsButNotCloses(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, tenants{1: {ID: 1}}, Options{Cooldown: time.Minute}, zap.NewNop())
	ctx := context.Background()

	d.OnTradingEvent(ctx, 1, buyEvent("SOL", 0))
	d.OnTradingEvent(ctx, 1, buyEvent("SOL", 30*time.Second))
	d.OnTradingEvent(ctx, 1, buyEvent("ETH", 30*time.Second))
	d.OnTradingEvent(ctx, 1, buyEvent("SOL", 61*time.Second))
	d.OnTradingEvent(ctx, 1, closeEvent("SOL"))
	d.OnTradingEvent(ctx, 1, closeEvent("SOL"))
	run(d)()

	msgs := sender.all()
	require.Len(t, msgs, 5)
	closes := 0
	for _, m := range msgs {
		if strings.Contains(m.text, "CLOSED") {
			closes++
		}
	}
	assert.Equal(t, 2, closes)
}

func TestDispatcher_DiagnoseOnlyInDebugMode(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, tenants{1: {ID: 1, Debug: true}, 2: {ID: 2}}, Options{}, zap.NewNop())
	ctx := context.Background()

	d.Diagnose(ctx, 1, errors.New("upstream unavailable"))
	d.Diagnose(ctx, 2, errors.New("upstream unavailable"))
	d.Diagnose(ctx, 1, nil)
	run(d)()

	msgs := sender.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1), msgs[0].chatID)
	assert.Contains(t, msgs[0].text, "upstream unavailable")
}

func TestDispatcher_FullQueueDropsWithoutBlocking(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, tenants{1: {ID: 1}}, Options{QueueSize: 2}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Notify(context.Background(), 1, fmt.Sprint(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked")
	}
	run(d)()
	assert.Len(t, sender.all(), 2)
}

func TestDispatcher_SenderFailureIsContained(t *testing.T) {
	sender := &fakeSender{err: errors.New("telegram down")}
	d := NewDispatcher(sender, tenants{1: {ID: 1}}, Options{}, zap.NewNop())

	d.Notify(context.Background(), 1, "hello")
	d.Notify(context.Background(), 99, "unknown tenant")

	assert.NotPanics(t, run(d))
}

func TestCooldown(t *testing.T) {
	c := NewCooldown(time.Minute)
	assert.True(t, c.Allow("k", at))
	assert.False(t, c.Allow("k", at.Add(59*time.Second)))
	assert.True(t, c.Allow("k", at.Add(time.Minute)))
	assert.True(t, c.Allow("other", at))

	off := NewCooldown(0)
	assert.True(t, off.Allow("k", at))
	assert.True(t, off.Allow("k", at))
}

func TestCooldown_PrunesExpiredKeys(t *testing.T) {
	c := NewCooldown(time.Minute)
	for i := 0; i < 100; i++ {
		require.True(t, c.Allow(fmt.Sprintf("1:SOL%d:buy", i), at))
	}
	require.Len(t, c.last, 100)

	assert.True(t, c.Allow("1:ETH:buy", at.Add(2*time.Minute)))

	assert.Len(t, c.last, 1)
	assert.False(t, c.Allow("1:ETH:buy", at.Add(2*time.Minute+time.Second)), "live keys survive a sweep")
}

func TestFormatEvent(t *testing.T) {
	text := FormatEvent(closeEvent("SOL"))

	assert.Contains(t, text, "CLOSED SOL")
	assert.Contains(t, text, "PnL: +50.00 (+25.00%)")
	assert.Contains(t, text, "Held: 1.0 days")

	public := FormatPublicEvent(closeEvent("SOL"))
	assert.Contains(t, public, "+25.00%")
}

func TestTelegramSender(t *testing.T) {
	// Arrange
	var mu sync.Mutex
	var texts []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"w","username":"watch_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			_ = r.ParseForm()
			mu.Lock()
			texts = append(texts, r.FormValue("chat_id")+":"+r.FormValue("text"))
			mu.Unlock()
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":5,"date":0,"chat":{"id":42,"type":"private"}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	api, err := tgbotapi.NewBotAPIWithClient("TOKEN", server.URL+"/bot%s/%s", server.Client())
	require.NoError(t, err)
	s := NewTelegramSenderWithAPI(api)

	// Act
	err = s.Send(context.Background(), 42, "hi")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "watch_bot", s.Username())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"42:hi"}, texts)
}

func TestNewTelegramSender_RequiresToken(t *testing.T) {
	_, err := NewTelegramSender("")
	assert.ErrorIs(t, err, ErrNoToken)
}
