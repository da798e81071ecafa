package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"portfolio-watch-bot/internal/config"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsURL        = "wss://stream.binance.com:9443/ws"
	testnetWsURL = "wss://testnet.binance.vision/ws"

	// pongWait is the time allowed to read the next message or pong from the server.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second

	// Listen keys expire after 60 minutes without a keepalive.
	keepAlivePeriod = 30 * time.Minute

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// Account events that change balances.
const (
	EventAccountPosition = "outboundAccountPosition"
	EventBalanceUpdate   = "balanceUpdate"
)

type streamEvent struct {
	Type      string `json:"e"`
	EventTime int64  `json:"E"`
}

// UpdateFunc is called when the account of tenantID reports a balance change.
type UpdateFunc func(tenantID int64)

// UserStream follows one tenant's user data stream and reports balance changes.
type UserStream struct {
	rest     RestClientInterface
	wsURL    string
	tenantID int64
	apiKey   string
	onUpdate UpdateFunc
	logger   *zap.Logger
}

// Run connects and reconnects with backoff until ctx is cancelled.
func (s *UserStream) Run(ctx context.Context) {
	delay := reconnectDelay
	for {
		started := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > maxReconnectDelay {
			delay = reconnectDelay
		}
		s.logger.Warn("User data stream disconnected", zap.Error(err), zap.Duration("retry_in", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// session runs one listen key and connection until either fails.
func (s *UserStream) session(ctx context.Context) error {
	listenKey, err := s.rest.CreateListenKey(ctx, s.apiKey)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		_ = s.rest.CloseListenKey(closeCtx, s.apiKey, listenKey)
	}()

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, strings.TrimSuffix(s.wsURL, "/")+"/"+listenKey, nil)
	if err != nil {
		return fmt.Errorf("failed to dial user stream: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.maintain(sessCtx, conn, listenKey)
	}()

	// Closing the connection unblocks ReadMessage when the session ends.
	go func() {
		<-sessCtx.Done()
		_ = conn.Close()
	}()

	err = s.readLoop(conn)
	cancel()
	wg.Wait()
	return err
}

func (s *UserStream) readLoop(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.logger.Info("User data stream connected")
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("user stream read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var ev streamEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			s.logger.Debug("Ignoring unparseable stream message", zap.Error(err))
			continue
		}
		switch ev.Type {
		case EventAccountPosition, EventBalanceUpdate:
			s.logger.Debug("Account update received", zap.String("event", ev.Type))
			s.onUpdate(s.tenantID)
		case "listenKeyExpired":
			return fmt.Errorf("listen key expired")
		}
	}
}

// maintain pings the server and keeps the listen key alive.
func (s *UserStream) maintain(ctx context.Context, conn *websocket.Conn, listenKey string) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	keepAlive := time.NewTicker(keepAlivePeriod)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug("Ping failed", zap.Error(err))
				return
			}
		case <-keepAlive.C:
			if err := s.rest.KeepAliveListenKey(ctx, s.apiKey, listenKey); err != nil {
				s.logger.Warn("Failed to keep listen key alive", zap.Error(err))
			}
		}
	}
}

// StreamManager runs one UserStream per tenant.
type StreamManager struct {
	rest     RestClientInterface
	wsURL    string
	onUpdate UpdateFunc
	logger   *zap.Logger

	mu      sync.Mutex
	streams map[int64]*runningStream
	wg      sync.WaitGroup
}

type runningStream struct {
	apiKey string
	cancel context.CancelFunc
}

// NewStreamManager creates a manager. onUpdate is called from stream goroutines.
func NewStreamManager(cfg *config.Binance, rest RestClientInterface, onUpdate UpdateFunc, logger *zap.Logger) *StreamManager {
	url := cfg.WsURL
	if url == "" {
		url = wsURL
		if cfg.Testnet {
			url = testnetWsURL
		}
	}
	return &StreamManager{
		rest:     rest,
		wsURL:    url,
		onUpdate: onUpdate,
		logger:   logger.Named("userstream"),
		streams:  make(map[int64]*runningStream),
	}
}

// Sync starts streams for new tenants, restarts those whose key changed and
// stops streams of tenants no longer present. Streams live until ctx ends.
func (m *StreamManager) Sync(ctx context.Context, tenants map[int64]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, rs := range m.streams {
		if key, ok := tenants[id]; !ok || key != rs.apiKey {
			rs.cancel()
			delete(m.streams, id)
		}
	}
	for id, key := range tenants {
		if _, ok := m.streams[id]; ok || key == "" {
			continue
		}
		sctx, cancel := context.WithCancel(ctx)
		m.streams[id] = &runningStream{apiKey: key, cancel: cancel}
		us := &UserStream{
			rest:     m.rest,
			wsURL:    m.wsURL,
			tenantID: id,
			apiKey:   key,
			onUpdate: m.onUpdate,
			logger:   m.logger.With(zap.Int64("tenant", id)),
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			us.Run(sctx)
		}()
	}
}

// Active returns the number of running streams.
func (m *StreamManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Close stops all streams and waits for them to exit.
func (m *StreamManager) Close() {
	m.mu.Lock()
	for id, rs := range m.streams {
		rs.cancel()
		delete(m.streams, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
