// Package binance implements a SubscriptionMux: two long-lived upstream
// WebSocket sessions (aggTrade, markPrice@1s) with set-diff
// SUBSCRIBE/UNSUBSCRIBE, reconnect with backoff+jitter, and symbol-set
// reconciliation.
package binance

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yofutures/impulse-screener/logging"
	"github.com/yofutures/impulse-screener/monitoring"
)

// TradeHandler receives a decoded aggTrade event: lowercased symbol,
// receive-time timestamp (seconds), price, quantity. This call path must
// be non-suspending and must not call back into the network layer.
type TradeHandler func(symbol string, ts, price, qty float64)

// MarkPriceHandler receives a decoded markPriceUpdate event.
type MarkPriceHandler func(symbol string, ts, price float64)

// Config configures both upstream sessions.
type Config struct {
	BaseWSURL          string
	ConnectTimeout     time.Duration
	ReadTimeout        time.Duration
	HeartbeatInterval  time.Duration
	SubscribeBatchSize int
	SubscribeBatchGap  time.Duration
	MaxBackoff         time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseWSURL == "" {
		c.BaseWSURL = "wss://fstream.binance.com/ws"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.SubscribeBatchSize <= 0 {
		c.SubscribeBatchSize = 80
	}
	if c.SubscribeBatchGap <= 0 {
		c.SubscribeBatchGap = 50 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// Mux owns the two upstream sessions and exposes the single setSymbols
// entry point ScreenerEngine calls after every universe refresh.
type Mux struct {
	cfg Config
	log *logging.Logger

	trades *session
	marks  *session
}

// New constructs a Mux. onTrade and onMark are invoked from the session's
// own goroutine; both must return without blocking.
func New(cfg Config, log *logging.Logger, onTrade TradeHandler, onMark MarkPriceHandler) *Mux {
	cfg = cfg.withDefaults()
	return &Mux{
		cfg:    cfg,
		log:    log,
		trades: newSession("aggTrade", cfg, log, func(raw map[string]interface{}) {
			if eventType(raw) != "aggTrade" {
				return
			}
			symbol := lowerSymbol(raw)
			if symbol == "" || onTrade == nil {
				return
			}
			price := parseFloat(raw["p"])
			qty := parseFloat(raw["q"])
			onTrade(symbol, float64(time.Now().UnixNano())/1e9, price, qty)
		}),
		marks: newSession("markPrice", cfg, log, func(raw map[string]interface{}) {
			if eventType(raw) != "markPriceUpdate" {
				return
			}
			symbol := lowerSymbol(raw)
			if symbol == "" || onMark == nil {
				return
			}
			price := parseFloat(raw["p"])
			onMark(symbol, float64(time.Now().UnixNano())/1e9, price)
		}),
	}
}

// Start launches both session goroutines.
func (m *Mux) Start() {
	go m.trades.run()
	go m.marks.run()
}

// Stop signals both sessions to exit; each honors the caller's bounded
// drain interval.
func (m *Mux) Stop() {
	m.trades.stop()
	m.marks.stop()
}

// SetSymbols updates the desired-set for both sessions and applies diffs
// immediately if connected, else defers to next connect.
func (m *Mux) SetSymbols(symbols []string) {
	lowered := make([]string, 0, len(symbols))
	for _, s := range symbols {
		lowered = append(lowered, strings.ToLower(s))
	}

	tradeStreams := make([]string, 0, len(lowered))
	markStreams := make([]string, 0, len(lowered))
	for _, s := range lowered {
		tradeStreams = append(tradeStreams, s+"@aggTrade")
		markStreams = append(markStreams, s+"@markPrice@1s")
	}

	m.trades.setStreams(tradeStreams)
	m.marks.setStreams(markStreams)
}

func eventType(raw map[string]interface{}) string {
	v, _ := raw["e"].(string)
	return v
}

func lowerSymbol(raw map[string]interface{}) string {
	v, _ := raw["s"].(string)
	return strings.ToLower(v)
}

func parseFloat(v interface{}) float64 {
	switch x := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	case float64:
		return x
	default:
		return 0
	}
}

// session is one upstream WS connection with live diff-subscribe and
// reconnect-with-backoff, matching _BinanceSubWS.
type session struct {
	name string
	cfg  Config
	log  *logging.Logger
	on   func(raw map[string]interface{})

	mu      sync.Mutex
	wanted  map[string]struct{}
	confirmed map[string]struct{}
	conn    *websocket.Conn
	cmdID   int

	stopCh chan struct{}
	stopOnce sync.Once
}

func newSession(name string, cfg Config, log *logging.Logger, on func(map[string]interface{})) *session {
	return &session{
		name:      name,
		cfg:       cfg,
		log:       log,
		on:        on,
		wanted:    make(map[string]struct{}),
		confirmed: make(map[string]struct{}),
		stopCh:    make(chan struct{}),
	}
}

func (s *session) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *session) setStreams(streams []string) {
	s.mu.Lock()
	s.wanted = make(map[string]struct{}, len(streams))
	for _, st := range streams {
		s.wanted[st] = struct{}{}
	}
	connected := s.conn != nil
	s.mu.Unlock()

	if connected {
		s.applyDiff()
	}
}

// run is the connect/reconnect loop: dial, reconcile, read until error,
// then backoff+jitter and retry.
func (s *session) run() {
	backoff := 1.0
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		connected, err := s.connectAndServe()
		if connected {
			backoff = 1.0
		}
		if err != nil {
			monitoring.RecordMuxReconnect(s.name)
			s.log.Warn("upstream session error", logging.String("session", s.name), logging.Any("err", err.Error()))
			logging.TrackError(context.Background(), err, "medium", map[string]interface{}{"session": s.name})
		}

		select {
		case <-s.stopCh:
			return
		default:
		}

		jitter := rand.Float64() * 0.3
		wait := time.Duration((backoff + jitter) * float64(time.Second))
		select {
		case <-time.After(wait):
		case <-s.stopCh:
			return
		}
		backoff = math.Min(backoff*2, s.cfg.MaxBackoff.Seconds())
	}
}

// connectAndServe reports whether the handshake succeeded, so run can reset
// its backoff, along with the error that ended the session.
func (s *session) connectAndServe() (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.ConnectTimeout}
	conn, _, err := dialer.Dial(s.cfg.BaseWSURL, nil)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	s.conn = conn
	s.confirmed = make(map[string]struct{})
	s.mu.Unlock()

	s.log.Info("upstream session connected", logging.String("session", s.name))

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	s.applyDiff()

	heartbeatStop := make(chan struct{})
	go s.heartbeat(conn, heartbeatStop)
	defer close(heartbeatStop)

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}

		var decoded map[string]interface{}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			continue
		}

		if _, hasResult := decoded["result"]; hasResult {
			if _, hasID := decoded["id"]; hasID {
				continue
			}
		}

		s.on(decoded)
	}
}

func (s *session) heartbeat(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// applyDiff computes wanted-minus-confirmed and confirmed-minus-wanted and
// sends batched SUBSCRIBE/UNSUBSCRIBE commands for each.
func (s *session) applyDiff() {
	s.mu.Lock()
	conn := s.conn
	var toAdd, toDel []string
	for st := range s.wanted {
		if _, ok := s.confirmed[st]; !ok {
			toAdd = append(toAdd, st)
		}
	}
	for st := range s.confirmed {
		if _, ok := s.wanted[st]; !ok {
			toDel = append(toDel, st)
		}
	}
	s.mu.Unlock()

	if conn == nil {
		return
	}

	s.sendBatched(conn, "UNSUBSCRIBE", toDel)
	s.sendBatched(conn, "SUBSCRIBE", toAdd)
}

func (s *session) sendBatched(conn *websocket.Conn, method string, streams []string) {
	if len(streams) == 0 {
		return
	}
	batch := s.cfg.SubscribeBatchSize
	for i := 0; i < len(streams); i += batch {
		end := i + batch
		if end > len(streams) {
			end = len(streams)
		}
		chunk := streams[i:end]

		s.mu.Lock()
		s.cmdID++
		id := s.cmdID
		s.mu.Unlock()

		cmd := map[string]interface{}{
			"method": method,
			"params": chunk,
			"id":     id,
		}
		body, err := json.Marshal(cmd)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
			return
		}

		s.mu.Lock()
		switch method {
		case "SUBSCRIBE":
			for _, st := range chunk {
				s.confirmed[st] = struct{}{}
			}
		case "UNSUBSCRIBE":
			for _, st := range chunk {
				delete(s.confirmed, st)
			}
		}
		confirmedCount := len(s.confirmed)
		s.mu.Unlock()
		monitoring.SetMuxSubscribedStreams(s.name, confirmedCount)

		time.Sleep(s.cfg.SubscribeBatchGap)
	}
}
