// Package engine implements ScreenerEngine: composition and routing only. It
// wires tick callbacks into ClusterStore, enqueues finalized clusters for
// detection, and on a detected impulse applies per-user filtering and
// dispatches via PushHub and the chat sink.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yofutures/impulse-screener/binance"
	"github.com/yofutures/impulse-screener/internal/atrstat"
	"github.com/yofutures/impulse-screener/internal/cluster"
	"github.com/yofutures/impulse-screener/internal/clusterbus"
	"github.com/yofutures/impulse-screener/internal/detector"
	"github.com/yofutures/impulse-screener/internal/notifier"
	"github.com/yofutures/impulse-screener/internal/pushhub"
	"github.com/yofutures/impulse-screener/internal/universe"
	"github.com/yofutures/impulse-screener/internal/userstore"
	"github.com/yofutures/impulse-screener/logging"
	"github.com/yofutures/impulse-screener/monitoring"
)

// Config carries every threshold and worker-pool size the engine needs as
// an explicit immutable struct at construction time.
type Config struct {
	ClusterIntervalSec float64
	CandleTimeframeSec float64

	DetectorQueueSize int
	DetectorWorkers   int

	FixedThresholdPct float64
	DynamicThreshold  bool

	UniverseRefreshInterval time.Duration
}

// job is one (symbol, last_closed_cid) unit of detector work.
type job struct {
	symbol        string
	lastClosedCID int64
}

// Engine is the composition root for the streaming impulse-detection
// pipeline: tick ingest -> cluster store -> ATR accumulator -> detector
// queue -> detector workers -> delivery.
type Engine struct {
	cfg Config
	log *logging.Logger

	clusters *cluster.Store
	atr      *atrstat.Accumulator
	detect   *detector.Detector
	alerts   *detector.AlertState

	mux      *binance.Mux
	hub      *pushhub.Hub
	notif    *notifier.Notifier
	bus      *clusterbus.Bus
	universe universe.Fetcher
	users    userstore.Store

	queue chan job

	mu            sync.RWMutex
	lastSnapshot  universe.Snapshot
	lastMarkPrice map[string]float64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires every collaborator. None of them are started until Start is
// called.
func New(
	cfg Config,
	log *logging.Logger,
	clusters *cluster.Store,
	atr *atrstat.Accumulator,
	det *detector.Detector,
	mux *binance.Mux,
	hub *pushhub.Hub,
	notif *notifier.Notifier,
	bus *clusterbus.Bus,
	uni universe.Fetcher,
	users userstore.Store,
) *Engine {
	if cfg.DetectorQueueSize <= 0 {
		cfg.DetectorQueueSize = 20000
	}
	if cfg.DetectorWorkers <= 0 {
		cfg.DetectorWorkers = 2
	}
	return &Engine{
		cfg:           cfg,
		log:           log,
		clusters:      clusters,
		atr:           atr,
		detect:        det,
		alerts:        detector.NewAlertState(),
		mux:           mux,
		hub:           hub,
		notif:         notif,
		bus:           bus,
		universe:      uni,
		users:         users,
		queue:         make(chan job, cfg.DetectorQueueSize),
		lastMarkPrice: make(map[string]float64),
		stopCh:        make(chan struct{}),
	}
}

// Start begins the chat sink, the upstream mux, the detector workers, and
// the hourly universe-refresh loop, in that order.
func (e *Engine) Start(ctx context.Context) {
	e.notif.Start()
	e.notif.SendAdmin("impulse screener started")

	e.mux.Start()

	for i := 0; i < e.cfg.DetectorWorkers; i++ {
		e.wg.Add(1)
		go e.detectorWorker(i)
	}

	e.wg.Add(1)
	go e.universeLoop(ctx)
}

// Stop signals every long-lived loop and waits for a bounded drain.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.mux.Stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		e.log.Warn("engine shutdown drain timed out")
	}
	e.notif.Stop()
}

// OnTrade is the TradeHandler SubscriptionMux invokes for every aggTrade
// event. It must be non-suspending and must not call back into the
// network layer: it only mutates in-memory state and performs a
// non-blocking queue offer.
func (e *Engine) OnTrade(symbol string, ts, price, qty float64) {
	finalized := e.clusters.AddTick(symbol, ts, price, qty)
	if len(finalized) == 0 {
		return
	}

	var lastBucket int64 = -1
	hasBucket := false
	for _, cid := range finalized {
		closeTS := float64(cid+1) * e.cfg.ClusterIntervalSec
		bucket := int64(closeTS / e.cfg.CandleTimeframeSec)
		if !hasBucket || bucket != lastBucket {
			c, ok := e.clusters.GetCluster(symbol, cid)
			if ok {
				e.atr.OnClusterClose(symbol, c.PMin, c.PMax, closeTS)
				monitoring.RecordClusterClose(symbol)
			}
			lastBucket = bucket
			hasBucket = true
		}
	}

	lastCID := finalized[len(finalized)-1]
	select {
	case e.queue <- job{symbol: symbol, lastClosedCID: lastCID}:
		monitoring.SetDetectorQueueDepth(len(e.queue))
	default:
		monitoring.RecordImpulseSuppressed("queue_full")
		e.log.Warn("detector queue full, dropping check", logging.Symbol(symbol))
	}
}

// OnMarkPrice is the MarkPriceHandler SubscriptionMux invokes for every
// markPriceUpdate event. It feeds a last-mark-price cache only and never
// touches impulse detection.
func (e *Engine) OnMarkPrice(symbol string, ts, price float64) {
	e.mu.Lock()
	e.lastMarkPrice[symbol] = price
	e.mu.Unlock()
}

// LastMarkPrice returns the last observed mark price for symbol, if any.
// The get_top mode="markPrice" branch reads the same cache directly.
func (e *Engine) LastMarkPrice(symbol string) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.lastMarkPrice[symbol]
	return p, ok
}

func (e *Engine) detectorWorker(id int) {
	defer e.wg.Done()
	for {
		select {
		case j := <-e.queue:
			e.runDetection(j)
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) runDetection(j job) {
	threshold := e.thresholdFor(j.symbol)
	now := float64(time.Now().UnixNano()) / 1e9

	start := time.Now()
	evt, ok := e.detect.Check(j.symbol, j.lastClosedCID, e.clusters, e.atr, e.alerts, threshold, now)
	monitoring.RecordDetectorLatency(j.symbol, float64(time.Since(start).Microseconds())/1000)
	if !ok {
		return
	}
	e.deliver(evt)
}

func (e *Engine) thresholdFor(symbol string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if th, ok := e.lastSnapshot.Thresholds[symbol]; ok {
		return th
	}
	return e.cfg.FixedThresholdPct
}

// TopProvider implements pushhub.TopProvider; mode="markPrice" answers
// from the mark-price cache, everything else falls back to the universe
// snapshot's 24h volume ranking.
func (e *Engine) TopProvider(mode string, n int) []pushhub.TopItem {
	e.mu.RLock()
	snap := e.lastSnapshot
	marks := make(map[string]float64, len(e.lastMarkPrice))
	for k, v := range e.lastMarkPrice {
		marks[k] = v
	}
	e.mu.RUnlock()

	if mode == "markPrice" {
		items := make([]pushhub.TopItem, 0, n)
		for sym, price := range marks {
			items = append(items, pushhub.TopItem{Symbol: sym, Value: price})
			if len(items) >= n {
				break
			}
		}
		return items
	}

	symbols := snap.Symbols()
	if n > 0 && n < len(symbols) {
		symbols = symbols[:n]
	}
	items := make([]pushhub.TopItem, 0, len(symbols))
	for _, sym := range symbols {
		items = append(items, pushhub.TopItem{Symbol: sym, Value: snap.Volumes[sym]})
	}
	return items
}

func (e *Engine) universeLoop(ctx context.Context) {
	defer e.wg.Done()

	e.refreshUniverse(ctx)

	interval := e.cfg.UniverseRefreshInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.refreshUniverse(ctx)
		case <-e.stopCh:
			return
		}
	}
}

// refreshUniverse fetches the latest symbol universe and reconciles the
// subscription mux; a fetch failure keeps the previous universe in effect
// rather than propagating.
func (e *Engine) refreshUniverse(ctx context.Context) {
	snap, err := e.universe.Fetch(ctx)
	if err != nil {
		monitoring.RecordUniverseFetchError()
		e.log.Warn("universe refresh failed, keeping previous universe", logging.Any("err", err.Error()))
		logging.TrackError(ctx, err, "medium", nil)
		return
	}

	e.mu.Lock()
	e.lastSnapshot = snap
	e.mu.Unlock()

	e.mux.SetSymbols(snap.Symbols())
	monitoring.SetUniverseSymbols(len(snap.Volumes))
	e.log.Info("universe refreshed", logging.Int("symbols", len(snap.Volumes)))
}

// deliver builds the canonical event payload, pushes it to the admin chat
// sink, and fans it out to every user whose allow-list filter passes.
func (e *Engine) deliver(evt *detector.Event) {
	symbolUpper := strings.ToUpper(evt.Symbol)

	e.mu.RLock()
	snap := e.lastSnapshot
	e.mu.RUnlock()

	volume := snap.Volumes[evt.Symbol]
	trades24h := snap.Trades24h[evt.Symbol]
	ob := snap.Orderbook[evt.Symbol]

	payload := map[string]interface{}{
		"type":               "impulse",
		"exchange":           "BINANCE-FUT",
		"market":             "FUTURES",
		"symbol":             symbolUpper,
		"volume_threshold":   volume,
		"min_trades_24h":     trades24h,
		"orderbook_min_bid":  ob.Bid,
		"orderbook_min_ask":  ob.Ask,
		"impulse_trades":     evt.ImpulseTrades,
		"ts":                 evt.Timestamp,
	}

	message := formatMessage(symbolUpper, evt, volume)
	e.notif.SendAdmin(message)
	monitoring.RecordImpulseDetected(evt.Symbol)
	e.log.Info("impulse detected", logging.Symbol(symbolUpper), logging.Float64("change_pct", evt.ChangePercentFromStart))

	for uid, profile := range e.users.AllUsers() {
		cfg, ok := e.users.GetUserConfig(uid)
		if !ok {
			continue
		}
		if !passesFilter(cfg, payload) {
			continue
		}

		e.hub.SendToUser(uid, payload)
		if e.bus != nil {
			e.bus.Publish(context.Background(), uid, payload)
		}
		if profile.ChatID != "" {
			e.notif.SendToChat(profile.ChatID, message)
		}
	}
}

// passesFilter implements the per-user allow-list predicate: event[k] >=
// user_cfg[k] for every allow-listed key.
func passesFilter(cfg map[string]float64, payload map[string]interface{}) bool {
	for key, limit := range cfg {
		value, ok := numericField(payload, key)
		if !ok {
			continue
		}
		if value < limit {
			return false
		}
	}
	return true
}

func numericField(payload map[string]interface{}, key string) (float64, bool) {
	v, ok := payload[key]
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

func formatMessage(symbolUpper string, evt *detector.Event, vol24h float64) string {
	direction := "pump"
	if evt.TriggerPrice < evt.RefPrice {
		direction = "dump"
	}
	return fmt.Sprintf(
		"%s %s\nchange: %.2f%% (max %.2f%%)\nprice: %v trigger=%v ref=%v\nATR: from_start=%.2f max_delta=%.2f\n24h volume: %.0f\nimpulse trades: %d",
		symbolUpper, direction,
		evt.ChangePercentFromStart, evt.ChangePercentMaxDelta,
		evt.TriggerPrice, evt.TriggerPrice, evt.RefPrice,
		evt.ATRFromStart, evt.ATRMaxDelta,
		vol24h, evt.ImpulseTrades,
	)
}
