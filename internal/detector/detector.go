// Package detector implements the sliding-window impulse scan: given a
// just-closed cluster, walk recent history backwards to find the earliest
// reference price whose divergence from the current price clears both an
// ATR-multiple and a percentage bar, then gate the result through
// per-symbol cooldown and a global burst silence before it becomes an event.
package detector

import (
	"math"
	"sync"

	"github.com/yofutures/impulse-screener/internal/cluster"
)

// Event is the detected impulse, carrying both the trigger reading and the
// reference reading the walk selected.
type Event struct {
	Symbol                 string
	RefPrice               float64
	TriggerPrice           float64
	MaxDeltaPrice          float64
	ChangePercentFromStart float64
	ChangePercentMaxDelta  float64
	ATRFromStart           float64
	ATRMaxDelta            float64
	ImpulseTrades          int
	ImpulseVolumeQuote     float64
	Reason                 []string
	Timestamp              float64
}

// Config holds the thresholds and gates a Detector checks against. A single
// Config is shared across symbols; symbol_threshold_pct is passed per call
// since it may be dynamic per symbol.
type Config struct {
	ATRMultiplier    float64
	MaxLookback      int
	MinClusters      int
	MinTrades        int
	AntiSpamPerSymbolSec   float64
	AntiSpamBurstCount     int
	AntiSpamBurstWindowSec float64
	AntiSpamSilenceSec     float64
}

// clusterReader is the subset of *cluster.Store the detector needs; a
// narrow interface keeps the detector testable without a live ring.
type clusterReader interface {
	GetLastPrice(symbol string) (float64, bool)
	IterRecent(symbol string, fromCid int64, maxCount int) []cluster.Cluster
}

// atrReader is the subset of *atrstat.Accumulator the detector needs.
type atrReader interface {
	GetATR(symbol string) (float64, bool)
}

// AlertState holds the anti-spam bookkeeping: a per-symbol cooldown clock
// plus a single global burst window shared by every symbol.
type AlertState struct {
	mu               sync.Mutex
	lastAlertTime    map[string]float64
	recentAlertTimes []float64
	silenceUntil     float64
}

// NewAlertState constructs an empty AlertState.
func NewAlertState() *AlertState {
	return &AlertState{lastAlertTime: make(map[string]float64)}
}

// Detector scans closed clusters for impulses under a fixed Config.
type Detector struct {
	cfg Config
}

// New constructs a Detector.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Check runs the full scan-and-gate algorithm for one just-closed cluster.
// now is the caller's current time, expressed in the same unit as tick
// timestamps (seconds); it drives every anti-spam comparison.
func (d *Detector) Check(symbol string, lastClosedCid int64, clusters clusterReader, atr atrReader, alertState *AlertState, symbolThresholdPct float64, now float64) (*Event, bool) {
	curPrice, ok := clusters.GetLastPrice(symbol)
	if !ok {
		return nil, false
	}
	atrValue, ok := atr.GetATR(symbol)
	if !ok {
		return nil, false
	}

	recent := clusters.IterRecent(symbol, lastClosedCid, d.cfg.MaxLookback)

	var (
		maxDelta      float64
		maxDeltaPrice float64
		haveMaxDelta  bool
		refPrice      float64
		refCid        int64
		haveRef       bool
	)

	for i, c := range recent {
		visited := i + 1
		for _, p := range [2]float64{c.PMin, c.PMax} {
			delta := math.Abs(curPrice - p)
			if !haveMaxDelta || delta > maxDelta {
				maxDelta = delta
				maxDeltaPrice = p
				haveMaxDelta = true
			}
			if haveRef || p == 0 {
				continue
			}
			pctDelta := delta / p * 100
			if delta >= d.cfg.ATRMultiplier*atrValue && pctDelta >= symbolThresholdPct && visited >= d.cfg.MinClusters {
				refPrice = p
				refCid = c.CID
				haveRef = true
			}
		}
	}

	if !haveRef {
		return nil, false
	}

	trades, volume := sumRange(clusters, symbol, lastClosedCid, refCid)
	if trades < d.cfg.MinTrades {
		return nil, false
	}

	alertState.mu.Lock()
	defer alertState.mu.Unlock()

	if last, seen := alertState.lastAlertTime[symbol]; seen && now-last < d.cfg.AntiSpamPerSymbolSec {
		return nil, false
	}
	if now < alertState.silenceUntil {
		return nil, false
	}

	alertState.recentAlertTimes = append(alertState.recentAlertTimes, now)
	cutoff := now - d.cfg.AntiSpamBurstWindowSec
	kept := alertState.recentAlertTimes[:0]
	for _, t := range alertState.recentAlertTimes {
		if t >= cutoff {
			kept = append(kept, t)
		}
	}
	alertState.recentAlertTimes = kept
	if len(alertState.recentAlertTimes) >= d.cfg.AntiSpamBurstCount {
		alertState.silenceUntil = now + d.cfg.AntiSpamSilenceSec
		return nil, false
	}

	alertState.lastAlertTime[symbol] = now

	event := &Event{
		Symbol:                 symbol,
		RefPrice:               refPrice,
		TriggerPrice:           curPrice,
		MaxDeltaPrice:          maxDeltaPrice,
		ChangePercentFromStart: (curPrice - refPrice) / refPrice * 100,
		ChangePercentMaxDelta:  (curPrice - maxDeltaPrice) / maxDeltaPrice * 100,
		ATRFromStart:           safeDivide(math.Abs(curPrice-refPrice), atrValue),
		ATRMaxDelta:            safeDivide(maxDelta, atrValue),
		ImpulseTrades:          trades,
		ImpulseVolumeQuote:     volume,
		Reason:                 []string{"atr", "threshold", "trades"},
		Timestamp:              now,
	}
	return event, true
}

func sumRange(clusters clusterReader, symbol string, lastClosedCid, refCid int64) (trades int, volume float64) {
	span := int(lastClosedCid-refCid) + 1
	if span < 1 {
		span = 1
	}
	for _, c := range clusters.IterRecent(symbol, lastClosedCid, span) {
		if c.CID >= refCid {
			trades += c.Trades
			volume += c.VolumeQuote
		}
	}
	return trades, volume
}

func safeDivide(numerator, denominator float64) float64 {
	if denominator == 0 {
		return 0
	}
	return numerator / denominator
}
