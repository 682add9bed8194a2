// Package universe implements the symbol-universe collaborator: an hourly
// REST poll of the venue's exchange-info, 24h-ticker and depth endpoints
// that produces the filtered symbol set ScreenerEngine reconciles against
// SubscriptionMux, plus the per-symbol dynamic threshold percent used when
// Config.Detector.DynamicThreshold is enabled.
package universe

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yofutures/impulse-screener/logging"
)

const (
	infoURL  = "https://fapi.binance.com/fapi/v1/exchangeInfo"
	tickerURL = "https://fapi.binance.com/fapi/v1/ticker/24hr"
	depthURL = "https://fapi.binance.com/fapi/v1/depth"
)

// Orderbook is the top-of-book depth summary for one symbol.
type Orderbook struct {
	Bid float64
	Ask float64
}

// Snapshot is the universe-epoch result consumed by ScreenerEngine: the
// filtered symbol set plus the per-symbol metadata needed for delivery.
type Snapshot struct {
	Volumes    map[string]float64
	Thresholds map[string]float64
	Trades24h  map[string]int
	Orderbook  map[string]Orderbook
}

// Symbols returns the filtered symbol set, sorted by descending 24h
// volume.
func (s Snapshot) Symbols() []string {
	out := make([]string, 0, len(s.Volumes))
	for sym := range s.Volumes {
		out = append(out, sym)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && s.Volumes[out[j]] > s.Volumes[out[j-1]]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Fetcher is the interface ScreenerEngine depends on; Binance is the only
// implementation, kept thin and outside the core.
type Fetcher interface {
	Fetch(ctx context.Context) (Snapshot, error)
}

// Config holds the filter thresholds and dynamic-threshold curve
// constants.
type Config struct {
	VolumeThreshold  float64
	MinTrades        int
	ExcludeSymbols   map[string]bool
	DynamicThreshold bool
	FixedThresholdPct float64

	// Power-law interpolation constants for dynamic_impulse_threshold: a
	// symbol's 24h volume is log-normalized between VolMin/VolMax and
	// mapped onto [PMax, PMin] via an exponent curve, so high-volume
	// symbols get a tighter (smaller) threshold percent.
	VolMin   float64
	VolMax   float64
	PMin     float64
	PMax     float64
	Exponent float64

	HTTPTimeout time.Duration
}

// DefaultConfig returns the venue's default filter thresholds and
// dynamic-threshold curve constants.
func DefaultConfig() Config {
	return Config{
		VolumeThreshold:   20_000_000,
		MinTrades:         10_000,
		ExcludeSymbols:    map[string]bool{},
		DynamicThreshold:  false,
		FixedThresholdPct: 1.0,
		VolMin:            30_000_000,
		VolMax:            5_000_000_000,
		PMin:              0.7,
		PMax:              2,
		Exponent:          0.7,
		HTTPTimeout:       15 * time.Second,
	}
}

// dynamicThreshold reproduces dynamic_impulse_threshold bit-for-bit: a
// log10-normalized volume raised to Exponent interpolates between PMax
// (low volume, wider threshold) and PMin (high volume, tighter threshold).
func (c Config) dynamicThreshold(volume float64) float64 {
	x := math.Min(math.Max(volume, c.VolMin), c.VolMax)
	norm := (math.Log10(x) - math.Log10(c.VolMin)) / (math.Log10(c.VolMax) - math.Log10(c.VolMin))
	factor := math.Pow(norm, c.Exponent)
	percent := c.PMax - (c.PMax-c.PMin)*factor
	return math.Round(percent*1000) / 1000
}

// BinanceFetcher polls the three venue REST endpoints: exchange info,
// 24h ticker, and depth.
type BinanceFetcher struct {
	cfg    Config
	client *http.Client
	log    *logging.Logger
}

// NewBinanceFetcher constructs a BinanceFetcher.
func NewBinanceFetcher(cfg Config, log *logging.Logger) *BinanceFetcher {
	return &BinanceFetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		log:    log,
	}
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol       string `json:"symbol"`
		ContractType string `json:"contractType"`
		Status       string `json:"status"`
	} `json:"symbols"`
}

type ticker24h struct {
	Symbol      string `json:"symbol"`
	QuoteVolume string `json:"quoteVolume"`
	Count       int    `json:"count"`
}

type depthResponse struct {
	Bids [][2]string `json:"bids"`
	Asks [][2]string `json:"asks"`
}

// Fetch implements Fetcher. A failure of the exchange-info or 24h-ticker
// stage returns an empty Snapshot and a non-nil error; the caller
// (ScreenerEngine) keeps the previous universe in effect rather than
// propagating the error further. A failed depth fetch is logged and leaves
// that symbol's Orderbook zeroed.
func (f *BinanceFetcher) Fetch(ctx context.Context) (Snapshot, error) {
	active, err := f.activePerpetuals(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("exchangeInfo: %w", err)
	}

	tickers, err := f.tickers24h(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("24hr ticker: %w", err)
	}

	snap := Snapshot{
		Volumes:    make(map[string]float64),
		Thresholds: make(map[string]float64),
		Trades24h:  make(map[string]int),
		Orderbook:  make(map[string]Orderbook),
	}

	for _, t := range tickers {
		if !active[t.Symbol] {
			continue
		}
		symbol := strings.ToLower(t.Symbol)
		if f.cfg.ExcludeSymbols[symbol] {
			continue
		}
		volume, _ := strconv.ParseFloat(t.QuoteVolume, 64)
		if volume < f.cfg.VolumeThreshold || t.Count < f.cfg.MinTrades {
			continue
		}

		snap.Volumes[symbol] = volume
		snap.Trades24h[symbol] = t.Count
		if f.cfg.DynamicThreshold {
			snap.Thresholds[symbol] = f.cfg.dynamicThreshold(volume)
		} else {
			snap.Thresholds[symbol] = f.cfg.FixedThresholdPct
		}

		ob, err := f.depth(ctx, t.Symbol)
		if err != nil {
			f.log.Warn("depth fetch failed", logging.Symbol(symbol), logging.Any("err", err.Error()))
			ob = Orderbook{}
		}
		snap.Orderbook[symbol] = ob
	}

	return snap, nil
}

func (f *BinanceFetcher) activePerpetuals(ctx context.Context) (map[string]bool, error) {
	var resp exchangeInfoResponse
	if err := f.getJSON(ctx, infoURL, &resp); err != nil {
		return nil, err
	}
	active := make(map[string]bool, len(resp.Symbols))
	for _, s := range resp.Symbols {
		if s.ContractType == "PERPETUAL" && s.Status == "TRADING" {
			active[s.Symbol] = true
		}
	}
	return active, nil
}

func (f *BinanceFetcher) tickers24h(ctx context.Context) ([]ticker24h, error) {
	var resp []ticker24h
	if err := f.getJSON(ctx, tickerURL, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (f *BinanceFetcher) depth(ctx context.Context, symbol string) (Orderbook, error) {
	url := fmt.Sprintf("%s?symbol=%s&limit=20", depthURL, symbol)
	var resp depthResponse
	if err := f.getJSON(ctx, url, &resp); err != nil {
		return Orderbook{}, err
	}
	return Orderbook{
		Bid: sumDepth(resp.Bids),
		Ask: sumDepth(resp.Asks),
	}, nil
}

func sumDepth(levels [][2]string) float64 {
	var total float64
	for _, lvl := range levels {
		if len(lvl) != 2 {
			continue
		}
		price, _ := strconv.ParseFloat(lvl[0], 64)
		qty, _ := strconv.ParseFloat(lvl[1], 64)
		total += price * qty
	}
	return total
}

func (f *BinanceFetcher) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
