package detector

import (
	"testing"

	"github.com/yofutures/impulse-screener/internal/cluster"
)

type fakeClusters struct {
	lastPrice float64
	haveLast  bool
	byCid     map[int64]cluster.Cluster
}

func (f *fakeClusters) GetLastPrice(symbol string) (float64, bool) {
	return f.lastPrice, f.haveLast
}

func (f *fakeClusters) IterRecent(symbol string, fromCid int64, maxCount int) []cluster.Cluster {
	out := make([]cluster.Cluster, 0, maxCount)
	for cid := fromCid; len(out) < maxCount && cid >= 0; cid-- {
		c, ok := f.byCid[cid]
		if !ok {
			break
		}
		out = append(out, c)
	}
	return out
}

type fakeATR struct {
	value float64
	ok    bool
}

func (f *fakeATR) GetATR(symbol string) (float64, bool) {
	return f.value, f.ok
}

func baseConfig() Config {
	return Config{
		ATRMultiplier:          2.0,
		MaxLookback:            150,
		MinClusters:            1,
		MinTrades:              1,
		AntiSpamPerSymbolSec:   180,
		AntiSpamBurstCount:     5,
		AntiSpamBurstWindowSec: 30,
		AntiSpamSilenceSec:     30,
	}
}

func TestCheckMissingLastPriceReturnsNone(t *testing.T) {
	d := New(baseConfig())
	clusters := &fakeClusters{haveLast: false}
	atr := &fakeATR{value: 1, ok: true}
	_, triggered := d.Check("BTCUSDT", 0, clusters, atr, NewAlertState(), 1.0, 0)
	if triggered {
		t.Fatal("expected no event when last price is missing")
	}
}

func TestCheckMissingATRReturnsNone(t *testing.T) {
	d := New(baseConfig())
	clusters := &fakeClusters{lastPrice: 100, haveLast: true}
	atr := &fakeATR{ok: false}
	_, triggered := d.Check("BTCUSDT", 0, clusters, atr, NewAlertState(), 1.0, 0)
	if triggered {
		t.Fatal("expected no event when ATR is missing")
	}
}

func TestCheckThresholdTrigger(t *testing.T) {
	cfg := baseConfig()
	cfg.MinClusters = 1
	cfg.MinTrades = 1
	d := New(cfg)

	clusters := &fakeClusters{
		lastPrice: 105,
		haveLast:  true,
		byCid: map[int64]cluster.Cluster{
			1: {CID: 1, PMin: 104, PMax: 104, Trades: 10, VolumeQuote: 1000},
			0: {CID: 0, PMin: 100, PMax: 100, Trades: 10, VolumeQuote: 1000},
		},
	}
	atr := &fakeATR{value: 0.5, ok: true}

	event, triggered := d.Check("BTCUSDT", 1, clusters, atr, NewAlertState(), 1.0, 100)
	if !triggered {
		t.Fatal("expected threshold trigger to fire")
	}
	if event.RefPrice != 100 {
		t.Fatalf("expected ref_price 100, got %v", event.RefPrice)
	}
	if event.ChangePercentFromStart != 5.0 {
		t.Fatalf("expected change_percent_from_start 5.0, got %v", event.ChangePercentFromStart)
	}
}

func TestCheckBelowMinTradesReturnsNone(t *testing.T) {
	cfg := baseConfig()
	cfg.MinTrades = 1000
	d := New(cfg)

	clusters := &fakeClusters{
		lastPrice: 105,
		haveLast:  true,
		byCid: map[int64]cluster.Cluster{
			1: {CID: 1, PMin: 104, PMax: 104, Trades: 1, VolumeQuote: 10},
			0: {CID: 0, PMin: 100, PMax: 100, Trades: 1, VolumeQuote: 10},
		},
	}
	atr := &fakeATR{value: 0.5, ok: true}

	_, triggered := d.Check("BTCUSDT", 1, clusters, atr, NewAlertState(), 1.0, 100)
	if triggered {
		t.Fatal("expected trade-count gate to suppress the event")
	}
}

func TestCheckPerSymbolCooldown(t *testing.T) {
	cfg := baseConfig()
	d := New(cfg)
	state := NewAlertState()

	clusters := &fakeClusters{
		lastPrice: 105,
		haveLast:  true,
		byCid: map[int64]cluster.Cluster{
			1: {CID: 1, PMin: 104, PMax: 104, Trades: 10, VolumeQuote: 1000},
			0: {CID: 0, PMin: 100, PMax: 100, Trades: 10, VolumeQuote: 1000},
		},
	}
	atr := &fakeATR{value: 0.5, ok: true}

	if _, triggered := d.Check("BTCUSDT", 1, clusters, atr, state, 1.0, 100); !triggered {
		t.Fatal("expected first check to trigger")
	}
	if _, triggered := d.Check("BTCUSDT", 1, clusters, atr, state, 1.0, 150); triggered {
		t.Fatal("expected cooldown to suppress a second alert within ANTI_SPAM_PER_SYMBOL")
	}
}

func TestCheckGlobalBurstSilence(t *testing.T) {
	cfg := baseConfig()
	cfg.AntiSpamPerSymbolSec = 0
	cfg.AntiSpamBurstCount = 3
	cfg.AntiSpamBurstWindowSec = 30
	cfg.AntiSpamSilenceSec = 60
	d := New(cfg)
	state := NewAlertState()
	atr := &fakeATR{value: 0.5, ok: true}

	mkClusters := func() *fakeClusters {
		return &fakeClusters{
			lastPrice: 105,
			haveLast:  true,
			byCid: map[int64]cluster.Cluster{
				1: {CID: 1, PMin: 104, PMax: 104, Trades: 10, VolumeQuote: 1000},
				0: {CID: 0, PMin: 100, PMax: 100, Trades: 10, VolumeQuote: 1000},
			},
		}
	}

	if _, triggered := d.Check("BTCUSDT", 1, mkClusters(), atr, state, 1.0, 0); !triggered {
		t.Fatal("expected symbol A's first alert to trigger")
	}
	if _, triggered := d.Check("ETHUSDT", 1, mkClusters(), atr, state, 1.0, 1); !triggered {
		t.Fatal("expected symbol B's first alert to trigger as the second entry in the burst window")
	}
	if _, triggered := d.Check("BNBUSDT", 1, mkClusters(), atr, state, 1.0, 2); triggered {
		t.Fatal("expected the third alert within the burst window to trip global silence")
	}
	if _, triggered := d.Check("SOLUSDT", 1, mkClusters(), atr, state, 1.0, 3); triggered {
		t.Fatal("expected silence_until to suppress further alerts")
	}
}
