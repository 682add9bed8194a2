package atrstat

import "testing"

func TestGetATRAbsentBeforeFirstClose(t *testing.T) {
	a := New(14, 60)
	if _, ok := a.GetATR("BTCUSDT"); ok {
		t.Fatal("expected no ATR before any bar has closed")
	}
}

func TestOnClusterCloseWidensCurrentBar(t *testing.T) {
	a := New(14, 60)
	a.OnClusterClose("BTCUSDT", 99, 101, 0)
	a.OnClusterClose("BTCUSDT", 98, 100, 30)
	// Same candle bucket (0..59s); still no closed bar, so still no ATR.
	if _, ok := a.GetATR("BTCUSDT"); ok {
		t.Fatal("expected no ATR while the first bar is still open")
	}
}

func TestOnClusterCloseRollsBarAndComputesATR(t *testing.T) {
	a := New(14, 60)
	a.OnClusterClose("BTCUSDT", 99, 101, 0)  // bucket 0: range 2
	a.OnClusterClose("BTCUSDT", 98, 104, 61) // closes bucket 0, opens bucket 1

	atr, ok := a.GetATR("BTCUSDT")
	if !ok {
		t.Fatal("expected ATR after first bar close")
	}
	if atr != 2 {
		t.Fatalf("expected ATR 2 (single closed bar range), got %v", atr)
	}

	a.OnClusterClose("BTCUSDT", 98, 104, 121) // closes bucket 1: range 6

	atr, ok = a.GetATR("BTCUSDT")
	if !ok || atr != 4 {
		t.Fatalf("expected mean of [2,6]=4, got %v ok=%v", atr, ok)
	}
}

func TestOnClusterCloseEvictsBeyondPeriod(t *testing.T) {
	a := New(2, 60)
	a.OnClusterClose("BTCUSDT", 100, 100, 0)   // bucket 0, range 0
	a.OnClusterClose("BTCUSDT", 90, 110, 61)    // closes bucket 0 (range 0), opens bucket 1
	a.OnClusterClose("BTCUSDT", 95, 105, 121)   // closes bucket 1 (range 20), opens bucket 2
	a.OnClusterClose("BTCUSDT", 99, 101, 181)   // closes bucket 2 (range 10), opens bucket 3

	// Window holds at most 2 bars: by now [20, 10] (range 0 evicted).
	atr, ok := a.GetATR("BTCUSDT")
	if !ok || atr != 15 {
		t.Fatalf("expected mean of [20,10]=15, got %v ok=%v", atr, ok)
	}
}
