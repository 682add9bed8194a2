package cluster

import "testing"

func TestAddTickFirstTickNoFinalization(t *testing.T) {
	s := New(150, 0.05)
	finalized := s.AddTick("BTCUSDT", 0.00, 100, 1)
	if len(finalized) != 0 {
		t.Fatalf("expected no finalized clusters on first tick, got %v", finalized)
	}
	c, ok := s.GetCluster("BTCUSDT", 0)
	if !ok {
		t.Fatal("expected cluster 0 to exist")
	}
	if c.Trades != 1 || c.PMin != 100 || c.PMax != 100 {
		t.Fatalf("unexpected cluster: %+v", c)
	}
}

func TestAddTickBackfillsSilentGap(t *testing.T) {
	s := New(150, 0.05)
	s.AddTick("BTCUSDT", 0.00, 100, 1)
	finalized := s.AddTick("BTCUSDT", 0.40, 100, 1)

	want := []int64{0, 1, 2, 3, 4, 5, 6, 7}
	if len(finalized) != len(want) {
		t.Fatalf("got %v, want %v", finalized, want)
	}
	for i, cid := range want {
		if finalized[i] != cid {
			t.Fatalf("got %v, want %v", finalized, want)
		}
	}

	for _, cid := range []int64{1, 2, 3, 4, 5, 6, 7} {
		c, ok := s.GetCluster("BTCUSDT", cid)
		if !ok {
			t.Fatalf("expected backfilled cluster %d", cid)
		}
		if c.Trades != 0 || c.PMin != 100 || c.PMax != 100 {
			t.Fatalf("backfilled cluster %d should be silent, got %+v", cid, c)
		}
	}

	open, ok := s.GetCluster("BTCUSDT", 8)
	if !ok || open.Trades != 1 {
		t.Fatalf("expected open cluster 8 with one trade, got %+v ok=%v", open, ok)
	}
}

func TestGetClusterMissingCidMismatch(t *testing.T) {
	s := New(4, 1.0)
	s.AddTick("ETHUSDT", 0, 10, 1)
	// capacity 4, advancing four buckets wraps slot 0 back onto cid 4's slot,
	// so cid 0 must no longer be retrievable.
	s.AddTick("ETHUSDT", 4, 10, 1)
	if _, ok := s.GetCluster("ETHUSDT", 0); ok {
		t.Fatal("expected cid 0 to be evicted by ring wrap")
	}
	if _, ok := s.GetCluster("ETHUSDT", 4); !ok {
		t.Fatal("expected cid 4 to be present")
	}
}

func TestIterRecentStopsAtGap(t *testing.T) {
	s := New(150, 0.05)
	s.AddTick("BTCUSDT", 0.00, 100, 1)
	s.AddTick("BTCUSDT", 0.40, 100, 1)

	recent := s.IterRecent("BTCUSDT", 8, 10)
	if len(recent) != 9 {
		t.Fatalf("expected 9 clusters (cid 8 down to cid 0), got %d: %+v", len(recent), recent)
	}
	if recent[0].CID != 8 || recent[len(recent)-1].CID != 0 {
		t.Fatalf("unexpected walk order: %+v", recent)
	}
}

func TestIterRecentRespectsMaxCount(t *testing.T) {
	s := New(150, 0.05)
	s.AddTick("BTCUSDT", 0.00, 100, 1)
	s.AddTick("BTCUSDT", 0.40, 100, 1)

	recent := s.IterRecent("BTCUSDT", 8, 3)
	if len(recent) != 3 {
		t.Fatalf("expected max_count to cap at 3, got %d", len(recent))
	}
}

func TestGetLastPrice(t *testing.T) {
	s := New(150, 0.05)
	if _, ok := s.GetLastPrice("BTCUSDT"); ok {
		t.Fatal("expected no last price before any tick")
	}
	s.AddTick("BTCUSDT", 0, 100, 1)
	s.AddTick("BTCUSDT", 0.05, 105, 1)
	price, ok := s.GetLastPrice("BTCUSDT")
	if !ok || price != 105 {
		t.Fatalf("expected last price 105, got %v ok=%v", price, ok)
	}
}
