package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/courtside/market-engine/internal/model"
	"github.com/courtside/market-engine/internal/store"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newLedger(t *testing.T, players ...model.Player) *Ledger {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	if err := st.ReplacePlayers(ctx, players); err != nil {
		t.Fatalf("seed players: %v", err)
	}
	l := New(st, Config{Floor: d(10), HistoryCap: 100}, nil)
	if err := l.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return l
}

func player(id string, price float64) model.Player {
	return model.Player{ID: id, Name: id, CurrentPrice: d(price), Volatility: 0.2, IsPlaying: true}
}

func TestGetPrice_NotFound(t *testing.T) {
	l := newLedger(t)
	if _, err := l.GetPrice("ghost"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := l.ApplyDelta(context.Background(), "ghost", d(1), 0, "test"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound from ApplyDelta, got %v", err)
	}
}

func TestApplyDelta_ThreePointerScenario(t *testing.T) {
	l := newLedger(t, player("p", 100))
	before, _ := l.Get("p")

	u, err := l.ApplyDelta(context.Background(), "p", d(12), 0, "event")
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if !u.NewPrice.Equal(d(112)) {
		t.Errorf("new price = %s, want 112", u.NewPrice)
	}
	if !u.Delta.Equal(d(12)) || !u.DeltaPercent.Equal(d(12)) {
		t.Errorf("delta = %s (%s%%), want 12 (12%%)", u.Delta, u.DeltaPercent)
	}

	after, _ := l.Get("p")
	if got := after.PriceChange24h.Sub(before.PriceChange24h); !got.Equal(d(12)) {
		t.Errorf("priceChange24h moved by %s, want 12", got)
	}
	if len(after.PriceHistory) != len(before.PriceHistory)+1 {
		t.Errorf("history grew by %d, want 1", len(after.PriceHistory)-len(before.PriceHistory))
	}
	if !after.PriceChangePercent24h.Equal(d(12)) {
		t.Errorf("priceChangePercent24h = %s, want 12", after.PriceChangePercent24h)
	}
}

func TestApply_ClampsToFloor(t *testing.T) {
	l := newLedger(t, player("p", 12))

	u, err := l.ApplyDelta(context.Background(), "p", d(-50), 0, "test")
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if !u.NewPrice.Equal(d(10)) {
		t.Errorf("price = %s, want floor 10", u.NewPrice)
	}
	if !u.Delta.Equal(d(-2)) {
		t.Errorf("delta = %s, want -2 (clamped)", u.Delta)
	}
}

func TestApply_HistoryCapEvictsOldest(t *testing.T) {
	l := newLedger(t, player("p", 100))
	base := time.Date(2025, 3, 1, 19, 0, 0, 0, time.UTC)
	tick := 0
	l.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	ctx := context.Background()
	for i := 0; i < 150; i++ {
		if _, err := l.ApplyDelta(ctx, "p", d(0.01), int64(i), "test"); err != nil {
			t.Fatalf("ApplyDelta: %v", err)
		}
	}

	p, _ := l.Get("p")
	if len(p.PriceHistory) != 100 {
		t.Fatalf("history length = %d, want 100", len(p.PriceHistory))
	}
	if p.PriceHistory[0].Volume != 50 {
		t.Errorf("oldest retained point volume = %d, want 50", p.PriceHistory[0].Volume)
	}
	if !p.PriceHistory[99].Timestamp.Equal(base.Add(150 * time.Second)) {
		t.Errorf("newest point at %s", p.PriceHistory[99].Timestamp)
	}
}

func TestApply_WritesThroughToStore(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	st.ReplacePlayers(ctx, []model.Player{player("p", 50)})
	l := New(st, Config{}, nil)
	l.Load(ctx)

	l.SetPrice(ctx, "p", d(61.237), 0, "test")

	stored, err := st.GetPlayer(ctx, "p")
	if err != nil {
		t.Fatalf("GetPlayer: %v", err)
	}
	if !stored.CurrentPrice.Equal(d(61.24)) {
		t.Errorf("stored price = %s, want 61.24", stored.CurrentPrice)
	}
}

func TestOnCommit_SequenceIsMonotonicPerPlayer(t *testing.T) {
	l := newLedger(t, player("a", 100), player("b", 100))

	var mu sync.Mutex
	seen := map[string][]uint64{}
	l.OnCommit(func(u Update) {
		mu.Lock()
		seen[u.PlayerID] = append(seen[u.PlayerID], u.Seq)
		mu.Unlock()
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := "a"
			if w%2 == 1 {
				id = "b"
			}
			for i := 0; i < 50; i++ {
				l.ApplyDelta(ctx, id, d(0.5), 1, "test")
			}
		}(w)
	}
	wg.Wait()

	for id, seqs := range seen {
		if len(seqs) != 200 {
			t.Errorf("%s: %d commits, want 200", id, len(seqs))
		}
		for i := 1; i < len(seqs); i++ {
			if seqs[i] != seqs[i-1]+1 {
				t.Fatalf("%s: hook order broken at %d: %d after %d", id, i, seqs[i], seqs[i-1])
			}
		}
	}

	a, _ := l.Get("a")
	if !a.CurrentPrice.Equal(d(200)) {
		t.Errorf("a price = %s, want 200 (no lost updates)", a.CurrentPrice)
	}
}

func TestReplace_KeepsSequence(t *testing.T) {
	l := newLedger(t, player("p", 100))
	ctx := context.Background()
	l.ApplyDelta(ctx, "p", d(1), 0, "test")
	l.ApplyDelta(ctx, "p", d(1), 0, "test")

	if err := l.Replace(ctx, []model.Player{player("p", 80), player("q", 20)}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	p, _ := l.Get("p")
	if p.Seq != 2 {
		t.Errorf("seq after refresh = %d, want 2", p.Seq)
	}
	if !p.CurrentPrice.Equal(d(80)) {
		t.Errorf("price after refresh = %s, want 80", p.CurrentPrice)
	}
	if len(l.ListAll()) != 2 {
		t.Errorf("expected 2 players after refresh")
	}
}

func TestSetPricingMode(t *testing.T) {
	l := newLedger(t, player("p", 100))
	ctx := context.Background()

	p, _ := l.Get("p")
	if p.PricingMode != model.PricingSynthetic {
		t.Errorf("default mode = %q, want synthetic", p.PricingMode)
	}
	if err := l.SetPricingMode(ctx, "p", model.PricingExternal); err != nil {
		t.Fatalf("SetPricingMode: %v", err)
	}
	p, _ = l.Get("p")
	if p.PricingMode != model.PricingExternal {
		t.Errorf("mode = %q, want external", p.PricingMode)
	}
	if err := l.SetPricingMode(ctx, "p", "bogus"); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

// Price never falls below the floor regardless of cumulative deltas.
func TestProperty_FloorHolds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		st := store.NewMemoryStore()
		ctx := context.Background()
		start := rapid.Float64Range(10, 500).Draw(t, "start")
		st.ReplacePlayers(ctx, []model.Player{player("p", start)})
		l := New(st, Config{Floor: d(10), HistoryCap: 20}, nil)
		l.Load(ctx)

		deltas := rapid.SliceOfN(rapid.Float64Range(-200, 200), 1, 60).Draw(t, "deltas")
		for _, delta := range deltas {
			u, err := l.ApplyDelta(ctx, "p", d(delta), 0, "prop")
			if err != nil {
				t.Fatalf("ApplyDelta: %v", err)
			}
			if u.NewPrice.LessThan(d(10)) {
				t.Fatalf("price %s below floor", u.NewPrice)
			}
		}
		p, _ := l.Get("p")
		if len(p.PriceHistory) > 20 {
			t.Fatalf("history %d over cap", len(p.PriceHistory))
		}
	})
}
