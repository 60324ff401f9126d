package kernel

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cryptoterm/internal/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lv(price, qty float64) types.OrderLevel {
	return types.OrderLevel{Price: price, Quantity: qty}
}

func assertClose(t *testing.T, field string, want, got float64) {
	t.Helper()
	tol := 1e-9 * math.Max(1, math.Abs(want))
	assert.InDelta(t, want, got, tol, field)
}

func assertResultsClose(t *testing.T, want, got types.AggregationResult) {
	t.Helper()
	assertClose(t, "midPrice", want.MidPrice, got.MidPrice)
	assertClose(t, "spread", want.Spread, got.Spread)
	assertClose(t, "spreadPct", want.SpreadPct, got.SpreadPct)
	assertClose(t, "imbalance", want.Imbalance, got.Imbalance)
	assertClose(t, "bidVwap", want.BidVWAP, got.BidVWAP)
	assertClose(t, "askVwap", want.AskVWAP, got.AskVWAP)
	assertClose(t, "totalBidQty", want.TotalBidQty, got.TotalBidQty)
	assertClose(t, "totalAskQty", want.TotalAskQty, got.TotalAskQty)
	assertClose(t, "bestBid", want.BestBid, got.BestBid)
	assertClose(t, "bestAsk", want.BestAsk, got.BestAsk)
}

// randomBook builds best-first ladders around mid with non-negative quantities
func randomBook(r *rand.Rand, bidLen, askLen int) (bids, asks []types.OrderLevel) {
	mid := 100 + r.Float64()*60000
	tick := 0.01 + r.Float64()
	bids = make([]types.OrderLevel, bidLen)
	for i := range bids {
		bids[i] = lv(mid-tick*float64(i+1), r.Float64()*50)
	}
	asks = make([]types.OrderLevel, askLen)
	for i := range asks {
		asks[i] = lv(mid+tick*float64(i+1), r.Float64()*50)
	}
	return bids, asks
}

func TestComputeTwoLevelBook(t *testing.T) {
	k := New(Options{})

	res := k.Compute(
		[]types.OrderLevel{lv(100, 2), lv(99, 3)},
		[]types.OrderLevel{lv(101, 1), lv(102, 4)},
	)

	assert.Equal(t, 100.0, res.BestBid)
	assert.Equal(t, 101.0, res.BestAsk)
	assert.Equal(t, 100.5, res.MidPrice)
	assert.Equal(t, 1.0, res.Spread)
	assert.InDelta(t, 0.995025, res.SpreadPct, 1e-6)
	assert.Equal(t, 5.0, res.TotalBidQty)
	assert.Equal(t, 5.0, res.TotalAskQty)
	assert.InDelta(t, 99.4, res.BidVWAP, 1e-12)
	assert.InDelta(t, 101.8, res.AskVWAP, 1e-12)
	assert.Equal(t, 0.0, res.Imbalance)
	assert.False(t, res.OneSided())
}

func TestComputeEdgeCases(t *testing.T) {
	tests := []struct {
		name string
		bids []types.OrderLevel
		asks []types.OrderLevel
		want types.AggregationResult
	}{
		{
			name: "both sides empty",
			want: types.AggregationResult{},
		},
		{
			name: "empty bids",
			asks: []types.OrderLevel{lv(100, 5)},
			want: types.AggregationResult{
				BestAsk:   100,
				AskVWAP:   100,
				MidPrice:  50,
				Spread:    100,
				SpreadPct: 200,
			},
		},
		{
			name: "empty asks",
			bids: []types.OrderLevel{lv(100, 5)},
			want: types.AggregationResult{
				BestBid:   100,
				BidVWAP:   100,
				MidPrice:  50,
				Spread:    -100,
				SpreadPct: -200,
			},
		},
		{
			name: "zero quantities fall back to best price",
			bids: []types.OrderLevel{lv(99, 0)},
			asks: []types.OrderLevel{lv(101, 0)},
			want: types.AggregationResult{
				BestBid:   99,
				BestAsk:   101,
				BidVWAP:   99,
				AskVWAP:   101,
				MidPrice:  100,
				Spread:    2,
				SpreadPct: 2,
			},
		},
		{
			name: "shorter side bounds level count",
			bids: []types.OrderLevel{lv(100, 1), lv(99, 1), lv(98, 1)},
			asks: []types.OrderLevel{lv(101, 3)},
			want: types.AggregationResult{
				BestBid:     100,
				BestAsk:     101,
				BidVWAP:     100,
				AskVWAP:     101,
				MidPrice:    100.5,
				Spread:      1,
				SpreadPct:   1 / 100.5 * 100,
				TotalBidQty: 1,
				TotalAskQty: 3,
				Imbalance:   -0.5,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := New(Options{}).Compute(tt.bids, tt.asks)
			assertResultsClose(t, tt.want, res)
		})
	}
}

func TestComputeLevelCap(t *testing.T) {
	bids := make([]types.OrderLevel, 150)
	asks := make([]types.OrderLevel, 150)
	for i := range bids {
		bids[i] = lv(1000-float64(i), 1)
		asks[i] = lv(1001+float64(i), 2)
	}

	res := New(Options{}).Compute(bids, asks)
	assert.Equal(t, 100.0, res.TotalBidQty)
	assert.Equal(t, 200.0, res.TotalAskQty)

	res = New(Options{LevelCap: 10}).Compute(bids, asks)
	assert.Equal(t, 10.0, res.TotalBidQty)
	assert.Equal(t, 20.0, res.TotalAskQty)
	assert.InDelta(t, -1.0/3.0, res.Imbalance, 1e-12)
}

func TestComputeProperties(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	k := New(Options{})

	for i := 0; i < 500; i++ {
		bids, asks := randomBook(r, r.Intn(20), r.Intn(20))
		res := k.Compute(bids, asks)

		assert.GreaterOrEqual(t, res.Imbalance, -1.0)
		assert.LessOrEqual(t, res.Imbalance, 1.0)
		if len(bids) > 0 && len(asks) > 0 {
			assert.Equal(t, (bids[0].Price+asks[0].Price)/2, res.MidPrice)
		}
		if res.TotalBidQty+res.TotalAskQty == 0 {
			assert.Equal(t, 0.0, res.Imbalance)
		}

		assert.Equal(t, res, k.Compute(bids, asks), "compute must be idempotent")
	}
}

func TestLevelCount(t *testing.T) {
	tests := []struct {
		bidLen, askLen, levelCap, want int
	}{
		{0, 0, 100, 0},
		{0, 5, 100, 0},
		{3, 7, 100, 3},
		{150, 200, 100, 100},
		{150, 200, 0, 150},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelCount(tt.bidLen, tt.askLen, tt.levelCap))
	}
}

func TestNativeMatchesFallback(t *testing.T) {
	ctx := context.Background()
	native, err := NewNativeBackend(ctx, OrderbookModule())
	require.NoError(t, err)
	defer native.Close(ctx)

	r := rand.New(rand.NewSource(7))
	fallback := FallbackBackend{}

	sizes := [][2]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}, {2, 2}, {5, 80}, {100, 100}, {3000, 2500}}
	for i := 0; i < 200; i++ {
		sizes = append(sizes, [2]int{r.Intn(120), r.Intn(120)})
	}

	for _, size := range sizes {
		bids, asks := randomBook(r, size[0], size[1])
		for _, levelCap := range []int{DefaultLevelCap, 4000} {
			n := LevelCount(len(bids), len(asks), levelCap)
			want := fallback.Aggregate(bids, asks, n).Result()
			got := native.Aggregate(bids, asks, n).Result()
			assertResultsClose(t, want, got)
		}
	}
}

func TestNativeMatchesFallbackZeroQuantities(t *testing.T) {
	ctx := context.Background()
	native, err := NewNativeBackend(ctx, OrderbookModule())
	require.NoError(t, err)
	defer native.Close(ctx)

	bids := []types.OrderLevel{lv(99, 0), lv(98, 0)}
	asks := []types.OrderLevel{lv(101, 0)}
	n := LevelCount(len(bids), len(asks), DefaultLevelCap)

	assert.Equal(t, FallbackBackend{}.Aggregate(bids, asks, n), native.Aggregate(bids, asks, n))
}

func TestNewNativeBackendRejectsBadModules(t *testing.T) {
	ctx := context.Background()

	_, err := NewNativeBackend(ctx, []byte("not wasm"))
	assert.Error(t, err)

	// valid module without exports
	_, err = NewNativeBackend(ctx, []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})
	assert.ErrorIs(t, err, ErrMissingExport)
}

func moduleServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestLoad(t *testing.T) {
	module := OrderbookModule()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		timeout time.Duration
		want    State
	}{
		{
			name: "serves module",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/wasm")
				_, _ = w.Write(module)
			},
			want: StateReadyNative,
		},
		{
			name:    "not found",
			handler: http.NotFound,
			want:    StateReadyFallback,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			want: StateReadyFallback,
		},
		{
			name: "garbage body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("<html>not a module</html>"))
			},
			want: StateReadyFallback,
		},
		{
			name: "slow server hits timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			timeout: 50 * time.Millisecond,
			want:    StateReadyFallback,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := moduleServer(t, tt.handler)
			k := New(Options{ModuleURL: srv.URL + "/wasm/orderbook.wasm", LoadTimeout: tt.timeout})
			defer k.Close(context.Background())

			assert.Equal(t, StateIdle, k.State())
			assert.Equal(t, tt.want, k.Load(context.Background()))
			assert.Equal(t, tt.want, k.State())
			assert.True(t, k.State().Ready())

			res := k.Compute([]types.OrderLevel{lv(100, 2), lv(99, 3)}, []types.OrderLevel{lv(101, 1), lv(102, 4)})
			assert.Equal(t, 100.5, res.MidPrice)
		})
	}
}

func TestLoadNativeBackendName(t *testing.T) {
	module := OrderbookModule()
	srv := moduleServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(module)
	})

	k := New(Options{ModuleURL: srv.URL})
	assert.Equal(t, "fallback", k.BackendName())
	require.Equal(t, StateReadyNative, k.Load(context.Background()))
	assert.Equal(t, "native", k.BackendName())

	require.NoError(t, k.Close(context.Background()))
	assert.Equal(t, "fallback", k.BackendName())
}

func TestLoadOnlyOnce(t *testing.T) {
	k := New(Options{})
	assert.Equal(t, StateReadyFallback, k.Load(context.Background()))

	dir := t.TempDir()
	path := filepath.Join(dir, "orderbook.wasm")
	require.NoError(t, os.WriteFile(path, OrderbookModule(), 0o644))
	k.moduleURL = path

	assert.Equal(t, StateReadyFallback, k.Load(context.Background()), "no upgrade after settling")
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orderbook.wasm")
	require.NoError(t, os.WriteFile(path, OrderbookModule(), 0o644))

	k := New(Options{ModuleURL: path})
	defer k.Close(context.Background())
	assert.Equal(t, StateReadyNative, k.Load(context.Background()))

	missing := New(Options{ModuleURL: filepath.Join(dir, "missing.wasm")})
	assert.Equal(t, StateReadyFallback, missing.Load(context.Background()))
}

func TestLoadCancelled(t *testing.T) {
	module := OrderbookModule()
	srv := moduleServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(module)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	k := New(Options{ModuleURL: srv.URL})
	assert.Equal(t, StateReadyFallback, k.Load(ctx))
	assert.Equal(t, "fallback", k.BackendName())
}

func TestCloseDuringLoad(t *testing.T) {
	module := OrderbookModule()
	fetching := make(chan struct{})
	release := make(chan struct{})
	srv := moduleServer(t, func(w http.ResponseWriter, r *http.Request) {
		close(fetching)
		<-release
		_, _ = w.Write(module)
	})

	k := New(Options{ModuleURL: srv.URL})
	done := make(chan State, 1)
	go func() {
		done <- k.Load(context.Background())
	}()

	<-fetching
	require.NoError(t, k.Close(context.Background()))
	close(release)

	select {
	case state := <-done:
		assert.Equal(t, StateReadyFallback, state)
	case <-time.After(5 * time.Second):
		t.Fatal("Load did not return")
	}
	assert.Equal(t, "fallback", k.BackendName())
	assert.Nil(t, k.native)
	assert.NoError(t, k.Close(context.Background()))
}

func TestFetchModuleNotFound(t *testing.T) {
	srv := moduleServer(t, http.NotFound)

	_, err := fetchModule(context.Background(), http.DefaultClient, srv.URL)
	assert.ErrorIs(t, err, ErrModuleNotFound)

	_, err = fetchModule(context.Background(), http.DefaultClient, "")
	assert.ErrorIs(t, err, ErrModuleNotFound)

	_, err = fetchModule(context.Background(), http.DefaultClient, filepath.Join(t.TempDir(), "nope.wasm"))
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestComputeRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	k := New(Options{Metrics: m})

	k.Load(context.Background())
	k.Compute([]types.OrderLevel{lv(100, 1)}, []types.OrderLevel{lv(101, 1)})

	assert.GreaterOrEqual(t, k.LastDuration(), time.Duration(0))
	assert.Equal(t, 1, testutil.CollectAndCount(m.computeSeconds))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.loads.WithLabelValues(StateReadyFallback.String())))
}

func BenchmarkFallbackCompute(b *testing.B) {
	r := rand.New(rand.NewSource(1))
	bids, asks := randomBook(r, 100, 100)
	k := New(Options{})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k.Compute(bids, asks)
	}
}

func BenchmarkNativeCompute(b *testing.B) {
	ctx := context.Background()
	native, err := NewNativeBackend(ctx, OrderbookModule())
	if err != nil {
		b.Fatal(err)
	}
	defer native.Close(ctx)

	r := rand.New(rand.NewSource(1))
	bids, asks := randomBook(r, 100, 100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		native.Aggregate(bids, asks, DefaultLevelCap)
	}
}
