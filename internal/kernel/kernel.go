package kernel

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"cryptoterm/internal/types"

	"go.uber.org/zap"
)

// State is the backend resolution state of a Kernel
type State int32

const (
	StateIdle State = iota
	StateLoading
	StateReadyNative
	StateReadyFallback
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReadyNative:
		return "ready-native"
	case StateReadyFallback:
		return "ready-fallback"
	default:
		return "unknown"
	}
}

// Ready reports whether the state is terminal
func (s State) Ready() bool {
	return s == StateReadyNative || s == StateReadyFallback
}

// Options configures a Kernel
type Options struct {
	// LevelCap bounds levels aggregated per side; <= 0 means DefaultLevelCap
	LevelCap int

	// ModuleURL locates orderbook.wasm: an http(s) URL or a file path.
	// Empty skips the native backend.
	ModuleURL string

	// LoadTimeout bounds the module fetch and instantiation; <= 0 means 5s
	LoadTimeout time.Duration

	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *Metrics
}

type resolved struct {
	backend Backend
}

// Kernel computes AggregationResults with the best available backend.
// It answers with the fallback backend until Load settles, and never
// switches backends after that.
type Kernel struct {
	levelCap    int
	moduleURL   string
	loadTimeout time.Duration
	client      *http.Client
	logger      *zap.Logger
	metrics     *Metrics

	state        atomic.Int32
	backend      atomic.Pointer[resolved]
	lastDuration atomic.Int64

	nativeMu sync.Mutex
	native   *NativeBackend
	closed   bool
}

// New creates a Kernel in the idle state, backed by the fallback until Load runs
func New(opts Options) *Kernel {
	if opts.LevelCap <= 0 {
		opts.LevelCap = DefaultLevelCap
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 5 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	k := &Kernel{
		levelCap:    opts.LevelCap,
		moduleURL:   opts.ModuleURL,
		loadTimeout: opts.LoadTimeout,
		client:      opts.HTTPClient,
		logger:      opts.Logger.Named("kernel"),
		metrics:     opts.Metrics,
	}
	k.backend.Store(&resolved{backend: FallbackBackend{}})
	return k
}

// Load resolves the backend: it fetches and instantiates the native module
// and settles in StateReadyNative, or in StateReadyFallback on any failure,
// timeout or cancellation. Only the first call loads; later calls return the
// current state.
func (k *Kernel) Load(ctx context.Context) State {
	if !k.state.CompareAndSwap(int32(StateIdle), int32(StateLoading)) {
		return k.State()
	}

	ctx, cancel := context.WithTimeout(ctx, k.loadTimeout)
	defer cancel()

	wasm, err := fetchModule(ctx, k.client, k.moduleURL)
	var native *NativeBackend
	if err == nil {
		native, err = NewNativeBackend(ctx, wasm)
	}
	if err != nil {
		k.logger.Info("native backend unavailable, using fallback",
			zap.String("module", k.moduleURL),
			zap.Error(err))
		return k.settle(StateReadyFallback)
	}

	k.nativeMu.Lock()
	if k.closed {
		k.nativeMu.Unlock()
		if err := native.Close(context.Background()); err != nil {
			k.logger.Debug("release native backend", zap.Error(err))
		}
		k.logger.Info("kernel closed during load, using fallback")
		return k.settle(StateReadyFallback)
	}
	k.native = native
	k.backend.Store(&resolved{backend: native})
	k.nativeMu.Unlock()

	k.logger.Info("native backend ready", zap.String("module", k.moduleURL))
	return k.settle(StateReadyNative)
}

func (k *Kernel) settle(state State) State {
	k.state.Store(int32(state))
	k.metrics.observeLoad(state)
	return state
}

// State returns the current resolution state
func (k *Kernel) State() State {
	return State(k.state.Load())
}

// BackendName returns the name of the backend currently serving Compute
func (k *Kernel) BackendName() string {
	return k.backend.Load().backend.Name()
}

// LevelCap returns the per-side level bound
func (k *Kernel) LevelCap() int {
	return k.levelCap
}

// Compute summarizes best-first bid and ask ladders. Only the top
// min(len(bids), len(asks), LevelCap) levels of each side contribute to the
// totals and VWAPs.
func (k *Kernel) Compute(bids, asks []types.OrderLevel) types.AggregationResult {
	start := time.Now()
	b := k.backend.Load().backend

	res := b.Aggregate(bids, asks, LevelCount(len(bids), len(asks), k.levelCap)).Result()

	elapsed := time.Since(start)
	k.lastDuration.Store(int64(elapsed))
	k.metrics.observeCompute(b.Name(), elapsed)
	return res
}

// LastDuration returns the wall-clock duration of the latest Compute call
func (k *Kernel) LastDuration() time.Duration {
	return time.Duration(k.lastDuration.Load())
}

// Close releases the native backend, if any. Compute keeps working on the
// fallback, and a Load still in flight settles on the fallback too.
func (k *Kernel) Close(ctx context.Context) error {
	k.nativeMu.Lock()
	defer k.nativeMu.Unlock()

	k.closed = true
	if k.native == nil {
		return nil
	}
	k.backend.Store(&resolved{backend: FallbackBackend{}})
	err := k.native.Close(ctx)
	k.native = nil
	return err
}

var _ types.MetricsComputer = (*Kernel)(nil)
