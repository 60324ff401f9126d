package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cryptoterm/internal/types"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const aggregateExport = "aggregate"

// NativeBackend runs the aggregation inside a sandboxed WebAssembly module
type NativeBackend struct {
	mu      sync.Mutex
	runtime wazero.Runtime
	module  api.Module
	fn      api.Function
	mem     api.Memory
}

// NewNativeBackend compiles and instantiates the given module binary
func NewNativeBackend(ctx context.Context, wasm []byte) (*NativeBackend, error) {
	rt := wazero.NewRuntime(ctx)

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("compile module: %w", err)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("orderbook"))
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate module: %w", err)
	}

	fn := mod.ExportedFunction(aggregateExport)
	mem := mod.Memory()
	if fn == nil || mem == nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("%w: need memory and %s", ErrMissingExport, aggregateExport)
	}

	params := fn.Definition().ParamTypes()
	if len(params) != 4 {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("%w: %s takes %d params, want 4", ErrMissingExport, aggregateExport, len(params))
	}
	for _, p := range params {
		if p != api.ValueTypeI32 {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("%w: %s params must be i32", ErrMissingExport, aggregateExport)
		}
	}

	return &NativeBackend{
		runtime: rt,
		module:  mod,
		fn:      fn,
		mem:     mem,
	}, nil
}

// Name returns the backend identifier
func (b *NativeBackend) Name() string {
	return "native"
}

// Aggregate copies both ladders into module memory and calls the export.
// Any host-side failure degrades to the fallback arithmetic.
func (b *NativeBackend) Aggregate(bids, asks []types.OrderLevel, n int) Summary {
	n = LevelCount(len(bids), len(asks), n)

	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.call(bids, asks, n)
	if err != nil {
		return FallbackBackend{}.Aggregate(bids, asks, n)
	}
	return s
}

func (b *NativeBackend) call(bids, asks []types.OrderLevel, n int) (Summary, error) {
	// Every side gets at least one slot: the module reads index 0 as the best price.
	slots := max(n, 1)
	sideBytes := uint32(slots * levelStride)
	bidsPtr := uint32(0)
	asksPtr := sideBytes
	outPtr := 2 * sideBytes

	if err := b.reserve(outPtr + summaryBytes); err != nil {
		return Summary{}, err
	}
	if !b.writeSide(bidsPtr, bids, slots) || !b.writeSide(asksPtr, asks, slots) {
		return Summary{}, errors.New("write ladder out of range")
	}

	if _, err := b.fn.Call(context.Background(), uint64(bidsPtr), uint64(asksPtr), uint64(n), uint64(outPtr)); err != nil {
		return Summary{}, fmt.Errorf("call %s: %w", aggregateExport, err)
	}

	var out [9]float64
	for i := range out {
		v, ok := b.mem.ReadFloat64Le(outPtr + uint32(i*8))
		if !ok {
			return Summary{}, errors.New("read summary out of range")
		}
		out[i] = v
	}

	return Summary{
		TotalBidQty: out[0],
		BidVWAP:     out[1],
		TotalAskQty: out[2],
		AskVWAP:     out[3],
		MidPrice:    out[4],
		Spread:      out[5],
		Imbalance:   out[6],
		BestBid:     out[7],
		BestAsk:     out[8],
	}, nil
}

// writeSide writes slots (price, qty) pairs, zero-filling past the end of side
func (b *NativeBackend) writeSide(ptr uint32, side []types.OrderLevel, slots int) bool {
	for i := 0; i < slots; i++ {
		var lvl types.OrderLevel
		if i < len(side) {
			lvl = side[i]
		}
		off := ptr + uint32(i*levelStride)
		if !b.mem.WriteFloat64Le(off, lvl.Price) || !b.mem.WriteFloat64Le(off+8, lvl.Quantity) {
			return false
		}
	}
	return true
}

// reserve grows module memory to hold at least size bytes
func (b *NativeBackend) reserve(size uint32) error {
	current := b.mem.Size()
	if size <= current {
		return nil
	}
	pages := (size - current + wasmPageSize - 1) / wasmPageSize
	if _, ok := b.mem.Grow(pages); !ok {
		return fmt.Errorf("grow memory by %d pages failed", pages)
	}
	return nil
}

// Close releases the wazero runtime
func (b *NativeBackend) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runtime.Close(ctx)
}
