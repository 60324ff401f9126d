package kernel

import (
	"encoding/binary"
	"math"
)

// Memory layout shared by the host and the module: each level is an
// interleaved (price, qty) f64 pair, the summary is nine f64 values.
const (
	wasmPageSize = 65536
	levelStride  = 16
	summaryBytes = 9 * 8
)

const (
	secType     = 0x01
	secFunction = 0x03
	secMemory   = 0x05
	secExport   = 0x07
	secCode     = 0x0a

	valI32 = 0x7f
	valF64 = 0x7c

	opBlock    = 0x02
	opLoop     = 0x03
	opEnd      = 0x0b
	opBr       = 0x0c
	opBrIf     = 0x0d
	opSelect   = 0x1b
	opLocalGet = 0x20
	opLocalSet = 0x21
	opF64Load  = 0x2b
	opF64Store = 0x39
	opI32Const = 0x41
	opF64Const = 0x44
	opI32GeS   = 0x4e
	opF64Gt    = 0x64
	opI32Add   = 0x6a
	opI32Shl   = 0x74
	opF64Add   = 0xa0
	opF64Sub   = 0xa1
	opF64Mul   = 0xa2
	opF64Div   = 0xa3
	opF64Min   = 0xa4
	opF64Max   = 0xa5

	blockEmpty = 0x40
	alignF64   = 3
)

// aggregate(bids, asks, n, out i32) locals
const (
	lBids byte = iota
	lAsks
	lN
	lOut
	lI
	lOff
	lTotalBid
	lBidNotional
	lTotalAsk
	lAskNotional
	lBestBid
	lBestAsk
	lTotal
)

// OrderbookModule returns the WebAssembly binary served as orderbook.wasm.
// It exports "memory" and "aggregate(bidsPtr, asksPtr, n, outPtr)", which
// writes TotalBidQty, BidVWAP, TotalAskQty, AskVWAP, MidPrice, Spread,
// Imbalance, BestBid and BestAsk as f64 at outPtr.
func OrderbookModule() []byte {
	m := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	m = appendSection(m, secType, []byte{0x01, 0x60, 0x04, valI32, valI32, valI32, valI32, 0x00})
	m = appendSection(m, secFunction, []byte{0x01, 0x00})
	m = appendSection(m, secMemory, []byte{0x01, 0x00, 0x01})

	exports := []byte{0x02}
	exports = appendName(exports, "memory")
	exports = append(exports, 0x02, 0x00)
	exports = appendName(exports, "aggregate")
	exports = append(exports, 0x00, 0x00)
	m = appendSection(m, secExport, exports)

	body := aggregateBody()
	code := []byte{0x01}
	code = appendULEB(code, uint64(len(body)))
	code = append(code, body...)
	return appendSection(m, secCode, code)
}

type asm []byte

func (a *asm) op(b ...byte)        { *a = append(*a, b...) }
func (a *asm) get(local byte)      { a.op(opLocalGet, local) }
func (a *asm) set(local byte)      { a.op(opLocalSet, local) }
func (a *asm) i32(v int64)         { a.op(opI32Const); *a = appendSLEB(*a, v) }
func (a *asm) load(offset uint64)  { a.op(opF64Load, alignF64); *a = appendULEB(*a, offset) }
func (a *asm) store(offset uint64) { a.op(opF64Store, alignF64); *a = appendULEB(*a, offset) }

func (a *asm) f64(v float64) {
	a.op(opF64Const)
	*a = binary.LittleEndian.AppendUint64(*a, math.Float64bits(v))
}

// sumSide accumulates Σqty into total and Σ(price×qty) into notional over n levels at base.
func (a *asm) sumSide(base, total, notional byte) {
	a.i32(0)
	a.set(lI)
	a.op(opBlock, blockEmpty)
	a.op(opLoop, blockEmpty)

	a.get(lI)
	a.get(lN)
	a.op(opI32GeS)
	a.op(opBrIf, 1)

	a.get(base)
	a.get(lI)
	a.i32(4)
	a.op(opI32Shl)
	a.op(opI32Add)
	a.set(lOff)

	a.get(total)
	a.get(lOff)
	a.load(8)
	a.op(opF64Add)
	a.set(total)

	a.get(notional)
	a.get(lOff)
	a.load(0)
	a.get(lOff)
	a.load(8)
	a.op(opF64Mul)
	a.op(opF64Add)
	a.set(notional)

	a.get(lI)
	a.i32(1)
	a.op(opI32Add)
	a.set(lI)
	a.op(opBr, 0)

	a.op(opEnd)
	a.op(opEnd)
}

// storeVWAP writes total > 0 ? notional/total : best
func (a *asm) storeVWAP(offset uint64, total, notional, best byte) {
	a.get(lOut)
	a.get(notional)
	a.get(total)
	a.op(opF64Div)
	a.get(best)
	a.get(total)
	a.f64(0)
	a.op(opF64Gt)
	a.op(opSelect)
	a.store(offset)
}

func aggregateBody() []byte {
	a := asm{0x02, 0x02, valI32, 0x07, valF64}

	a.get(lBids)
	a.load(0)
	a.set(lBestBid)
	a.get(lAsks)
	a.load(0)
	a.set(lBestAsk)

	a.sumSide(lBids, lTotalBid, lBidNotional)
	a.sumSide(lAsks, lTotalAsk, lAskNotional)

	a.get(lOut)
	a.get(lTotalBid)
	a.store(0)
	a.storeVWAP(8, lTotalBid, lBidNotional, lBestBid)

	a.get(lOut)
	a.get(lTotalAsk)
	a.store(16)
	a.storeVWAP(24, lTotalAsk, lAskNotional, lBestAsk)

	a.get(lOut)
	a.get(lBestBid)
	a.get(lBestAsk)
	a.op(opF64Add)
	a.f64(2)
	a.op(opF64Div)
	a.store(32)

	a.get(lOut)
	a.get(lBestAsk)
	a.get(lBestBid)
	a.op(opF64Sub)
	a.store(40)

	a.get(lTotalBid)
	a.get(lTotalAsk)
	a.op(opF64Add)
	a.set(lTotal)

	a.get(lOut)
	a.get(lTotalBid)
	a.get(lTotalAsk)
	a.op(opF64Sub)
	a.get(lTotal)
	a.op(opF64Div)
	a.f64(1)
	a.op(opF64Min)
	a.f64(-1)
	a.op(opF64Max)
	a.f64(0)
	a.get(lTotal)
	a.f64(0)
	a.op(opF64Gt)
	a.op(opSelect)
	a.store(48)

	a.get(lOut)
	a.get(lBestBid)
	a.store(56)
	a.get(lOut)
	a.get(lBestAsk)
	a.store(64)

	a.op(opEnd)
	return a
}

func appendSection(dst []byte, id byte, payload []byte) []byte {
	dst = append(dst, id)
	dst = appendULEB(dst, uint64(len(payload)))
	return append(dst, payload...)
}

func appendName(dst []byte, name string) []byte {
	dst = appendULEB(dst, uint64(len(name)))
	return append(dst, name...)
}

func appendULEB(dst []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}

func appendSLEB(dst []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}
