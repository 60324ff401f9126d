package decoder

import (
	"encoding/binary"
	"math"

	"cryptoterm/internal/types"

	"google.golang.org/protobuf/encoding/protowire"
)

// fixedPointScale is the ×1e8 scale of price and quantity on the wire
const fixedPointScale = 1e8

var eventNames = map[uint64]string{
	1: types.EventTrade,
	2: types.EventAggTrade,
	3: types.EventTicker24h,
	4: types.EventDepthUpdate,
}

var symbolNames = map[uint64]string{
	1: "BTCUSDT",
	2: "ETHUSDT",
	3: "SOLUSDT",
	4: "BNBUSDT",
	5: "XRPUSDT",
}

// EventName maps a wire event id to its name, "unknown" for unassigned ids
func EventName(id uint64) string {
	if name, ok := eventNames[id]; ok {
		return name
	}
	return types.Unknown
}

// SymbolName maps a wire symbol id to its ticker, "unknown" for unassigned ids
func SymbolName(id uint64) string {
	if name, ok := symbolNames[id]; ok {
		return name
	}
	return types.Unknown
}

// EventID is the inverse of EventName; unassigned names map to 0
func EventID(name string) uint64 {
	return lookupID(eventNames, name)
}

// SymbolID is the inverse of SymbolName; unassigned tickers map to 0
func SymbolID(name string) uint64 {
	return lookupID(symbolNames, name)
}

func lookupID(names map[uint64]string, name string) uint64 {
	for id, n := range names {
		if n == name {
			return id
		}
	}
	return 0
}

// decodeBinary parses
//
//	varint event | varint symbol | int64le price×1e8 | int64le qty×1e8 | varint ts | u8 buyer
//
// and reports false when any field is truncated.
func decodeBinary(frame []byte) (*types.DecodedTrade, bool) {
	eventID, n := protowire.ConsumeVarint(frame)
	if n < 0 {
		return nil, false
	}
	frame = frame[n:]

	symbolID, n := protowire.ConsumeVarint(frame)
	if n < 0 {
		return nil, false
	}
	frame = frame[n:]

	if len(frame) < 16 {
		return nil, false
	}
	price := int64(binary.LittleEndian.Uint64(frame[0:8]))
	qty := int64(binary.LittleEndian.Uint64(frame[8:16]))
	frame = frame[16:]

	ts, n := protowire.ConsumeVarint(frame)
	if n < 0 {
		return nil, false
	}
	frame = frame[n:]

	if len(frame) < 1 {
		return nil, false
	}

	return &types.DecodedTrade{
		EventType:        EventName(eventID),
		Symbol:           SymbolName(symbolID),
		Price:            float64(price) / fixedPointScale,
		Quantity:         float64(qty) / fixedPointScale,
		TimestampMs:      int64(ts),
		IsBuyerInitiated: frame[0] != 0,
	}, true
}

// EncodeTrade writes t in the binary frame layout under the given wire ids
func EncodeTrade(eventID, symbolID uint64, t types.DecodedTrade) []byte {
	b := make([]byte, 0, 2*binary.MaxVarintLen64+16+binary.MaxVarintLen64+1)
	b = protowire.AppendVarint(b, eventID)
	b = protowire.AppendVarint(b, symbolID)
	b = binary.LittleEndian.AppendUint64(b, uint64(int64(math.Round(t.Price*fixedPointScale))))
	b = binary.LittleEndian.AppendUint64(b, uint64(int64(math.Round(t.Quantity*fixedPointScale))))
	b = protowire.AppendVarint(b, uint64(t.TimestampMs))
	if t.IsBuyerInitiated {
		return append(b, 1)
	}
	return append(b, 0)
}
