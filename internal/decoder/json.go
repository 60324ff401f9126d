package decoder

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"

	"cryptoterm/internal/types"
)

// Binance field names are case sensitive ("c" last price vs "C" close time),
// so frames are read into exact-key maps instead of tagged structs.
type fields map[string]json.RawMessage

func decodeJSON(frame []byte) *types.DecodedTrade {
	var msg fields
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil
	}

	// combined stream envelope: {"stream": "...", "data": {...}}
	if data, ok := msg["data"]; ok {
		if _, isStream := msg["stream"]; isStream {
			var inner fields
			if err := json.Unmarshal(data, &inner); err != nil {
				return nil
			}
			msg = inner
		}
	}

	event, ok := msg.str("e")
	if !ok {
		return nil
	}
	symbol, ok := msg.str("s")
	if !ok {
		return nil
	}

	trade := &types.DecodedTrade{
		EventType:  event,
		Symbol:     symbol,
		RawPayload: bytes.Clone(frame),
	}

	switch event {
	case types.EventTrade, types.EventAggTrade:
		if trade.Price, ok = msg.num("p"); !ok {
			return nil
		}
		if trade.Quantity, ok = msg.num("q"); !ok {
			return nil
		}
		if trade.TimestampMs, ok = msg.integer("T"); !ok {
			trade.TimestampMs, _ = msg.integer("E")
		}
		// m: the buyer is the maker, so the aggressor sold
		if maker, ok := msg.boolean("m"); ok {
			trade.IsBuyerInitiated = !maker
		}

	case types.EventTicker24h:
		if trade.Price, ok = msg.num("c"); !ok {
			return nil
		}
		trade.Quantity, _ = msg.num("v")
		trade.TimestampMs, _ = msg.integer("E")

	case types.EventDepthUpdate:
		trade.TimestampMs, _ = msg.integer("E")

	default:
		return nil
	}

	return trade
}

func (f fields) str(key string) (string, bool) {
	raw, ok := f[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

// num accepts both quoted ("0.001") and bare (0.001) finite numbers
func (f fields) num(key string) (float64, bool) {
	raw, ok := f[key]
	if !ok {
		return 0, false
	}
	raw = bytes.Trim(raw, `"`)
	v, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func (f fields) integer(key string) (int64, bool) {
	raw, ok := f[key]
	if !ok {
		return 0, false
	}
	raw = bytes.Trim(raw, `"`)
	v, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (f fields) boolean(key string) (bool, bool) {
	raw, ok := f[key]
	if !ok {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, false
	}
	return b, true
}
