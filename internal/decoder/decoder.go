// Package decoder normalizes real-time market frames, either in the compact
// binary layout or as Binance-style JSON, into types.DecodedTrade values.
package decoder

import (
	"sync/atomic"

	"cryptoterm/internal/types"

	"github.com/prometheus/client_golang/prometheus"
)

// Counts are per-path decode tallies. They are observability counters only.
type Counts struct {
	Binary int64
	JSON   int64
	Failed int64
}

// Decoder classifies and decodes frames. The zero value is ready to use and
// safe for concurrent callers.
type Decoder struct {
	binary atomic.Int64
	json   atomic.Int64
	failed atomic.Int64

	frames *prometheus.CounterVec
}

// New creates a Decoder that also reports to cryptoterm_decoder_frames_total
// when reg is not nil.
func New(reg prometheus.Registerer) *Decoder {
	d := &Decoder{}
	if reg != nil {
		d.frames = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptoterm_decoder_frames_total",
			Help: "Decoded market frames by decode path.",
		}, []string{"path"})
		reg.MustRegister(d.frames)
	}
	return d
}

// Decode normalizes one frame. A frame whose first byte is not '{' is tried
// against the binary layout first; anything else, or a truncated binary frame,
// is parsed as JSON. Unrecognized frames yield nil; Decode never panics.
func (d *Decoder) Decode(frame []byte) (trade *types.DecodedTrade) {
	defer func() {
		if r := recover(); r != nil {
			trade = nil
			d.count(&d.failed, "failed")
		}
	}()

	if len(frame) == 0 {
		d.count(&d.failed, "failed")
		return nil
	}

	if frame[0] != '{' {
		if t, ok := decodeBinary(frame); ok {
			d.count(&d.binary, "binary")
			return t
		}
	}

	if t := decodeJSON(frame); t != nil {
		d.count(&d.json, "json")
		return t
	}

	d.count(&d.failed, "failed")
	return nil
}

// DecodeText decodes a text frame
func (d *Decoder) DecodeText(frame string) *types.DecodedTrade {
	return d.Decode([]byte(frame))
}

// DecodeMany decodes a single frame and returns zero or one trades. Frames do
// not carry a batch framing, so no splitting is attempted.
func (d *Decoder) DecodeMany(frame []byte) []*types.DecodedTrade {
	if t := d.Decode(frame); t != nil {
		return []*types.DecodedTrade{t}
	}
	return nil
}

// Counts returns the decode tallies so far
func (d *Decoder) Counts() Counts {
	return Counts{
		Binary: d.binary.Load(),
		JSON:   d.json.Load(),
		Failed: d.failed.Load(),
	}
}

func (d *Decoder) count(c *atomic.Int64, path string) {
	c.Add(1)
	if d.frames != nil {
		d.frames.WithLabelValues(path).Inc()
	}
}

var _ types.FrameDecoder = (*Decoder)(nil)
