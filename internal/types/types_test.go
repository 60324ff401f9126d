package types

import (
	"math"
	"testing"
)

func TestTickLevelCycle(t *testing.T) {
	tests := []struct {
		current TickLevel
		next    TickLevel
		prev    TickLevel
	}{
		{Tick01, Tick1, Tick100},
		{Tick1, Tick10, Tick01},
		{Tick50, Tick100, Tick10},
		{Tick100, Tick01, Tick50},
		{TickLevel(3), Tick01, Tick01},
	}

	for _, tt := range tests {
		if got := GetNextTickLevel(tt.current); got != tt.next {
			t.Errorf("GetNextTickLevel(%g) = %g, want %g", float64(tt.current), float64(got), float64(tt.next))
		}
		if got := GetPreviousTickLevel(tt.current); got != tt.prev {
			t.Errorf("GetPreviousTickLevel(%g) = %g, want %g", float64(tt.current), float64(got), float64(tt.prev))
		}
	}
}

func TestValidTickLevel(t *testing.T) {
	for _, tick := range AvailableTickLevels {
		if !ValidTickLevel(tick) {
			t.Errorf("Expected %g to be valid", float64(tick))
		}
	}
	if ValidTickLevel(0.5) {
		t.Error("Expected 0.5 to be rejected")
	}
}

func TestAggregationResultFinite(t *testing.T) {
	res := AggregationResult{MidPrice: 100.5, Spread: 1, BestBid: 100, BestAsk: 101}
	if !res.Finite() {
		t.Errorf("Expected %+v to be finite", res)
	}
	if res.OneSided() {
		t.Error("Expected two-sided result")
	}

	res.BidVWAP = math.Inf(1)
	if res.Finite() {
		t.Error("Expected +Inf VWAP to be rejected")
	}

	res.BidVWAP = 0
	res.Imbalance = math.NaN()
	if res.Finite() {
		t.Error("Expected NaN imbalance to be rejected")
	}

	if !(AggregationResult{BestBid: 100}).OneSided() {
		t.Error("Expected missing ask to be one-sided")
	}
}
