// Package profile classifies the host into a performance tier that bounds
// how much book depth the monitor computes and how often it pushes.
//
// A Profile is detected once at startup and passed explicitly; nothing in
// this package caches state.
package profile

import (
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"time"

	"cryptoterm/internal/config"

	"github.com/shirou/gopsutil/v3/mem"
)

// Tier is a coarse host capability class
type Tier string

const (
	TierLow  Tier = "low"
	TierMid  Tier = "mid"
	TierHigh Tier = "high"
)

// Limits bound the work a tier is asked to do
type Limits struct {
	LevelCap     int
	Depth        int
	PushInterval time.Duration
}

var tierLimits = map[Tier]Limits{
	TierLow:  {LevelCap: 25, Depth: 10, PushInterval: time.Second},
	TierMid:  {LevelCap: 100, Depth: 20, PushInterval: 500 * time.Millisecond},
	TierHigh: {LevelCap: 500, Depth: 50, PushInterval: 100 * time.Millisecond},
}

// Profile is an immutable description of the host
type Profile struct {
	Tier     Tier
	CPUs     int
	MemoryMB uint64 // 0 when unknown
}

// New classifies a host with the given CPU count and memory.
//
//	low:  at most 2 CPUs, or known memory under 2 GiB
//	high: at least 8 CPUs and (unknown or) at least 8 GiB
//	mid:  everything else
func New(cpus int, memoryMB uint64) Profile {
	p := Profile{CPUs: cpus, MemoryMB: memoryMB, Tier: TierMid}
	known := memoryMB > 0

	switch {
	case cpus <= 2 || (known && memoryMB < 2048):
		p.Tier = TierLow
	case cpus >= 8 && (!known || memoryMB >= 8192):
		p.Tier = TierHigh
	}
	return p
}

// Detect reads the CPU count and the usable memory of the current process.
// A GOMEMLIMIT below physical memory wins.
func Detect() Profile {
	var memoryMB uint64
	if vm, err := mem.VirtualMemory(); err == nil {
		memoryMB = vm.Total >> 20
	}
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
		limitMB := uint64(limit) >> 20
		if memoryMB == 0 || limitMB < memoryMB {
			memoryMB = limitMB
		}
	}
	return New(runtime.NumCPU(), memoryMB)
}

// Limits returns the bounds for the profile's tier
func (p Profile) Limits() Limits {
	return tierLimits[p.Tier]
}

// Apply tightens cfg to the tier limits. Values already within the limits
// are left alone.
func (p Profile) Apply(cfg *config.Config) {
	l := p.Limits()
	cfg.Kernel.LevelCap = min(cfg.Kernel.LevelCap, l.LevelCap)
	cfg.Server.Depth = min(cfg.Server.Depth, l.Depth)
	cfg.Server.PushInterval = max(cfg.Server.PushInterval, l.PushInterval)
}

func (p Profile) String() string {
	if p.MemoryMB == 0 {
		return fmt.Sprintf("%s (%d cpus)", p.Tier, p.CPUs)
	}
	return fmt.Sprintf("%s (%d cpus, %d MiB)", p.Tier, p.CPUs, p.MemoryMB)
}
