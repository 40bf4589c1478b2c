package adminapi

import "runtime"

// Profiling controls the /debug/pprof mount and the runtime sampling rates
// applied when it is enabled. Zero keeps the Go default for each rate.
type Profiling struct {
	Enabled              bool
	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

func (p Profiling) applyRuntimeRates() {
	if p.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(p.MutexProfileFraction)
	}
	if p.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(p.BlockProfileRate)
	}
	if p.MemProfileRate > 0 {
		runtime.MemProfileRate = p.MemProfileRate
	}
}
