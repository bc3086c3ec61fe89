// Package sysmetrics samples process CPU, memory and goroutine usage for
// the metrics endpoint.
package sysmetrics

import (
	"runtime"
	"sync"
	"syscall"
	"time"
)

// Sampler reports CPU usage as the share of wall time spent in user and
// system mode since its previous sample.
type Sampler struct {
	mu       sync.Mutex
	lastWall time.Time
	lastCPU  time.Duration
	lastPct  float64

	now func() time.Time
	cpu func() time.Duration
}

// NewSampler returns a sampler whose first interval starts now.
func NewSampler() *Sampler {
	return newSampler(time.Now, processCPU)
}

func newSampler(now func() time.Time, cpu func() time.Duration) *Sampler {
	return &Sampler{lastWall: now(), lastCPU: cpu(), now: now, cpu: cpu}
}

// CPUPercent returns the process CPU usage as a percentage (0-100+) since
// the last call. Multi-core processes can exceed 100%. Calls closer together
// than the clock resolution repeat the previous value.
func (s *Sampler) CPUPercent() float64 {
	wallNow, cpuNow := s.now(), s.cpu()

	s.mu.Lock()
	defer s.mu.Unlock()

	wall := wallNow.Sub(s.lastWall)
	if wall <= 0 {
		return s.lastPct
	}
	s.lastPct = float64(cpuNow-s.lastCPU) / float64(wall) * 100
	s.lastWall = wallNow
	s.lastCPU = cpuNow
	return s.lastPct
}

// MemoryInuse returns the memory actively in use by the Go runtime, in
// bytes: HeapInuse plus StackInuse.
func MemoryInuse() int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.HeapInuse + m.StackInuse)
}

// Goroutines returns the number of live goroutines.
func Goroutines() int { return runtime.NumGoroutine() }

// processCPU returns user plus system CPU time consumed by the process.
func processCPU() time.Duration {
	var rusage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &rusage); err != nil {
		return 0
	}
	return time.Duration(rusage.Utime.Nano() + rusage.Stime.Nano())
}
