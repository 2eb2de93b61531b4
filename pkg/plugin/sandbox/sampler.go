package sandbox

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Sample is a point-in-time reading of resource consumption.
type Sample struct {
	Memory uint64
	CPU    time.Duration
}

// ResourceSampler reads resource consumption attributable to plugin calls.
type ResourceSampler interface {
	Sample() (Sample, error)
}

// SamplerFunc adapts a function to ResourceSampler.
type SamplerFunc func() (Sample, error)

// Sample implements ResourceSampler.
func (f SamplerFunc) Sample() (Sample, error) { return f() }

// ProcessSampler samples the resident memory and CPU time of the host
// process. In-process plugins share the host process, so per-call deltas
// are an approximation.
type ProcessSampler struct {
	once sync.Once
	proc *process.Process
	err  error
}

// NewProcessSampler returns a sampler bound to the current process.
func NewProcessSampler() *ProcessSampler {
	return &ProcessSampler{}
}

// Sample implements ResourceSampler.
func (s *ProcessSampler) Sample() (Sample, error) {
	s.once.Do(func() {
		s.proc, s.err = process.NewProcess(int32(os.Getpid()))
	})
	if s.err != nil {
		return Sample{}, s.err
	}
	mem, err := s.proc.MemoryInfo()
	if err != nil {
		return Sample{}, err
	}
	times, err := s.proc.Times()
	if err != nil {
		return Sample{}, err
	}
	cpu := time.Duration((times.User + times.System) * float64(time.Second))
	return Sample{Memory: mem.RSS, CPU: cpu}, nil
}
