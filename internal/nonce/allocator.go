// Package nonce partitions the 32-bit nonce space across hashing workers.
package nonce

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/bardlex/gomp-miner/pkg/log"
)

// DefaultMaxAttempts bounds how many excluded candidates Next skips
const DefaultMaxAttempts = 1 << 16

// MaxWorkers is the largest worker count Configure accepts
const MaxWorkers = 64

var (
	// ErrUnknownWorker is returned for a worker id outside the configured ranges
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrInvalidWorkers is returned by Configure for a bad worker count
	ErrInvalidWorkers = errors.New("invalid worker count")
)

// Range is one worker's slice of the nonce space; Start and End are inclusive
type Range struct {
	Worker  int
	Start   uint32
	End     uint32
	Current uint32
}

type workerRange struct {
	mu sync.Mutex
	Range
}

// advance returns the cursor and moves it on, wrapping from End to Start
func (r *workerRange) advance() uint32 {
	n := r.Current
	if r.Current == r.End {
		r.Current = r.Start
	} else {
		r.Current++
	}
	return n
}

// Options configures an Allocator
type Options struct {
	// Exclusion skips values in the exclusion set
	Exclusion    bool
	ExclusionCap int
	MaxAttempts  int
}

// Allocator hands out nonces from per-worker ranges
type Allocator struct {
	opts   Options
	logger *log.Logger

	mu        sync.RWMutex
	ranges    []*workerRange
	exclusion *ExclusionSet
}

// NewAllocator creates an allocator with no ranges; call Configure before Next
func NewAllocator(opts Options, logger *log.Logger) *Allocator {
	if opts.ExclusionCap <= 0 {
		opts.ExclusionCap = DefaultExclusionCap
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Allocator{opts: opts, logger: logger.WithComponent("nonce")}
}

// Configure splits [0, 0xFFFFFFFF] into workers contiguous ranges, the last
// one absorbing the division remainder, and rebuilds the exclusion set.
func (a *Allocator) Configure(workers int) error {
	if workers < 1 || workers > MaxWorkers {
		return fmt.Errorf("%w: %d not in [1,%d]", ErrInvalidWorkers, workers, MaxWorkers)
	}

	var exclusion *ExclusionSet
	if a.opts.Exclusion {
		exclusion = BuildExclusionSet(a.opts.ExclusionCap)
	}

	size := uint64(math.MaxUint32) / uint64(workers)
	ranges := make([]*workerRange, workers)
	for i := range workers {
		start := uint64(i) * size
		end := start + size - 1
		if i == workers-1 {
			end = math.MaxUint32
		}
		ranges[i] = &workerRange{Range: Range{
			Worker:  i,
			Start:   uint32(start),
			End:     uint32(end),
			Current: uint32(start),
		}}
	}

	a.mu.Lock()
	a.ranges = ranges
	a.exclusion = exclusion
	a.mu.Unlock()

	a.logger.Info("nonce ranges configured",
		"workers", workers,
		"range_size", size,
		"excluded_values", exclusion.Len(),
	)
	for _, r := range ranges {
		a.logger.Debug("nonce range", "worker_id", r.Worker, "start", r.Start, "end", r.End)
	}
	return nil
}

func (a *Allocator) worker(id int) (*workerRange, *ExclusionSet, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if id < 0 || id >= len(a.ranges) {
		return nil, nil, fmt.Errorf("%w: %d (configured %d)", ErrUnknownWorker, id, len(a.ranges))
	}
	return a.ranges[id], a.exclusion, nil
}

// Next returns the worker's next nonce. With exclusion on, excluded values
// are skipped for at most MaxAttempts candidates, after which the last
// candidate is returned anyway.
func (a *Allocator) Next(worker int) (uint32, error) {
	r, exclusion, err := a.worker(worker)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.advance()
	if exclusion == nil {
		return n, nil
	}
	for attempt := 1; attempt < a.opts.MaxAttempts && exclusion.Contains(n); attempt++ {
		n = r.advance()
	}
	return n, nil
}

// Reset rewinds one worker's cursor to its range start
func (a *Allocator) Reset(worker int) error {
	r, _, err := a.worker(worker)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.Current = r.Start
	r.mu.Unlock()
	return nil
}

// ResetAll rewinds every cursor
func (a *Allocator) ResetAll() {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, r := range a.ranges {
		r.mu.Lock()
		r.Current = r.Start
		r.mu.Unlock()
	}
}

// Progress returns how much of the worker's range has been consumed, 0-100
func (a *Allocator) Progress(worker int) (int, error) {
	r, _, err := a.worker(worker)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	total := uint64(r.End) - uint64(r.Start) + 1
	done := uint64(r.Current) - uint64(r.Start)
	return int(done * 100 / total), nil
}

// Ranges returns a snapshot of every range
func (a *Allocator) Ranges() []Range {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Range, len(a.ranges))
	for i, r := range a.ranges {
		r.mu.Lock()
		out[i] = r.Range
		r.mu.Unlock()
	}
	return out
}

// Workers returns the configured worker count
func (a *Allocator) Workers() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.ranges)
}

// Exclusion returns the active exclusion set, nil when filtering is off
func (a *Allocator) Exclusion() *ExclusionSet {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.exclusion
}
