package stratum

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// DefaultJobCacheSize is the number of jobs kept when no size is configured
const DefaultJobCacheSize = 5

// Job is one mining.notify work template. It is never modified after
// it has been pushed into a JobCache.
type Job struct {
	ID           string
	PrevHash     string
	Coinb1       string
	Coinb2       string
	MerkleBranch []string
	Version      string
	NBits        string
	NTime        string
	CleanJobs    bool
	ReceivedAt   time.Time
}

// PrevBlockHash converts the stratum prevhash, which is sent as eight
// byte-swapped 32-bit words, into the block hash it encodes.
func (j *Job) PrevBlockHash() (chainhash.Hash, error) {
	var h chainhash.Hash
	raw, err := hex.DecodeString(j.PrevHash)
	if err != nil {
		return h, fmt.Errorf("prevhash: %w", err)
	}
	if len(raw) != chainhash.HashSize {
		return h, fmt.Errorf("prevhash: expected %d bytes, got %d", chainhash.HashSize, len(raw))
	}
	for i := 0; i < chainhash.HashSize; i += 4 {
		raw[i], raw[i+1], raw[i+2], raw[i+3] = raw[i+3], raw[i+2], raw[i+1], raw[i]
	}
	copy(h[:], raw)
	return h, nil
}

// JobCache is a bounded FIFO of the most recent jobs
type JobCache struct {
	mu       sync.Mutex
	jobs     []*Job
	capacity int
}

// NewJobCache creates a cache holding at most capacity jobs
func NewJobCache(capacity int) *JobCache {
	if capacity <= 0 {
		capacity = DefaultJobCacheSize
	}
	return &JobCache{
		jobs:     make([]*Job, 0, capacity),
		capacity: capacity,
	}
}

// Push appends job, dropping the oldest entry when full. It returns the
// number of cached jobs afterwards.
func (c *JobCache) Push(job *Job) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.jobs) >= c.capacity {
		c.jobs[0] = nil
		c.jobs = c.jobs[1:]
	}
	c.jobs = append(c.jobs, job)
	return len(c.jobs)
}

// Pop removes and returns the oldest job
func (c *JobCache) Pop() (*Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.jobs) == 0 {
		return nil, false
	}
	job := c.jobs[0]
	c.jobs[0] = nil
	c.jobs = c.jobs[1:]
	return job, true
}

// Len returns the number of cached jobs
func (c *JobCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// Clear drops every cached job
func (c *JobCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.jobs)
	c.jobs = c.jobs[:0]
}

// IDs returns the cached job ids oldest first
func (c *JobCache) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, len(c.jobs))
	for i, j := range c.jobs {
		ids[i] = j.ID
	}
	return ids
}
