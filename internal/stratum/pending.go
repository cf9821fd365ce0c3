package stratum

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// DefaultPendingCap is the correlation window used when none is configured
const DefaultPendingCap = 100

// PendingRequest tracks one request awaiting its response
type PendingRequest struct {
	ID     int64
	Method string
	JobID  string
	// Nonce is set for submits
	Nonce     uint32
	Completed bool
	// Accepted is true for a response without error whose result was not false
	Accepted bool
	Err      *Error
	IssuedAt time.Time
	// RespondedAt is zero until a response arrives
	RespondedAt time.Time

	done chan struct{}
}

// Latency returns the time between issue and response
func (p PendingRequest) Latency() time.Duration {
	if p.RespondedAt.IsZero() {
		return 0
	}
	return p.RespondedAt.Sub(p.IssuedAt)
}

// PendingTable correlates outgoing request ids with their responses. Only
// the most recent cap ids are retained once it grows past cap.
type PendingTable struct {
	mu      sync.Mutex
	entries map[int64]*PendingRequest
	nextID  int64
	cap     int
	now     func() time.Time
}

// NewPendingTable creates a table that retains window request ids
func NewPendingTable(window int) *PendingTable {
	if window <= 0 {
		window = DefaultPendingCap
	}
	return &PendingTable{
		entries: make(map[int64]*PendingRequest),
		nextID:  1,
		cap:     window,
		now:     time.Now,
	}
}

// NextID returns a fresh request id
func (t *PendingTable) NextID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	return id
}

// Register records a request as in flight. The returned channel is closed
// when the request completes or leaves the table.
func (t *PendingTable) Register(id int64, method string) (<-chan struct{}, error) {
	return t.register(id, method, "", 0)
}

func (t *PendingTable) register(id int64, method, jobID string, nonce uint32) (<-chan struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[id]; ok {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateRequest, id)
	}

	req := &PendingRequest{
		ID:       id,
		Method:   method,
		JobID:    jobID,
		Nonce:    nonce,
		IssuedAt: t.now(),
		done:     make(chan struct{}),
	}
	t.entries[id] = req
	if id >= t.nextID {
		t.nextID = id + 1
	}
	t.pruneLocked()
	return req.done, nil
}

// Complete marks id as answered successfully
func (t *PendingTable) Complete(id int64) error {
	return t.Resolve(id, true, nil)
}

// Reject marks id as answered with a pool error
func (t *PendingTable) Reject(id int64, perr *Error) error {
	return t.Resolve(id, false, perr)
}

// Resolve records the response to id. A second response for the same id
// is ignored.
func (t *PendingTable) Resolve(id int64, accepted bool, perr *Error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok := t.entries[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrRequestNotFound, id)
	}
	if req.Completed {
		return nil
	}
	req.Completed = true
	req.Accepted = accepted
	req.Err = perr
	req.RespondedAt = t.now()
	close(req.done)
	return nil
}

// Remove deletes id from the table
func (t *PendingTable) Remove(id int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok := t.entries[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrRequestNotFound, id)
	}
	t.dropLocked(req)
	return nil
}

// Lookup returns a copy of the entry for id
func (t *PendingTable) Lookup(id int64) (PendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok := t.entries[id]
	if !ok {
		return PendingRequest{}, false
	}
	out := *req
	out.done = nil
	return out, true
}

// outcome is Lookup restricted to the registration that handed out done;
// ids restart after Reset so a bare id is not enough.
func (t *PendingTable) outcome(id int64, done <-chan struct{}) (PendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok := t.entries[id]
	if !ok || (<-chan struct{})(req.done) != done {
		return PendingRequest{}, false
	}
	out := *req
	out.done = nil
	return out, true
}

// Len returns the number of tracked requests
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// IDs returns the tracked ids in ascending order
func (t *PendingTable) IDs() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Sorted(maps.Keys(t.entries))
}

// Prune evicts every id older than nextID-cap once the table exceeds cap.
// It returns the number of evicted entries.
func (t *PendingTable) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pruneLocked()
}

func (t *PendingTable) pruneLocked() int {
	if len(t.entries) <= t.cap {
		return 0
	}
	floor := t.nextID - int64(t.cap)
	evicted := 0
	for id, req := range t.entries {
		if id < floor {
			t.dropLocked(req)
			evicted++
		}
	}
	return evicted
}

func (t *PendingTable) dropLocked(req *PendingRequest) {
	delete(t.entries, req.ID)
	if !req.Completed {
		close(req.done)
	}
}

// SubmitStalled reports a systemic stall: the table is more than half full,
// holds submits, and not one of them has been answered.
func (t *PendingTable) SubmitStalled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) <= t.cap/2 {
		return false
	}

	hasSubmit := false
	for _, req := range t.entries {
		if req.Method != MethodSubmit {
			continue
		}
		if req.Completed {
			return false
		}
		hasSubmit = true
	}
	return hasSubmit
}

// Reset forgets every request and restarts ids at 1
func (t *PendingTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, req := range t.entries {
		t.dropLocked(req)
	}
	t.nextID = 1
}
