package stratum

import (
	"fmt"
	"strconv"
	"sync"
)

// MaxExtranonce2Size bounds the extranonce2 width this client can count in
const MaxExtranonce2Size = 8

// SubscriptionInfo is a snapshot of the subscription fields
type SubscriptionInfo struct {
	Extranonce1     string
	Extranonce2     string
	Extranonce2Size int
}

// Subscription holds extranonce1 and sequences extranonce2
type Subscription struct {
	mu          sync.Mutex
	extranonce1 string
	counter     uint64
	size        int
	subscribed  bool
}

// Reset clears every field; the extranonce2 counter restarts at 0
func (s *Subscription) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extranonce1 = ""
	s.counter = 0
	s.size = 0
	s.subscribed = false
}

// Set installs a fresh subscription and rewinds the extranonce2 counter
func (s *Subscription) Set(extranonce1 string, size int) error {
	if size < 1 || size > MaxExtranonce2Size {
		return fmt.Errorf("extranonce2 size %d out of range [1,%d]", size, MaxExtranonce2Size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extranonce1 = extranonce1
	s.size = size
	s.counter = 0
	s.subscribed = true
	return nil
}

// Subscribed reports whether a subscribe response has been applied
func (s *Subscription) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}

// Extranonce1 returns the pool-assigned extranonce1
func (s *Subscription) Extranonce1() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extranonce1
}

// Extranonce2Size returns the extranonce2 width in bytes
func (s *Subscription) Extranonce2Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// NextExtranonce2 increments the counter modulo 2^(8*size) and returns it
// as a zero-padded hex string of 2*size digits
func (s *Subscription) NextExtranonce2() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	if s.size < MaxExtranonce2Size {
		s.counter &= (uint64(1) << (8 * s.size)) - 1
	}
	return fmt.Sprintf("%0*x", 2*s.size, s.counter)
}

// Extranonce2 returns the last issued extranonce2 without advancing, "0"
// before the first call
func (s *Subscription) Extranonce2() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked()
}

func (s *Subscription) currentLocked() string {
	if s.counter == 0 && s.size == 0 {
		return "0"
	}
	return fmt.Sprintf("%0*x", 2*s.size, s.counter)
}

// ClearExtranonce2 rewinds the counter to 0
func (s *Subscription) ClearExtranonce2() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter = 0
}

// Info returns a snapshot of the subscription
func (s *Subscription) Info() SubscriptionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SubscriptionInfo{
		Extranonce1:     s.extranonce1,
		Extranonce2:     s.currentLocked(),
		Extranonce2Size: s.size,
	}
}

// ParseExtranonce2 reads a hex extranonce2 back into its counter value
func ParseExtranonce2(hex string) (uint64, error) {
	return strconv.ParseUint(hex, 16, 64)
}
