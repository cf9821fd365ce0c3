package stratum

import (
	"context"
	"time"
)

// EventType identifies what an Event reports
type EventType int

const (
	EventJob EventType = iota + 1
	EventDifficulty
	EventVersionMask
	EventExtranonce
	EventShareResult
	EventAuthorized
	EventPoolError
	EventConnected
	EventDisconnected
	EventFailover
)

func (t EventType) String() string {
	switch t {
	case EventJob:
		return "job"
	case EventDifficulty:
		return "difficulty"
	case EventVersionMask:
		return "version_mask"
	case EventExtranonce:
		return "extranonce"
	case EventShareResult:
		return "share_result"
	case EventAuthorized:
		return "authorized"
	case EventPoolError:
		return "pool_error"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventFailover:
		return "failover"
	default:
		return "unknown"
	}
}

// ShareResult is the pool's verdict on one submitted share
type ShareResult struct {
	RequestID int64
	JobID     string
	Nonce     uint32
	Accepted  bool
	// Err is set when the pool answered with an error
	Err     *Error
	Latency time.Duration
}

// Event is what the session and supervisor report to the rest of the process.
// Only the fields relevant to Type are set.
type Event struct {
	Type     EventType
	Time     time.Time
	Endpoint string

	Job             *Job
	Difficulty      float64
	VersionMask     uint32
	Extranonce1     string
	Extranonce2Size int
	Share           *ShareResult
	Authorized      bool
	Err             error
	Stats           Stats
}

// EventHandler consumes session events. HandleEvent runs on the dispatcher
// goroutine and must not block for long.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev Event)
}

// EventHandlerFunc adapts a function to EventHandler
type EventHandlerFunc func(ctx context.Context, ev Event)

// HandleEvent implements EventHandler
func (f EventHandlerFunc) HandleEvent(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// Stats counts share outcomes for the current process
type Stats struct {
	Accepted    uint64
	Rejected    uint64
	LastLatency time.Duration
}
