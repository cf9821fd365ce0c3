package stratum

import "errors"

// Sentinel errors, comparable with errors.Is through ServiceError wrapping
var (
	ErrNotConnected     = errors.New("transport not connected")
	ErrWriteFailed      = errors.New("short write to pool")
	ErrSubscribeTimeout = errors.New("no subscribe response before deadline")
	ErrSubmitTimeout    = errors.New("no submit response before deadline")
	ErrSessionReset     = errors.New("session was reset")
	ErrPoolInactive     = errors.New("pool inactive")
	ErrSubmitStalled    = errors.New("pool stopped answering submits")
	ErrInvalidState     = errors.New("operation not valid in current session state")
	ErrRequestNotFound  = errors.New("request id not found")
	ErrDuplicateRequest = errors.New("request id already pending")
)
