package stratum

import (
	"context"
	"sync"
	"time"
)

// fakeTransport is an in-memory Transport. Lines pushed with deliver are
// returned by ReadLine; writes are recorded and passed to onWrite.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	written   []string
	readErr   error
	shortBy   int
	lastRead  time.Time
	lastWrite time.Time
	onWrite   func(line string)
	closed    int

	incoming chan string
}

func newFakeTransport() *fakeTransport {
	now := time.Now()
	return &fakeTransport{
		connected: true,
		lastRead:  now,
		lastWrite: now,
		incoming:  make(chan string, 256),
	}
}

func (f *fakeTransport) deliver(lines ...string) {
	for _, l := range lines {
		f.incoming <- l
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) ReadLine(timeout time.Duration) (string, error) {
	f.mu.Lock()
	err := f.readErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case line := <-f.incoming:
		f.mu.Lock()
		f.lastRead = time.Now()
		f.mu.Unlock()
		return line, nil
	case <-timer.C:
		return "", nil
	}
}

func (f *fakeTransport) Write(line string) (int, error) {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return 0, ErrNotConnected
	}
	f.written = append(f.written, line)
	f.lastWrite = time.Now()
	n := len(line) - f.shortBy
	hook := f.onWrite
	f.mu.Unlock()

	if hook != nil {
		hook(line)
	}
	return n, nil
}

func (f *fakeTransport) LastRead() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRead
}

func (f *fakeTransport) LastWrite() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastWrite
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.closed++
	return nil
}

func (f *fakeTransport) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

func (f *fakeTransport) setOnWrite(fn func(line string)) {
	f.mu.Lock()
	f.onWrite = fn
	f.mu.Unlock()
}
