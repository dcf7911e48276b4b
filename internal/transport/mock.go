package transport

import (
	"io"
	"sync"
	"time"
)

// Mock is an in-memory Transport. Bytes handed to Inject come back out
// of Read; everything written is recorded.
type Mock struct {
	// OnWrite, if set, is called with each written frame. It may call
	// Inject to answer it.
	OnWrite func(frame []byte)

	// WriteErr, if set, is returned by every Write.
	WriteErr error

	mu      sync.Mutex
	cond    *sync.Cond
	inbound []byte
	writes  [][]byte
	readErr error
	closed  bool
	timeout time.Duration
	flushed int
}

// NewMock returns an empty mock.
func NewMock() *Mock {
	m := &Mock{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Inject queues bytes for Read.
func (m *Mock) Inject(b []byte) {
	m.mu.Lock()
	m.inbound = append(m.inbound, b...)
	m.mu.Unlock()
	m.cond.Broadcast()
}

// FailRead makes the next Read return err once buffered bytes are drained.
func (m *Mock) FailRead(err error) {
	m.mu.Lock()
	m.readErr = err
	m.mu.Unlock()
	m.cond.Broadcast()
}

// Writes returns a copy of every frame written so far.
func (m *Mock) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	for i, w := range m.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// Flushes returns how many times Flush was called.
func (m *Mock) Flushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushed
}

func (m *Mock) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deadline time.Time
	if m.timeout > 0 {
		deadline = time.Now().Add(m.timeout)
		timer := time.AfterFunc(m.timeout, m.cond.Broadcast)
		defer timer.Stop()
	}

	for len(m.inbound) == 0 && m.readErr == nil && !m.closed {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return 0, nil
		}
		m.cond.Wait()
	}

	if len(m.inbound) > 0 {
		n := copy(p, m.inbound)
		m.inbound = m.inbound[n:]
		return n, nil
	}
	if m.readErr != nil {
		err := m.readErr
		m.readErr = nil
		return 0, err
	}
	return 0, io.EOF
}

func (m *Mock) Write(p []byte) (int, error) {
	if m.WriteErr != nil {
		return 0, m.WriteErr
	}
	frame := append([]byte(nil), p...)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	m.writes = append(m.writes, frame)
	m.mu.Unlock()

	if m.OnWrite != nil {
		m.OnWrite(frame)
	}
	return len(p), nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()
	return nil
}

func (m *Mock) SetReadTimeout(timeout time.Duration) error {
	m.mu.Lock()
	m.timeout = timeout
	m.mu.Unlock()
	return nil
}

func (m *Mock) Flush() error {
	m.mu.Lock()
	m.inbound = nil
	m.flushed++
	m.mu.Unlock()
	return nil
}
