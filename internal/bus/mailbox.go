package bus

import (
	"context"
	"sync"
)

// mailbox is the reply slot of one device. gate queues callers so only
// one request per device is ever outstanding.
type mailbox struct {
	id    byte
	gate  chan struct{}
	reply chan []byte

	mu   sync.Mutex
	busy bool
	want int
}

func newMailbox(id byte) *mailbox {
	return &mailbox{
		id:    id,
		gate:  make(chan struct{}, 1),
		reply: make(chan []byte, 1),
	}
}

func (m *mailbox) acquire(ctx context.Context) error {
	select {
	case m.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mailbox) release() {
	<-m.gate
}

// arm discards any reply left over from an abandoned attempt and marks
// the mailbox as waiting for want bytes.
func (m *mailbox) arm(want int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.reply:
	default:
	}
	m.busy = true
	m.want = want
}

func (m *mailbox) disarm() {
	m.mu.Lock()
	m.busy = false
	m.mu.Unlock()
}

// expecting reports the reply length the waiter wants, if any.
func (m *mailbox) expecting() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.want, m.busy
}

// deliver hands payload to the waiter. It fails if nobody is waiting or
// the slot is already full.
func (m *mailbox) deliver(payload []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.busy {
		return false
	}
	select {
	case m.reply <- payload:
		m.busy = false
		return true
	default:
		return false
	}
}
