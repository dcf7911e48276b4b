// Package bus multiplexes requests to many controllers over one
// half-duplex link and routes replies back by device ID.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shaunagostinho/stepbus/internal/codec"
	"github.com/shaunagostinho/stepbus/internal/transport"
)

// Config holds the timing policy of a bus.
type Config struct {
	// Timeout bounds each attempt of a request.
	Timeout time.Duration
	// MaxRetries is the total number of attempts a request makes.
	MaxRetries int
	// RetryDelay is slept between attempts.
	RetryDelay time.Duration
	// CommandGap is the minimum spacing between two writes.
	CommandGap time.Duration
	// FrameGap is how long a partial frame may sit in the buffer before
	// it is thrown away.
	FrameGap time.Duration
	// Serialize holds a bus-wide lock across each write and reply cycle
	// so replies from different devices never overlap on the wire.
	Serialize bool
}

// DefaultConfig returns the timing used with the stock controllers.
func DefaultConfig() Config {
	return Config{
		Timeout:    100 * time.Millisecond,
		MaxRetries: 3,
		RetryDelay: 20 * time.Millisecond,
		CommandGap: 5 * time.Millisecond,
		FrameGap:   50 * time.Millisecond,
		Serialize:  true,
	}
}

// Observer receives bus events. internal/metrics implements it.
type Observer interface {
	RequestDone(op, result string, elapsed time.Duration)
	Retry(op string)
	FrameDropped(reason string)
}

type nopObserver struct{}

func (nopObserver) RequestDone(string, string, time.Duration) {}
func (nopObserver) Retry(string)                              {}
func (nopObserver) FrameDropped(string)                       {}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger. The bus logs under the name "bus".
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l.Named("bus")
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(b *Bus) {
		if o != nil {
			b.obs = o
		}
	}
}

// Bus owns a transport. One goroutine reads from it and routes every
// inbound frame to the mailbox of the device named by its first byte.
type Bus struct {
	t       transport.Transport
	cfg     Config
	log     *zap.Logger
	obs     Observer
	limiter *rate.Limiter

	writeMu sync.Mutex
	txn     chan struct{}

	mu    sync.Mutex
	boxes map[byte]*mailbox

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	// owned by the reader goroutine
	buf    []byte
	lastRx time.Time
}

// New starts a bus on t. Zero durations in cfg take their defaults;
// Serialize is used as given.
func New(t transport.Transport, cfg Config, opts ...Option) *Bus {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.CommandGap <= 0 {
		cfg.CommandGap = def.CommandGap
	}
	if cfg.FrameGap <= 0 {
		cfg.FrameGap = def.FrameGap
	}

	b := &Bus{
		t:       t,
		cfg:     cfg,
		log:     zap.NewNop(),
		obs:     nopObserver{},
		limiter: rate.NewLimiter(rate.Every(cfg.CommandGap), 1),
		txn:     make(chan struct{}, 1),
		boxes:   make(map[byte]*mailbox),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := t.Flush(); err != nil {
		b.log.Warn("flush input", zap.Error(err))
	}
	go b.readLoop()
	return b
}

// Config returns the effective configuration.
func (b *Bus) Config() Config {
	return b.cfg
}

// Register creates a mailbox for id. Registering twice is a no-op.
func (b *Bus) Register(id byte) error {
	if id == codec.BroadcastID {
		return fmt.Errorf("%w: broadcast id cannot be registered", codec.ErrInvalidArgument)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.boxes[id]; !ok {
		b.boxes[id] = newMailbox(id)
		b.log.Debug("registered", idField(id))
	}
	return nil
}

// Registered reports whether id has a mailbox.
func (b *Bus) Registered(id byte) bool {
	return b.lookup(id) != nil
}

func (b *Bus) lookup(id byte) *mailbox {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.boxes[id]
}

// Done is closed when the bus stops, either by Close or because the
// transport failed.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Err returns why the bus stopped, or nil while it is running.
func (b *Bus) Err() error {
	select {
	case <-b.done:
		return b.closeErr
	default:
		return nil
	}
}

// Close stops the bus and closes the transport.
func (b *Bus) Close() error {
	b.shutdown(ErrBusClosed)
	return b.t.Close()
}

func (b *Bus) shutdown(cause error) {
	b.closeOnce.Do(func() {
		b.closeErr = cause
		close(b.done)
	})
}

// Request sends frame to id and waits for a reply of replyLen bytes,
// using the bus timeout and retry budget.
func (b *Bus) Request(ctx context.Context, id byte, frame []byte, replyLen int) ([]byte, error) {
	return b.RequestWith(ctx, id, frame, replyLen, b.cfg.Timeout, b.cfg.MaxRetries)
}

// RequestWith is Request with an explicit per-attempt timeout and
// attempt count. Only timeouts are retried. On cancellation the
// returned error matches both ErrCancelled and ctx.Err().
func (b *Bus) RequestWith(ctx context.Context, id byte, frame []byte, replyLen int, timeout time.Duration, attempts int) ([]byte, error) {
	op := opName(frame)
	if replyLen <= 0 {
		return nil, &DeviceError{ID: id, Op: op, Err: fmt.Errorf("%w: reply length %d", codec.ErrInvalidArgument, replyLen)}
	}
	box := b.lookup(id)
	if box == nil {
		return nil, &DeviceError{ID: id, Op: op, Err: ErrUnknownDevice}
	}
	if attempts < 1 {
		attempts = 1
	}
	if timeout <= 0 {
		timeout = b.cfg.Timeout
	}

	start := time.Now()
	fail := func(result string, err error) ([]byte, error) {
		b.obs.RequestDone(op, result, time.Since(start))
		return nil, &DeviceError{ID: id, Op: op, Err: err}
	}

	if err := box.acquire(ctx); err != nil {
		return fail("cancelled", cancelled(err))
	}
	defer box.release()

	if b.cfg.Serialize {
		if err := b.lockTxn(ctx); err != nil {
			return fail("cancelled", err)
		}
		defer b.unlockTxn()
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			b.obs.Retry(op)
			b.log.Debug("retrying", idField(id), zap.String("op", op), zap.Int("attempt", attempt))
			if err := sleep(ctx, b.cfg.RetryDelay); err != nil {
				return fail("cancelled", cancelled(err))
			}
		}

		reply, err := b.attempt(ctx, box, frame, replyLen, timeout)
		if err == nil {
			b.obs.RequestDone(op, "ok", time.Since(start))
			return reply, nil
		}
		if !errors.Is(err, ErrReadTimeout) {
			return fail(resultOf(err), err)
		}
	}

	b.log.Warn("no reply", idField(id), zap.String("op", op), zap.Int("attempts", attempts))
	return fail("timeout", fmt.Errorf("%w after %d attempts", ErrReadTimeout, attempts))
}

// attempt performs one write and waits for the routed reply. The
// mailbox is armed before writing so a fast reply is never missed, and
// disarmed on every return path.
func (b *Bus) attempt(ctx context.Context, box *mailbox, frame []byte, replyLen int, timeout time.Duration) ([]byte, error) {
	box.arm(replyLen)
	defer box.disarm()

	if err := b.write(ctx, frame); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-box.reply:
		return reply, nil
	case <-timer.C:
		return nil, ErrReadTimeout
	case <-ctx.Done():
		return nil, cancelled(ctx.Err())
	case <-b.done:
		return nil, b.closeErr
	}
}

// Send writes frame without waiting for a reply. The broadcast ID is
// accepted without registration.
func (b *Bus) Send(ctx context.Context, id byte, frame []byte) error {
	op := opName(frame)
	if id != codec.BroadcastID && b.lookup(id) == nil {
		return &DeviceError{ID: id, Op: op, Err: ErrUnknownDevice}
	}

	if b.cfg.Serialize {
		if err := b.lockTxn(ctx); err != nil {
			return &DeviceError{ID: id, Op: op, Err: err}
		}
		defer b.unlockTxn()
	}

	start := time.Now()
	if err := b.write(ctx, frame); err != nil {
		b.obs.RequestDone(op, resultOf(err), time.Since(start))
		return &DeviceError{ID: id, Op: op, Err: err}
	}
	b.obs.RequestDone(op, "sent", time.Since(start))
	return nil
}

func (b *Bus) write(ctx context.Context, frame []byte) error {
	select {
	case <-b.done:
		return b.closeErr
	default:
	}

	if err := b.limiter.Wait(ctx); err != nil {
		// Wait fails early when the deadline is closer than the next token.
		if ctx.Err() != nil {
			return cancelled(ctx.Err())
		}
		return cancelled(context.DeadlineExceeded)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := b.t.Write(frame); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (b *Bus) lockTxn(ctx context.Context) error {
	select {
	case b.txn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return cancelled(ctx.Err())
	case <-b.done:
		return b.closeErr
	}
}

func (b *Bus) unlockTxn() {
	<-b.txn
}

func (b *Bus) readLoop() {
	chunk := make([]byte, 256)
	for {
		n, err := b.t.Read(chunk)
		if n > 0 {
			b.ingest(chunk[:n], time.Now())
		}
		if err != nil {
			select {
			case <-b.done:
			default:
				b.log.Error("transport read failed, closing bus", zap.Error(err))
			}
			b.shutdown(fmt.Errorf("%w: %w", ErrBusClosed, err))
			return
		}
	}
}

// ingest appends inbound bytes and routes every complete frame.
func (b *Bus) ingest(data []byte, now time.Time) {
	if len(b.buf) > 0 && now.Sub(b.lastRx) > b.cfg.FrameGap {
		b.drop("stale_partial", b.buf)
		b.buf = b.buf[:0]
	}
	b.lastRx = now
	b.buf = append(b.buf, data...)
	b.route()
}

func (b *Bus) route() {
	for len(b.buf) > 0 {
		id := b.buf[0]
		box := b.lookup(id)
		if box == nil {
			b.resync("unregistered")
			continue
		}
		want, busy := box.expecting()
		if !busy {
			b.resync("unsolicited")
			continue
		}
		if len(b.buf) < 1+want {
			return
		}

		payload := make([]byte, want)
		copy(payload, b.buf[1:1+want])
		b.buf = append(b.buf[:0], b.buf[1+want:]...)

		if !box.deliver(payload) {
			b.drop("mailbox_full", payload)
		}
	}
}

// resync discards the head of the buffer up to the next byte that
// names a device waiting for a reply, or all of it if there is none.
func (b *Bus) resync(reason string) {
	n := len(b.buf)
	for i := 1; i < len(b.buf); i++ {
		if box := b.lookup(b.buf[i]); box != nil {
			if _, busy := box.expecting(); busy {
				n = i
				break
			}
		}
	}
	b.drop(reason, b.buf[:n])
	b.buf = append(b.buf[:0], b.buf[n:]...)
}

func (b *Bus) drop(reason string, data []byte) {
	b.obs.FrameDropped(reason)
	b.log.Warn("dropped inbound bytes",
		zap.String("reason", reason),
		zap.String("data", fmt.Sprintf("% X", data)),
	)
}

func cancelled(cause error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

func resultOf(err error) string {
	switch {
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrBusClosed):
		return "closed"
	case errors.Is(err, ErrReadTimeout):
		return "timeout"
	}
	return "error"
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func opName(frame []byte) string {
	if _, op, _, err := codec.SplitRequest(frame); err == nil {
		return op.String()
	}
	return "raw"
}

func idField(id byte) zap.Field {
	return zap.String("id", fmt.Sprintf("0x%02X", id))
}
