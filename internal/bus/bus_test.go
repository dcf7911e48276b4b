package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/stepbus/internal/codec"
	"github.com/shaunagostinho/stepbus/internal/transport"
)

type countingObserver struct {
	mu      sync.Mutex
	results map[string]int
	retries int
	drops   map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{results: map[string]int{}, drops: map[string]int{}}
}

func (o *countingObserver) RequestDone(op, result string, _ time.Duration) {
	o.mu.Lock()
	o.results[result]++
	o.mu.Unlock()
}

func (o *countingObserver) Retry(string) {
	o.mu.Lock()
	o.retries++
	o.mu.Unlock()
}

func (o *countingObserver) FrameDropped(reason string) {
	o.mu.Lock()
	o.drops[reason]++
	o.mu.Unlock()
}

func (o *countingObserver) dropped(reason string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.drops[reason]
}

func newTestBus(t *testing.T, cfg Config, opts ...Option) (*Bus, *transport.Mock) {
	t.Helper()
	mock := transport.NewMock()
	b := New(mock, cfg, opts...)
	t.Cleanup(func() { b.Close() })
	return b, mock
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 200 * time.Millisecond
	cfg.RetryDelay = 0
	cfg.CommandGap = time.Millisecond
	return cfg
}

// answer makes the mock reply to every read request with values[id].
func answer(t *testing.T, mock *transport.Mock, values map[byte]int64) {
	mock.OnWrite = func(frame []byte) {
		id, op, _, err := codec.SplitRequest(frame)
		if err != nil || codec.ReplyLen(op) == 0 {
			return
		}
		v, ok := values[id]
		if !ok {
			return
		}
		reply, err := codec.EncodeReply(id, op, v)
		if err != nil {
			t.Errorf("encode reply: %v", err)
			return
		}
		mock.Inject(reply)
	}
}

func TestBus_QueryPosition(t *testing.T) {
	b, mock := newTestBus(t, testConfig())
	answer(t, mock, map[byte]int64{0xE0: 16384})
	require.NoError(t, b.Register(0xE0))

	pos, err := Query(context.Background(), b, 0xE0, codec.OpReadPosition, codec.DecodePosition)
	require.NoError(t, err)
	assert.Equal(t, int32(16384), pos)

	writes := mock.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, []byte{0xE0, 0x36}, writes[0])
}

func TestBus_RoutesRepliesByID(t *testing.T) {
	cfg := testConfig()
	cfg.Serialize = false
	b, mock := newTestBus(t, cfg)
	require.NoError(t, b.Register(0xE0))
	require.NoError(t, b.Register(0xE1))

	ctx := context.Background()
	var wg sync.WaitGroup
	results := make(map[byte]int32)
	var mu sync.Mutex
	for _, id := range []byte{0xE0, 0xE1} {
		wg.Add(1)
		go func(id byte) {
			defer wg.Done()
			pos, err := Query(ctx, b, id, codec.OpReadPosition, codec.DecodePosition)
			assert.NoError(t, err)
			mu.Lock()
			results[id] = pos
			mu.Unlock()
		}(id)
	}

	require.Eventually(t, func() bool { return len(mock.Writes()) == 2 }, time.Second, time.Millisecond)

	// Replies arrive in the opposite order of whatever was asked first.
	r1, _ := codec.EncodeReply(0xE1, codec.OpReadPosition, -100)
	r0, _ := codec.EncodeReply(0xE0, codec.OpReadPosition, 200)
	mock.Inject(r1)
	mock.Inject(r0)
	wg.Wait()

	assert.Equal(t, int32(200), results[0xE0])
	assert.Equal(t, int32(-100), results[0xE1])
}

func TestBus_SerializedRequestsFromTwoDevices(t *testing.T) {
	b, mock := newTestBus(t, testConfig())
	answer(t, mock, map[byte]int64{0x01: 10, 0x02: 20})
	require.NoError(t, b.Register(0x01))
	require.NoError(t, b.Register(0x02))

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for _, id := range []byte{0x01, 0x02} {
			wg.Add(1)
			go func(id byte) {
				defer wg.Done()
				v, err := Query(ctx, b, id, codec.OpReadPositionError, codec.DecodePositionError)
				assert.NoError(t, err)
				assert.Equal(t, uint16(id)*10, v)
			}(id)
		}
	}
	wg.Wait()
	assert.Len(t, mock.Writes(), 20)
}

func TestBus_DropsUnsolicitedAndUnregistered(t *testing.T) {
	obs := newCountingObserver()
	b, mock := newTestBus(t, testConfig(), WithObserver(obs))
	require.NoError(t, b.Register(0xE0))

	mock.Inject([]byte{0xE0, 0x9F})
	require.Eventually(t, func() bool { return obs.dropped("unsolicited") == 1 }, time.Second, time.Millisecond)

	mock.Inject([]byte{0x42, 0x00, 0x01})
	require.Eventually(t, func() bool { return obs.dropped("unregistered") == 1 }, time.Second, time.Millisecond)

	answer(t, mock, map[byte]int64{0xE0: 7})
	v, err := Query(context.Background(), b, 0xE0, codec.OpReadEncoder, codec.DecodeEncoder)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), v)
}

func TestBus_UnsolicitedCodeKeepsFollowingReply(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	obs := newCountingObserver()
	b, mock := newTestBus(t, cfg, WithObserver(obs))
	require.NoError(t, b.Register(0xE0))
	require.NoError(t, b.Register(0xE1))

	// the finished code of an earlier pulse move shares a read with the reply
	mock.OnWrite = func(frame []byte) {
		if frame[0] == 0xE1 {
			mock.Inject([]byte{0xE0, 0x9F, 0xE1, 0x00, 0x00, 0x04, 0xD2})
		}
	}

	pos, err := Query(context.Background(), b, 0xE1, codec.OpReadPosition, codec.DecodePosition)
	require.NoError(t, err)
	assert.Equal(t, int32(1234), pos)
	assert.Equal(t, 1, obs.dropped("unsolicited"))
}

func TestBus_UnregisteredBytesBeforeReply(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	b, mock := newTestBus(t, cfg)
	require.NoError(t, b.Register(0xE1))

	mock.OnWrite = func([]byte) {
		mock.Inject([]byte{0x42, 0x00, 0xE1, 0x00, 0x00, 0x00, 0x09})
	}

	pos, err := Query(context.Background(), b, 0xE1, codec.OpReadPosition, codec.DecodePosition)
	require.NoError(t, err)
	assert.Equal(t, int32(9), pos)
}

func TestBus_DiscardsStalePartialFrame(t *testing.T) {
	cfg := testConfig()
	cfg.FrameGap = 20 * time.Millisecond
	obs := newCountingObserver()
	b, mock := newTestBus(t, cfg, WithObserver(obs))
	require.NoError(t, b.Register(0xE0))

	done := make(chan int32, 1)
	go func() {
		pos, err := Query(context.Background(), b, 0xE0, codec.OpReadPosition, codec.DecodePosition)
		assert.NoError(t, err)
		done <- pos
	}()
	require.Eventually(t, func() bool { return len(mock.Writes()) == 1 }, time.Second, time.Millisecond)

	mock.Inject([]byte{0xE0, 0x7F})
	time.Sleep(60 * time.Millisecond)
	mock.Inject([]byte{0xE0, 0x00, 0x00, 0x00, 0x05})

	assert.Equal(t, int32(5), <-done)
	assert.Equal(t, 1, obs.dropped("stale_partial"))
}

func TestBus_TimeoutRetriesExactly(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 30 * time.Millisecond
	cfg.MaxRetries = 3
	obs := newCountingObserver()
	b, mock := newTestBus(t, cfg, WithObserver(obs))
	require.NoError(t, b.Register(0xE0))

	var mu sync.Mutex
	var stamps []time.Time
	mock.OnWrite = func([]byte) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
	}

	frame, _ := codec.ReadPosition(0xE0)
	_, err := b.Request(context.Background(), 0xE0, frame, 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReadTimeout)

	var devErr *DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, byte(0xE0), devErr.ID)
	assert.Equal(t, "read_position", devErr.Op)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stamps, 3)
	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), cfg.Timeout)
	}
	assert.Equal(t, 2, obs.retries)
}

func TestBus_CancellationReleasesDevice(t *testing.T) {
	b, mock := newTestBus(t, testConfig())
	require.NoError(t, b.Register(0xE0))

	ctx, cancel := context.WithCancel(context.Background())
	mock.OnWrite = func([]byte) { cancel() }

	frame, _ := codec.ReadPosition(0xE0)
	_, err := b.RequestWith(ctx, 0xE0, frame, 4, time.Second, 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, mock.Writes(), 1)

	answer(t, mock, map[byte]int64{0xE0: 1})
	_, err = b.Request(context.Background(), 0xE0, frame, 4)
	assert.NoError(t, err)
}

func TestBus_UnknownDevice(t *testing.T) {
	b, mock := newTestBus(t, testConfig())

	frame, _ := codec.ReadPosition(0x05)
	_, err := b.Request(context.Background(), 0x05, frame, 4)
	assert.ErrorIs(t, err, ErrUnknownDevice)

	stop, _ := codec.Stop(0x05)
	assert.ErrorIs(t, b.Send(context.Background(), 0x05, stop), ErrUnknownDevice)

	broadcast, _ := codec.Stop(codec.BroadcastID)
	require.NoError(t, b.Send(context.Background(), codec.BroadcastID, broadcast))
	assert.Equal(t, [][]byte{{0x00, 0xF7}}, mock.Writes())

	assert.ErrorIs(t, b.Register(codec.BroadcastID), codec.ErrInvalidArgument)
}

func TestBus_DecodeFailureIsNotRetried(t *testing.T) {
	b, mock := newTestBus(t, testConfig())
	answer(t, mock, map[byte]int64{0xE0: 0x05})
	require.NoError(t, b.Register(0xE0))

	reject := func([]byte) (uint16, error) { return 0, codec.ErrMalformedReply }
	_, err := Query(context.Background(), b, 0xE0, codec.OpReadEncoder, reject)
	assert.ErrorIs(t, err, codec.ErrMalformedReply)
	assert.Len(t, mock.Writes(), 1)
}

func TestBus_ReadFailureClosesBus(t *testing.T) {
	b, mock := newTestBus(t, testConfig())
	require.NoError(t, b.Register(0xE0))

	mock.FailRead(errors.New("device unplugged"))

	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("bus did not close")
	}
	assert.ErrorIs(t, b.Err(), ErrBusClosed)

	frame, _ := codec.ReadPosition(0xE0)
	_, err := b.Request(context.Background(), 0xE0, frame, 4)
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestBus_CommandGap(t *testing.T) {
	cfg := testConfig()
	cfg.CommandGap = 20 * time.Millisecond
	b, mock := newTestBus(t, cfg)
	require.NoError(t, b.Register(0xE0))

	var mu sync.Mutex
	var stamps []time.Time
	mock.OnWrite = func([]byte) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
	}

	frame, _ := codec.Stop(0xE0)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Send(context.Background(), 0xE0, frame))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stamps, 3)
	// the limiter may release a token slightly early on coarse clocks
	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), 15*time.Millisecond)
	}
}
