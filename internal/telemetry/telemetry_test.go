package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/stepbus/internal/gimbal"
)

type published struct {
	channel string
	data    []byte
}

type fakeClient struct {
	published  []published
	stored     map[string][]byte
	ttl        time.Duration
	publishErr error
	setErr     error
	closed     bool
}

func (f *fakeClient) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.publishErr != nil {
		cmd.SetErr(f.publishErr)
		return cmd
	}
	f.published = append(f.published, published{channel: channel, data: message.([]byte)})
	cmd.SetVal(1)
	return cmd
}

func (f *fakeClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	if f.setErr != nil {
		cmd.SetErr(f.setErr)
		return cmd
	}
	if f.stored == nil {
		f.stored = make(map[string][]byte)
	}
	f.stored[key] = value.([]byte)
	f.ttl = expiration
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func TestPublisher_Publish(t *testing.T) {
	fc := &fakeClient{}
	p := New(fc, DefaultConfig(), nil)

	target := gimbal.Angles{Rotate: 10, Tilt: -5}
	require.NoError(t, p.Publish(context.Background(), gimbal.Angles{Rotate: 9.5, Tilt: -4}, &target))

	require.Len(t, fc.published, 1)
	assert.Equal(t, "stepbus:position", fc.published[0].channel)

	var msg Message
	require.NoError(t, json.Unmarshal(fc.published[0].data, &msg))
	assert.Equal(t, p.Session(), msg.Session)
	assert.Equal(t, 9.5, msg.Position.Rotate)
	require.NotNil(t, msg.Target)
	assert.Equal(t, target, *msg.Target)

	assert.Equal(t, fc.published[0].data, fc.stored["stepbus:position:latest"])
	assert.Equal(t, 10*time.Second, fc.ttl)

	require.NoError(t, p.Close())
	assert.True(t, fc.closed)
}

func TestPublisher_OmitsMissingTarget(t *testing.T) {
	fc := &fakeClient{}
	p := New(fc, Config{Channel: "c"}, nil)

	require.NoError(t, p.Publish(context.Background(), gimbal.Angles{}, nil))
	assert.NotContains(t, string(fc.published[0].data), "target")
}

func TestPublisher_Errors(t *testing.T) {
	fc := &fakeClient{publishErr: errors.New("connection refused")}
	p := New(fc, DefaultConfig(), nil)

	err := p.Publish(context.Background(), gimbal.Angles{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, fc.stored)

	// a failed latest-key write is only logged
	fc = &fakeClient{setErr: errors.New("READONLY")}
	p = New(fc, DefaultConfig(), nil)
	require.NoError(t, p.Publish(context.Background(), gimbal.Angles{}, nil))
	assert.Len(t, fc.published, 1)
}

func TestPublisher_RealRedis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DB = 15
	ctx := context.Background()

	p, err := Dial(ctx, cfg, nil)
	if err != nil {
		t.Skip("Redis not available, skipping test")
	}
	defer p.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})
	defer rdb.Close()

	sub := rdb.Subscribe(ctx, cfg.Channel)
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, gimbal.Angles{Rotate: 1, Tilt: 2}, nil))

	select {
	case m := <-sub.Channel():
		var msg Message
		require.NoError(t, json.Unmarshal([]byte(m.Payload), &msg))
		assert.Equal(t, gimbal.Angles{Rotate: 1, Tilt: 2}, msg.Position)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}
