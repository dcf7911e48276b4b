package motor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/stepbus/internal/bus"
	"github.com/shaunagostinho/stepbus/internal/codec"
	"github.com/shaunagostinho/stepbus/internal/mapper"
	"github.com/shaunagostinho/stepbus/internal/sim"
)

const testID = 0xE0

func newSimBus(t *testing.T, ids ...byte) (*bus.Bus, *sim.Sim) {
	t.Helper()
	s := sim.New(sim.Options{}, ids...)
	cfg := bus.DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.MaxRetries = 2
	cfg.RetryDelay = 0
	cfg.CommandGap = 100 * time.Microsecond
	b := bus.New(s.Transport(), cfg)
	t.Cleanup(func() { b.Close() })
	return b, s
}

func fastConfig(id byte) Config {
	cfg := DefaultConfig(id)
	cfg.Delay = mapper.Profile{
		Extremum:  mapper.Extremum{XMin: 0, XMax: mapper.MaxError, YMin: 0.0002, YMax: 0.001},
		Piecewise: cfg.Delay.Piecewise,
	}
	return cfg
}

func newTestMotor(t *testing.T, cfg Config) (*Motor, *sim.Sim) {
	t.Helper()
	b, s := newSimBus(t, cfg.ID)
	m, err := New(b, cfg)
	require.NoError(t, err)
	return m, s
}

func lastWrite(s *sim.Sim) []byte {
	w := s.Writes()
	if len(w) == 0 {
		return nil
	}
	return w[len(w)-1]
}

func TestMotor_ToDegreeConverges(t *testing.T) {
	for _, target := range []float64{20, -12.5, 0.5} {
		m, s := newTestMotor(t, fastConfig(testID))

		require.NoError(t, m.ToDegree(context.Background(), target, 0.1))

		assert.InDelta(t, target, s.Position(testID), 0.1)
		assert.False(t, s.Running(testID), "motor left running")
		assert.Equal(t, []byte{testID, 0xF7}, lastWrite(s))

		last, err := m.LastPosition()
		require.NoError(t, err)
		assert.InDelta(t, target, last, 0.1)
	}
}

func TestMotor_ToDegreeClampsToSoftLimits(t *testing.T) {
	cfg := fastConfig(testID)
	cfg.Limits = &Limits{Min: -10, Max: 10}
	m, s := newTestMotor(t, cfg)

	require.NoError(t, m.ToDegree(context.Background(), 45, 0.1))
	assert.InDelta(t, 10, s.Position(testID), 0.1)
	assert.Equal(t, 10.0, m.Clamp(45))
	assert.Equal(t, -10.0, m.Clamp(-45))
	assert.Equal(t, 3.0, m.Clamp(3))
}

func TestMotor_ToDegreeStepBound(t *testing.T) {
	cfg := fastConfig(testID)
	cfg.MaxSteps = 5
	m, s := newTestMotor(t, cfg)
	s.SetStuck(testID, true)

	err := m.ToDegree(context.Background(), 30, 0.1)
	assert.ErrorIs(t, err, ErrNotConverged)
	assert.Equal(t, []byte{testID, 0xF7}, lastWrite(s))
}

func TestMotor_ToDegreeStopsOnCancel(t *testing.T) {
	m, s := newTestMotor(t, fastConfig(testID))
	s.SetStuck(testID, true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := m.ToDegree(ctx, 30, 0.1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []byte{testID, 0xF7}, lastWrite(s))
}

func TestMotor_ReadTimeoutAbortsConvergence(t *testing.T) {
	m, s := newTestMotor(t, fastConfig(testID))
	s.SetMuted(testID, true)

	err := m.ToDegree(context.Background(), 30, 0.1)
	assert.ErrorIs(t, err, bus.ErrReadTimeout)
}

func TestMotor_DeltaDegreePulseCount(t *testing.T) {
	m, s := newTestMotor(t, DefaultConfig(testID))

	require.NoError(t, m.DeltaDegree(context.Background(), 50, 360))

	writes := s.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, []byte{testID, 0xFD, 0x80 | 50, 0x00, 0x00, 40}, writes[0])

	// no read happened, so there is nothing to update
	_, err := m.LastPosition()
	assert.ErrorIs(t, err, ErrPositionUnknown)
}

func TestMotor_DeltaDegreeUpdatesLastPosition(t *testing.T) {
	m, s := newTestMotor(t, DefaultConfig(testID))
	s.SetPosition(testID, 15)

	pos, err := m.Position(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 15, pos, 0.01)

	require.NoError(t, m.DeltaDegree(context.Background(), 20, -90))
	last, err := m.LastPosition()
	require.NoError(t, err)
	assert.InDelta(t, -75, last, 0.01)

	// negative delta turns the other way
	assert.Equal(t, byte(20), lastWrite(s)[2])
}

func TestMotor_DeltaDegreeWithLimits(t *testing.T) {
	cfg := DefaultConfig(testID)
	cfg.Limits = &Limits{Min: -30, Max: 30}
	m, s := newTestMotor(t, cfg)

	err := m.DeltaDegree(context.Background(), 10, 5)
	assert.ErrorIs(t, err, ErrPositionUnknown)
	assert.Empty(t, s.Writes())

	_, err = m.Position(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.DeltaDegree(context.Background(), 10, 100))
	assert.Equal(t, 3, codec.UnpackPulses(lastWrite(s)[3:]))

	last, err := m.LastPosition()
	require.NoError(t, err)
	assert.InDelta(t, 30, last, 1e-9)
}

func TestMotor_SubPulseMoveSendsNothing(t *testing.T) {
	m, s := newTestMotor(t, DefaultConfig(testID))
	require.NoError(t, m.DeltaDegree(context.Background(), 10, 1))
	assert.Empty(t, s.Writes())
}

func TestMotor_SubPulseDeltasKeepLastPosition(t *testing.T) {
	m, s := newTestMotor(t, DefaultConfig(testID))
	s.SetPosition(testID, 12)
	_, err := m.Position(context.Background())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, m.DeltaDegree(context.Background(), 10, 1))
	}
	assert.Len(t, s.Writes(), 1, "only the position read")

	last, err := m.LastPosition()
	require.NoError(t, err)
	assert.InDelta(t, 12, last, 0.01)
}

func TestMotor_ToDegreeWithNewReading(t *testing.T) {
	m, s := newTestMotor(t, DefaultConfig(testID))
	s.SetPosition(testID, 90)

	require.NoError(t, m.ToDegreeWithNewReading(context.Background(), 30, 0))

	w := lastWrite(s)
	require.Len(t, w, 6)
	dir, speed := codec.UnpackSpeedByte(w[2])
	assert.Equal(t, codec.CW, dir)
	assert.Equal(t, 30, speed)
	assert.Equal(t, 10, codec.UnpackPulses(w[3:]))

	last, err := m.LastPosition()
	require.NoError(t, err)
	assert.Equal(t, 0.0, last)
}

func TestMotor_PositiveDirectionCW(t *testing.T) {
	cfg := DefaultConfig(testID)
	cfg.PositiveDirection = codec.CW
	m, s := newTestMotor(t, cfg)

	require.NoError(t, m.DeltaDegree(context.Background(), 5, 360))
	dir, _ := codec.UnpackSpeedByte(lastWrite(s)[2])
	assert.Equal(t, codec.CW, dir)
}

func TestMotor_Registers(t *testing.T) {
	cfg := DefaultConfig(testID)
	cfg.Division = 32
	m, s := newTestMotor(t, cfg)
	ctx := context.Background()

	require.NoError(t, m.Begin(ctx))
	snap, ok := s.Snapshot(testID)
	require.True(t, ok)
	assert.Equal(t, 32, snap.Division)

	st, err := m.ClosedLoop(ctx)
	require.NoError(t, err)
	assert.Equal(t, codec.ClosedLoopEnabled, st)

	require.NoError(t, m.EnableClosedLoop(ctx, false))
	st, err = m.ClosedLoop(ctx)
	require.NoError(t, err)
	assert.Equal(t, codec.ClosedLoopDisabled, st)

	stuck, err := m.Stuck(ctx)
	require.NoError(t, err)
	assert.False(t, stuck)

	s.SetPosition(testID, 90)
	enc, err := m.Encoder(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(16384), enc)

	perr, err := m.PositionError(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, perr)

	require.NoError(t, m.DeltaDegree(ctx, 10, 720))
	pulses, err := m.PulseCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(Pulses(720, 32)), pulses)

	require.NoError(t, m.HoldSpeed(ctx, false))
	snap, _ = s.Snapshot(testID)
	assert.True(t, snap.Hold)
	require.NoError(t, m.HoldSpeed(ctx, true))
	snap, _ = s.Snapshot(testID)
	assert.False(t, snap.Hold)

	require.NoError(t, m.Run(ctx, codec.CCW, 5))
	assert.True(t, s.Running(testID))
	require.NoError(t, m.Stop(ctx))
	assert.False(t, s.Running(testID))
}

func TestPulses(t *testing.T) {
	assert.Equal(t, 40, Pulses(360, 16))
	assert.Equal(t, 40, Pulses(-360, 16))
	assert.Equal(t, 0, Pulses(0.5, 16))
	assert.Equal(t, 648, Pulses(360, 1))
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig(testID).Validate())

	cfg := DefaultConfig(codec.BroadcastID)
	assert.ErrorIs(t, cfg.Validate(), codec.ErrInvalidArgument)

	cfg = DefaultConfig(testID)
	cfg.Division = 0
	assert.ErrorIs(t, cfg.Validate(), codec.ErrInvalidArgument)

	cfg = DefaultConfig(testID)
	cfg.Limits = &Limits{Min: 5, Max: -5}
	assert.ErrorIs(t, cfg.Validate(), codec.ErrInvalidArgument)

	cfg = DefaultConfig(testID)
	cfg.Speed.Extremum.XMax = 0
	assert.ErrorIs(t, cfg.Validate(), mapper.ErrInvalidProfile)
}
