// Package motor drives one closed-loop stepper controller: register
// reads, closed-loop convergence to an angle and open-loop pulse moves.
package motor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/stepbus/internal/bus"
	"github.com/shaunagostinho/stepbus/internal/codec"
	"github.com/shaunagostinho/stepbus/internal/mapper"
)

const (
	StepAngle        = codec.StepAngle
	DefaultDivision  = 16
	DefaultPrecision = 0.1
)

var (
	ErrPositionUnknown = errors.New("position unknown")
	ErrNotConverged    = errors.New("did not converge")
)

// Link is the bus a motor talks through.
type Link interface {
	bus.Requester
	Send(ctx context.Context, id byte, frame []byte) error
	Register(id byte) error
}

// Observer receives the outcome of every move. internal/metrics
// implements it.
type Observer interface {
	MoveDone(id byte, kind, result string, steps int, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) MoveDone(byte, string, string, int, time.Duration) {}

// Limits are soft limits in degrees. Targets are clamped into them.
type Limits struct {
	Min float64
	Max float64
}

// Config describes one axis.
type Config struct {
	ID       byte
	Division int
	// PositiveDirection is the wire direction that increases position.
	PositiveDirection codec.Direction
	Limits            *Limits
	Speed             mapper.Profile
	Delay             mapper.Profile
	Precision         float64
	// MaxSteps bounds the convergence loop. Zero means no bound.
	MaxSteps int
}

// DefaultConfig returns the stock profile for id.
func DefaultConfig(id byte) Config {
	return Config{
		ID:                id,
		Division:          DefaultDivision,
		PositiveDirection: codec.CCW,
		Speed:             mapper.DefaultSpeed(),
		Delay:             mapper.DefaultDelay(),
		Precision:         DefaultPrecision,
	}
}

// Validate checks cfg for values the controller or the loop cannot use.
func (c Config) Validate() error {
	if c.ID == codec.BroadcastID {
		return fmt.Errorf("%w: motor id must not be broadcast", codec.ErrInvalidArgument)
	}
	if c.Division < codec.MinDivision || c.Division > codec.MaxDivision {
		return fmt.Errorf("%w: division %d outside [%d,%d]", codec.ErrInvalidArgument, c.Division, codec.MinDivision, codec.MaxDivision)
	}
	if c.PositiveDirection != codec.CW && c.PositiveDirection != codec.CCW {
		return fmt.Errorf("%w: positive direction 0x%02X", codec.ErrInvalidArgument, byte(c.PositiveDirection))
	}
	if c.Limits != nil && c.Limits.Min > c.Limits.Max {
		return fmt.Errorf("%w: degree_min %.2f above degree_max %.2f", codec.ErrInvalidArgument, c.Limits.Min, c.Limits.Max)
	}
	if err := c.Speed.Validate(); err != nil {
		return fmt.Errorf("speed profile: %w", err)
	}
	if err := c.Delay.Validate(); err != nil {
		return fmt.Errorf("delay profile: %w", err)
	}
	if c.Delay.Extremum.YMin < 0 {
		return fmt.Errorf("%w: negative delay", codec.ErrInvalidArgument)
	}
	return nil
}

// Option configures a Motor.
type Option func(*Motor)

func WithLogger(l *zap.Logger) Option {
	return func(m *Motor) {
		if l != nil {
			m.log = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(m *Motor) {
		if o != nil {
			m.obs = o
		}
	}
}

// Motor is one controller on a shared bus.
type Motor struct {
	link Link
	cfg  Config
	log  *zap.Logger
	obs  Observer

	mu    sync.Mutex
	last  float64
	known bool
}

// New validates cfg and registers the motor's ID on link.
func New(link Link, cfg Config, opts ...Option) (*Motor, error) {
	if cfg.Precision <= 0 {
		cfg.Precision = DefaultPrecision
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := link.Register(cfg.ID); err != nil {
		return nil, err
	}

	m := &Motor{link: link, cfg: cfg, log: zap.NewNop(), obs: nopObserver{}}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.Named("motor").With(zap.String("id", fmt.Sprintf("0x%02X", cfg.ID)))
	return m, nil
}

func (m *Motor) ID() byte       { return m.cfg.ID }
func (m *Motor) Config() Config { return m.cfg }

// Begin sets the microstep division.
func (m *Motor) Begin(ctx context.Context) error {
	frame, err := codec.SetDivision(int(m.cfg.ID), m.cfg.Division)
	if err != nil {
		return err
	}
	return m.link.Send(ctx, m.cfg.ID, frame)
}

// Position reads the position in degrees and remembers it.
func (m *Motor) Position(ctx context.Context) (float64, error) {
	counts, err := bus.Query(ctx, m.link, m.cfg.ID, codec.OpReadPosition, codec.DecodePosition)
	if err != nil {
		return 0, err
	}
	deg := codec.CountsToDegrees(int64(counts))
	m.setLast(deg)
	return deg, nil
}

// PositionError reads the position error register in degrees.
func (m *Motor) PositionError(ctx context.Context) (float64, error) {
	counts, err := bus.Query(ctx, m.link, m.cfg.ID, codec.OpReadPositionError, codec.DecodePositionError)
	if err != nil {
		return 0, err
	}
	return codec.CountsToDegrees(int64(counts)), nil
}

func (m *Motor) Encoder(ctx context.Context) (uint16, error) {
	return bus.Query(ctx, m.link, m.cfg.ID, codec.OpReadEncoder, codec.DecodeEncoder)
}

func (m *Motor) PulseCount(ctx context.Context) (uint32, error) {
	return bus.Query(ctx, m.link, m.cfg.ID, codec.OpReadPulseCount, codec.DecodePulseCount)
}

func (m *Motor) ClosedLoop(ctx context.Context) (codec.ClosedLoopStatus, error) {
	return bus.Query(ctx, m.link, m.cfg.ID, codec.OpReadClosedLoop, codec.DecodeClosedLoop)
}

func (m *Motor) Stuck(ctx context.Context) (bool, error) {
	return bus.Query(ctx, m.link, m.cfg.ID, codec.OpReadStuck, codec.DecodeStuck)
}

func (m *Motor) EnableClosedLoop(ctx context.Context, on bool) error {
	frame, err := codec.EnableClosedLoop(int(m.cfg.ID), on)
	if err != nil {
		return err
	}
	return m.link.Send(ctx, m.cfg.ID, frame)
}

// Run spins the motor in dir until stopped.
func (m *Motor) Run(ctx context.Context, dir codec.Direction, speed int) error {
	frame, err := codec.Speed(int(m.cfg.ID), dir, speed)
	if err != nil {
		return err
	}
	return m.link.Send(ctx, m.cfg.ID, frame)
}

func (m *Motor) Stop(ctx context.Context) error {
	frame, err := codec.Stop(int(m.cfg.ID))
	if err != nil {
		return err
	}
	return m.link.Send(ctx, m.cfg.ID, frame)
}

// HoldSpeed stores the current speed-mode parameters on the controller,
// or clears them.
func (m *Motor) HoldSpeed(ctx context.Context, clear bool) error {
	frame, err := codec.SpeedHold(int(m.cfg.ID), clear)
	if err != nil {
		return err
	}
	return m.link.Send(ctx, m.cfg.ID, frame)
}

// LastPosition returns the last read or estimated position.
func (m *Motor) LastPosition() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.known {
		return 0, ErrPositionUnknown
	}
	return m.last, nil
}

func (m *Motor) setLast(deg float64) {
	m.mu.Lock()
	m.last, m.known = deg, true
	m.mu.Unlock()
}

// Clamp limits target to the soft limits, if any.
func (m *Motor) Clamp(target float64) float64 {
	if l := m.cfg.Limits; l != nil {
		return math.Max(l.Min, math.Min(l.Max, target))
	}
	return target
}

// toward returns the wire direction that moves by a positive or
// negative diff.
func (m *Motor) toward(diff float64) codec.Direction {
	if diff >= 0 {
		return m.cfg.PositiveDirection
	}
	return m.cfg.PositiveDirection.Reverse()
}

func clampSpeed(v float64) int {
	s := int(v)
	if s < 1 {
		return 1
	}
	if s > codec.MaxSpeed {
		return codec.MaxSpeed
	}
	return s
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
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
		return fmt.Errorf("%w: %w", bus.ErrCancelled, ctx.Err())
	}
}
