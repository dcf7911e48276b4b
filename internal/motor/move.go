package motor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/stepbus/internal/codec"
)

// ToDegree drives the motor to target and returns once the position and
// the position error register both agree within precision. A stop is
// sent on every return path, including cancellation.
func (m *Motor) ToDegree(ctx context.Context, target, precision float64) (err error) {
	if precision <= 0 {
		precision = m.cfg.Precision
	}
	target = m.Clamp(target)
	log := m.log.With(zap.Float64("target", target))

	start := time.Now()
	steps := 0
	defer func() {
		if serr := m.Stop(context.WithoutCancel(ctx)); serr != nil {
			if err == nil {
				err = serr
			} else {
				log.Warn("stop after failed move", zap.Error(serr))
			}
		}
		m.obs.MoveDone(m.cfg.ID, "closed_loop", moveResult(err), steps, time.Since(start))
	}()

	current, err := m.Position(ctx)
	if err != nil {
		return err
	}
	settle := seconds(m.cfg.Delay.Extremum.YMin)

	for ; ; steps++ {
		if m.cfg.MaxSteps > 0 && steps >= m.cfg.MaxSteps {
			return fmt.Errorf("%w: %.3f° short of %.3f° after %d steps", ErrNotConverged, math.Abs(target-current), target, steps)
		}

		diff := target - current
		if math.Abs(diff) < precision {
			perr, err := m.PositionError(ctx)
			if err != nil {
				return err
			}
			if perr < precision {
				log.Debug("converged", zap.Float64("position", current), zap.Int("steps", steps))
				return nil
			}
			// position looks right but the controller disagrees
			if err := sleep(ctx, settle); err != nil {
				return err
			}
			if current, err = m.Position(ctx); err != nil {
				return err
			}
			continue
		}

		speed := clampSpeed(m.cfg.Speed.Map(diff))
		if err := m.Run(ctx, m.toward(diff), speed); err != nil {
			return err
		}
		if err := sleep(ctx, seconds(m.cfg.Delay.Map(diff))); err != nil {
			return err
		}
		if current, err = m.Position(ctx); err != nil {
			return err
		}
	}
}

// ToDegreeWithNewReading reads the position once and moves to target
// with a single pulse-count command. Progress codes are not awaited.
func (m *Motor) ToDegreeWithNewReading(ctx context.Context, speed int, target float64) error {
	current, err := m.Position(ctx)
	if err != nil {
		return err
	}
	target = m.Clamp(target)
	if err := m.pulseMove(ctx, speed, target-current); err != nil {
		return err
	}
	m.setLast(target)
	return nil
}

// DeltaDegree moves by delta degrees with a single pulse-count command
// and updates the last known position without reading it back. A delta
// below one pulse sends nothing and leaves the position as it was. With
// soft limits the last position must be known.
func (m *Motor) DeltaDegree(ctx context.Context, speed int, delta float64) error {
	m.mu.Lock()
	last, known := m.last, m.known
	m.mu.Unlock()

	if m.cfg.Limits != nil {
		if !known {
			return fmt.Errorf("soft limits need a position: %w", ErrPositionUnknown)
		}
		delta = m.Clamp(last+delta) - last
	}
	if Pulses(delta, m.cfg.Division) == 0 {
		m.log.Debug("move below one pulse", zap.Float64("delta", delta))
		return nil
	}
	if err := m.pulseMove(ctx, speed, delta); err != nil {
		return err
	}
	if known {
		m.setLast(last + delta)
	}
	return nil
}

// Pulses converts an angle to the pulse count sent to the controller.
func Pulses(delta float64, division int) int {
	return int(math.Abs(delta) * StepAngle / float64(division))
}

func (m *Motor) pulseMove(ctx context.Context, speed int, delta float64) (err error) {
	start := time.Now()
	pulses := Pulses(delta, m.cfg.Division)
	if pulses == 0 {
		m.log.Debug("move below one pulse", zap.Float64("delta", delta))
		return nil
	}
	defer func() {
		m.obs.MoveDone(m.cfg.ID, "pulse", moveResult(err), 1, time.Since(start))
	}()

	frame, err := codec.SpeedWithPulses(int(m.cfg.ID), m.toward(delta), speed, pulses)
	if err != nil {
		return err
	}
	m.log.Debug("pulse move", zap.Float64("delta", delta), zap.Int("pulses", pulses), zap.Int("speed", speed))
	return m.link.Send(ctx, m.cfg.ID, frame)
}

func moveResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotConverged):
		return "not_converged"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "error"
}
