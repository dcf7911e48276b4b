// Package gimbal coordinates a rotate axis and a tilt axis that share
// one bus.
package gimbal

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/stepbus/internal/bus"
	"github.com/shaunagostinho/stepbus/internal/motor"
)

// DefaultStagger separates the rotate and tilt writes of a paired
// open-loop move.
const DefaultStagger = 5 * time.Millisecond

// Axis is what the gimbal needs from each motor.
type Axis interface {
	ID() byte
	Begin(ctx context.Context) error
	Position(ctx context.Context) (float64, error)
	Stop(ctx context.Context) error
	ToDegree(ctx context.Context, target, precision float64) error
	ToDegreeWithNewReading(ctx context.Context, speed int, target float64) error
	DeltaDegree(ctx context.Context, speed int, delta float64) error
}

var _ Axis = (*motor.Motor)(nil)

// Angles is a rotate/tilt pair in degrees.
type Angles struct {
	Rotate float64 `json:"rotate"`
	Tilt   float64 `json:"tilt"`
}

// Gimbal is a rotate/tilt pair.
type Gimbal struct {
	rotate  Axis
	tilt    Axis
	stagger time.Duration
	log     *zap.Logger
}

// New pairs two axes. A zero stagger uses DefaultStagger.
func New(rotate, tilt Axis, stagger time.Duration, log *zap.Logger) *Gimbal {
	if stagger <= 0 {
		stagger = DefaultStagger
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gimbal{rotate: rotate, tilt: tilt, stagger: stagger, log: log.Named("gimbal")}
}

func (g *Gimbal) Rotate() Axis { return g.rotate }
func (g *Gimbal) Tilt() Axis   { return g.tilt }

// Begin sets the microstep division on both axes.
func (g *Gimbal) Begin(ctx context.Context) error {
	if err := g.rotate.Begin(ctx); err != nil {
		return fmt.Errorf("rotate: %w", err)
	}
	if err := g.tilt.Begin(ctx); err != nil {
		return fmt.Errorf("tilt: %w", err)
	}
	return nil
}

// DeltaDegree moves both axes open-loop by the given deltas, rotate
// first.
func (g *Gimbal) DeltaDegree(ctx context.Context, speed int, d Angles) error {
	return g.staggered(ctx,
		func() error { return g.rotate.DeltaDegree(ctx, speed, d.Rotate) },
		func() error { return g.tilt.DeltaDegree(ctx, speed, d.Tilt) },
	)
}

// MoveTo moves both axes open-loop to absolute angles, each from a
// fresh position read.
func (g *Gimbal) MoveTo(ctx context.Context, speed int, target Angles) error {
	return g.staggered(ctx,
		func() error { return g.rotate.ToDegreeWithNewReading(ctx, speed, target.Rotate) },
		func() error { return g.tilt.ToDegreeWithNewReading(ctx, speed, target.Tilt) },
	)
}

func (g *Gimbal) staggered(ctx context.Context, rotate, tilt func() error) error {
	if err := rotate(); err != nil {
		return fmt.Errorf("rotate: %w", err)
	}
	t := time.NewTimer(g.stagger)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return fmt.Errorf("tilt: %w: %w", bus.ErrCancelled, ctx.Err())
	}
	if err := tilt(); err != nil {
		return fmt.Errorf("tilt: %w", err)
	}
	return nil
}

// ToDegree runs closed-loop moves on both axes at once and waits for
// both. If one fails the other is cancelled.
func (g *Gimbal) ToDegree(ctx context.Context, target Angles, precision float64) error {
	start := time.Now()
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := g.rotate.ToDegree(ctx, target.Rotate, precision); err != nil {
			return fmt.Errorf("rotate: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		if err := g.tilt.ToDegree(ctx, target.Tilt, precision); err != nil {
			return fmt.Errorf("tilt: %w", err)
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		return err
	}
	g.log.Debug("reached target",
		zap.Float64("rotate", target.Rotate),
		zap.Float64("tilt", target.Tilt),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// GetDegree reads rotate and then tilt. The reads are never issued
// together.
func (g *Gimbal) GetDegree(ctx context.Context) (Angles, error) {
	r, err := g.rotate.Position(ctx)
	if err != nil {
		return Angles{}, fmt.Errorf("rotate: %w", err)
	}
	t, err := g.tilt.Position(ctx)
	if err != nil {
		return Angles{}, fmt.Errorf("tilt: %w", err)
	}
	return Angles{Rotate: r, Tilt: t}, nil
}

// Stop stops both axes. Both stops are attempted even if the first fails.
func (g *Gimbal) Stop(ctx context.Context) error {
	rerr := g.rotate.Stop(ctx)
	terr := g.tilt.Stop(ctx)
	if rerr != nil {
		return fmt.Errorf("rotate: %w", rerr)
	}
	if terr != nil {
		return fmt.Errorf("tilt: %w", terr)
	}
	return nil
}
