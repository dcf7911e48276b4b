// Package sim simulates a bus of stepper controllers for demo mode and
// tests. The model is step-based: a running motor advances once per
// position read, so runs are deterministic.
package sim

import (
	"math"
	"sync"

	"github.com/shaunagostinho/stepbus/internal/codec"
	"github.com/shaunagostinho/stepbus/internal/transport"
)

// DefaultDegreesPerTick is how far a motor at speed 1 moves per tick.
const DefaultDegreesPerTick = 0.05

// Options tune the simulation.
type Options struct {
	// DegreesPerTick is the distance covered per tick at speed 1.
	DegreesPerTick float64
	// Progress makes pulse-count moves answer with the started code.
	Progress bool
}

// Controller is the state of one simulated controller.
type Controller struct {
	ID         byte
	Division   int
	ClosedLoop bool
	Stuck      bool
	Hold       bool
	Muted      bool

	degrees   float64
	dir       codec.Direction
	speed     int
	running   bool
	remaining float64 // degrees left in a pulse-count move, 0 for speed mode
	pulses    uint32
	commands  int
}

// Sim answers requests written to its transport the way a string of
// controllers on one bus would.
type Sim struct {
	opts Options
	mock *transport.Mock

	mu      sync.Mutex
	devices map[byte]*Controller
}

// New returns a simulator with one controller per id, each at 0°.
func New(opts Options, ids ...byte) *Sim {
	if opts.DegreesPerTick <= 0 {
		opts.DegreesPerTick = DefaultDegreesPerTick
	}
	s := &Sim{
		opts:    opts,
		mock:    transport.NewMock(),
		devices: make(map[byte]*Controller),
	}
	for _, id := range ids {
		s.devices[id] = &Controller{ID: id, Division: 16, ClosedLoop: true}
	}
	s.mock.OnWrite = s.handle
	return s
}

// Transport is the wire the bus should be opened on.
func (s *Sim) Transport() transport.Transport {
	return s.mock
}

// Writes returns every frame written to the simulator.
func (s *Sim) Writes() [][]byte {
	return s.mock.Writes()
}

// SetPosition moves a controller instantly.
func (s *Sim) SetPosition(id byte, deg float64) {
	s.with(id, func(c *Controller) { c.degrees = deg })
}

// Position returns a controller's true position.
func (s *Sim) Position(id byte) float64 {
	var deg float64
	s.with(id, func(c *Controller) { deg = c.degrees })
	return deg
}

// Running reports whether a controller is moving.
func (s *Sim) Running(id byte) bool {
	var r bool
	s.with(id, func(c *Controller) { r = c.running })
	return r
}

// Commands returns how many frames a controller accepted.
func (s *Sim) Commands(id byte) int {
	var n int
	s.with(id, func(c *Controller) { n = c.commands })
	return n
}

// SetMuted makes a controller ignore everything it receives.
func (s *Sim) SetMuted(id byte, muted bool) {
	s.with(id, func(c *Controller) { c.Muted = muted })
}

// SetStuck makes a controller refuse to turn, as a stalled motor would.
func (s *Sim) SetStuck(id byte, stuck bool) {
	s.with(id, func(c *Controller) {
		c.Stuck = stuck
		if stuck {
			c.running = false
		}
	})
}

// Snapshot returns a copy of a controller's state.
func (s *Sim) Snapshot(id byte) (Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.devices[id]
	if !ok {
		return Controller{}, false
	}
	return *c, true
}

func (s *Sim) with(id byte, fn func(*Controller)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.devices[id]; ok {
		fn(c)
	}
}

func (s *Sim) handle(frame []byte) {
	id, op, payload, err := codec.SplitRequest(frame)
	if err != nil {
		return
	}

	s.mu.Lock()
	var replies [][]byte
	if id == codec.BroadcastID {
		for _, c := range s.devices {
			if !c.Muted && codec.ReplyLen(op) == 0 {
				s.apply(c, op, payload)
			}
		}
	} else if c, ok := s.devices[id]; ok && !c.Muted {
		if r := s.apply(c, op, payload); r != nil {
			replies = append(replies, r)
		}
	}
	s.mu.Unlock()

	for _, r := range replies {
		s.mock.Inject(r)
	}
}

// apply executes one command and returns the reply frame, if any.
func (s *Sim) apply(c *Controller, op codec.Opcode, payload []byte) []byte {
	c.commands++

	var value int64
	switch op {
	case codec.OpReadPosition:
		s.tick(c)
		value = codec.DegreesToCounts(c.degrees)
	case codec.OpReadPositionError:
		if c.running {
			value = codec.DegreesToCounts(s.step(c))
		}
	case codec.OpReadEncoder:
		value = codec.DegreesToCounts(c.degrees) & 0xFFFF
	case codec.OpReadPulseCount:
		value = int64(c.pulses)
	case codec.OpReadClosedLoop:
		value = int64(codec.ClosedLoopDisabled)
		if c.ClosedLoop {
			value = int64(codec.ClosedLoopEnabled)
		}
	case codec.OpReadStuck:
		if c.Stuck {
			value = 1
		}
	case codec.OpSetDivision:
		c.Division = int(payload[0])
		return nil
	case codec.OpEnableClosedLoop:
		c.ClosedLoop = payload[0] != 0
		return nil
	case codec.OpSpeed:
		c.dir, c.speed = codec.UnpackSpeedByte(payload[0])
		c.running = c.speed > 0 && !c.Stuck
		c.remaining = 0
		return nil
	case codec.OpStop:
		c.running = false
		c.remaining = 0
		return nil
	case codec.OpSpeedWithPulses:
		n := codec.UnpackPulses(payload[1:])
		c.dir, c.speed = codec.UnpackSpeedByte(payload[0])
		c.pulses += uint32(n)
		c.remaining = float64(n) * float64(c.Division) / codec.StepAngle
		c.running = c.speed > 0 && c.remaining > 0 && !c.Stuck
		if !s.opts.Progress {
			return nil
		}
		value = int64(codec.ProgressStarted)
	case codec.OpSpeedHold:
		c.Hold = true
		return nil
	case codec.OpSpeedHoldClear:
		c.Hold = false
		return nil
	default:
		return nil
	}

	reply, err := codec.EncodeReply(c.ID, op, value)
	if err != nil {
		return nil
	}
	return reply
}

func (s *Sim) step(c *Controller) float64 {
	d := float64(c.speed) * s.opts.DegreesPerTick
	if c.remaining > 0 {
		d = math.Min(d, c.remaining)
	}
	return d
}

// tick advances a running controller by one step. CCW is positive.
func (s *Sim) tick(c *Controller) {
	if !c.running {
		return
	}
	d := s.step(c)
	if c.remaining > 0 {
		c.remaining -= d
		if c.remaining <= 1e-9 {
			c.remaining = 0
			c.running = false
		}
	}
	if c.dir == codec.CW {
		d = -d
	}
	c.degrees += d
}
