// Package codec encodes commands for closed-loop stepper controllers and
// decodes their replies.
//
// Frames on the wire are big-endian and carry no header or trailer:
//
//	request: <id> <opcode (1 or 2 bytes)> <payload...>
//	reply:   <id> <payload...>
//
// A reply does not echo its opcode, so the requester must know the reply
// width up front. Widths are fixed per opcode in opTable.
package codec

import "fmt"

// Opcode selects the operation a request performs.
type Opcode uint16

const (
	OpReadEncoder       Opcode = 0x30
	OpReadPulseCount    Opcode = 0x33
	OpReadPosition      Opcode = 0x36
	OpReadPositionError Opcode = 0x39
	OpReadClosedLoop    Opcode = 0x3A
	OpReadStuck         Opcode = 0x3E
	OpSetDivision       Opcode = 0x84
	OpEnableClosedLoop  Opcode = 0xF3
	OpSpeed             Opcode = 0xF6
	OpStop              Opcode = 0xF7
	OpSpeedWithPulses   Opcode = 0xFD
	OpSpeedHold         Opcode = 0xFFCA
	OpSpeedHoldClear    Opcode = 0xFFC8
)

// BroadcastID addresses every controller on the bus. No controller ever
// replies from it.
const BroadcastID = 0x00

// Protocol limits.
const (
	MaxSpeed     = 127
	MinDivision  = 1
	MaxDivision  = 255
	MaxPulses    = 0xFFFFFF
	CountsPerRev = 65536 // position and position-error counts per revolution
	StepAngle    = 1.8   // full-step angle of the supported motors, degrees
)

// Progress codes sent back by OpSpeedWithPulses.
const (
	ProgressStarted  byte = 0x02
	ProgressFinished byte = 0x9F
)

type opInfo struct {
	name     string
	width    int  // opcode bytes on the wire
	reqLen   int  // request payload bytes
	replyLen int  // reply payload bytes, 0 for fire-and-forget
	signed   bool // reply is two's complement
}

var opTable = map[Opcode]opInfo{
	OpReadEncoder:       {name: "read_encoder", width: 1, replyLen: 2},
	OpReadPulseCount:    {name: "read_pulse_count", width: 1, replyLen: 4},
	OpReadPosition:      {name: "read_position", width: 1, replyLen: 4, signed: true},
	OpReadPositionError: {name: "read_position_error", width: 1, replyLen: 2},
	OpReadClosedLoop:    {name: "read_closed_loop", width: 1, replyLen: 1},
	OpReadStuck:         {name: "read_stuck", width: 1, replyLen: 1},
	OpSetDivision:       {name: "set_division", width: 1, reqLen: 1},
	OpEnableClosedLoop:  {name: "enable_closed_loop", width: 1, reqLen: 1},
	OpSpeed:             {name: "speed", width: 1, reqLen: 1},
	OpStop:              {name: "stop", width: 1},
	OpSpeedWithPulses:   {name: "speed_with_pulses", width: 1, reqLen: 4, replyLen: 1},
	OpSpeedHold:         {name: "speed_hold", width: 2},
	OpSpeedHoldClear:    {name: "speed_hold_clear", width: 2},
}

func (op Opcode) String() string {
	if info, ok := opTable[op]; ok {
		return info.name
	}
	return fmt.Sprintf("opcode(0x%X)", uint16(op))
}

// Known reports whether op is part of the protocol.
func (op Opcode) Known() bool {
	_, ok := opTable[op]
	return ok
}

// Width returns the number of bytes op occupies on the wire.
func Width(op Opcode) int {
	return opTable[op].width
}

// ReplyLen returns the reply payload length for op, not counting the
// leading ID byte. Zero means the controller does not answer.
func ReplyLen(op Opcode) int {
	return opTable[op].replyLen
}

// RequestLen returns the request payload length for op.
func RequestLen(op Opcode) int {
	return opTable[op].reqLen
}

// Direction is the wire direction bit.
type Direction byte

const (
	CW  Direction = 0x00
	CCW Direction = 0x01
)

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == CW {
		return CCW
	}
	return CW
}

func (d Direction) String() string {
	if d == CW {
		return "cw"
	}
	return "ccw"
}

// ParseDirection accepts "cw" or "ccw".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "cw", "CW":
		return CW, nil
	case "ccw", "CCW":
		return CCW, nil
	}
	return CW, fmt.Errorf("%w: direction %q", ErrInvalidArgument, s)
}

// ClosedLoopStatus is the value of the closed-loop flag register.
type ClosedLoopStatus byte

const (
	ClosedLoopError    ClosedLoopStatus = 0
	ClosedLoopEnabled  ClosedLoopStatus = 1
	ClosedLoopDisabled ClosedLoopStatus = 2
)

func (s ClosedLoopStatus) String() string {
	switch s {
	case ClosedLoopError:
		return "error"
	case ClosedLoopEnabled:
		return "enabled"
	case ClosedLoopDisabled:
		return "disabled"
	}
	return fmt.Sprintf("unknown(%d)", byte(s))
}

// CountsToDegrees converts position counts to degrees.
func CountsToDegrees(counts int64) float64 {
	return float64(counts) / CountsPerRev * 360
}

// DegreesToCounts converts degrees to position counts, truncating toward zero.
func DegreesToCounts(deg float64) int64 {
	return int64(deg / 360 * CountsPerRev)
}
