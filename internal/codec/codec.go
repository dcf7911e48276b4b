package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for out-of-range IDs, speeds,
	// divisions, pulse counts or payload sizes.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrMalformedReply is returned when a reply does not have the width
	// its opcode requires.
	ErrMalformedReply = errors.New("malformed reply")
)

// Encode serializes a request frame.
func Encode(id int, op Opcode, payload []byte) ([]byte, error) {
	if id < 0 || id > 0xFF {
		return nil, fmt.Errorf("%w: device id %d outside [0,255]", ErrInvalidArgument, id)
	}
	info, ok := opTable[op]
	if !ok {
		return nil, fmt.Errorf("%w: unknown %s", ErrInvalidArgument, op)
	}
	if len(payload) != info.reqLen {
		return nil, fmt.Errorf("%w: %s takes %d payload bytes, got %d", ErrInvalidArgument, op, info.reqLen, len(payload))
	}

	frame := make([]byte, 0, 1+info.width+len(payload))
	frame = append(frame, byte(id))
	if info.width == 2 {
		frame = binary.BigEndian.AppendUint16(frame, uint16(op))
	} else {
		frame = append(frame, byte(op))
	}
	return append(frame, payload...), nil
}

// Decode unpacks a reply payload (ID byte already stripped) for op.
// Signed registers are sign-extended.
func Decode(op Opcode, raw []byte) (int64, error) {
	info, ok := opTable[op]
	if !ok {
		return 0, fmt.Errorf("%w: unknown %s", ErrInvalidArgument, op)
	}
	if info.replyLen == 0 {
		return 0, fmt.Errorf("%w: %s has no reply", ErrInvalidArgument, op)
	}
	if len(raw) != info.replyLen {
		return 0, fmt.Errorf("%w: %s wants %d bytes, got %d", ErrMalformedReply, op, info.replyLen, len(raw))
	}

	switch info.replyLen {
	case 1:
		return int64(raw[0]), nil
	case 2:
		return int64(binary.BigEndian.Uint16(raw)), nil
	default:
		v := binary.BigEndian.Uint32(raw)
		if info.signed {
			return int64(int32(v)), nil
		}
		return int64(v), nil
	}
}

// EncodeReply builds the frame a controller sends back for op. Values
// outside the register width are rejected.
func EncodeReply(id byte, op Opcode, value int64) ([]byte, error) {
	info, ok := opTable[op]
	if !ok || info.replyLen == 0 {
		return nil, fmt.Errorf("%w: %s has no reply", ErrInvalidArgument, op)
	}

	frame := make([]byte, 0, 1+info.replyLen)
	frame = append(frame, id)
	switch {
	case info.replyLen == 1:
		if value < 0 || value > 0xFF {
			return nil, fmt.Errorf("%w: %d does not fit %s", ErrInvalidArgument, value, op)
		}
		return append(frame, byte(value)), nil
	case info.replyLen == 2:
		if value < 0 || value > 0xFFFF {
			return nil, fmt.Errorf("%w: %d does not fit %s", ErrInvalidArgument, value, op)
		}
		return binary.BigEndian.AppendUint16(frame, uint16(value)), nil
	case info.signed:
		if value < -1<<31 || value > 1<<31-1 {
			return nil, fmt.Errorf("%w: %d does not fit %s", ErrInvalidArgument, value, op)
		}
		return binary.BigEndian.AppendUint32(frame, uint32(int32(value))), nil
	default:
		if value < 0 || value > 0xFFFFFFFF {
			return nil, fmt.Errorf("%w: %d does not fit %s", ErrInvalidArgument, value, op)
		}
		return binary.BigEndian.AppendUint32(frame, uint32(value)), nil
	}
}

// SplitRequest parses a request frame back into its parts. Used by the
// simulator, which sees requests the way a controller does.
func SplitRequest(frame []byte) (id byte, op Opcode, payload []byte, err error) {
	if len(frame) < 2 {
		return 0, 0, nil, fmt.Errorf("%w: request of %d bytes", ErrMalformedReply, len(frame))
	}
	id = frame[0]
	op = Opcode(frame[1])
	rest := frame[2:]
	// 0xFF never starts a one-byte opcode, so it marks the two-byte ones.
	if frame[1] == 0xFF {
		if len(frame) < 3 {
			return 0, 0, nil, fmt.Errorf("%w: truncated two-byte opcode", ErrMalformedReply)
		}
		op = Opcode(binary.BigEndian.Uint16(frame[1:3]))
		rest = frame[3:]
	}
	info, ok := opTable[op]
	if !ok {
		return 0, 0, nil, fmt.Errorf("%w: unknown %s", ErrMalformedReply, op)
	}
	if len(rest) != info.reqLen {
		return 0, 0, nil, fmt.Errorf("%w: %s wants %d payload bytes, got %d", ErrMalformedReply, op, info.reqLen, len(rest))
	}
	return id, op, rest, nil
}

// Request builders

func ReadEncoder(id int) ([]byte, error)       { return Encode(id, OpReadEncoder, nil) }
func ReadPulseCount(id int) ([]byte, error)    { return Encode(id, OpReadPulseCount, nil) }
func ReadPosition(id int) ([]byte, error)      { return Encode(id, OpReadPosition, nil) }
func ReadPositionError(id int) ([]byte, error) { return Encode(id, OpReadPositionError, nil) }
func ReadClosedLoop(id int) ([]byte, error)    { return Encode(id, OpReadClosedLoop, nil) }
func ReadStuck(id int) ([]byte, error)         { return Encode(id, OpReadStuck, nil) }
func Stop(id int) ([]byte, error)              { return Encode(id, OpStop, nil) }

// SetDivision sets the microstep division (1-255).
func SetDivision(id, division int) ([]byte, error) {
	if division < MinDivision || division > MaxDivision {
		return nil, fmt.Errorf("%w: division %d outside [%d,%d]", ErrInvalidArgument, division, MinDivision, MaxDivision)
	}
	return Encode(id, OpSetDivision, []byte{byte(division)})
}

// EnableClosedLoop switches closed-loop mode on or off.
func EnableClosedLoop(id int, on bool) ([]byte, error) {
	var v byte
	if on {
		v = 1
	}
	return Encode(id, OpEnableClosedLoop, []byte{v})
}

// Speed runs the motor continuously in dir at speed (0-127).
func Speed(id int, dir Direction, speed int) ([]byte, error) {
	b, err := SpeedByte(dir, speed)
	if err != nil {
		return nil, err
	}
	return Encode(id, OpSpeed, []byte{b})
}

// SpeedWithPulses runs the motor for exactly pulses steps.
func SpeedWithPulses(id int, dir Direction, speed, pulses int) ([]byte, error) {
	b, err := SpeedByte(dir, speed)
	if err != nil {
		return nil, err
	}
	if pulses <= 0 || pulses > MaxPulses {
		return nil, fmt.Errorf("%w: pulse count %d outside [1,%d]", ErrInvalidArgument, pulses, MaxPulses)
	}
	return Encode(id, OpSpeedWithPulses, []byte{b, byte(pulses >> 16), byte(pulses >> 8), byte(pulses)})
}

// SpeedHold stores the current speed-mode parameters so the controller
// resumes them at power-up, or clears them.
func SpeedHold(id int, clear bool) ([]byte, error) {
	if clear {
		return Encode(id, OpSpeedHoldClear, nil)
	}
	return Encode(id, OpSpeedHold, nil)
}

// SpeedByte packs direction into bit 7 and speed into bits 0-6.
func SpeedByte(dir Direction, speed int) (byte, error) {
	if speed < 0 || speed > MaxSpeed {
		return 0, fmt.Errorf("%w: speed %d outside [0,%d]", ErrInvalidArgument, speed, MaxSpeed)
	}
	if dir != CW && dir != CCW {
		return 0, fmt.Errorf("%w: direction 0x%02X", ErrInvalidArgument, byte(dir))
	}
	return byte(dir)<<7 | byte(speed)&0x7F, nil
}

// UnpackSpeedByte is the inverse of SpeedByte.
func UnpackSpeedByte(b byte) (Direction, int) {
	return Direction(b >> 7), int(b & 0x7F)
}

// UnpackPulses reads the three-byte big-endian pulse count.
func UnpackPulses(p []byte) int {
	if len(p) < 3 {
		return 0
	}
	return int(p[0])<<16 | int(p[1])<<8 | int(p[2])
}

// Typed reply decoders

// DecodePosition returns the signed position in counts.
func DecodePosition(raw []byte) (int32, error) {
	v, err := Decode(OpReadPosition, raw)
	return int32(v), err
}

// DecodePositionError returns the position error in counts.
func DecodePositionError(raw []byte) (uint16, error) {
	v, err := Decode(OpReadPositionError, raw)
	return uint16(v), err
}

func DecodeEncoder(raw []byte) (uint16, error) {
	v, err := Decode(OpReadEncoder, raw)
	return uint16(v), err
}

func DecodePulseCount(raw []byte) (uint32, error) {
	v, err := Decode(OpReadPulseCount, raw)
	return uint32(v), err
}

func DecodeClosedLoop(raw []byte) (ClosedLoopStatus, error) {
	v, err := Decode(OpReadClosedLoop, raw)
	return ClosedLoopStatus(v), err
}

func DecodeStuck(raw []byte) (bool, error) {
	v, err := Decode(OpReadStuck, raw)
	return v != 0, err
}

// DecodeProgress returns the progress code of a pulse-count move.
func DecodeProgress(raw []byte) (byte, error) {
	v, err := Decode(OpSpeedWithPulses, raw)
	if err != nil {
		return 0, err
	}
	if b := byte(v); b != ProgressStarted && b != ProgressFinished {
		return b, fmt.Errorf("%w: progress code 0x%02X", ErrMalformedReply, b)
	}
	return byte(v), nil
}
