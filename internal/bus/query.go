package bus

import (
	"context"

	"github.com/shaunagostinho/stepbus/internal/codec"
)

// Requester is the part of Bus that Query needs.
type Requester interface {
	Request(ctx context.Context, id byte, frame []byte, replyLen int) ([]byte, error)
}

// Query reads one register from id: it encodes op, waits for the reply
// and decodes it. Decode failures are returned as they are, not retried.
func Query[T any](ctx context.Context, b Requester, id byte, op codec.Opcode, decode func([]byte) (T, error)) (T, error) {
	var zero T
	frame, err := codec.Encode(int(id), op, nil)
	if err != nil {
		return zero, err
	}
	raw, err := b.Request(ctx, id, frame, codec.ReplyLen(op))
	if err != nil {
		return zero, err
	}
	v, err := decode(raw)
	if err != nil {
		return zero, &DeviceError{ID: id, Op: op.String(), Err: err}
	}
	return v, nil
}
