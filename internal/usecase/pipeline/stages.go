package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"

	"morsel/internal/domain"
)

// TransformFunc rewrites one whole payload.
type TransformFunc func(payload []byte) ([]byte, error)

// Transform is a stage built from an encode/decode pair. Decode failures on
// the receive path wrap domain.ErrProtocolDecode.
type Transform struct {
	Name   string
	Encode TransformFunc
	Decode TransformFunc
}

var _ Stage = Transform{}

func (t Transform) Send(ctx context.Context, mc *Context, next Next) error {
	if t.Encode == nil {
		return next(ctx, mc)
	}
	out, err := t.Encode(mc.Payload)
	if err != nil {
		return fmt.Errorf("%s encode: %w", t.Name, err)
	}
	mc.Payload = out
	return next(ctx, mc)
}

func (t Transform) Receive(ctx context.Context, mc *Context, next Next) error {
	if t.Decode == nil {
		return next(ctx, mc)
	}
	out, err := t.Decode(mc.Payload)
	if err != nil {
		return fmt.Errorf("%w: %s decode: %v", domain.ErrProtocolDecode, t.Name, err)
	}
	mc.Payload = out
	return next(ctx, mc)
}

// Funcs adapts a pair of functions to Stage. A nil func passes messages through.
type Funcs struct {
	SendFunc    func(ctx context.Context, mc *Context, next Next) error
	ReceiveFunc func(ctx context.Context, mc *Context, next Next) error
}

func (f Funcs) Send(ctx context.Context, mc *Context, next Next) error {
	if f.SendFunc == nil {
		return next(ctx, mc)
	}
	return f.SendFunc(ctx, mc, next)
}

func (f Funcs) Receive(ctx context.Context, mc *Context, next Next) error {
	if f.ReceiveFunc == nil {
		return next(ctx, mc)
	}
	return f.ReceiveFunc(ctx, mc, next)
}

// SendOnly keeps s's send transform and passes received messages through.
func SendOnly(s Stage) Stage {
	return Funcs{SendFunc: s.Send}
}

// ReceiveOnly keeps s's receive transform and passes sent messages through.
func ReceiveOnly(s Stage) Stage {
	return Funcs{ReceiveFunc: s.Receive}
}

// Base64 encodes payloads with standard base64 on send and decodes on receive.
func Base64() Transform {
	enc := base64.StdEncoding
	return Transform{
		Name: "base64",
		Encode: func(p []byte) ([]byte, error) {
			out := make([]byte, enc.EncodedLen(len(p)))
			enc.Encode(out, p)
			return out, nil
		},
		Decode: func(p []byte) ([]byte, error) {
			out := make([]byte, enc.DecodedLen(len(p)))
			n, err := enc.Decode(out, p)
			if err != nil {
				return nil, err
			}
			return out[:n], nil
		},
	}
}
