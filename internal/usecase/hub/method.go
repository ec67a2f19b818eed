package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"morsel/internal/domain"
)

// Handler runs a method on already-split arguments and returns a value to encode.
type Handler func(ctx context.Context, args []json.RawMessage) (any, error)

// Method is a named, typed invocable registered on a hub.
type Method struct {
	Name    string
	Arity   int
	handler Handler
}

// NewMethod wraps a raw handler. arity < 0 accepts any number of arguments.
func NewMethod(name string, arity int, h Handler) Method {
	return Method{Name: name, Arity: arity, handler: h}
}

// Invoke checks the argument count, runs the handler and encodes its result.
func (m Method) Invoke(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
	if m.Arity >= 0 && len(args) != m.Arity {
		return nil, fmt.Errorf("%w: %s expects %d arguments, got %d", domain.ErrProtocolDecode, m.Name, m.Arity, len(args))
	}
	v, err := m.handler(ctx, args)
	if err != nil {
		return nil, err
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", m.Name, err)
	}
	return out, nil
}

// Arg decodes argument i into T.
func Arg[T any](args []json.RawMessage, i int) (T, error) {
	var v T
	if i >= len(args) {
		return v, fmt.Errorf("%w: missing argument %d", domain.ErrProtocolDecode, i)
	}
	if err := json.Unmarshal(args[i], &v); err != nil {
		return v, fmt.Errorf("%w: argument %d: %v", domain.ErrProtocolDecode, i, err)
	}
	return v, nil
}

// Func0 registers fn as a method without arguments.
func Func0[R any](name string, fn func(ctx context.Context) (R, error)) Method {
	return NewMethod(name, 0, func(ctx context.Context, _ []json.RawMessage) (any, error) {
		return fn(ctx)
	})
}

// Func1 registers fn as a one-argument method.
func Func1[A, R any](name string, fn func(ctx context.Context, a A) (R, error)) Method {
	return NewMethod(name, 1, func(ctx context.Context, args []json.RawMessage) (any, error) {
		a, err := Arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a)
	})
}

// Func2 registers fn as a two-argument method.
func Func2[A, B, R any](name string, fn func(ctx context.Context, a A, b B) (R, error)) Method {
	return NewMethod(name, 2, func(ctx context.Context, args []json.RawMessage) (any, error) {
		a, err := Arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := Arg[B](args, 1)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a, b)
	})
}

// Func3 registers fn as a three-argument method.
func Func3[A, B, C, R any](name string, fn func(ctx context.Context, a A, b B, c C) (R, error)) Method {
	return NewMethod(name, 3, func(ctx context.Context, args []json.RawMessage) (any, error) {
		a, err := Arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := Arg[B](args, 1)
		if err != nil {
			return nil, err
		}
		c, err := Arg[C](args, 2)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a, b, c)
	})
}

// Action0 registers fn as a method without arguments or result.
func Action0(name string, fn func(ctx context.Context) error) Method {
	return NewMethod(name, 0, func(ctx context.Context, _ []json.RawMessage) (any, error) {
		return nil, fn(ctx)
	})
}

// Action1 registers fn as a one-argument method without result.
func Action1[A any](name string, fn func(ctx context.Context, a A) error) Method {
	return NewMethod(name, 1, func(ctx context.Context, args []json.RawMessage) (any, error) {
		a, err := Arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, a)
	})
}

// Action2 registers fn as a two-argument method without result.
func Action2[A, B any](name string, fn func(ctx context.Context, a A, b B) error) Method {
	return NewMethod(name, 2, func(ctx context.Context, args []json.RawMessage) (any, error) {
		a, err := Arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := Arg[B](args, 1)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, a, b)
	})
}

// Action3 registers fn as a three-argument method without result.
func Action3[A, B, C any](name string, fn func(ctx context.Context, a A, b B, c C) error) Method {
	return NewMethod(name, 3, func(ctx context.Context, args []json.RawMessage) (any, error) {
		a, err := Arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := Arg[B](args, 1)
		if err != nil {
			return nil, err
		}
		c, err := Arg[C](args, 2)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, a, b, c)
	})
}
