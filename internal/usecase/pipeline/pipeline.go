// Package pipeline implements the ordered chain of bidirectional transforms
// wrapped around a connection's send and receive paths.
//
// Both directions walk the stages in registration order. A stage that is not
// its own inverse must be split into SendOnly and ReceiveOnly halves placed in
// mirrored positions, for example:
//
//	pipeline.New(pipeline.SendOnly(b64), gz, pipeline.ReceiveOnly(b64))
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"morsel/internal/domain"
)

// Context is the per-message state handed from stage to stage.
type Context struct {
	ConnectionID string
	Payload      []byte
}

// Next continues the chain with the transformed context.
type Next func(ctx context.Context, mc *Context) error

// Stage transforms messages in both directions. Each method must call next
// exactly once to keep the message moving.
type Stage interface {
	Send(ctx context.Context, mc *Context, next Next) error
	Receive(ctx context.Context, mc *Context, next Next) error
}

var errTerminalTwice = errors.New("pipeline: stage continued a message more than once")

// Pipeline is an immutable, ordered list of stages shared by all connections.
type Pipeline struct {
	stages []Stage
}

// New builds a pipeline from stages in order. Nil stages are skipped.
func New(stages ...Stage) *Pipeline {
	p := &Pipeline{stages: make([]Stage, 0, len(stages))}
	for _, s := range stages {
		if s != nil {
			p.stages = append(p.stages, s)
		}
	}
	return p
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	if p == nil {
		return 0
	}
	return len(p.stages)
}

// Send runs mc through every stage's Send and then terminal.
func (p *Pipeline) Send(ctx context.Context, mc *Context, terminal Next) error {
	return p.run(ctx, mc, terminal, func(s Stage) stageFunc { return s.Send })
}

// Receive runs mc through every stage's Receive and then terminal.
func (p *Pipeline) Receive(ctx context.Context, mc *Context, terminal Next) error {
	return p.run(ctx, mc, terminal, func(s Stage) stageFunc { return s.Receive })
}

// SendBytes applies the send direction to payload and returns the result.
func (p *Pipeline) SendBytes(ctx context.Context, connID string, payload []byte) ([]byte, error) {
	var out []byte
	err := p.Send(ctx, &Context{ConnectionID: connID, Payload: payload}, func(_ context.Context, mc *Context) error {
		out = mc.Payload
		return nil
	})
	return out, err
}

// ReceiveBytes applies the receive direction to payload and returns the result.
func (p *Pipeline) ReceiveBytes(ctx context.Context, connID string, payload []byte) ([]byte, error) {
	var out []byte
	err := p.Receive(ctx, &Context{ConnectionID: connID, Payload: payload}, func(_ context.Context, mc *Context) error {
		out = mc.Payload
		return nil
	})
	return out, err
}

type stageFunc func(ctx context.Context, mc *Context, next Next) error

// run folds the stages into one composed continuation, innermost first.
func (p *Pipeline) run(ctx context.Context, mc *Context, terminal Next, pick func(Stage) stageFunc) error {
	var calls atomic.Int32
	next := Next(func(ctx context.Context, mc *Context) error {
		if calls.Add(1) > 1 {
			return errTerminalTwice
		}
		return terminal(ctx, mc)
	})

	if p != nil {
		for i := len(p.stages) - 1; i >= 0; i-- {
			fn, cont := pick(p.stages[i]), next
			next = func(ctx context.Context, mc *Context) error {
				return fn(ctx, mc, cont)
			}
		}
	}

	if err := next(ctx, mc); err != nil {
		return err
	}
	if calls.Load() == 0 {
		return fmt.Errorf("%w: message for %q never reached the end of the chain", domain.ErrPipelineStalled, mc.ConnectionID)
	}
	return nil
}
