// Package correlation tracks outstanding remote invocations by correlation id.
package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"morsel/internal/domain"
)

// Pending is the handle of one outstanding invocation. It completes exactly
// once with a result, a remote fault, a timeout or a cancellation.
type Pending struct {
	id    string
	table *Table
	done  chan struct{}
	timer *time.Timer

	result json.RawMessage
	err    error
}

// ID returns the correlation id to put on the outgoing descriptor.
func (p *Pending) ID() string { return p.id }

// Done is closed once the call has completed.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (p *Pending) Result() (json.RawMessage, error) {
	return p.result, p.err
}

// Wait blocks until the call completes. If ctx ends first the call is
// cancelled and removed from the table.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.table.complete(p.id, p, nil, fmt.Errorf("%w: %v", domain.ErrInvocationCancelled, ctx.Err()))
		<-p.done
	}
	return p.result, p.err
}

func (p *Pending) finish(result json.RawMessage, err error) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.result, p.err = result, err
	close(p.done)
}

// Table maps correlation ids to pending calls. It owns its id generator.
type Table struct {
	logger *slog.Logger

	mu      sync.Mutex
	next    uint64
	pending map[string]*Pending
	closed  error
}

// NewTable creates an empty table.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{logger: logger, pending: make(map[string]*Pending)}
}

// Register allocates an id that is unique among outstanding calls and inserts
// a pending entry. A positive timeout completes the entry with
// domain.ErrInvocationTimeout when it elapses.
func (t *Table) Register(timeout time.Duration) (*Pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed != nil {
		return nil, t.closed
	}

	var id string
	for {
		t.next++
		id = strconv.FormatUint(t.next, 10)
		if _, taken := t.pending[id]; !taken {
			break
		}
	}

	p := &Pending{id: id, table: t, done: make(chan struct{})}
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			t.complete(id, p, nil, fmt.Errorf("%w: call %s after %s", domain.ErrInvocationTimeout, id, timeout))
		})
	}
	t.pending[id] = p
	return p, nil
}

// Resolve completes id with a result. It reports false, and logs a
// correlation miss, when id is not outstanding.
func (t *Table) Resolve(id string, result json.RawMessage) bool {
	if t.complete(id, nil, result, nil) {
		return true
	}
	t.miss(id)
	return false
}

// Reject completes id with err.
func (t *Table) Reject(id string, err error) bool {
	if t.complete(id, nil, nil, err) {
		return true
	}
	t.miss(id)
	return false
}

// Cancel completes id with a cancellation wrapping cause.
func (t *Table) Cancel(id string, cause error) bool {
	return t.complete(id, nil, nil, cancellation(cause))
}

// CancelAll completes every outstanding call with a cancellation wrapping
// cause and rejects further registrations. It returns the number cancelled.
func (t *Table) CancelAll(cause error) int {
	err := cancellation(cause)

	t.mu.Lock()
	if t.closed == nil {
		t.closed = err
	}
	victims := make([]*Pending, 0, len(t.pending))
	for id, p := range t.pending {
		victims = append(victims, p)
		delete(t.pending, id)
	}
	t.mu.Unlock()

	for _, p := range victims {
		p.finish(nil, err)
	}
	return len(victims)
}

// Len returns the number of outstanding calls.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// complete removes id and finishes it. When want is non-nil the entry must be
// that exact handle, so a stale timer cannot complete a reused id.
func (t *Table) complete(id string, want *Pending, result json.RawMessage, err error) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if !ok || (want != nil && p != want) {
		t.mu.Unlock()
		return false
	}
	delete(t.pending, id)
	t.mu.Unlock()

	p.finish(result, err)
	return true
}

func (t *Table) miss(id string) {
	t.logger.Debug("dropping result", "id", id, "error", domain.ErrCorrelationMiss)
}

func cancellation(cause error) error {
	if cause == nil {
		return domain.ErrInvocationCancelled
	}
	if errors.Is(cause, domain.ErrInvocationCancelled) {
		return cause
	}
	return fmt.Errorf("%w: %v", domain.ErrInvocationCancelled, cause)
}
