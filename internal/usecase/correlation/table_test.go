package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"morsel/internal/domain"
)

func TestTable_IDsUniqueAmongOutstanding(t *testing.T) {
	tbl := NewTable(nil)

	seen := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := tbl.Register(0)
			if err != nil {
				t.Errorf("register: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[p.ID()] {
				t.Errorf("duplicate id %s", p.ID())
			}
			seen[p.ID()] = true
		}()
	}
	wg.Wait()
	assert.Equal(t, 200, tbl.Len())
}

func TestTable_ResolveExactlyOnce(t *testing.T) {
	tbl := NewTable(nil)
	p, err := tbl.Register(0)
	require.NoError(t, err)

	assert.True(t, tbl.Resolve(p.ID(), json.RawMessage(`"hi"`)))
	assert.False(t, tbl.Resolve(p.ID(), json.RawMessage(`"again"`)), "second result must be dropped")
	assert.False(t, tbl.Reject(p.ID(), errors.New("late")))

	res, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `"hi"`, string(res))
	assert.Equal(t, 0, tbl.Len())
}

func TestTable_UnknownIDIsMiss(t *testing.T) {
	tbl := NewTable(nil)
	assert.False(t, tbl.Resolve("404", nil))
}

func TestTable_Reject(t *testing.T) {
	tbl := NewTable(nil)
	p, _ := tbl.Register(0)

	remote := domain.NewRemoteError("Explode", "kaboom")
	require.True(t, tbl.Reject(p.ID(), remote))

	_, err := p.Wait(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvocationFault)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestTable_Timeout(t *testing.T) {
	tbl := NewTable(nil)
	slow, _ := tbl.Register(20 * time.Millisecond)
	other, _ := tbl.Register(0)

	_, err := slow.Wait(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvocationTimeout)

	// The deadline only affects its own entry.
	assert.Equal(t, 1, tbl.Len())
	assert.True(t, tbl.Resolve(other.ID(), json.RawMessage(`1`)))
	assert.False(t, tbl.Resolve(slow.ID(), json.RawMessage(`1`)))
}

func TestTable_ResultBeforeTimeoutWins(t *testing.T) {
	tbl := NewTable(nil)
	p, _ := tbl.Register(50 * time.Millisecond)
	require.True(t, tbl.Resolve(p.ID(), json.RawMessage(`true`)))

	time.Sleep(80 * time.Millisecond)
	res, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "true", string(res))
}

func TestTable_WaitContextCancels(t *testing.T) {
	tbl := NewTable(nil)
	p, _ := tbl.Register(0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Wait(ctx)
	assert.ErrorIs(t, err, domain.ErrInvocationCancelled)
	assert.Equal(t, 0, tbl.Len())
}

func TestTable_CancelAll(t *testing.T) {
	tbl := NewTable(nil)
	var handles []*Pending
	for range 5 {
		p, err := tbl.Register(time.Minute)
		require.NoError(t, err)
		handles = append(handles, p)
	}

	n := tbl.CancelAll(domain.ErrChannelClosed)
	assert.Equal(t, 5, n)
	assert.Equal(t, 0, tbl.Len())

	for _, p := range handles {
		select {
		case <-p.Done():
		default:
			t.Fatalf("call %s left unresolved", p.ID())
		}
		_, err := p.Result()
		assert.ErrorIs(t, err, domain.ErrInvocationCancelled)
	}

	_, err := tbl.Register(0)
	assert.ErrorIs(t, err, domain.ErrInvocationCancelled)
}

func TestTable_CancelSingle(t *testing.T) {
	tbl := NewTable(nil)
	a, _ := tbl.Register(0)
	b, _ := tbl.Register(0)

	assert.True(t, tbl.Cancel(a.ID(), nil))
	_, err := a.Result()
	assert.ErrorIs(t, err, domain.ErrInvocationCancelled)
	assert.Equal(t, 1, tbl.Len())
	assert.True(t, tbl.Resolve(b.ID(), nil))
}
