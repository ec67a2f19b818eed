package backplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"morsel/internal/domain"
)

// Local is the single-process backplane: sends are written straight to the
// matching locally owned connections.
type Local struct {
	logger *slog.Logger
	groups *Groups

	mu    sync.RWMutex
	peers map[string]domain.Peer
}

var _ domain.Backplane = (*Local)(nil)

// NewLocal returns an empty local backplane.
func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		logger: logger,
		groups: NewGroups(),
		peers:  make(map[string]domain.Peer),
	}
}

func (l *Local) OnClientConnected(_ context.Context, peer domain.Peer) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.peers[peer.ID()]; dup {
		return fmt.Errorf("backplane: connection %s already registered", peer.ID())
	}
	l.peers[peer.ID()] = peer
	return nil
}

// OnClientDisconnected forgets id and all of its group memberships.
func (l *Local) OnClientDisconnected(_ context.Context, id string) error {
	l.mu.Lock()
	delete(l.peers, id)
	l.mu.Unlock()
	if left := l.groups.RemoveAll(id); len(left) > 0 {
		l.logger.Debug("left groups on disconnect", "conn_id", id, "groups", left)
	}
	return nil
}

// Send delivers env to the local connections matching target. A connection
// target that is not owned here fails with ErrConnectionNotFound.
func (l *Local) Send(ctx context.Context, target domain.Target, env domain.Envelope) error {
	n, err := l.Deliver(ctx, target, env)
	if err != nil {
		return err
	}
	if n == 0 && target.Kind == domain.TargetConnection {
		return fmt.Errorf("%w: %s", domain.ErrConnectionNotFound, target.Value)
	}
	return nil
}

// Deliver writes env to every local connection matching target and reports
// how many were written. Only a failed write to a connection target is
// returned; group and broadcast writes are best effort per member.
func (l *Local) Deliver(ctx context.Context, target domain.Target, env domain.Envelope) (int, error) {
	peers := l.match(target)
	delivered := 0
	for _, p := range peers {
		if err := p.SendEnvelope(ctx, env); err != nil {
			l.logger.Debug("delivery failed", "conn_id", p.ID(), "error", err)
			if target.Kind == domain.TargetConnection {
				return delivered, fmt.Errorf("deliver to %s: %w", p.ID(), err)
			}
			continue
		}
		delivered++
	}
	return delivered, nil
}

// match snapshots the peers a target selects.
func (l *Local) match(target domain.Target) []domain.Peer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	switch target.Kind {
	case domain.TargetConnection:
		if p, ok := l.peers[target.Value]; ok {
			return []domain.Peer{p}
		}
		return nil
	case domain.TargetGroup:
		var out []domain.Peer
		for _, id := range l.groups.Members(target.Value) {
			if p, ok := l.peers[id]; ok {
				out = append(out, p)
			}
		}
		return out
	case domain.TargetAll:
		out := make([]domain.Peer, 0, len(l.peers))
		for _, p := range l.peers {
			out = append(out, p)
		}
		return out
	}
	return nil
}

// Owns reports whether id is a connection owned by this process.
func (l *Local) Owns(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.peers[id]
	return ok
}

// AddToGroup adds a locally owned connection to group. The ownership check and
// the add share the peers lock, so a concurrent disconnect either sees the new
// membership or the add is refused.
func (l *Local) AddToGroup(_ context.Context, id, group string) error {
	if group == "" {
		return errors.New("backplane: empty group name")
	}
	l.mu.RLock()
	_, owned := l.peers[id]
	if owned {
		l.groups.Add(id, group)
	}
	l.mu.RUnlock()
	if !owned {
		return fmt.Errorf("%w: %s", domain.ErrConnectionNotFound, id)
	}
	l.logger.Debug("joined group", "conn_id", id, "group", group)
	return nil
}

// RemoveFromGroup removes id from group. Removing a non-member is a no-op.
func (l *Local) RemoveFromGroup(_ context.Context, id, group string) error {
	l.groups.Remove(id, group)
	l.logger.Debug("left group", "conn_id", id, "group", group)
	return nil
}

// Groups exposes the membership store.
func (l *Local) Groups() *Groups { return l.groups }

// ConnectionIDs returns the locally owned connection ids, sorted.
func (l *Local) ConnectionIDs() []string {
	l.mu.RLock()
	ids := make([]string, 0, len(l.peers))
	for id := range l.peers {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Close forgets every connection and membership.
func (l *Local) Close() error {
	l.mu.Lock()
	l.peers = make(map[string]domain.Peer)
	l.mu.Unlock()
	l.groups.Reset()
	return nil
}
