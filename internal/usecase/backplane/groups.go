// Package backplane routes envelopes to connections by id, group or
// broadcast, locally or across processes sharing a pub/sub substrate.
package backplane

import (
	"slices"
	"sync"
)

// Groups is the process-local membership store: group name to connection ids,
// and the reverse index used on disconnect.
type Groups struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{}
	joined  map[string]map[string]struct{}
}

// NewGroups returns an empty membership store.
func NewGroups() *Groups {
	return &Groups{
		members: make(map[string]map[string]struct{}),
		joined:  make(map[string]map[string]struct{}),
	}
}

// Add puts id in group. Adding twice is a no-op.
func (g *Groups) Add(id, group string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	add(g.members, group, id)
	add(g.joined, id, group)
}

// Remove takes id out of group.
func (g *Groups) Remove(id, group string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	remove(g.members, group, id)
	remove(g.joined, id, group)
}

// RemoveAll drops every membership of id and returns the groups it left.
func (g *Groups) RemoveAll(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var left []string
	for group := range g.joined[id] {
		remove(g.members, group, id)
		left = append(left, group)
	}
	delete(g.joined, id)
	slices.Sort(left)
	return left
}

// Members returns a snapshot of group's members. Callers iterate the copy
// without holding the lock.
func (g *Groups) Members(group string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.members[group]))
	for id := range g.members[group] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Of returns the groups id belongs to.
func (g *Groups) Of(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.joined[id]))
	for group := range g.joined[id] {
		out = append(out, group)
	}
	slices.Sort(out)
	return out
}

// Reset drops every membership.
func (g *Groups) Reset() {
	g.mu.Lock()
	g.members = make(map[string]map[string]struct{})
	g.joined = make(map[string]map[string]struct{})
	g.mu.Unlock()
}

// Len returns the number of non-empty groups.
func (g *Groups) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

func add(m map[string]map[string]struct{}, key, val string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[val] = struct{}{}
}

func remove(m map[string]map[string]struct{}, key, val string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, val)
	if len(set) == 0 {
		delete(m, key)
	}
}
