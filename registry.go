package main

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Registry owns the id -> tunnel map. It is the only place entries are
// inserted or removed.
type Registry struct {
	mu      sync.RWMutex
	tunnels map[string]*tunnelState
}

func NewRegistry() *Registry {
	return &Registry{tunnels: make(map[string]*tunnelState)}
}

func (r *Registry) Insert(t *tunnelState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tunnels[t.id()]; ok {
		return errors.Wrapf(ErrDuplicateTunnelID, "tunnel %q", t.id())
	}
	r.tunnels[t.id()] = t
	return nil
}

// Remove deletes id only while it still maps to t, so an engine finishing
// late never removes a tunnel that was recreated under the same id.
func (r *Registry) Remove(id string, t *tunnelState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tunnels[id]; ok && cur == t {
		delete(r.tunnels, id)
		return true
	}
	return false
}

func (r *Registry) lookup(id string) (*tunnelState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tunnels[id]
	return t, ok
}

func (r *Registry) Get(id string) (TunnelConfig, bool) {
	t, ok := r.lookup(id)
	if !ok {
		return TunnelConfig{}, false
	}
	return t.snapshot(), true
}

// List returns snapshots of every tunnel ordered by id.
func (r *Registry) List() []TunnelConfig {
	r.mu.RLock()
	states := make([]*tunnelState, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		states = append(states, t)
	}
	r.mu.RUnlock()

	out := make([]TunnelConfig, 0, len(states))
	for _, t := range states {
		out = append(out, t.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tunnels))
	for id := range r.tunnels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tunnels)
}
