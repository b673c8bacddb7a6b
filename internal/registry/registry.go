// Package registry owns the identity → channel mapping. At most one channel
// is bound to an identity; rebinding evicts the previous channel without
// closing it.
package registry

import (
	"sync"

	"github.com/example/ride-realtime/internal/models"
)

// Channel is a live bidirectional connection to one client.
type Channel interface {
	ID() string
	Push(event string, data any) error
	Alive() bool
}

type binding struct {
	ch       Channel
	identity models.Identity
}

// Registry is safe for concurrent use. All state sits behind one mutex; no
// callbacks run while it is held.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]binding
	// back-reference from channel id to the identity it is bound to
	byChan map[string]models.Identity
}

func New() *Registry {
	return &Registry{
		byUser: make(map[string]binding),
		byChan: make(map[string]models.Identity),
	}
}

// Bind associates id with ch and returns the evicted channel, if any.
func (r *Registry) Bind(id models.Identity, ch Channel) (evicted Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// a channel re-authenticating as someone else drops its old identity
	if prev, ok := r.byChan[ch.ID()]; ok && prev.UserID != id.UserID {
		if b, ok := r.byUser[prev.UserID]; ok && b.ch.ID() == ch.ID() {
			delete(r.byUser, prev.UserID)
		}
	}
	if old, ok := r.byUser[id.UserID]; ok && old.ch.ID() != ch.ID() {
		delete(r.byChan, old.ch.ID())
		evicted = old.ch
	}
	r.byUser[id.UserID] = binding{ch: ch, identity: id}
	r.byChan[ch.ID()] = id
	return evicted
}

// Lookup returns the live channel bound to userID.
func (r *Registry) Lookup(userID string) (Channel, bool) {
	r.mu.RLock()
	b, ok := r.byUser[userID]
	r.mu.RUnlock()
	if !ok || !b.ch.Alive() {
		return nil, false
	}
	return b.ch, true
}

// IdentityOf returns the identity ch is currently bound to.
func (r *Registry) IdentityOf(ch Channel) (models.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byChan[ch.ID()]
	return id, ok
}

// Unbind removes ch's binding. It reports the identity only when ch was still
// the bound channel; a stale unbind from an evicted channel is a no-op.
func (r *Registry) Unbind(ch Channel) (models.Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byChan[ch.ID()]
	if !ok {
		return models.Identity{}, false
	}
	delete(r.byChan, ch.ID())
	b, ok := r.byUser[id.UserID]
	if !ok || b.ch.ID() != ch.ID() {
		return models.Identity{}, false
	}
	delete(r.byUser, id.UserID)
	return id, true
}

// Sweep drops bindings whose channel died without a close event and returns
// the identities that were removed.
func (r *Registry) Sweep() []models.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pruned []models.Identity
	for userID, b := range r.byUser {
		if b.ch.Alive() {
			continue
		}
		delete(r.byUser, userID)
		delete(r.byChan, b.ch.ID())
		pruned = append(pruned, b.identity)
	}
	return pruned
}

// Len returns the number of bound identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
