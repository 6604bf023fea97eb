package mailer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mailcadence/models"
	"mailcadence/store"
)

// Registry hands out one adapter instance per sending account. Adapters carry
// per-tenant OAuth state, so they are never shared across accounts and never
// kept as package-level singletons.
type Registry struct {
	tokens  store.SenderStore
	timeout time.Duration

	mu       sync.Mutex
	adapters map[uint]*SMTPAdapter
}

func NewRegistry(tokens store.SenderStore, timeout time.Duration) *Registry {
	return &Registry{
		tokens:   tokens,
		timeout:  timeout,
		adapters: make(map[uint]*SMTPAdapter),
	}
}

// ForSender returns the account's adapter, creating and initializing one on
// first use. Initialization (token load/refresh) is serialized per account by
// the adapter's own lock, so no two callers refresh the same tokens
// concurrently.
func (r *Registry) ForSender(ctx context.Context, sender *models.Sender) (Adapter, error) {
	if sender == nil {
		return nil, fmt.Errorf("nil sender")
	}

	r.mu.Lock()
	adapter, ok := r.adapters[sender.ID]
	if !ok {
		adapter = NewSMTPAdapter(sender, r.tokens, r.timeout)
		r.adapters[sender.ID] = adapter
	}
	r.mu.Unlock()

	if err := adapter.Initialize(ctx); err != nil {
		r.Evict(sender.ID)
		return nil, err
	}
	return adapter, nil
}

// Evict drops an account's adapter, forcing re-initialization on next use
// (after reauthentication or credential rotation).
func (r *Registry) Evict(senderID uint) {
	r.mu.Lock()
	adapter, ok := r.adapters[senderID]
	if ok {
		delete(r.adapters, senderID)
	}
	r.mu.Unlock()
	if ok {
		_ = adapter.Close()
	}
}

// Close shuts down every adapter in the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, adapter := range r.adapters {
		_ = adapter.Close()
		delete(r.adapters, id)
	}
	return nil
}
