// Package feed pushes row level profile changes to live sessions.
package feed

import (
	"context"
	"sync"

	"github.com/google/uuid"

	auth "github.com/goliatone/go-clinic-auth"
)

// Memory is an in-process auth.ProfileFeed. Publish delivers on the
// caller's goroutine, after the subscriber table lock is released.
type Memory struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]map[uint64]func(*auth.UserProfile)
	next uint64
}

// NewMemory creates an empty feed.
func NewMemory() *Memory {
	return &Memory{subs: map[uuid.UUID]map[uint64]func(*auth.UserProfile){}}
}

// Publish implements auth.ProfileFeed.
func (m *Memory) Publish(ctx context.Context, profile *auth.UserProfile) error {
	if profile == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	listeners := make([]func(*auth.UserProfile), 0, len(m.subs[profile.ID]))
	for _, fn := range m.subs[profile.ID] {
		listeners = append(listeners, fn)
	}
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn(profile.Clone())
	}
	return nil
}

// Subscribe implements auth.ProfileFeed.
func (m *Memory) Subscribe(_ context.Context, id uuid.UUID, fn func(*auth.UserProfile)) (auth.Subscription, error) {
	if fn == nil {
		return auth.SubscriptionFunc(nil), nil
	}

	m.mu.Lock()
	m.next++
	key := m.next
	if m.subs[id] == nil {
		m.subs[id] = map[uint64]func(*auth.UserProfile){}
	}
	m.subs[id][key] = fn
	m.mu.Unlock()

	var once sync.Once
	return auth.SubscriptionFunc(func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs[id], key)
			if len(m.subs[id]) == 0 {
				delete(m.subs, id)
			}
		})
	}), nil
}

// Subscribers returns the number of live subscriptions for id.
func (m *Memory) Subscribers(id uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[id])
}

var _ auth.ProfileFeed = (*Memory)(nil)
