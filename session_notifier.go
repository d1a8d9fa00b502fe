package auth

import "sync"

// SessionNotifier fans SessionEvents out to registered listeners. Identity
// providers embed it to implement OnSessionChange.
type SessionNotifier struct {
	mu        sync.RWMutex
	listeners map[uint64]func(SessionEvent)
	next      uint64
}

// OnSessionChange registers fn until the returned Subscription is released.
func (n *SessionNotifier) OnSessionChange(fn func(SessionEvent)) Subscription {
	if fn == nil {
		return SubscriptionFunc(nil)
	}

	n.mu.Lock()
	if n.listeners == nil {
		n.listeners = map[uint64]func(SessionEvent){}
	}
	n.next++
	id := n.next
	n.listeners[id] = fn
	n.mu.Unlock()

	var once sync.Once
	return SubscriptionFunc(func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	})
}

// Notify delivers ev to every listener. Listeners run on the caller's
// goroutine after the registry lock is released.
func (n *SessionNotifier) Notify(ev SessionEvent) {
	n.mu.RLock()
	listeners := make([]func(SessionEvent), 0, len(n.listeners))
	for _, fn := range n.listeners {
		listeners = append(listeners, fn)
	}
	n.mu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// Len returns the number of registered listeners
func (n *SessionNotifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.listeners)
}
