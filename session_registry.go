package auth

import (
	"context"
	"sync"
	"time"
)

// SessionRegistry keeps one SessionStore per access token on the server,
// so pushed profile changes reach requests that reuse a token.
type SessionRegistry struct {
	idp      IdentityProvider
	profiles ProfileStore
	feed     ProfileFeed
	opts     []SessionStoreOption
	now      func() time.Time
	logger   Logger

	mu     sync.Mutex
	stores map[string]*SessionStore
	sub    Subscription
}

// SessionRegistryOption customizes a SessionRegistry.
type SessionRegistryOption func(*SessionRegistry)

// WithSessionRegistryStoreOptions forwards options to every store created.
func WithSessionRegistryStoreOptions(opts ...SessionStoreOption) SessionRegistryOption {
	return func(r *SessionRegistry) {
		r.opts = append(r.opts, opts...)
	}
}

// WithSessionRegistryClock injects a clock
func WithSessionRegistryClock(clock func() time.Time) SessionRegistryOption {
	return func(r *SessionRegistry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithSessionRegistryLogger sets the logger
func WithSessionRegistryLogger(logger Logger) SessionRegistryOption {
	return func(r *SessionRegistry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewSessionRegistry creates an empty registry. It listens for provider
// sign outs to drop the matching store.
func NewSessionRegistry(idp IdentityProvider, profiles ProfileStore, feed ProfileFeed, opts ...SessionRegistryOption) *SessionRegistry {
	r := &SessionRegistry{
		idp:      idp,
		profiles: profiles,
		feed:     feed,
		now:      time.Now,
		logger:   defLogger{},
		stores:   map[string]*SessionStore{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.sub = idp.OnSessionChange(func(ev SessionEvent) {
		if ev.Type == SessionEventSignedOut && ev.AccessToken != "" {
			r.Forget(ev.AccessToken)
		}
	})
	return r
}

// Resolve returns the live session for accessToken, or nil when the token
// does not resolve to an authenticated profile.
func (r *SessionRegistry) Resolve(ctx context.Context, accessToken string) (*Session, error) {
	if accessToken == "" {
		return nil, nil
	}

	r.sweep()

	r.mu.Lock()
	store, ok := r.stores[accessToken]
	r.mu.Unlock()

	if ok {
		if session := store.Current(); session != nil {
			return session, nil
		}
		r.Forget(accessToken)
	}

	store = NewSessionStore(r.idp, r.profiles, r.feed, r.storeOptions()...)
	session, err := store.Resume(ctx, accessToken)
	if err != nil || session == nil {
		store.Close()
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.stores[accessToken]; ok {
		r.mu.Unlock()
		store.Close()
		return existing.Current(), nil
	}
	r.stores[accessToken] = store
	r.mu.Unlock()

	return session, nil
}

// Store returns the live store for accessToken, if one is registered.
func (r *SessionRegistry) Store(accessToken string) (*SessionStore, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	store, ok := r.stores[accessToken]
	return store, ok
}

// Adopt registers a store that already holds a session, for example one
// produced by SignIn or a token exchange.
func (r *SessionRegistry) Adopt(store *SessionStore) {
	token := store.Current().AccessToken()
	if token == "" {
		store.Close()
		return
	}

	r.mu.Lock()
	prev := r.stores[token]
	r.stores[token] = store
	r.mu.Unlock()

	if prev != nil && prev != store {
		prev.Close()
	}
}

// NewStore builds a detached store with the registry's dependencies.
func (r *SessionRegistry) NewStore() *SessionStore {
	return NewSessionStore(r.idp, r.profiles, r.feed, r.storeOptions()...)
}

// Forget closes and removes the store for accessToken.
func (r *SessionRegistry) Forget(accessToken string) {
	r.mu.Lock()
	store := r.stores[accessToken]
	delete(r.stores, accessToken)
	r.mu.Unlock()

	if store != nil {
		store.Close()
	}
}

// Len returns the number of live stores
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stores)
}

// Close releases every store and the provider subscription.
func (r *SessionRegistry) Close() {
	r.mu.Lock()
	stores := r.stores
	r.stores = map[string]*SessionStore{}
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	for _, store := range stores {
		store.Close()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (r *SessionRegistry) sweep() {
	now := r.now()

	r.mu.Lock()
	var expired []*SessionStore
	for token, store := range r.stores {
		session := store.Current()
		if session == nil || session.Provider.Expired(now) {
			expired = append(expired, store)
			delete(r.stores, token)
		}
	}
	r.mu.Unlock()

	for _, store := range expired {
		store.Close()
	}
	if len(expired) > 0 {
		r.logger.Debug("evicted %d expired sessions", len(expired))
	}
}

func (r *SessionRegistry) storeOptions() []SessionStoreOption {
	opts := make([]SessionStoreOption, 0, len(r.opts)+2)
	opts = append(opts, WithSessionStoreClock(r.now), WithSessionStoreLogger(r.logger))
	return append(opts, r.opts...)
}

// SignOut ends the session behind accessToken. When no store is live the
// provider is called directly so the token is still revoked.
func (r *SessionRegistry) SignOut(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return nil
	}

	r.mu.Lock()
	store := r.stores[accessToken]
	delete(r.stores, accessToken)
	r.mu.Unlock()

	if store == nil {
		if err := r.idp.SignOut(ctx, accessToken); err != nil {
			return providerError(err, "sign out failed")
		}
		return nil
	}

	defer store.Close()
	return store.SignOut(ctx)
}
