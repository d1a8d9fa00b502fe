package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState is the observable state of a SessionStore.
type SessionState string

const (
	SessionStateLoading       SessionState = "loading"
	SessionStateAuthenticated SessionState = "authenticated"
	SessionStateAnonymous     SessionState = "anonymous"
)

// SessionStore tracks one actor's live Session. It listens to the identity
// provider for session changes and to the profile feed for edits made to
// the actor's own profile by someone else. Both subscriptions are bound to
// the store and released by SignOut or Close.
type SessionStore struct {
	idp            IdentityProvider
	profiles       ProfileStore
	feed           ProfileFeed
	logger         Logger
	resolveTimeout time.Duration
	now            func() time.Time

	mu          sync.Mutex
	state       SessionState
	session     *Session
	generation  uint64
	ready       chan struct{}
	readyClosed bool
	subscribers map[uint64]func(*Session)
	nextSubID   uint64
	providerSub Subscription
	profileSub  Subscription
	closed      bool
}

// SessionStoreOption customizes a SessionStore.
type SessionStoreOption func(*SessionStore)

// WithSessionStoreLogger sets the logger
func WithSessionStoreLogger(logger Logger) SessionStoreOption {
	return func(s *SessionStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSessionStoreResolveTimeout bounds the initial loading phase.
func WithSessionStoreResolveTimeout(d time.Duration) SessionStoreOption {
	return func(s *SessionStore) {
		if d > 0 {
			s.resolveTimeout = d
		}
	}
}

// WithSessionStoreClock injects a clock
func WithSessionStoreClock(clock func() time.Time) SessionStoreOption {
	return func(s *SessionStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewSessionStore creates a store in the loading state. feed may be nil, in
// which case profile edits are only seen on Refresh.
func NewSessionStore(idp IdentityProvider, profiles ProfileStore, feed ProfileFeed, opts ...SessionStoreOption) *SessionStore {
	s := &SessionStore{
		idp:            idp,
		profiles:       profiles,
		feed:           feed,
		logger:         defLogger{},
		resolveTimeout: 10 * time.Second,
		now:            time.Now,
		state:          SessionStateLoading,
		ready:          make(chan struct{}),
		subscribers:    map[uint64]func(*Session){},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if idp != nil {
		s.providerSub = idp.OnSessionChange(s.onProviderEvent)
	}

	return s
}

// State returns the current state
func (s *SessionStore) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns a copy of the live session or nil.
func (s *SessionStore) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Clone()
}

// Subscribe registers fn to receive every session change. The returned
// function removes the registration.
func (s *SessionStore) Subscribe(fn func(*Session)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subscribers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
}

// WaitReady blocks until the store leaves the loading state. If it is still
// loading when the resolve timeout passes, it resolves to anonymous.
func (s *SessionStore) WaitReady(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	ready := s.ready
	gen := s.generation
	s.mu.Unlock()

	timer := time.NewTimer(s.resolveTimeout)
	defer timer.Stop()

	select {
	case <-ready:
	case <-timer.C:
		s.resolve(gen, nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Current(), nil
}

// Resume restores a previously issued token. Provider failures are not
// returned: the store resolves to anonymous and the failure is logged.
func (s *SessionStore) Resume(ctx context.Context, accessToken string) (*Session, error) {
	gen := s.begin()

	if accessToken == "" {
		s.resolve(gen, nil)
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.resolveTimeout)
	defer cancel()

	ps, err := s.idp.GetSession(ctx, accessToken)
	if err != nil || ps == nil || ps.Expired(s.now()) {
		if err != nil {
			s.logger.Debug("session resume failed: %v", err)
		}
		s.resolve(gen, nil)
		return nil, nil
	}

	session, err := s.loadSession(ctx, ps)
	if err != nil {
		s.logger.Warn("profile load failed for identity %s: %v", ps.IdentityID, err)
		s.resolve(gen, nil)
		return nil, nil
	}

	s.resolve(gen, session)
	return s.Current(), nil
}

// SignIn authenticates with a password. Inactive and terminated accounts
// are refused and their fresh provider session is discarded.
func (s *SessionStore) SignIn(ctx context.Context, email, password string) (*Session, error) {
	gen := s.begin()

	ps, err := s.idp.SignInWithPassword(ctx, NormalizeEmail(email), password)
	if err != nil {
		return nil, providerError(err, "sign in failed")
	}

	session, err := s.loadSession(ctx, ps)
	if err != nil {
		_ = s.idp.SignOut(ctx, ps.AccessToken)
		return nil, err
	}

	switch session.Profile.Status {
	case UserStatusInactive, UserStatusTerminated:
		_ = s.idp.SignOut(ctx, ps.AccessToken)
		return nil, errorWith(ErrAccountInactive, map[string]any{
			"status": session.Profile.Status,
		})
	}

	s.resolve(gen, session)
	return s.Current(), nil
}

// AdoptSession installs a provider session obtained elsewhere, typically
// from a one time token exchange.
func (s *SessionStore) AdoptSession(ctx context.Context, ps *ProviderSession) (*Session, error) {
	gen := s.begin()

	session, err := s.loadSession(ctx, ps)
	if err != nil {
		s.resolve(gen, nil)
		return nil, err
	}

	s.resolve(gen, session)
	return s.Current(), nil
}

// Refresh re-reads the profile of the current session. Callers use it
// before a read-modify-write instead of trusting cached state.
func (s *SessionStore) Refresh(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	current := s.session.Clone()
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	if current == nil {
		return nil, nil
	}

	session, err := s.loadSession(ctx, current.Provider)
	if err != nil {
		// a deleted profile or identity ends the session
		if isNotFound(err) || IsUnauthorized(err) {
			s.resolve(gen, nil)
		}
		return nil, err
	}

	s.resolve(gen, session)
	return s.Current(), nil
}

// SignOut clears the session, tears down the profile subscription and
// signs out at the provider.
func (s *SessionStore) SignOut(ctx context.Context) error {
	s.mu.Lock()
	token := s.session.AccessToken()
	s.mu.Unlock()

	s.resolve(s.begin(), nil)

	if token == "" {
		return nil
	}
	if err := s.idp.SignOut(ctx, token); err != nil {
		return providerError(err, "sign out failed")
	}
	return nil
}

// Close releases every subscription held by the store. The store keeps
// its last state but no longer receives updates.
func (s *SessionStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.generation++
	providerSub := s.providerSub
	profileSub := s.profileSub
	s.providerSub = nil
	s.profileSub = nil
	s.subscribers = map[uint64]func(*Session){}
	s.mu.Unlock()

	if providerSub != nil {
		providerSub.Unsubscribe()
	}
	if profileSub != nil {
		profileSub.Unsubscribe()
	}
}

func (s *SessionStore) loadSession(ctx context.Context, ps *ProviderSession) (*Session, error) {
	if ps == nil {
		return nil, ErrUnauthenticated.Clone()
	}

	id, err := ps.UserID()
	if err != nil {
		return nil, errorWith(ErrUnauthenticated, map[string]any{"reason": "identity id is not a uuid"})
	}

	profile, err := s.profiles.GetProfile(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, errorWith(ErrUnauthenticated, map[string]any{
				"reason":      "no profile for identity",
				"identity_id": ps.IdentityID,
			})
		}
		return nil, providerError(err, "failed to load profile")
	}

	copied := *ps
	return &Session{Provider: &copied, Profile: profile}, nil
}

// begin starts a new resolution and invalidates in flight ones.
func (s *SessionStore) begin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	return s.generation
}

// resolve installs session if gen is still current. Stale results are
// dropped and reported as false.
func (s *SessionStore) resolve(gen uint64, session *Session) bool {
	s.mu.Lock()
	if gen != s.generation || s.closed {
		s.mu.Unlock()
		return false
	}

	prevUser := s.session.UserID()
	nextUser := session.UserID()

	var stale Subscription
	if prevUser != nextUser && s.profileSub != nil {
		stale = s.profileSub
		s.profileSub = nil
	}
	needsFeed := nextUser != uuid.Nil && s.profileSub == nil && s.feed != nil

	s.session = session
	if session != nil {
		s.state = SessionStateAuthenticated
	} else {
		s.state = SessionStateAnonymous
	}
	if !s.readyClosed {
		close(s.ready)
		s.readyClosed = true
	}
	subscribers := s.snapshotSubscribers()
	current := s.session.Clone()
	s.mu.Unlock()

	if stale != nil {
		stale.Unsubscribe()
	}

	if needsFeed {
		s.watchProfile(gen, nextUser)
	}

	for _, fn := range subscribers {
		fn(current.Clone())
	}
	return true
}

func (s *SessionStore) watchProfile(gen uint64, id uuid.UUID) {
	sub, err := s.feed.Subscribe(context.Background(), id, s.onProfilePush)
	if err != nil {
		s.logger.Warn("profile feed subscription failed for %s: %v", id, err)
		return
	}

	s.mu.Lock()
	if s.closed || s.session.UserID() != id || s.profileSub != nil {
		s.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	s.profileSub = sub
	s.mu.Unlock()
}

// onProfilePush applies a pushed profile row. It also invalidates any
// fetch that started before the push. A tombstone signs the store out.
func (s *SessionStore) onProfilePush(profile *UserProfile) {
	if profile == nil {
		return
	}

	s.mu.Lock()
	if s.closed || s.session == nil || s.session.UserID() != profile.ID {
		s.mu.Unlock()
		return
	}
	if profile.Deleted {
		s.mu.Unlock()
		s.logger.Info("profile %s deleted, dropping session", profile.ID)
		s.resolve(s.begin(), nil)
		return
	}
	s.generation++
	next := &Session{Provider: s.session.Provider, Profile: profile.Clone()}
	s.session = next
	subscribers := s.snapshotSubscribers()
	current := next.Clone()
	s.mu.Unlock()

	for _, fn := range subscribers {
		fn(current.Clone())
	}
}

func (s *SessionStore) onProviderEvent(ev SessionEvent) {
	s.mu.Lock()
	current := s.session.Clone()
	s.mu.Unlock()

	if current == nil || current.Provider == nil {
		return
	}

	sameToken := ev.AccessToken != "" && ev.AccessToken == current.Provider.AccessToken
	sameIdentity := ev.IdentityID != "" && ev.IdentityID == current.Provider.IdentityID

	switch ev.Type {
	case SessionEventSignedOut:
		if sameToken {
			s.resolve(s.begin(), nil)
		}
	case SessionEventCredentialUpdated, SessionEventSignedIn, SessionEventTokenExchanged:
		if sameToken || sameIdentity {
			ctx, cancel := context.WithTimeout(context.Background(), s.resolveTimeout)
			defer cancel()
			if _, err := s.Refresh(ctx); err != nil {
				s.logger.Debug("profile refresh after %s failed: %v", ev.Type, err)
			}
		}
	}
}

func (s *SessionStore) snapshotSubscribers() []func(*Session) {
	out := make([]func(*Session), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		out = append(out, fn)
	}
	return out
}
