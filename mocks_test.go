package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fakeIDP is an in-memory identity provider covering both the client and
// the admin surface.
type fakeIDP struct {
	SessionNotifier

	mu         sync.Mutex
	identities map[string]*fakeIdentity
	sessions   map[string]*ProviderSession
	oneTime    map[string]*fakeOneTime
	seq        int
	ttl        time.Duration
	now        func() time.Time

	inviteErr     error
	deleteErr     error
	credentialErr error

	deleted       []string
	recoveryLinks []string
}

type fakeIdentity struct {
	id       string
	email    string
	password string
}

type fakeOneTime struct {
	identityID string
	kind       OneTimeTokenType
	used       bool
	expiresAt  time.Time
}

func newFakeIDP() *fakeIDP {
	return &fakeIDP{
		identities: map[string]*fakeIdentity{},
		sessions:   map[string]*ProviderSession{},
		oneTime:    map[string]*fakeOneTime{},
		ttl:        time.Hour,
		now:        time.Now,
	}
}

// seedIdentity registers an identity with a credential and returns its id.
func (f *fakeIDP) seedIdentity(email, password string) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.identities[NormalizeEmail(email)] = &fakeIdentity{id: id.String(), email: NormalizeEmail(email), password: password}
	return id
}

// issueSession hands out a session for id without a password check.
func (f *fakeIDP) issueSession(id uuid.UUID, email string) *ProviderSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.newSessionLocked(id.String(), email)
}

func (f *fakeIDP) newSessionLocked(identityID, email string) *ProviderSession {
	f.seq++
	ps := &ProviderSession{
		AccessToken: fmt.Sprintf("tok-%d", f.seq),
		TokenID:     fmt.Sprintf("jti-%d", f.seq),
		IdentityID:  identityID,
		Email:       email,
		ExpiresAt:   f.now().Add(f.ttl),
	}
	f.sessions[ps.AccessToken] = ps
	copied := *ps
	return &copied
}

func (f *fakeIDP) issueLinkLocked(identityID string, kind OneTimeTokenType) string {
	f.seq++
	token := fmt.Sprintf("%s-link-%d", kind, f.seq)
	f.oneTime[token] = &fakeOneTime{identityID: identityID, kind: kind, expiresAt: f.now().Add(time.Hour)}
	return token
}

// lastLink returns the most recent one time token issued for kind.
func (f *fakeIDP) lastLink(kind OneTimeTokenType) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	best, bestSeq := "", -1
	for token, rec := range f.oneTime {
		if rec.kind != kind {
			continue
		}
		var n int
		fmt.Sscanf(token[strings.LastIndex(token, "-")+1:], "%d", &n)
		if n > bestSeq {
			best, bestSeq = token, n
		}
	}
	return best
}

func (f *fakeIDP) expireLink(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.oneTime[token]; ok {
		rec.expiresAt = f.now().Add(-time.Minute)
	}
}

func (f *fakeIDP) hasSession(token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[token]
	return ok
}

func (f *fakeIDP) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeIDP) passwordFor(email string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ident, ok := f.identities[NormalizeEmail(email)]; ok {
		return ident.password
	}
	return ""
}

func (f *fakeIDP) GetSession(_ context.Context, accessToken string) (*ProviderSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ps, ok := f.sessions[accessToken]
	if !ok {
		return nil, ErrUnauthenticated.Clone()
	}
	copied := *ps
	return &copied, nil
}

func (f *fakeIDP) SignInWithPassword(_ context.Context, email, password string) (*ProviderSession, error) {
	f.mu.Lock()
	ident, ok := f.identities[NormalizeEmail(email)]
	if !ok || ident.password == "" || ident.password != password {
		f.mu.Unlock()
		return nil, ErrInvalidCredentials.Clone()
	}
	ps := f.newSessionLocked(ident.id, ident.email)
	f.mu.Unlock()

	f.Notify(SessionEvent{Type: SessionEventSignedIn, IdentityID: ps.IdentityID, AccessToken: ps.AccessToken, Session: ps})
	return ps, nil
}

func (f *fakeIDP) SignOut(_ context.Context, accessToken string) error {
	f.mu.Lock()
	ps, ok := f.sessions[accessToken]
	delete(f.sessions, accessToken)
	f.mu.Unlock()

	if !ok {
		return nil
	}
	f.Notify(SessionEvent{Type: SessionEventSignedOut, IdentityID: ps.IdentityID, AccessToken: accessToken})
	return nil
}

func (f *fakeIDP) UpdateOwnCredential(_ context.Context, accessToken, newPassword string) error {
	if f.credentialErr != nil {
		return f.credentialErr
	}

	f.mu.Lock()
	ps, ok := f.sessions[accessToken]
	if !ok {
		f.mu.Unlock()
		return ErrUnauthenticated.Clone()
	}
	for _, ident := range f.identities {
		if ident.id == ps.IdentityID {
			ident.password = newPassword
		}
	}
	f.mu.Unlock()

	f.Notify(SessionEvent{Type: SessionEventCredentialUpdated, IdentityID: ps.IdentityID, AccessToken: accessToken})
	return nil
}

func (f *fakeIDP) ExchangeOneTimeToken(_ context.Context, token string, kind OneTimeTokenType) (*ProviderSession, error) {
	f.mu.Lock()
	rec, ok := f.oneTime[token]
	switch {
	case !ok || rec.kind != kind:
		f.mu.Unlock()
		return nil, ErrTokenInvalid.Clone()
	case rec.used:
		f.mu.Unlock()
		return nil, ErrTokenConsumed.Clone()
	case !f.now().Before(rec.expiresAt):
		f.mu.Unlock()
		return nil, ErrTokenExpired.Clone()
	}
	rec.used = true

	email := ""
	for _, ident := range f.identities {
		if ident.id == rec.identityID {
			email = ident.email
		}
	}
	ps := f.newSessionLocked(rec.identityID, email)
	f.mu.Unlock()

	f.Notify(SessionEvent{Type: SessionEventTokenExchanged, IdentityID: ps.IdentityID, AccessToken: ps.AccessToken, Session: ps})
	return ps, nil
}

func (f *fakeIDP) RequestRecovery(_ context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ident, ok := f.identities[NormalizeEmail(email)]
	if !ok {
		return ErrIdentityNotFound.Clone()
	}
	f.recoveryLinks = append(f.recoveryLinks, f.issueLinkLocked(ident.id, TokenTypeRecovery))
	return nil
}

func (f *fakeIDP) InviteByEmail(_ context.Context, email string) (string, error) {
	if f.inviteErr != nil {
		return "", f.inviteErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	email = NormalizeEmail(email)
	ident, ok := f.identities[email]
	if ok && ident.password != "" {
		return "", ErrIdentityExists.Clone()
	}
	// an identity without a credential is invited again, as the local
	// provider does
	if !ok {
		ident = &fakeIdentity{id: uuid.NewString(), email: email}
		f.identities[email] = ident
	}
	f.issueLinkLocked(ident.id, TokenTypeInvite)
	return ident.id, nil
}

func (f *fakeIDP) GenerateRecoveryLink(ctx context.Context, email string) error {
	return f.RequestRecovery(ctx, email)
}

func (f *fakeIDP) DeleteIdentity(_ context.Context, identityID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for email, ident := range f.identities {
		if ident.id == identityID {
			delete(f.identities, email)
		}
	}
	f.deleted = append(f.deleted, identityID)
	return nil
}

// fakeProfiles is an in-memory ProfileStore that publishes writes to feed.
type fakeProfiles struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*UserProfile
	feed ProfileFeed
	now  func() time.Time

	insertErr error
	updateErr error
	updates   int

	// getHook runs before every GetProfile, outside the lock.
	getHook func()
	// insertHook runs once before the next InsertProfile, outside the lock.
	insertHook func()
}

func newFakeProfiles(feed ProfileFeed) *fakeProfiles {
	return &fakeProfiles{rows: map[uuid.UUID]*UserProfile{}, feed: feed, now: time.Now}
}

func (s *fakeProfiles) put(profile *UserProfile) *UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	profile.Email = NormalizeEmail(profile.Email)
	s.rows[profile.ID] = profile.Clone()
	return profile
}

func (s *fakeProfiles) row(id uuid.UUID) *UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id].Clone()
}

func (s *fakeProfiles) GetProfile(_ context.Context, id uuid.UUID) (*UserProfile, error) {
	if s.getHook != nil {
		s.getHook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, ErrProfileNotFound.Clone()
	}
	return row.Clone(), nil
}

func (s *fakeProfiles) GetProfileByEmail(_ context.Context, email string) (*UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.Email == NormalizeEmail(email) {
			return row.Clone(), nil
		}
	}
	return nil, ErrProfileNotFound.Clone()
}

func (s *fakeProfiles) ListProfiles(context.Context) ([]*UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*UserProfile, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (s *fakeProfiles) InsertProfile(ctx context.Context, profile *UserProfile) (*UserProfile, error) {
	if hook := s.insertHook; hook != nil {
		s.insertHook = nil
		hook()
	}
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	s.mu.Lock()
	for _, row := range s.rows {
		if row.Email == profile.Email {
			s.mu.Unlock()
			return nil, ErrIdentityExists.Clone()
		}
	}
	row := profile.Clone()
	row.CreatedAt = s.now()
	row.UpdatedAt = row.CreatedAt
	s.rows[row.ID] = row
	out := row.Clone()
	s.mu.Unlock()

	s.publish(ctx, out)
	return out, nil
}

func (s *fakeProfiles) UpdateProfile(ctx context.Context, id uuid.UUID, patch ProfilePatch) (*UserProfile, error) {
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	s.mu.Lock()
	row, ok := s.rows[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrProfileNotFound.Clone()
	}
	if err := patch.CheckPrecondition(row); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	patch.Apply(row)
	row.UpdatedAt = s.now()
	s.updates++
	out := row.Clone()
	s.mu.Unlock()

	s.publish(ctx, out)
	return out, nil
}

func (s *fakeProfiles) DeleteProfile(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	if _, ok := s.rows[id]; !ok {
		s.mu.Unlock()
		return ErrProfileNotFound.Clone()
	}
	delete(s.rows, id)
	s.mu.Unlock()

	s.publish(ctx, DeletedProfile(id))
	return nil
}

func (s *fakeProfiles) publish(ctx context.Context, profile *UserProfile) {
	if s.feed != nil {
		_ = s.feed.Publish(ctx, profile)
	}
}

// fakeFeed delivers synchronously, like the in-process feed.
type fakeFeed struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[int]func(*UserProfile)
	next int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{subs: map[uuid.UUID]map[int]func(*UserProfile){}}
}

func (f *fakeFeed) Publish(_ context.Context, profile *UserProfile) error {
	f.mu.Lock()
	fns := make([]func(*UserProfile), 0, len(f.subs[profile.ID]))
	for _, fn := range f.subs[profile.ID] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(profile.Clone())
	}
	return nil
}

func (f *fakeFeed) Subscribe(_ context.Context, id uuid.UUID, fn func(*UserProfile)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	key := f.next
	if f.subs[id] == nil {
		f.subs[id] = map[int]func(*UserProfile){}
	}
	f.subs[id][key] = fn
	return SubscriptionFunc(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs[id], key)
	}), nil
}

func (f *fakeFeed) count(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[id])
}

type recordingSink struct {
	mu     sync.Mutex
	events []ActivityEvent
}

func (r *recordingSink) Record(_ context.Context, event ActivityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) ofType(t ActivityEventType) []ActivityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ActivityEvent
	for _, ev := range r.events {
		if ev.EventType == t {
			out = append(out, ev)
		}
	}
	return out
}

type nopTestLogger struct{}

func (nopTestLogger) Debug(string, ...any) {}
func (nopTestLogger) Info(string, ...any)  {}
func (nopTestLogger) Warn(string, ...any)  {}
func (nopTestLogger) Error(string, ...any) {}

func activeProfile(role Role, email string) *UserProfile {
	at := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	return &UserProfile{
		ID:          uuid.New(),
		Email:       email,
		Role:        role,
		Status:      UserStatusActive,
		FullName:    strings.Split(email, "@")[0],
		ActivatedAt: &at,
	}
}

func sessionFor(profile *UserProfile) *Session {
	return &Session{
		Provider: &ProviderSession{AccessToken: "tok-" + profile.ID.String(), IdentityID: profile.ID.String()},
		Profile:  profile.Clone(),
	}
}
