package auth0

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/auth0/go-auth0"
	"github.com/auth0/go-auth0/management"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	auth "github.com/goliatone/go-clinic-auth"
)

type MockUserManager struct {
	mock.Mock
}

func (m *MockUserManager) Create(ctx context.Context, u *management.User, opts ...management.RequestOption) error {
	args := m.Called(ctx, u)
	return args.Error(0)
}

func (m *MockUserManager) Update(ctx context.Context, id string, u *management.User, opts ...management.RequestOption) error {
	args := m.Called(ctx, id, u)
	return args.Error(0)
}

func (m *MockUserManager) Delete(ctx context.Context, id string, opts ...management.RequestOption) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockUserManager) ListByEmail(ctx context.Context, email string, opts ...management.RequestOption) ([]*management.User, error) {
	args := m.Called(ctx, email)
	if users, ok := args.Get(0).([]*management.User); ok {
		return users, args.Error(1)
	}
	return nil, args.Error(1)
}

type MockTicketManager struct {
	mock.Mock
}

func (m *MockTicketManager) ChangePassword(ctx context.Context, t *management.Ticket, opts ...management.RequestOption) error {
	args := m.Called(ctx, t)
	return args.Error(0)
}

type staticValidator map[string]*AccessToken

func (v staticValidator) Validate(_ context.Context, token string) (*AccessToken, error) {
	if out, ok := v[token]; ok {
		return out, nil
	}
	return nil, normalizeValidationError(assert.AnError)
}

type memoryIdentifiers struct {
	mu   sync.Mutex
	rows map[string]string // auth0 id -> user id
}

func newMemoryIdentifiers() *memoryIdentifiers {
	return &memoryIdentifiers{rows: map[string]string{}}
}

func (s *memoryIdentifiers) FindUserID(_ context.Context, _, identifier string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.rows[identifier]; ok {
		return id, nil
	}
	return "", repository.NewRecordNotFound()
}

func (s *memoryIdentifiers) FindIdentifier(_ context.Context, userID, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for identifier, id := range s.rows {
		if id == userID {
			return identifier, nil
		}
	}
	return "", repository.NewRecordNotFound()
}

func (s *memoryIdentifiers) Upsert(_ context.Context, userID, _, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[identifier] = userID
	return nil
}

func (s *memoryIdentifiers) Delete(_ context.Context, userID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for identifier, id := range s.rows {
		if id == userID {
			delete(s.rows, identifier)
		}
	}
	return nil
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []auth.LinkMessage
}

func (m *recordingMailer) SendLink(_ context.Context, msg auth.LinkMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

type mgmtError struct{ status int }

func (e mgmtError) Error() string { return http.StatusText(e.status) }
func (e mgmtError) Status() int   { return e.status }

type providerFixture struct {
	provider    *IdentityProvider
	users       *MockUserManager
	tickets     *MockTicketManager
	identifiers *memoryIdentifiers
	mailer      *recordingMailer
	tokens      staticValidator
}

func newProviderFixture(t *testing.T) *providerFixture {
	t.Helper()

	f := &providerFixture{
		users:       &MockUserManager{},
		tickets:     &MockTicketManager{},
		identifiers: newMemoryIdentifiers(),
		mailer:      &recordingMailer{},
		tokens:      staticValidator{},
	}

	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	p, err := NewIdentityProvider(context.Background(), Config{
		Domain:      "clinic.eu.auth0.com",
		Audience:    []string{"https://api.clinic.test"},
		ActivateURL: "https://app.clinic.test/auth/activate",
		ResetURL:    "https://app.clinic.test/auth/reset-password",
	}, f.identifiers,
		WithUserManager(f.users),
		WithTicketManager(f.tickets),
		WithSessionValidator(f.tokens),
		WithMailer(f.mailer),
		WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)
	f.provider = p
	return f
}

func TestIdentityProvider_InviteCreatesUserAndSendsTicket(t *testing.T) {
	f := newProviderFixture(t)
	ctx := context.Background()

	f.users.On("ListByEmail", ctx, "nurse@clinic.test").Return([]*management.User{}, nil)
	f.users.On("Create", ctx, mock.MatchedBy(func(u *management.User) bool {
		return u.GetEmail() == "nurse@clinic.test" && u.GetConnection() == DefaultConnection && u.GetPassword() != ""
	})).Run(func(args mock.Arguments) {
		args.Get(1).(*management.User).ID = auth0.String("auth0|nurse")
	}).Return(nil)
	f.tickets.On("ChangePassword", ctx, mock.MatchedBy(func(ticket *management.Ticket) bool {
		return ticket.GetUserID() == "auth0|nurse" &&
			ticket.GetResultURL() == "https://app.clinic.test/auth/activate" &&
			ticket.GetTTLSec() == int((72*time.Hour)/time.Second)
	})).Run(func(args mock.Arguments) {
		args.Get(1).(*management.Ticket).Ticket = auth0.String("https://clinic.eu.auth0.com/lo/reset?ticket=abc")
	}).Return(nil)

	id, err := f.provider.InviteByEmail(ctx, " Nurse@Clinic.test ")
	require.NoError(t, err)

	_, parseErr := uuid.Parse(id)
	require.NoError(t, parseErr)

	linked, err := f.identifiers.FindUserID(ctx, IdentifierProviderAuth0, "auth0|nurse")
	require.NoError(t, err)
	assert.Equal(t, id, linked)

	require.Len(t, f.mailer.sent, 1)
	assert.Equal(t, auth.TokenTypeInvite, f.mailer.sent[0].Kind)
	assert.Equal(t, "nurse@clinic.test", f.mailer.sent[0].Email)
	assert.True(t, strings.HasPrefix(f.mailer.sent[0].URL, "https://clinic.eu.auth0.com/"))

	f.users.AssertExpectations(t)
	f.tickets.AssertExpectations(t)
}

func TestIdentityProvider_InviteReusesUserThatNeverLoggedIn(t *testing.T) {
	f := newProviderFixture(t)
	ctx := context.Background()

	existingID := uuid.New().String()
	require.NoError(t, f.identifiers.Upsert(ctx, existingID, IdentifierProviderAuth0, "auth0|pending"))

	f.users.On("ListByEmail", ctx, "pending@clinic.test").Return([]*management.User{{
		ID:    auth0.String("auth0|pending"),
		Email: auth0.String("pending@clinic.test"),
	}}, nil)
	f.tickets.On("ChangePassword", ctx, mock.Anything).Return(nil)

	id, err := f.provider.InviteByEmail(ctx, "pending@clinic.test")
	require.NoError(t, err)
	assert.Equal(t, existingID, id)

	f.users.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestIdentityProvider_InviteRejectsUserWithLogins(t *testing.T) {
	f := newProviderFixture(t)
	ctx := context.Background()

	logins := int64(3)
	f.users.On("ListByEmail", ctx, "doc@clinic.test").Return([]*management.User{{
		ID:          auth0.String("auth0|doc"),
		Email:       auth0.String("doc@clinic.test"),
		LoginsCount: &logins,
	}}, nil)

	_, err := f.provider.InviteByEmail(ctx, "doc@clinic.test")
	require.Error(t, err)
	assert.Equal(t, auth.TextCodeIdentityExists, auth.TextCode(err))
	assert.Empty(t, f.mailer.sent)
}

func TestIdentityProvider_RequestRecoveryUnknownEmail(t *testing.T) {
	f := newProviderFixture(t)
	ctx := context.Background()

	f.users.On("ListByEmail", ctx, "ghost@clinic.test").Return(nil, nil)

	err := f.provider.RequestRecovery(ctx, "ghost@clinic.test")
	require.Error(t, err)
	assert.Equal(t, auth.TextCodeIdentityNotFound, auth.TextCode(err))
}

func TestIdentityProvider_RequestRecoverySendsResetTicket(t *testing.T) {
	f := newProviderFixture(t)
	ctx := context.Background()

	f.users.On("ListByEmail", ctx, "doc@clinic.test").Return([]*management.User{{
		ID:    auth0.String("auth0|doc"),
		Email: auth0.String("doc@clinic.test"),
	}}, nil)
	f.tickets.On("ChangePassword", ctx, mock.MatchedBy(func(ticket *management.Ticket) bool {
		return ticket.GetResultURL() == "https://app.clinic.test/auth/reset-password" &&
			ticket.GetTTLSec() == 3600
	})).Run(func(args mock.Arguments) {
		args.Get(1).(*management.Ticket).Ticket = auth0.String("https://clinic.eu.auth0.com/lo/reset?ticket=xyz")
	}).Return(nil)

	require.NoError(t, f.provider.GenerateRecoveryLink(ctx, "doc@clinic.test"))
	require.Len(t, f.mailer.sent, 1)
	assert.Equal(t, auth.TokenTypeRecovery, f.mailer.sent[0].Kind)
}

func TestIdentityProvider_GetSessionMapsSubject(t *testing.T) {
	f := newProviderFixture(t)
	ctx := context.Background()

	userID := uuid.New().String()
	require.NoError(t, f.identifiers.Upsert(ctx, userID, IdentifierProviderAuth0, "auth0|doc"))
	f.tokens["good"] = &AccessToken{Subject: "auth0|doc", TokenID: "jti-1", Email: "doc@clinic.test"}
	f.tokens["orphan"] = &AccessToken{Subject: "auth0|orphan", TokenID: "jti-2"}

	session, err := f.provider.GetSession(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, userID, session.IdentityID)
	assert.Equal(t, "jti-1", session.TokenID)

	_, err = f.provider.GetSession(ctx, "orphan")
	assert.True(t, auth.IsUnauthorized(err))

	_, err = f.provider.GetSession(ctx, "garbage")
	assert.True(t, auth.IsUnauthorized(err))
}

func TestIdentityProvider_SignOutRevokesAndNotifies(t *testing.T) {
	f := newProviderFixture(t)
	ctx := context.Background()

	userID := uuid.New().String()
	require.NoError(t, f.identifiers.Upsert(ctx, userID, IdentifierProviderAuth0, "auth0|doc"))
	f.tokens["good"] = &AccessToken{Subject: "auth0|doc", TokenID: "jti-1", ExpiresAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}

	var events []auth.SessionEvent
	sub := f.provider.OnSessionChange(func(ev auth.SessionEvent) {
		events = append(events, ev)
	})
	defer sub.Unsubscribe()

	require.NoError(t, f.provider.SignOut(ctx, "good"))

	require.Len(t, events, 1)
	assert.Equal(t, auth.SessionEventSignedOut, events[0].Type)
	assert.Equal(t, userID, events[0].IdentityID)
	assert.Equal(t, "good", events[0].AccessToken)

	_, err := f.provider.GetSession(ctx, "good")
	require.Error(t, err)
	var richErr *goerrors.Error
	require.ErrorAs(t, err, &richErr)
	assert.Equal(t, "signed_out", richErr.Metadata["reason"])
}

func TestIdentityProvider_UpdateOwnCredential(t *testing.T) {
	f := newProviderFixture(t)
	ctx := context.Background()

	userID := uuid.New().String()
	require.NoError(t, f.identifiers.Upsert(ctx, userID, IdentifierProviderAuth0, "auth0|doc"))
	f.tokens["good"] = &AccessToken{Subject: "auth0|doc", TokenID: "jti-1"}

	err := f.provider.UpdateOwnCredential(ctx, "good", "short")
	assert.Equal(t, auth.TextCodePasswordTooShort, auth.TextCode(err))

	f.users.On("Update", ctx, "auth0|doc", mock.MatchedBy(func(u *management.User) bool {
		return u.GetPassword() == "correct horse battery"
	})).Return(nil)

	var events []auth.SessionEvent
	sub := f.provider.OnSessionChange(func(ev auth.SessionEvent) { events = append(events, ev) })
	defer sub.Unsubscribe()

	require.NoError(t, f.provider.UpdateOwnCredential(ctx, "good", "correct horse battery"))
	require.Len(t, events, 1)
	assert.Equal(t, auth.SessionEventCredentialUpdated, events[0].Type)
	f.users.AssertExpectations(t)
}

func TestIdentityProvider_HostedLoginOperationsUnsupported(t *testing.T) {
	f := newProviderFixture(t)
	ctx := context.Background()

	_, err := f.provider.SignInWithPassword(ctx, "doc@clinic.test", "secret-pass")
	assert.Equal(t, auth.TextCodeUnsupported, auth.TextCode(err))

	_, err = f.provider.ExchangeOneTimeToken(ctx, "token", auth.TokenTypeInvite)
	assert.Equal(t, auth.TextCodeUnsupported, auth.TextCode(err))
}

func TestIdentityProvider_DeleteIdentity(t *testing.T) {
	f := newProviderFixture(t)
	ctx := context.Background()

	userID := uuid.New().String()
	require.NoError(t, f.identifiers.Upsert(ctx, userID, IdentifierProviderAuth0, "auth0|gone"))
	f.users.On("Delete", ctx, "auth0|gone").Return(mgmtError{status: http.StatusNotFound})

	require.NoError(t, f.provider.DeleteIdentity(ctx, userID))

	_, err := f.identifiers.FindIdentifier(ctx, userID, IdentifierProviderAuth0)
	assert.True(t, repository.IsRecordNotFound(err))

	err = f.provider.DeleteIdentity(ctx, uuid.New().String())
	assert.Equal(t, auth.TextCodeIdentityNotFound, auth.TextCode(err))
}

func TestIdentityProvider_ManagementErrorsMapToTaxonomy(t *testing.T) {
	err := managementError(mgmtError{status: http.StatusTooManyRequests}, "boom")
	assert.Equal(t, auth.TextCodeTooManyRequests, auth.TextCode(err))

	err = managementError(mgmtError{status: http.StatusInternalServerError}, "boom")
	assert.Equal(t, auth.TextCodeProviderFailure, auth.TextCode(err))
	assert.Equal(t, http.StatusInternalServerError, auth.HTTPStatus(err))
}
