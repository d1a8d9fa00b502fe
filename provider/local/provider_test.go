package local

import (
	"context"
	"database/sql"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"golang.org/x/crypto/bcrypt"

	auth "github.com/goliatone/go-clinic-auth"
)

type outbox struct {
	mu   sync.Mutex
	sent []auth.LinkMessage
}

func (o *outbox) SendLink(_ context.Context, msg auth.LinkMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, msg)
	return nil
}

func (o *outbox) last(t *testing.T) auth.LinkParams {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.sent, "no link was mailed")

	u, err := url.Parse(o.sent[len(o.sent)-1].URL)
	require.NoError(t, err)
	return auth.LinkParamsFromValues(u.Query())
}

type fixture struct {
	provider *Provider
	mail     *outbox
	now      time.Time
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	for _, model := range Models() {
		_, err := db.NewCreateTable().Model(model).IfNotExists().Exec(context.Background())
		require.NoError(t, err)
	}

	f := &fixture{
		mail: &outbox{},
		now:  time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}

	f.provider, err = NewProvider(db, Config{
		SigningKey:   []byte("0123456789abcdef0123456789abcdef"),
		BaseURL:      "https://clinic.test/",
		PasswordCost: bcrypt.MinCost,
	}, WithMailer(f.mail), WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	return f
}

func TestNewProviderRejectsShortKey(t *testing.T) {
	_, err := NewProvider(nil, Config{SigningKey: []byte("short")})
	require.Error(t, err)
}

func TestInviteThenActivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var events []auth.SessionEvent
	sub := f.provider.OnSessionChange(func(ev auth.SessionEvent) { events = append(events, ev) })
	defer sub.Unsubscribe()

	id, err := f.provider.InviteByEmail(ctx, " Nurse@Clinic.Test ")
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	require.Len(t, f.mail.sent, 1)
	msg := f.mail.sent[0]
	assert.Equal(t, "nurse@clinic.test", msg.Email)
	assert.Equal(t, auth.TokenTypeInvite, msg.Kind)
	assert.Contains(t, msg.URL, "https://clinic.test/auth/activate?")
	assert.Equal(t, f.now.Add(72*time.Hour), msg.ExpiresAt)

	params := f.mail.last(t)
	assert.Equal(t, string(auth.TokenTypeInvite), params.Type)

	// invited identities have no credential yet
	_, err = f.provider.SignInWithPassword(ctx, "nurse@clinic.test", "anything")
	assert.True(t, auth.HasTextCode(err, auth.TextCodeInvalidCreds))

	session, err := f.provider.ExchangeOneTimeToken(ctx, params.TokenHash, auth.TokenTypeInvite)
	require.NoError(t, err)
	assert.Equal(t, id, session.IdentityID)
	assert.Equal(t, "nurse@clinic.test", session.Email)

	require.NoError(t, f.provider.UpdateOwnCredential(ctx, session.AccessToken, "s3cure-passw0rd"))

	signedIn, err := f.provider.SignInWithPassword(ctx, "NURSE@clinic.test", "s3cure-passw0rd")
	require.NoError(t, err)
	assert.Equal(t, id, signedIn.IdentityID)

	require.Len(t, events, 3)
	assert.Equal(t, auth.SessionEventTokenExchanged, events[0].Type)
	assert.Equal(t, auth.SessionEventCredentialUpdated, events[1].Type)
	assert.Equal(t, auth.SessionEventSignedIn, events[2].Type)
}

func TestInviteReusesIdentityUntilActivated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.provider.InviteByEmail(ctx, "doc@clinic.test")
	require.NoError(t, err)
	second, err := f.provider.InviteByEmail(ctx, "doc@clinic.test")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, f.mail.sent, 2)

	session, err := f.provider.ExchangeOneTimeToken(ctx, f.mail.last(t).TokenHash, auth.TokenTypeInvite)
	require.NoError(t, err)
	require.NoError(t, f.provider.UpdateOwnCredential(ctx, session.AccessToken, "s3cure-passw0rd"))

	_, err = f.provider.InviteByEmail(ctx, "doc@clinic.test")
	assert.True(t, auth.HasTextCode(err, auth.TextCodeIdentityExists))
}

func TestExchangeOneTimeTokenIsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.provider.InviteByEmail(ctx, "reception@clinic.test")
	require.NoError(t, err)
	token := f.mail.last(t).TokenHash

	_, err = f.provider.ExchangeOneTimeToken(ctx, token, auth.TokenTypeInvite)
	require.NoError(t, err)

	_, err = f.provider.ExchangeOneTimeToken(ctx, token, auth.TokenTypeInvite)
	require.Error(t, err)
	assert.True(t, auth.HasTextCode(err, auth.TextCodeTokenConsumed))
	assert.True(t, auth.IsTokenError(err))
}

func TestExchangeOneTimeTokenConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.provider.InviteByEmail(ctx, "race@clinic.test")
	require.NoError(t, err)
	token := f.mail.last(t).TokenHash

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.provider.ExchangeOneTimeToken(ctx, token, auth.TokenTypeInvite); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
}

func TestExchangeOneTimeTokenFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.provider.InviteByEmail(ctx, "late@clinic.test")
	require.NoError(t, err)
	token := f.mail.last(t).TokenHash

	_, err = f.provider.ExchangeOneTimeToken(ctx, token, auth.TokenTypeRecovery)
	assert.True(t, auth.HasTextCode(err, auth.TextCodeTokenInvalid), "kind mismatch")

	_, err = f.provider.ExchangeOneTimeToken(ctx, "not-a-token", auth.TokenTypeInvite)
	assert.True(t, auth.HasTextCode(err, auth.TextCodeTokenInvalid), "unknown token")

	_, err = f.provider.ExchangeOneTimeToken(ctx, "", auth.TokenTypeInvite)
	assert.True(t, auth.HasTextCode(err, auth.TextCodeTokenInvalid), "empty token")

	f.advance(73 * time.Hour)
	_, err = f.provider.ExchangeOneTimeToken(ctx, token, auth.TokenTypeInvite)
	assert.True(t, auth.HasTextCode(err, auth.TextCodeTokenExpired))
}

func TestRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.provider.RequestRecovery(ctx, "nobody@clinic.test")
	assert.True(t, auth.HasTextCode(err, auth.TextCodeIdentityNotFound))
	assert.Empty(t, f.mail.sent)

	_, err = f.provider.CreateIdentity(ctx, "admin@clinic.test", "old-passw0rd")
	require.NoError(t, err)

	require.NoError(t, f.provider.GenerateRecoveryLink(ctx, "admin@clinic.test"))
	params := f.mail.last(t)
	assert.Equal(t, string(auth.TokenTypeRecovery), params.Type)
	assert.Contains(t, f.mail.sent[0].URL, "/auth/reset-password?")
	assert.Equal(t, f.now.Add(time.Hour), f.mail.sent[0].ExpiresAt)

	session, err := f.provider.ExchangeOneTimeToken(ctx, params.TokenHash, auth.TokenTypeRecovery)
	require.NoError(t, err)
	require.NoError(t, f.provider.UpdateOwnCredential(ctx, session.AccessToken, "new-passw0rd"))

	_, err = f.provider.SignInWithPassword(ctx, "admin@clinic.test", "old-passw0rd")
	assert.True(t, auth.HasTextCode(err, auth.TextCodeInvalidCreds))
	_, err = f.provider.SignInWithPassword(ctx, "admin@clinic.test", "new-passw0rd")
	require.NoError(t, err)
}

func TestSignOutRevokesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.provider.CreateIdentity(ctx, "doc@clinic.test", "s3cure-passw0rd")
	require.NoError(t, err)

	session, err := f.provider.SignInWithPassword(ctx, "doc@clinic.test", "s3cure-passw0rd")
	require.NoError(t, err)

	got, err := f.provider.GetSession(ctx, session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, session.TokenID, got.TokenID)

	var signedOut bool
	sub := f.provider.OnSessionChange(func(ev auth.SessionEvent) {
		signedOut = ev.Type == auth.SessionEventSignedOut && ev.AccessToken == session.AccessToken
	})
	defer sub.Unsubscribe()

	require.NoError(t, f.provider.SignOut(ctx, session.AccessToken))
	assert.True(t, signedOut)

	_, err = f.provider.GetSession(ctx, session.AccessToken)
	assert.True(t, auth.IsUnauthorized(err))

	// signing out twice is harmless
	require.NoError(t, f.provider.SignOut(ctx, session.AccessToken))
}

func TestGetSessionExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.provider.CreateIdentity(ctx, "doc@clinic.test", "s3cure-passw0rd")
	require.NoError(t, err)
	session, err := f.provider.SignInWithPassword(ctx, "doc@clinic.test", "s3cure-passw0rd")
	require.NoError(t, err)

	f.advance(13 * time.Hour)

	_, err = f.provider.GetSession(ctx, session.AccessToken)
	require.Error(t, err)
	assert.True(t, auth.IsUnauthorized(err))

	// expired tokens can still be signed out
	require.NoError(t, f.provider.SignOut(ctx, session.AccessToken))
}

func TestGetSessionRejectsForeignToken(t *testing.T) {
	f := newFixture(t)

	_, err := f.provider.GetSession(context.Background(), "eyJhbGciOiJub25lIn0.e30.")
	assert.True(t, auth.IsUnauthorized(err))
}

func TestDeleteIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.provider.InviteByEmail(ctx, "temp@clinic.test")
	require.NoError(t, err)
	token := f.mail.last(t).TokenHash

	require.NoError(t, f.provider.DeleteIdentity(ctx, id))

	_, err = f.provider.ExchangeOneTimeToken(ctx, token, auth.TokenTypeInvite)
	assert.True(t, auth.HasTextCode(err, auth.TextCodeTokenInvalid))

	err = f.provider.DeleteIdentity(ctx, id)
	assert.True(t, auth.HasTextCode(err, auth.TextCodeIdentityNotFound))

	err = f.provider.DeleteIdentity(ctx, "not-a-uuid")
	assert.True(t, auth.HasTextCode(err, auth.TextCodeIdentityNotFound))
}

func TestCreateIdentityDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.provider.CreateIdentity(ctx, "admin@clinic.test", "s3cure-passw0rd")
	require.NoError(t, err)

	_, err = f.provider.CreateIdentity(ctx, "ADMIN@clinic.test", "another-passw0rd")
	assert.True(t, auth.HasTextCode(err, auth.TextCodeIdentityExists))

	_, err = f.provider.CreateIdentity(ctx, "blank@clinic.test", "")
	assert.True(t, auth.IsValidation(err))
}

func TestPurgeExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.provider.InviteByEmail(ctx, "a@clinic.test")
	require.NoError(t, err)
	_, err = f.provider.CreateIdentity(ctx, "b@clinic.test", "s3cure-passw0rd")
	require.NoError(t, err)
	session, err := f.provider.SignInWithPassword(ctx, "b@clinic.test", "s3cure-passw0rd")
	require.NoError(t, err)
	require.NoError(t, f.provider.SignOut(ctx, session.AccessToken))

	n, err := f.provider.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.advance(80 * time.Hour)

	n, err = f.provider.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
