package auth

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlowStore(f *lifecycleFixture) *SessionStore {
	return NewSessionStore(f.idp, f.profiles, f.feed,
		WithSessionStoreLogger(nopTestLogger{}),
		WithSessionStoreResolveTimeout(50*time.Millisecond),
	)
}

func flowOptions(f *lifecycleFixture) []FlowOption {
	return []FlowOption{
		WithFlowActivitySink(f.sink),
		WithFlowLogger(nopTestLogger{}),
		WithFlowSessionWait(20 * time.Millisecond),
		WithFlowHomeLink("/sign-in"),
	}
}

func inviteLink(t *testing.T, f *lifecycleFixture, email string) (*UserProfile, LinkParams) {
	t.Helper()
	profile, err := f.lc.Invite(context.Background(), f.admin, InviteRequest{Email: email, Role: RoleNurse})
	require.NoError(t, err)
	return profile, LinkParams{TokenHash: f.idp.lastLink(TokenTypeInvite), Type: string(TokenTypeInvite)}
}

func TestLinkParamsRoundTrip(t *testing.T) {
	params := LinkParams{TokenHash: "abc 123", Type: "invite"}
	values, err := url.ParseQuery(params.Encode())
	require.NoError(t, err)
	assert.Equal(t, params, LinkParamsFromValues(values))

	values, err = url.ParseQuery("error=access_denied&error_description=Email+link+is+invalid+or+has+expired")
	require.NoError(t, err)
	got := LinkParamsFromValues(values)
	assert.Equal(t, "access_denied", got.Error)
	assert.Equal(t, "Email link is invalid or has expired", linkErrorMessage(got))
	assert.Empty(t, got.TokenHash)
}

func TestFlowStateIsTerminal(t *testing.T) {
	assert.False(t, FlowStateVerifying.IsTerminal())
	assert.False(t, FlowStateAwaitingSession.IsTerminal())
	for _, s := range []FlowState{FlowStateReady, FlowStateTokenError, FlowStateSessionRequired, FlowStateValid, FlowStateInvalid} {
		assert.True(t, s.IsTerminal(), s)
	}
}

func TestActivationFlowValidInvite(t *testing.T) {
	f := newLifecycleFixture(t)
	profile, params := inviteLink(t, f, "nora@clinic.test")

	store := newFlowStore(f)
	defer store.Close()
	flow := NewActivationFlow(f.idp, store, flowOptions(f)...)
	assert.Equal(t, FlowStateVerifying, flow.State())

	result := flow.Run(context.Background(), params)
	require.NoError(t, result.Err)
	assert.Equal(t, FlowStateReady, result.State)
	assert.Equal(t, FlowStateReady, flow.State())
	assert.Empty(t, result.Message)
	require.NotNil(t, result.Session)
	assert.Equal(t, profile.ID, result.Session.UserID())
	assert.True(t, result.Session.Profile.IsPending())

	assert.Equal(t, profile.ID, store.Current().UserID())
	assert.Len(t, f.sink.ofType(ActivityEventTokenExchanged), 1)
}

func TestActivationFlowReusedToken(t *testing.T) {
	f := newLifecycleFixture(t)
	_, params := inviteLink(t, f, "nora@clinic.test")

	first := newFlowStore(f)
	defer first.Close()
	require.Equal(t, FlowStateReady, NewActivationFlow(f.idp, first, flowOptions(f)...).Run(context.Background(), params).State)

	second := newFlowStore(f)
	defer second.Close()
	result := NewActivationFlow(f.idp, second, flowOptions(f)...).Run(context.Background(), params)

	assert.Equal(t, FlowStateTokenError, result.State)
	assert.True(t, IsTokenError(result.Err))
	assert.Equal(t, "This link is invalid or has already been used.", result.Message)
	assert.Equal(t, "/sign-in", result.HomeLink)
	assert.Nil(t, result.Session)
	assert.Nil(t, second.Current())

	rejected := f.sink.ofType(ActivityEventTokenRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, TextCodeTokenConsumed, rejected[0].Metadata["text_code"])
}

func TestActivationFlowExpiredToken(t *testing.T) {
	f := newLifecycleFixture(t)
	_, params := inviteLink(t, f, "nora@clinic.test")
	f.idp.expireLink(params.TokenHash)

	store := newFlowStore(f)
	defer store.Close()
	result := NewActivationFlow(f.idp, store, flowOptions(f)...).Run(context.Background(), params)

	assert.Equal(t, FlowStateTokenError, result.State)
	assert.Equal(t, TextCodeTokenExpired, TextCode(result.Err))
	assert.Equal(t, "This link has expired. Ask for a new one.", result.Message)
}

func TestActivationFlowRejectsWrongType(t *testing.T) {
	f := newLifecycleFixture(t)
	_, params := inviteLink(t, f, "nora@clinic.test")
	params.Type = string(TokenTypeRecovery)

	store := newFlowStore(f)
	defer store.Close()
	result := NewActivationFlow(f.idp, store, flowOptions(f)...).Run(context.Background(), params)

	assert.Equal(t, FlowStateTokenError, result.State)
	assert.Equal(t, TextCodeTokenInvalid, TextCode(result.Err))

	// the token was not spent
	params.Type = string(TokenTypeInvite)
	result = NewActivationFlow(f.idp, store, flowOptions(f)...).Run(context.Background(), params)
	assert.Equal(t, FlowStateReady, result.State)
}

func TestActivationFlowErrorParam(t *testing.T) {
	f := newLifecycleFixture(t)
	store := newFlowStore(f)
	defer store.Close()

	result := NewActivationFlow(f.idp, store, flowOptions(f)...).Run(context.Background(), LinkParams{
		Error:            "access_denied",
		ErrorDescription: "Email link is invalid or has expired",
	})
	assert.Equal(t, FlowStateTokenError, result.State)
	assert.Equal(t, "Email link is invalid or has expired", result.Message)
	assert.True(t, IsTokenError(result.Err))
}

func TestActivationFlowWithoutTokenOrSession(t *testing.T) {
	f := newLifecycleFixture(t)
	store := newFlowStore(f)
	defer store.Close()

	flow := NewActivationFlow(f.idp, store, flowOptions(f)...)
	result := flow.Run(context.Background(), LinkParams{})

	assert.Equal(t, FlowStateSessionRequired, result.State)
	assert.Equal(t, TextCodeSessionRequired, TextCode(result.Err))
	assert.NotEmpty(t, result.Message)
	assert.Equal(t, "/sign-in", result.HomeLink)
	assert.True(t, flow.State().IsTerminal())
}

func TestActivationFlowUsesExistingSession(t *testing.T) {
	f := newLifecycleFixture(t)
	store := newFlowStore(f)
	defer store.Close()
	_, err := store.Resume(context.Background(), f.admin.AccessToken())
	require.NoError(t, err)

	result := NewActivationFlow(f.idp, store, flowOptions(f)...).Run(context.Background(), LinkParams{})
	assert.Equal(t, FlowStateReady, result.State)
	assert.Equal(t, "This account is already active.", result.Message)
	assert.Equal(t, f.admin.UserID(), result.Session.UserID())
}

func TestActivationFlowWaitsForSession(t *testing.T) {
	f := newLifecycleFixture(t)
	store := newFlowStore(f)
	defer store.Close()

	opts := append(flowOptions(f), WithFlowSessionWait(time.Second))
	flow := NewActivationFlow(f.idp, store, opts...)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = store.Resume(context.Background(), f.admin.AccessToken())
	}()

	result := flow.Run(context.Background(), LinkParams{})
	assert.Equal(t, FlowStateReady, result.State)
	require.NotNil(t, result.Session)
	assert.Equal(t, f.admin.UserID(), result.Session.UserID())
}

func TestRecoveryFlow(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	require.NoError(t, f.lc.RequestRecovery(ctx, RecoveryRequest{Email: "admin@clinic.test"}))
	params := LinkParams{TokenHash: f.idp.lastLink(TokenTypeRecovery), Type: string(TokenTypeRecovery)}

	store := newFlowStore(f)
	defer store.Close()
	result := NewRecoveryFlow(f.idp, store, flowOptions(f)...).Run(ctx, params)
	require.NoError(t, result.Err)
	assert.Equal(t, FlowStateValid, result.State)
	assert.Equal(t, f.admin.UserID(), result.Session.UserID())

	require.NoError(t, f.lc.CompleteRecovery(ctx, result.Session, ResetPasswordRequest{
		Password:        "new-password-1",
		ConfirmPassword: "new-password-1",
	}))
	assert.Equal(t, "new-password-1", f.idp.passwordFor("admin@clinic.test"))

	other := newFlowStore(f)
	defer other.Close()
	flow := NewRecoveryFlow(f.idp, other, flowOptions(f)...)
	reused := flow.Run(ctx, params)
	assert.Equal(t, FlowStateInvalid, reused.State)
	assert.True(t, IsTokenError(reused.Err))
	assert.Equal(t, FlowStateInvalid, flow.State())
}

func TestRecoveryFlowRejections(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	require.NoError(t, f.lc.RequestRecovery(ctx, RecoveryRequest{Email: "admin@clinic.test"}))
	token := f.idp.lastLink(TokenTypeRecovery)

	tests := []struct {
		name   string
		params LinkParams
		setup  func()
	}{
		{name: "invite type", params: LinkParams{TokenHash: token, Type: string(TokenTypeInvite)}},
		{name: "error param", params: LinkParams{Error: "otp_expired"}},
		{name: "no token", params: LinkParams{}},
		{name: "expired", params: LinkParams{TokenHash: token, Type: string(TokenTypeRecovery)}, setup: func() { f.idp.expireLink(token) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			store := newFlowStore(f)
			defer store.Close()

			result := NewRecoveryFlow(f.idp, store, flowOptions(f)...).Run(ctx, tt.params)
			assert.Equal(t, FlowStateInvalid, result.State)
			assert.Error(t, result.Err)
			assert.NotEmpty(t, result.Message)
			assert.Nil(t, result.Session)
		})
	}
}
