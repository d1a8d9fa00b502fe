package auth

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Query parameter names carried by invitation and recovery links.
const (
	LinkParamTokenHash        = "token_hash"
	LinkParamType             = "type"
	LinkParamError            = "error"
	LinkParamErrorDescription = "error_description"
)

// FlowState is the state of an activation or recovery link landing.
type FlowState string

const (
	FlowStateVerifying       FlowState = "verifying"
	FlowStateAwaitingSession FlowState = "awaiting_session"
	FlowStateReady           FlowState = "ready"
	FlowStateTokenError      FlowState = "token_error"
	FlowStateSessionRequired FlowState = "session_required"

	FlowStateValid   FlowState = "valid"
	FlowStateInvalid FlowState = "invalid"
)

// IsTerminal reports whether no further transition can happen.
func (s FlowState) IsTerminal() bool {
	switch s {
	case FlowStateVerifying, FlowStateAwaitingSession:
		return false
	default:
		return true
	}
}

// LinkParams are the inputs decoded from a link URL.
type LinkParams struct {
	TokenHash        string `json:"token_hash,omitempty" query:"token_hash"`
	Type             string `json:"type,omitempty" query:"type"`
	Error            string `json:"error,omitempty" query:"error"`
	ErrorDescription string `json:"error_description,omitempty" query:"error_description"`
}

// LinkParamsFromValues reads link parameters from a parsed query string.
func LinkParamsFromValues(values url.Values) LinkParams {
	return LinkParams{
		TokenHash:        strings.TrimSpace(values.Get(LinkParamTokenHash)),
		Type:             strings.TrimSpace(values.Get(LinkParamType)),
		Error:            values.Get(LinkParamError),
		ErrorDescription: values.Get(LinkParamErrorDescription),
	}
}

// Encode renders the params as a query string.
func (p LinkParams) Encode() string {
	values := url.Values{}
	if p.TokenHash != "" {
		values.Set(LinkParamTokenHash, p.TokenHash)
	}
	if p.Type != "" {
		values.Set(LinkParamType, p.Type)
	}
	if p.Error != "" {
		values.Set(LinkParamError, p.Error)
	}
	if p.ErrorDescription != "" {
		values.Set(LinkParamErrorDescription, p.ErrorDescription)
	}
	return values.Encode()
}

// FlowResult is what a landing page renders. Terminal results always carry
// a message and a link back home.
type FlowResult struct {
	State    FlowState `json:"state"`
	Message  string    `json:"message,omitempty"`
	HomeLink string    `json:"home_link,omitempty"`
	Session  *Session  `json:"-"`
	Err      error     `json:"-"`
}

// FlowOption customizes ActivationFlow and RecoveryFlow.
type FlowOption func(*linkFlow)

// WithFlowSessionWait bounds how long a landing without a token waits for
// an existing session.
func WithFlowSessionWait(d time.Duration) FlowOption {
	return func(f *linkFlow) {
		if d > 0 {
			f.sessionWait = d
		}
	}
}

// WithFlowHomeLink sets the link rendered on terminal states.
func WithFlowHomeLink(link string) FlowOption {
	return func(f *linkFlow) {
		if link != "" {
			f.homeLink = link
		}
	}
}

// WithFlowActivitySink sets the activity sink
func WithFlowActivitySink(sink ActivitySink) FlowOption {
	return func(f *linkFlow) {
		f.sink = normalizeActivitySink(sink)
	}
}

// WithFlowLogger sets the logger
func WithFlowLogger(logger Logger) FlowOption {
	return func(f *linkFlow) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithFlowClock injects a clock
func WithFlowClock(clock func() time.Time) FlowOption {
	return func(f *linkFlow) {
		if clock != nil {
			f.now = clock
		}
	}
}

type linkFlow struct {
	idp         IdentityProvider
	store       *SessionStore
	sessionWait time.Duration
	homeLink    string
	sink        ActivitySink
	logger      Logger
	now         func() time.Time

	mu    sync.Mutex
	state FlowState
}

func newLinkFlow(idp IdentityProvider, store *SessionStore, opts []FlowOption) *linkFlow {
	f := &linkFlow{
		idp:         idp,
		store:       store,
		sessionWait: 5 * time.Second,
		homeLink:    "/",
		sink:        noopActivitySink{},
		logger:      defLogger{},
		now:         time.Now,
		state:       FlowStateVerifying,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

func (f *linkFlow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *linkFlow) set(state FlowState) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
}

// exchange trades the token for a session and installs it in the store.
// The provider guarantees a token is consumed at most once.
func (f *linkFlow) exchange(ctx context.Context, token string, kind OneTimeTokenType) (*Session, error) {
	ps, err := f.idp.ExchangeOneTimeToken(ctx, token, kind)
	if err != nil {
		f.recordToken(ctx, ActivityEventTokenRejected, "", kind, err)
		return nil, err
	}

	session, err := f.store.AdoptSession(ctx, ps)
	if err != nil {
		f.recordToken(ctx, ActivityEventTokenRejected, ps.IdentityID, kind, err)
		return nil, err
	}

	f.recordToken(ctx, ActivityEventTokenExchanged, ps.IdentityID, kind, nil)
	return session, nil
}

// awaitSession waits up to sessionWait for the store to hold a session.
func (f *linkFlow) awaitSession(ctx context.Context) *Session {
	if session := f.store.Current(); session != nil {
		return session
	}

	ctx, cancel := context.WithTimeout(ctx, f.sessionWait)
	defer cancel()

	arrived := make(chan *Session, 1)
	unsubscribe := f.store.Subscribe(func(s *Session) {
		if s == nil {
			return
		}
		select {
		case arrived <- s:
		default:
		}
	})
	defer unsubscribe()

	if session, _ := f.store.WaitReady(ctx); session != nil {
		return session
	}

	select {
	case s := <-arrived:
		return s
	case <-ctx.Done():
		return f.store.Current()
	}
}

func (f *linkFlow) fail(state FlowState, err error, message string) FlowResult {
	f.set(state)
	return FlowResult{State: state, Message: message, HomeLink: f.homeLink, Err: err}
}

func (f *linkFlow) recordToken(ctx context.Context, eventType ActivityEventType, userID string, kind OneTimeTokenType, err error) {
	meta := map[string]any{"token_type": kind}
	if err != nil {
		meta["error"] = err.Error()
		if code := TextCode(err); code != "" {
			meta["text_code"] = code
		}
	}
	recordActivity(ctx, f.sink, f.logger, f.now, ActivityEvent{
		EventType: eventType,
		Actor:     ActorRef{ID: userID, Type: "user"},
		UserID:    userID,
		Metadata:  meta,
	})
}

// ActivationFlow drives the invitation link landing.
type ActivationFlow struct {
	*linkFlow
}

// NewActivationFlow binds a flow to the store that will own the session.
func NewActivationFlow(idp IdentityProvider, store *SessionStore, opts ...FlowOption) *ActivationFlow {
	return &ActivationFlow{linkFlow: newLinkFlow(idp, store, opts)}
}

// State returns the current flow state
func (f *ActivationFlow) State() FlowState {
	return f.linkFlow.State()
}

// Run resolves the landing to ready, token_error or session_required.
func (f *ActivationFlow) Run(ctx context.Context, params LinkParams) FlowResult {
	f.set(FlowStateVerifying)

	if params.Error != "" {
		return f.fail(FlowStateTokenError, errorWith(ErrTokenInvalid, map[string]any{
			"error": params.Error,
		}), linkErrorMessage(params))
	}

	if params.TokenHash != "" {
		if OneTimeTokenType(params.Type) != TokenTypeInvite {
			return f.fail(FlowStateTokenError, errorWith(ErrTokenInvalid, map[string]any{
				"type": params.Type,
			}), "This invitation link is not valid.")
		}

		session, err := f.exchange(ctx, params.TokenHash, TokenTypeInvite)
		if err != nil {
			return f.fail(FlowStateTokenError, err, tokenErrorMessage(err))
		}
		return f.ready(session)
	}

	f.set(FlowStateAwaitingSession)
	if session := f.awaitSession(ctx); session != nil {
		return f.ready(session)
	}

	return f.fail(FlowStateSessionRequired, ErrSessionRequired.Clone(),
		"Open the invitation link from your email to activate your account.")
}

func (f *ActivationFlow) ready(session *Session) FlowResult {
	f.set(FlowStateReady)
	result := FlowResult{State: FlowStateReady, Session: session, HomeLink: f.homeLink}
	if session.Profile != nil && !session.Profile.IsPending() {
		result.Message = "This account is already active."
	}
	return result
}

// RecoveryFlow drives the password reset link landing.
type RecoveryFlow struct {
	*linkFlow
}

// NewRecoveryFlow binds a flow to the store that will own the session.
func NewRecoveryFlow(idp IdentityProvider, store *SessionStore, opts ...FlowOption) *RecoveryFlow {
	return &RecoveryFlow{linkFlow: newLinkFlow(idp, store, opts)}
}

// State returns the current flow state
func (f *RecoveryFlow) State() FlowState {
	return f.linkFlow.State()
}

// Run resolves the landing to valid or invalid.
func (f *RecoveryFlow) Run(ctx context.Context, params LinkParams) FlowResult {
	f.set(FlowStateVerifying)

	if params.Error != "" {
		return f.fail(FlowStateInvalid, errorWith(ErrTokenInvalid, map[string]any{
			"error": params.Error,
		}), linkErrorMessage(params))
	}

	if params.TokenHash != "" {
		if OneTimeTokenType(params.Type) != TokenTypeRecovery {
			return f.fail(FlowStateInvalid, errorWith(ErrTokenInvalid, map[string]any{
				"type": params.Type,
			}), "This password reset link is not valid.")
		}

		session, err := f.exchange(ctx, params.TokenHash, TokenTypeRecovery)
		if err != nil {
			return f.fail(FlowStateInvalid, err, tokenErrorMessage(err))
		}
		f.set(FlowStateValid)
		return FlowResult{State: FlowStateValid, Session: session, HomeLink: f.homeLink}
	}

	if session := f.awaitSession(ctx); session != nil {
		f.set(FlowStateValid)
		return FlowResult{State: FlowStateValid, Session: session, HomeLink: f.homeLink}
	}

	return f.fail(FlowStateInvalid, ErrSessionRequired.Clone(),
		"Invalid or expired reset link. Request a new one.")
}

func linkErrorMessage(params LinkParams) string {
	if params.ErrorDescription != "" {
		return params.ErrorDescription
	}
	return params.Error
}

func tokenErrorMessage(err error) string {
	switch TextCode(err) {
	case TextCodeTokenExpired:
		return "This link has expired. Ask for a new one."
	case TextCodeTokenConsumed, TextCodeTokenInvalid:
		return "This link is invalid or has already been used."
	default:
		return "We could not verify this link. Try again or ask for a new one."
	}
}
