package auth

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// AccountLifecycle runs the account operations: invite, activation,
// deactivation, role changes, password resets and deletion. Every
// privileged operation re-reads the acting profile and re-checks the
// guard, whatever the caller already checked.
type AccountLifecycle struct {
	admin    AdminIdentityProvider
	idp      IdentityProvider
	profiles ProfileStore
	machine  ProfileStateMachine
	limiter  *RecoveryLimiter
	sink     ActivitySink
	logger   Logger
	now      func() time.Time
	smOpts   []StateMachineOption
}

// LifecycleOption customizes the AccountLifecycle.
type LifecycleOption func(*AccountLifecycle)

// WithLifecycleActivitySink sets the sink for lifecycle audit events.
func WithLifecycleActivitySink(sink ActivitySink) LifecycleOption {
	return func(l *AccountLifecycle) {
		l.sink = normalizeActivitySink(sink)
	}
}

// WithLifecycleLogger sets the logger
func WithLifecycleLogger(logger Logger) LifecycleOption {
	return func(l *AccountLifecycle) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithLifecycleClock injects a clock, shared with the state machine.
func WithLifecycleClock(clock func() time.Time) LifecycleOption {
	return func(l *AccountLifecycle) {
		if clock != nil {
			l.now = clock
		}
	}
}

// WithLifecycleRecoveryLimiter throttles self-service recovery requests.
func WithLifecycleRecoveryLimiter(limiter *RecoveryLimiter) LifecycleOption {
	return func(l *AccountLifecycle) {
		l.limiter = limiter
	}
}

// WithLifecycleStateMachine replaces the default state machine.
func WithLifecycleStateMachine(sm ProfileStateMachine) LifecycleOption {
	return func(l *AccountLifecycle) {
		l.machine = sm
	}
}

// WithLifecycleStateMachineOptions forwards options to the default state machine.
func WithLifecycleStateMachineOptions(opts ...StateMachineOption) LifecycleOption {
	return func(l *AccountLifecycle) {
		l.smOpts = append(l.smOpts, opts...)
	}
}

// NewAccountLifecycle wires the engine. admin must be the privileged,
// server side provider.
func NewAccountLifecycle(admin AdminIdentityProvider, idp IdentityProvider, profiles ProfileStore, opts ...LifecycleOption) *AccountLifecycle {
	l := &AccountLifecycle{
		admin:    admin,
		idp:      idp,
		profiles: profiles,
		sink:     noopActivitySink{},
		logger:   defLogger{},
		now:      time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}

	if l.machine == nil {
		smOpts := append([]StateMachineOption{
			WithStateMachineClock(l.now),
			WithStateMachineActivitySink(l.sink),
			WithStateMachineLogger(l.logger),
		}, l.smOpts...)
		l.machine = NewProfileStateMachine(profiles, smOpts...)
	}

	return l
}

// Invite creates the identity through the provider's admin invite and a
// pending profile for it. When the profile insert fails the identity is
// deleted again so no orphan is left behind, unless the insert lost to a
// concurrent invite for the same email.
func (l *AccountLifecycle) Invite(ctx context.Context, actor *Session, req InviteRequest) (*UserProfile, error) {
	admin, err := l.authorizeActor(ctx, actor, CanManageUsers)
	if err != nil {
		return nil, err
	}

	req.Email = NormalizeEmail(req.Email)
	if verr := req.Validate(); verr != nil {
		return nil, verr
	}

	existing, err := l.profiles.GetProfileByEmail(ctx, req.Email)
	if err != nil && !isNotFound(err) {
		return nil, providerError(err, "failed to look up profile")
	}
	if existing != nil {
		return nil, errorWith(ErrIdentityExists, map[string]any{
			"email":  req.Email,
			"status": existing.Status,
		})
	}

	identityID, err := l.admin.InviteByEmail(ctx, req.Email)
	if err != nil {
		return nil, providerError(err, "failed to invite identity")
	}

	id, err := uuid.Parse(identityID)
	if err != nil {
		l.compensateInvite(ctx, admin, identityID, err)
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "identity provider returned an invalid id").
			WithCode(goerrors.CodeInternal).
			WithTextCode(TextCodeProviderFailure)
	}

	invitedBy := admin.ID
	profile, err := l.profiles.InsertProfile(ctx, &UserProfile{
		ID:        id,
		Email:     req.Email,
		Role:      req.Role,
		Status:    UserStatusPending,
		InvitedBy: &invitedBy,
	})
	if err != nil {
		// another invite for the same email won the insert; the identity is
		// shared with that profile and must stay.
		if HasTextCode(err, TextCodeIdentityExists) {
			return nil, err
		}
		meta := l.compensateInvite(ctx, admin, identityID, err)
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create profile for invited identity").
			WithCode(goerrors.CodeInternal).
			WithTextCode(TextCodeProviderFailure).
			WithMetadata(meta)
	}

	l.record(ctx, ActivityEvent{
		EventType: ActivityEventUserInvited,
		Actor:     actorRef(admin),
		UserID:    profile.ID.String(),
		ToStatus:  UserStatusPending,
		Metadata: map[string]any{
			"email": profile.Email,
			"role":  profile.Role,
		},
	})

	return profile, nil
}

func (l *AccountLifecycle) compensateInvite(ctx context.Context, admin *UserProfile, identityID string, cause error) map[string]any {
	meta := map[string]any{"identity_id": identityID}
	if err := l.admin.DeleteIdentity(ctx, identityID); err != nil {
		l.logger.Error("invite cleanup failed, identity %s is orphaned: %v (cause: %v)", identityID, err, cause)
		meta["orphaned_identity_id"] = identityID
		l.record(ctx, ActivityEvent{
			EventType: ActivityEventOrphanedIdentity,
			Actor:     actorRef(admin),
			UserID:    identityID,
			Metadata: map[string]any{
				"cleanup_error": err.Error(),
				"cause":         cause.Error(),
			},
		})
		return meta
	}
	meta["identity_removed"] = true
	return meta
}

// Activate completes a pending account: the credential is set on the
// identity first, then the profile moves to active. If the profile update
// fails the account stays pending with a working credential and Activate
// can be retried.
func (l *AccountLifecycle) Activate(ctx context.Context, session *Session, req ActivateRequest) (*UserProfile, error) {
	if session == nil || session.AccessToken() == "" {
		return nil, ErrSessionRequired.Clone()
	}

	profile, err := l.fetchProfile(ctx, session.UserID())
	if err != nil {
		return nil, err
	}

	switch profile.Status {
	case UserStatusPending:
	case UserStatusActive:
		return nil, errorWith(ErrAlreadyActive, map[string]any{
			"user_id":      profile.ID.String(),
			"activated_at": profile.ActivatedAt,
		})
	default:
		return nil, errorWith(ErrInvalidTransition, map[string]any{
			"from": profile.Status,
			"to":   UserStatusActive,
		})
	}

	if verr := req.Validate(); verr != nil {
		return nil, verr
	}

	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid phone number").
			WithCode(goerrors.CodeBadRequest).
			WithTextCode(TextCodeValidation)
	}

	if err := l.idp.UpdateOwnCredential(ctx, session.AccessToken(), req.Password); err != nil {
		return nil, providerError(err, "failed to set account password")
	}

	patch := ProfilePatch{FullName: ptr(req.FullName)}
	if phone != "" {
		patch.Phone = &phone
	}
	if req.ProfilePicture != "" {
		patch.ProfilePicture = ptr(req.ProfilePicture)
	}

	updated, err := l.machine.Transition(ctx, actorRef(profile), profile, UserStatusActive,
		WithTransitionReason("activation"),
		WithTransitionPatch(patch),
	)
	if err != nil {
		l.logger.Warn("activation of %s left pending after credential update: %v", profile.ID, err)
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return nil, richErr.Clone().WithMetadata(map[string]any{
				"credential_updated": true,
				"retryable":          true,
			})
		}
		return nil, err
	}

	l.record(ctx, ActivityEvent{
		EventType:  ActivityEventUserActivated,
		Actor:      actorRef(profile),
		UserID:     profile.ID.String(),
		FromStatus: UserStatusPending,
		ToStatus:   UserStatusActive,
	})

	return updated, nil
}

// Deactivate moves an active account to inactive. Live tokens issued to the
// account are not revoked and keep working until they expire.
func (l *AccountLifecycle) Deactivate(ctx context.Context, actor *Session, userID uuid.UUID) (*UserProfile, error) {
	admin, err := l.authorizeActor(ctx, actor, CanManageUsers)
	if err != nil {
		return nil, err
	}

	target, err := l.fetchProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	return l.machine.Transition(ctx, actorRef(admin), target, UserStatusInactive,
		WithTransitionReason("deactivated by administrator"),
	)
}

// Reactivate moves an inactive account back to active. activated_at is kept.
func (l *AccountLifecycle) Reactivate(ctx context.Context, actor *Session, userID uuid.UUID) (*UserProfile, error) {
	admin, err := l.authorizeActor(ctx, actor, CanManageUsers)
	if err != nil {
		return nil, err
	}

	target, err := l.fetchProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	if target.Status == UserStatusActive {
		return target, nil
	}

	return l.machine.Transition(ctx, actorRef(admin), target, UserStatusActive,
		WithRequiredFromStatus(UserStatusInactive),
		WithTransitionReason("reactivated by administrator"),
	)
}

// ChangeRole overwrites the role of any profile regardless of status. An
// administrator may change their own role, including away from super_admin.
func (l *AccountLifecycle) ChangeRole(ctx context.Context, actor *Session, userID uuid.UUID, role Role) (*UserProfile, error) {
	admin, err := l.authorizeActor(ctx, actor, CanManageUsers)
	if err != nil {
		return nil, err
	}

	if verr := (ChangeRoleRequest{Role: role}).Validate(); verr != nil {
		return nil, verr
	}

	target, err := l.fetchProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	if target.Role == role {
		return target, nil
	}

	from := target.Role
	updated, err := l.profiles.UpdateProfile(ctx, target.ID, ProfilePatch{Role: &role})
	if err != nil {
		return nil, providerError(err, "failed to update role")
	}

	if admin.ID == target.ID && from == RoleSuperAdmin {
		l.logger.Warn("user %s removed their own super_admin role", admin.ID)
	}

	l.record(ctx, ActivityEvent{
		EventType: ActivityEventUserRoleChanged,
		Actor:     actorRef(admin),
		UserID:    target.ID.String(),
		Metadata: map[string]any{
			"from_role": from,
			"to_role":   role,
		},
	})

	return updated, nil
}

// ResetPassword asks the provider to send a recovery link to the user. The
// profile is not modified.
func (l *AccountLifecycle) ResetPassword(ctx context.Context, actor *Session, userID uuid.UUID) error {
	admin, err := l.authorizeActor(ctx, actor, CanResetPasswords)
	if err != nil {
		return err
	}

	target, err := l.fetchProfile(ctx, userID)
	if err != nil {
		return err
	}

	if err := l.admin.GenerateRecoveryLink(ctx, target.Email); err != nil {
		return providerError(err, "failed to generate recovery link")
	}

	l.record(ctx, ActivityEvent{
		EventType: ActivityEventPasswordResetRequest,
		Actor:     actorRef(admin),
		UserID:    target.ID.String(),
		Metadata:  map[string]any{"initiator": "admin"},
	})

	return nil
}

// RequestRecovery is the unauthenticated self-service reset. Unknown emails
// are reported as success so accounts cannot be enumerated.
func (l *AccountLifecycle) RequestRecovery(ctx context.Context, req RecoveryRequest) error {
	req.Email = NormalizeEmail(req.Email)
	if verr := req.Validate(); verr != nil {
		return verr
	}

	if !l.limiter.Allow(req.Email) {
		return errorWith(ErrTooManyRequests, map[string]any{
			"operation": "recovery",
		})
	}

	if err := l.idp.RequestRecovery(ctx, req.Email); err != nil {
		if isNotFound(err) {
			l.logger.Debug("recovery requested for unknown email")
			return nil
		}
		return providerError(err, "failed to request recovery")
	}

	l.record(ctx, ActivityEvent{
		EventType: ActivityEventPasswordResetRequest,
		Actor:     ActorRef{Type: "anonymous"},
		Metadata:  map[string]any{"initiator": "self"},
	})

	return nil
}

// CompleteRecovery sets a new password for the session obtained from a
// recovery link exchange.
func (l *AccountLifecycle) CompleteRecovery(ctx context.Context, session *Session, req ResetPasswordRequest) error {
	if session == nil || session.AccessToken() == "" {
		return ErrSessionRequired.Clone()
	}

	if verr := req.Validate(); verr != nil {
		return verr
	}

	if err := l.idp.UpdateOwnCredential(ctx, session.AccessToken(), req.Password); err != nil {
		return providerError(err, "failed to update password")
	}

	l.record(ctx, ActivityEvent{
		EventType: ActivityEventPasswordReset,
		Actor:     session.ActorRef(),
		UserID:    session.UserID().String(),
	})

	return nil
}

// Delete removes the profile and then the identity. It cannot be undone,
// so callers must pass confirm=true.
func (l *AccountLifecycle) Delete(ctx context.Context, actor *Session, userID uuid.UUID, confirm bool) error {
	admin, err := l.authorizeActor(ctx, actor, CanDeleteUsers)
	if err != nil {
		return err
	}

	if !confirm {
		return errorWith(ErrConfirmationRequired, map[string]any{
			"user_id": userID.String(),
		})
	}

	target, err := l.fetchProfile(ctx, userID)
	if err != nil {
		return err
	}

	if err := l.profiles.DeleteProfile(ctx, target.ID); err != nil {
		return providerError(err, "failed to delete profile")
	}

	if err := l.admin.DeleteIdentity(ctx, target.ID.String()); err != nil {
		l.logger.Error("profile %s deleted but identity removal failed: %v", target.ID, err)
		return goerrors.Wrap(err, goerrors.CategoryInternal, "profile deleted but identity removal failed").
			WithCode(goerrors.CodeInternal).
			WithTextCode(TextCodeProviderFailure).
			WithMetadata(map[string]any{
				"user_id":         target.ID.String(),
				"profile_deleted": true,
			})
	}

	l.record(ctx, ActivityEvent{
		EventType:  ActivityEventUserDeleted,
		Actor:      actorRef(admin),
		UserID:     target.ID.String(),
		FromStatus: target.Status,
		Metadata:   map[string]any{"email": target.Email},
	})

	return nil
}

// UpdateOwnProfile edits contact details of an active account.
func (l *AccountLifecycle) UpdateOwnProfile(ctx context.Context, session *Session, req ProfileUpdate) (*UserProfile, error) {
	if session == nil || session.Profile == nil {
		return nil, ErrUnauthenticated.Clone()
	}

	profile, err := l.fetchProfile(ctx, session.UserID())
	if err != nil {
		return nil, err
	}

	switch profile.Status {
	case UserStatusActive:
	case UserStatusPending:
		return nil, ErrActivationRequired.Clone()
	default:
		return nil, errorWith(ErrAccountInactive, map[string]any{"status": profile.Status})
	}

	if verr := req.Validate(); verr != nil {
		return nil, verr
	}

	patch := ProfilePatch{FullName: req.FullName, ProfilePicture: req.ProfilePicture}
	if req.Phone != nil {
		phone, err := NormalizePhone(*req.Phone)
		if err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid phone number").
				WithCode(goerrors.CodeBadRequest).
				WithTextCode(TextCodeValidation)
		}
		patch.Phone = &phone
	}

	if patch.IsEmpty() {
		return profile, nil
	}

	updated, err := l.profiles.UpdateProfile(ctx, profile.ID, patch)
	if err != nil {
		return nil, providerError(err, "failed to update profile")
	}

	l.record(ctx, ActivityEvent{
		EventType: ActivityEventProfileUpdated,
		Actor:     actorRef(profile),
		UserID:    profile.ID.String(),
	})

	return updated, nil
}

// ListUsers returns every profile for the user management screen.
func (l *AccountLifecycle) ListUsers(ctx context.Context, actor *Session) ([]*UserProfile, error) {
	if _, err := l.authorizeActor(ctx, actor, CanManageUsers); err != nil {
		return nil, err
	}
	profiles, err := l.profiles.ListProfiles(ctx)
	if err != nil {
		return nil, providerError(err, "failed to list profiles")
	}
	return profiles, nil
}

// authorizeActor re-reads the actor profile from storage so a role or
// status change made since the session was loaded is honored.
func (l *AccountLifecycle) authorizeActor(ctx context.Context, actor *Session, capability Capability) (*UserProfile, error) {
	if actor == nil || actor.Profile == nil {
		l.denied(ctx, actor, capability, "no session")
		return nil, errorWith(ErrUnauthenticated, map[string]any{"capability": capability})
	}

	fresh, err := l.profiles.GetProfile(ctx, actor.Profile.ID)
	if err != nil {
		if isNotFound(err) {
			l.denied(ctx, actor, capability, "profile missing")
			return nil, errorWith(ErrUnauthenticated, map[string]any{"capability": capability})
		}
		return nil, providerError(err, "failed to load acting profile")
	}

	current := &Session{Provider: actor.Provider, Profile: fresh}
	if err := AuthorizeUserManagement(current, capability); err != nil {
		l.denied(ctx, current, capability, TextCode(err))
		return nil, err
	}

	return fresh, nil
}

func (l *AccountLifecycle) fetchProfile(ctx context.Context, id uuid.UUID) (*UserProfile, error) {
	if id == uuid.Nil {
		return nil, errorWith(ErrProfileNotFound, map[string]any{"id": id.String()})
	}
	profile, err := l.profiles.GetProfile(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, errorWith(ErrProfileNotFound, map[string]any{"id": id.String()})
		}
		return nil, providerError(err, "failed to load profile")
	}
	return profile, nil
}

func (l *AccountLifecycle) denied(ctx context.Context, actor *Session, capability Capability, reason string) {
	l.record(ctx, ActivityEvent{
		EventType: ActivityEventAccessDenied,
		Actor:     actor.ActorRef(),
		Metadata: map[string]any{
			"capability": capability,
			"reason":     reason,
		},
	})
}

func (l *AccountLifecycle) record(ctx context.Context, event ActivityEvent) {
	recordActivity(ctx, l.sink, l.logger, l.now, event)
}

func actorRef(p *UserProfile) ActorRef {
	if p == nil {
		return ActorRef{Type: "system"}
	}
	return ActorRef{ID: p.ID.String(), Type: "user"}
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	switch TextCode(err) {
	case TextCodeProfileNotFound, TextCodeIdentityNotFound:
		return true
	}
	return goerrors.IsNotFound(err)
}
