package auth

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const textCodeTerminalState = "TERMINAL_USER_STATE"

// ErrTerminalState is returned when attempting to move away from terminated.
var ErrTerminalState = goerrors.New("user state is terminal", goerrors.CategoryConflict).
	WithTextCode(textCodeTerminalState).
	WithCode(goerrors.CodeConflict)

// TransitionMetadata captures extra context for a transition.
type TransitionMetadata struct {
	Reason   string
	Metadata map[string]any
}

// TransitionContext is passed into hooks for additional processing.
type TransitionContext struct {
	Actor   ActorRef
	Profile *UserProfile
	From    UserStatus
	To      UserStatus
	Meta    TransitionMetadata
}

// TransitionHook is executed before or after a transition.
type TransitionHook func(ctx context.Context, tc TransitionContext) error

// TransitionHookPhase identifies whether a hook ran before or after persistence.
type TransitionHookPhase string

const (
	HookPhaseBefore TransitionHookPhase = "before_transition"
	HookPhaseAfter  TransitionHookPhase = "after_transition"
)

// TransitionOption customizes a single transition.
type TransitionOption func(*transitionOptions)

// ProfileStateMachine moves profiles between lifecycle statuses.
type ProfileStateMachine interface {
	Transition(ctx context.Context, actor ActorRef, profile *UserProfile, target UserStatus, opts ...TransitionOption) (*UserProfile, error)
	CanTransition(from, to UserStatus) bool
}

// HookErrorHandler handles errors surfaced by transition hooks.
type HookErrorHandler func(ctx context.Context, phase TransitionHookPhase, err error, tc TransitionContext) error

// StateMachineOption customizes state machine construction.
type StateMachineOption func(*profileStateMachine)

// WithStateMachineClock injects a custom clock (useful for tests).
func WithStateMachineClock(clock func() time.Time) StateMachineOption {
	return func(sm *profileStateMachine) {
		if clock != nil {
			sm.now = clock
		}
	}
}

// WithStateMachineActivitySink sets the ActivitySink used to publish lifecycle events.
func WithStateMachineActivitySink(sink ActivitySink) StateMachineOption {
	return func(sm *profileStateMachine) {
		sm.activitySink = normalizeActivitySink(sink)
	}
}

// WithStateMachineHookErrorHandler overrides how hook failures are propagated.
func WithStateMachineHookErrorHandler(handler HookErrorHandler) StateMachineOption {
	return func(sm *profileStateMachine) {
		if handler != nil {
			sm.hookErrorHandler = handler
		}
	}
}

// WithStateMachineLogger overrides the logger used for sink failures.
func WithStateMachineLogger(logger Logger) StateMachineOption {
	return func(sm *profileStateMachine) {
		if logger != nil {
			sm.logger = logger
		}
	}
}

// WithTransitionReason sets the human-readable reason for the transition.
func WithTransitionReason(reason string) TransitionOption {
	return func(opts *transitionOptions) {
		opts.metadata.Reason = reason
	}
}

// WithTransitionMetadata merges metadata into the transition context.
func WithTransitionMetadata(metadata map[string]any) TransitionOption {
	return func(opts *transitionOptions) {
		if len(metadata) == 0 {
			return
		}
		if opts.metadata.Metadata == nil {
			opts.metadata.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			opts.metadata.Metadata[k] = v
		}
	}
}

// WithTransitionPatch persists extra profile fields in the same update as
// the status change. Status and ActivatedAt in the patch are ignored.
func WithTransitionPatch(patch ProfilePatch) TransitionOption {
	return func(opts *transitionOptions) {
		patch.Status = nil
		patch.ActivatedAt = nil
		patch.ExpectedStatus = nil
		opts.patch = patch
	}
}

// WithRequiredFromStatus rejects the transition unless the profile is
// currently in status. Used to tell reactivation apart from activation.
func WithRequiredFromStatus(status UserStatus) TransitionOption {
	return func(opts *transitionOptions) {
		opts.requiredFrom = status
	}
}

// WithBeforeTransitionHook adds a hook executed before the status update.
func WithBeforeTransitionHook(h TransitionHook) TransitionOption {
	return func(opts *transitionOptions) {
		if h != nil {
			opts.beforeHooks = append(opts.beforeHooks, h)
		}
	}
}

// WithAfterTransitionHook adds a hook executed after the status update succeeds.
func WithAfterTransitionHook(h TransitionHook) TransitionOption {
	return func(opts *transitionOptions) {
		if h != nil {
			opts.afterHooks = append(opts.afterHooks, h)
		}
	}
}

// NewProfileStateMachine returns the default implementation backed by the
// profile store. Only pending->active, active->inactive and inactive->active
// are allowed; terminated has no inbound edge.
func NewProfileStateMachine(profiles ProfileStore, opts ...StateMachineOption) ProfileStateMachine {
	sm := &profileStateMachine{
		profiles: profiles,
		transitions: map[UserStatus]map[UserStatus]struct{}{
			UserStatusPending: {
				UserStatusActive: {},
			},
			UserStatusActive: {
				UserStatusInactive: {},
			},
			UserStatusInactive: {
				UserStatusActive: {},
			},
		},
		now:              time.Now,
		activitySink:     noopActivitySink{},
		logger:           defLogger{},
		hookErrorHandler: defaultHookErrorHandler,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sm)
		}
	}

	return sm
}

type profileStateMachine struct {
	profiles         ProfileStore
	transitions      map[UserStatus]map[UserStatus]struct{}
	now              func() time.Time
	activitySink     ActivitySink
	logger           Logger
	hookErrorHandler HookErrorHandler
}

type transitionOptions struct {
	metadata     TransitionMetadata
	patch        ProfilePatch
	requiredFrom UserStatus
	beforeHooks  []TransitionHook
	afterHooks   []TransitionHook
}

func (o *transitionOptions) cloneMetadata() TransitionMetadata {
	var cloned map[string]any
	if len(o.metadata.Metadata) > 0 {
		cloned = make(map[string]any, len(o.metadata.Metadata))
		for k, v := range o.metadata.Metadata {
			cloned[k] = v
		}
	}

	return TransitionMetadata{
		Reason:   o.metadata.Reason,
		Metadata: cloned,
	}
}

func (sm *profileStateMachine) Transition(ctx context.Context, actor ActorRef, profile *UserProfile, target UserStatus, opts ...TransitionOption) (*UserProfile, error) {
	if profile == nil {
		return nil, errorWith(ErrInvalidTransition, map[string]any{
			"target": target,
			"reason": "profile is nil",
		})
	}

	profile.EnsureStatus()
	from := profile.Status
	if target == "" {
		return nil, errorWith(ErrInvalidTransition, map[string]any{
			"reason": "target status is empty",
		})
	}

	options := sm.buildTransitionOptions(opts...)

	if options.requiredFrom != "" && from != options.requiredFrom {
		return nil, errorWith(ErrInvalidTransition, map[string]any{
			"from":     from,
			"to":       target,
			"required": options.requiredFrom,
		})
	}

	if from == target {
		return profile, nil
	}

	if from == UserStatusTerminated {
		return nil, errorWith(ErrTerminalState, map[string]any{
			"from": from,
			"to":   target,
		})
	}

	if !sm.CanTransition(from, target) {
		return nil, errorWith(ErrInvalidTransition, map[string]any{
			"from": from,
			"to":   target,
		})
	}

	ctxData := TransitionContext{
		Actor:   actor,
		Profile: profile,
		From:    from,
		To:      target,
		Meta:    options.cloneMetadata(),
	}

	if err := sm.runHooks(ctx, options.beforeHooks, ctxData, HookPhaseBefore); err != nil {
		return nil, err
	}

	patch := options.patch
	patch.Status = &target
	patch.ExpectedStatus = &from
	// activated_at is written once, on the first move out of pending.
	if from == UserStatusPending && target == UserStatusActive && profile.ActivatedAt == nil {
		now := sm.now()
		patch.ActivatedAt = &now
	}

	updated, err := sm.profiles.UpdateProfile(ctx, profile.ID, patch)
	if err != nil {
		return nil, providerError(err, "failed to persist status change")
	}

	if updated == nil {
		updated = profile.Clone()
		patch.Apply(updated)
	}

	ctxData.Profile = updated
	if err := sm.runHooks(ctx, options.afterHooks, ctxData, HookPhaseAfter); err != nil {
		return nil, err
	}

	recordActivity(ctx, sm.activitySink, sm.logger, sm.now, ActivityEvent{
		EventType:  ActivityEventUserStatusChanged,
		Actor:      actor,
		UserID:     profile.ID.String(),
		FromStatus: from,
		ToStatus:   target,
		Metadata:   sm.transitionMetadata(ctxData.Meta),
	})

	return updated, nil
}

func (sm *profileStateMachine) CanTransition(from, to UserStatus) bool {
	if allowed, ok := sm.transitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}

func (sm *profileStateMachine) runHooks(ctx context.Context, hooks []TransitionHook, data TransitionContext, phase TransitionHookPhase) error {
	for _, hook := range hooks {
		if hook == nil {
			continue
		}
		if err := hook(ctx, data); err != nil {
			if sm.hookErrorHandler == nil {
				return err
			}
			return sm.hookErrorHandler(ctx, phase, err, data)
		}
	}
	return nil
}

func (sm *profileStateMachine) buildTransitionOptions(opts ...TransitionOption) *transitionOptions {
	options := &transitionOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}
	return options
}

func defaultHookErrorHandler(_ context.Context, phase TransitionHookPhase, err error, tc TransitionContext) error {
	return goerrors.Wrap(err, goerrors.CategoryOperation, "transition hook failed").
		WithTextCode("TRANSITION_HOOK_FAILED").
		WithMetadata(map[string]any{
			"phase":   phase,
			"user_id": tc.Profile.ID.String(),
			"from":    tc.From,
			"to":      tc.To,
			"reason":  tc.Meta.Reason,
		})
}

func (sm *profileStateMachine) transitionMetadata(meta TransitionMetadata) map[string]any {
	if meta.Reason == "" && len(meta.Metadata) == 0 {
		return nil
	}

	result := map[string]any{}
	if meta.Reason != "" {
		result["reason"] = meta.Reason
	}
	for k, v := range meta.Metadata {
		result[k] = v
	}
	return result
}
