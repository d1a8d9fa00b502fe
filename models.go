package auth

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// UserStatus is the lifecycle status of a profile
type UserStatus string

const (
	// UserStatusPending is an invited account that has not activated yet
	UserStatusPending UserStatus = "pending"
	// UserStatusActive can sign in and use the application
	UserStatusActive UserStatus = "active"
	// UserStatusInactive was disabled by an administrator
	UserStatusInactive UserStatus = "inactive"
	// UserStatusTerminated is declared for reporting but no operation moves
	// a profile into it.
	UserStatusTerminated UserStatus = "terminated"
)

// IsValid checks the status against the declared set
func (s UserStatus) IsValid() bool {
	switch s {
	case UserStatusPending, UserStatusActive, UserStatusInactive, UserStatusTerminated:
		return true
	default:
		return false
	}
}

// UserProfile is the application record for a staff member. Its ID is
// shared with the provider Identity.
type UserProfile struct {
	bun.BaseModel  `bun:"table:user_profiles,alias:upr"`
	ID             uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	Email          string     `bun:"email,notnull,unique" json:"email"`
	Role           Role       `bun:"role,notnull" json:"role"`
	Status         UserStatus `bun:"status,notnull" json:"status"`
	FullName       string     `bun:"full_name" json:"full_name,omitempty"`
	Phone          string     `bun:"phone" json:"phone,omitempty"`
	ProfilePicture string     `bun:"profile_picture" json:"profile_picture,omitempty"`
	InvitedBy      *uuid.UUID `bun:"invited_by,type:uuid,nullzero" json:"invited_by,omitempty"`
	ActivatedAt    *time.Time `bun:"activated_at,nullzero" json:"activated_at,omitempty"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`

	// Deleted marks a feed tombstone; it is never stored.
	Deleted bool `bun:"-" json:"deleted,omitempty"`
}

// DeletedProfile is the tombstone stores publish after removing a profile.
// Live sessions for id drop to anonymous when they receive it.
func DeletedProfile(id uuid.UUID) *UserProfile {
	return &UserProfile{ID: id, Status: UserStatusTerminated, Deleted: true}
}

// EnsureStatus defaults an empty status to pending.
func (p *UserProfile) EnsureStatus() {
	if p != nil && p.Status == "" {
		p.Status = UserStatusPending
	}
}

// IsPending reports whether the profile still needs activation
func (p *UserProfile) IsPending() bool {
	return p != nil && p.Status == UserStatusPending
}

// Clone returns a deep copy of the profile.
func (p *UserProfile) Clone() *UserProfile {
	if p == nil {
		return nil
	}
	c := *p
	if p.InvitedBy != nil {
		id := *p.InvitedBy
		c.InvitedBy = &id
	}
	if p.ActivatedAt != nil {
		at := *p.ActivatedAt
		c.ActivatedAt = &at
	}
	return &c
}

// CheckInvariants validates the activation invariants of a profile:
// pending profiles have no activation time and active profiles do.
func (p *UserProfile) CheckInvariants() error {
	if p == nil {
		return nil
	}
	switch {
	case p.Status == UserStatusPending && p.ActivatedAt != nil:
		return errorWith(ErrProfileInvariant, map[string]any{
			"id":     p.ID.String(),
			"status": p.Status,
			"reason": "pending profile has activated_at",
		})
	case p.Status == UserStatusActive && p.ActivatedAt == nil:
		return errorWith(ErrProfileInvariant, map[string]any{
			"id":     p.ID.String(),
			"status": p.Status,
			"reason": "active profile without activated_at",
		})
	}
	return nil
}

// ProfilePatch carries a partial profile update. Nil fields are left
// untouched. Email and ID are never patched.
//
// ExpectedStatus is a precondition, not a change: stores reject the patch
// when the stored status differs from it.
type ProfilePatch struct {
	Role           *Role
	Status         *UserStatus
	FullName       *string
	Phone          *string
	ProfilePicture *string
	ActivatedAt    *time.Time

	ExpectedStatus *UserStatus
}

// CheckPrecondition validates the patch against the stored row before it is
// applied. Stores call it inside the same transaction that writes the row.
func (p ProfilePatch) CheckPrecondition(current *UserProfile) error {
	if current == nil {
		return nil
	}

	if p.ActivatedAt != nil && current.ActivatedAt != nil {
		meta := map[string]any{
			"id":           current.ID.String(),
			"status":       current.Status,
			"activated_at": current.ActivatedAt.UTC().Format(time.RFC3339),
		}
		if current.Status == UserStatusActive {
			return errorWith(ErrAlreadyActive, meta)
		}
		return errorWith(ErrInvalidTransition, meta)
	}

	if p.ExpectedStatus != nil && current.Status != *p.ExpectedStatus {
		meta := map[string]any{
			"id":       current.ID.String(),
			"expected": *p.ExpectedStatus,
			"current":  current.Status,
		}
		if p.Status != nil && *p.Status == UserStatusActive && current.Status == UserStatusActive {
			return errorWith(ErrAlreadyActive, meta)
		}
		return errorWith(ErrInvalidTransition, meta)
	}

	return nil
}

// IsEmpty reports whether the patch changes nothing
func (p ProfilePatch) IsEmpty() bool {
	return p.Role == nil && p.Status == nil && p.FullName == nil &&
		p.Phone == nil && p.ProfilePicture == nil && p.ActivatedAt == nil
}

// Apply copies the set fields onto profile.
func (p ProfilePatch) Apply(profile *UserProfile) {
	if profile == nil {
		return
	}
	if p.Role != nil {
		profile.Role = *p.Role
	}
	if p.Status != nil {
		profile.Status = *p.Status
	}
	if p.FullName != nil {
		profile.FullName = *p.FullName
	}
	if p.Phone != nil {
		profile.Phone = *p.Phone
	}
	if p.ProfilePicture != nil {
		profile.ProfilePicture = *p.ProfilePicture
	}
	if p.ActivatedAt != nil {
		at := *p.ActivatedAt
		profile.ActivatedAt = &at
	}
}

// Session pairs a live provider session with the profile it belongs to.
type Session struct {
	Provider *ProviderSession `json:"session"`
	Profile  *UserProfile     `json:"profile"`
}

// UserID returns the profile id or uuid.Nil
func (s *Session) UserID() uuid.UUID {
	if s == nil || s.Profile == nil {
		return uuid.Nil
	}
	return s.Profile.ID
}

// AccessToken returns the raw provider token, if any.
func (s *Session) AccessToken() string {
	if s == nil || s.Provider == nil {
		return ""
	}
	return s.Provider.AccessToken
}

// Permissions returns the permission set for the session's current role.
func (s *Session) Permissions() PermissionSet {
	if s == nil || s.Profile == nil {
		return PermissionSet{}
	}
	return PermissionsFor(s.Profile.Role)
}

// Clone copies the session so callers cannot mutate store state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := &Session{Profile: s.Profile.Clone()}
	if s.Provider != nil {
		p := *s.Provider
		c.Provider = &p
	}
	return c
}

// ActorRef returns the audit reference for the session's user.
func (s *Session) ActorRef() ActorRef {
	if s == nil || s.Profile == nil {
		return ActorRef{Type: "anonymous"}
	}
	return ActorRef{ID: s.Profile.ID.String(), Type: "user"}
}

func ptr[T any](v T) *T {
	return &v
}
