package auth

import (
	"errors"
	"strings"
	"unicode/utf8"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/nyaruka/phonenumbers"
)

var (
	errInvalidPhone         = errors.New("must be a valid phone number")
	errInvalidRoleValue     = errors.New("must be one of super_admin, doctor, nurse, receptionist")
	errConfirmationMismatch = errors.New("must match the password")
)

// DefaultPhoneRegion is used to parse phone numbers without a country prefix.
var DefaultPhoneRegion = "US"

// InviteRequest is the payload an administrator submits to invite staff.
type InviteRequest struct {
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// Validate will run validation rules
func (r InviteRequest) Validate() *goerrors.Error {
	return goerrors.ValidateWithOzzo(func() error {
		return validation.ValidateStruct(&r,
			validation.Field(&r.Email, validation.Required, is.Email),
			validation.Field(&r.Role, validation.Required, validation.By(validRole)),
		)
	}, "invalid invitation payload")
}

// ActivateRequest is submitted from the activation form.
type ActivateRequest struct {
	FullName        string `json:"full_name"`
	Phone           string `json:"phone"`
	ProfilePicture  string `json:"profile_picture"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

// Validate will run validation rules. Password length is checked first so
// the caller gets the dedicated minimum length error.
func (r ActivateRequest) Validate() *goerrors.Error {
	if err := checkPasswordLength(r.Password); err != nil {
		return err
	}
	return goerrors.ValidateWithOzzo(func() error {
		return validation.ValidateStruct(&r,
			validation.Field(&r.FullName, validation.Required, validation.Length(1, 200)),
			validation.Field(&r.Phone, validation.By(validPhone)),
			validation.Field(&r.ProfilePicture, is.URL),
			validation.Field(&r.ConfirmPassword, validation.Required, validation.By(matches(r.Password))),
		)
	}, "invalid activation payload")
}

// ResetPasswordRequest sets a new credential after a recovery exchange.
type ResetPasswordRequest struct {
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

// Validate will run validation rules
func (r ResetPasswordRequest) Validate() *goerrors.Error {
	if err := checkPasswordLength(r.Password); err != nil {
		return err
	}
	return goerrors.ValidateWithOzzo(func() error {
		return validation.ValidateStruct(&r,
			validation.Field(&r.ConfirmPassword, validation.Required, validation.By(matches(r.Password))),
		)
	}, "invalid password reset payload")
}

// RecoveryRequest is the self-service "forgot password" payload.
type RecoveryRequest struct {
	Email string `json:"email"`
}

// Validate will run validation rules
func (r RecoveryRequest) Validate() *goerrors.Error {
	return goerrors.ValidateWithOzzo(func() error {
		return validation.ValidateStruct(&r,
			validation.Field(&r.Email, validation.Required, is.Email),
		)
	}, "invalid recovery payload")
}

// ChangeRoleRequest carries the new role for a profile.
type ChangeRoleRequest struct {
	Role Role `json:"role"`
}

// Validate will run validation rules
func (r ChangeRoleRequest) Validate() *goerrors.Error {
	if !r.Role.IsValid() {
		return errorWith(ErrInvalidRole, map[string]any{
			"role":        r.Role,
			"valid_roles": GetAllRoles(),
		})
	}
	return nil
}

// ProfileUpdate is the self-service profile edit. Role and status are not
// part of it on purpose.
type ProfileUpdate struct {
	FullName       *string `json:"full_name"`
	Phone          *string `json:"phone"`
	ProfilePicture *string `json:"profile_picture"`
}

// Validate will run validation rules
func (r ProfileUpdate) Validate() *goerrors.Error {
	return goerrors.ValidateWithOzzo(func() error {
		return validation.ValidateStruct(&r,
			validation.Field(&r.FullName, validation.NilOrNotEmpty, validation.Length(1, 200)),
			validation.Field(&r.Phone, validation.By(validPhone)),
			validation.Field(&r.ProfilePicture, is.URL),
		)
	}, "invalid profile payload")
}

// NormalizeEmail lowercases and trims an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizePhone formats phone as E.164. Empty input stays empty.
func NormalizePhone(phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", nil
	}
	num, err := phonenumbers.Parse(phone, DefaultPhoneRegion)
	if err != nil {
		return "", err
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", errInvalidPhone
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

func checkPasswordLength(password string) *goerrors.Error {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return errorWith(ErrPasswordTooShort, map[string]any{
			"min_length": MinPasswordLength,
		})
	}
	return nil
}

func validRole(value any) error {
	role, _ := value.(Role)
	if !role.IsValid() {
		return errInvalidRoleValue
	}
	return nil
}

func validPhone(value any) error {
	var phone string
	switch v := value.(type) {
	case string:
		phone = v
	case *string:
		if v == nil {
			return nil
		}
		phone = *v
	}
	if strings.TrimSpace(phone) == "" {
		return nil
	}
	if _, err := NormalizePhone(phone); err != nil {
		return errInvalidPhone
	}
	return nil
}

func matches(expected string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s != expected {
			return errConfirmationMismatch
		}
		return nil
	}
}
