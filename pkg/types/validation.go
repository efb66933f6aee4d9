package types

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// validate is safe for concurrent use and caches struct metadata.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("userid", func(fl validator.FieldLevel) bool {
		return IsValidUserID(fl.Field().String())
	})
	return v
}

// Validator exposes the shared instance so HTTP binding can reuse the
// custom tags.
func Validator() *validator.Validate {
	return validate
}

// ValidateStruct checks struct tags and flattens field errors into a
// single ErrInvalidPayload.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		parts := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(parts, "; "))
	}
	return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
}

// Validate checks a session before it is created.
func (s *Session) Validate() error {
	if strings.TrimSpace(s.Title) == "" || len(s.Title) > 200 {
		return ErrInvalidSessionTitle
	}
	if !IsValidUserID(s.TeacherID) {
		return ErrInvalidTeacherID
	}
	for _, id := range s.StudentIDs {
		if !IsValidUserID(id) {
			return fmt.Errorf("%w: %q", ErrInvalidUserID, id)
		}
	}
	return nil
}

// IsValidUserID checks if a user ID meets format requirements.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidRole reports whether r is one of the two classroom roles.
func IsValidRole(r Role) bool {
	return r == RoleTeacher || r == RoleStudent
}

// ValidatePayload applies the same checks Decode does, for frames about
// to be sent.
func ValidatePayload(p Payload) error {
	if err := ValidateStruct(p); err != nil {
		return err
	}
	if c, ok := p.(checker); ok {
		return c.check()
	}
	return nil
}
