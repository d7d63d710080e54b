package rank

import (
	"fmt"
	"strconv"
	"strings"
)

// UserRef identifies a member by numeric id or by username.
type UserRef struct {
	ID       int64
	Username string
}

func (u UserRef) String() string {
	if u.ID > 0 {
		return strconv.FormatInt(u.ID, 10)
	}
	return u.Username
}

// ParseUserRef treats all-digit input as an id and anything else as a username.
func ParseUserRef(s string) (UserRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return UserRef{}, fmt.Errorf("%w: user is required", ErrValidation)
	}
	if isDigits(s) {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			return UserRef{}, fmt.Errorf("%w: user id %q must be a positive integer", ErrValidation, s)
		}
		return UserRef{ID: id}, nil
	}
	if err := ValidateUsername(s); err != nil {
		return UserRef{}, err
	}
	return UserRef{Username: s}, nil
}

// ParseUserID accepts only numeric ids.
func ParseUserID(s string) (UserRef, error) {
	s = strings.TrimSpace(s)
	if !isDigits(s) {
		return UserRef{}, fmt.Errorf("%w: user id %q must be a positive integer", ErrValidation, s)
	}
	return ParseUserRef(s)
}

// ParseUsername accepts only usernames.
func ParseUsername(s string) (UserRef, error) {
	s = strings.TrimSpace(s)
	if err := ValidateUsername(s); err != nil {
		return UserRef{}, err
	}
	return UserRef{Username: s}, nil
}

// ValidateUsername enforces 3-20 characters of letters, digits and at most
// one underscore that is neither leading nor trailing.
func ValidateUsername(s string) error {
	if len(s) < 3 || len(s) > 20 {
		return fmt.Errorf("%w: username must be 3-20 characters", ErrValidation)
	}
	underscores := 0
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_':
			underscores++
		default:
			return fmt.Errorf("%w: username may only contain letters, digits and underscore", ErrValidation)
		}
	}
	if underscores > 1 || s[0] == '_' || s[len(s)-1] == '_' {
		return fmt.Errorf("%w: username may contain one inner underscore", ErrValidation)
	}
	return nil
}
