package rank

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const maxRoleNameLen = 100

// Target is the requested role, resolved once at the request boundary.
type Target struct {
	byName bool
	number uint8
	name   string
}

// ByNumber targets a role by its rank.
func ByNumber(n uint8) Target { return Target{number: n} }

// ByName targets a role by its (case-insensitive) name.
func ByName(s string) Target { return Target{byName: true, name: s} }

// Name reports the role name and whether this target is by name.
func (t Target) Name() (string, bool) { return t.name, t.byName }

// Number reports the rank and whether this target is by number.
func (t Target) Number() (uint8, bool) { return t.number, !t.byName }

func (t Target) String() string {
	if t.byName {
		return strconv.Quote(t.name)
	}
	return strconv.Itoa(int(t.number))
}

// ParseTarget accepts a JSON number or string. Digit-only strings are ranks.
func ParseTarget(raw json.RawMessage) (Target, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Target{}, fmt.Errorf("%w: rank is required", ErrValidation)
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Target{}, fmt.Errorf("%w: rank must be a number or role name", ErrValidation)
		}
		return ParseTargetString(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return Target{}, fmt.Errorf("%w: rank must be a number or role name", ErrValidation)
	}
	return parseRankNumber(n.String())
}

// ParseTargetString resolves free text into a Target.
func ParseTargetString(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, fmt.Errorf("%w: rank is required", ErrValidation)
	}
	if isDigits(s) {
		return parseRankNumber(s)
	}
	if len(s) > maxRoleNameLen {
		return Target{}, fmt.Errorf("%w: role name longer than %d characters", ErrValidation, maxRoleNameLen)
	}
	return ByName(s), nil
}

func parseRankNumber(s string) (Target, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 255 {
		return Target{}, fmt.Errorf("%w: rank %s must be an integer between 0 and 255", ErrValidation, s)
	}
	return ByNumber(uint8(n)), nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
