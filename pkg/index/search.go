package index

import (
	"fmt"
	"regexp"
	"strings"
)

type Condition uint8

const (
	Equals Condition = iota
	NotEquals
	Contains
	StartsWith
	EndsWith
	Matches
)

var conditionNames = map[string]Condition{
	"equals":      Equals,
	"not_equals":  NotEquals,
	"contains":    Contains,
	"starts_with": StartsWith,
	"ends_with":   EndsWith,
	"matches":     Matches,
}

func (c Condition) String() string {
	for name, cond := range conditionNames {
		if cond == c {
			return name
		}
	}
	return fmt.Sprintf("condition(%d)", uint8(c))
}

// ParseCondition accepts the snake_case names used by the admin API.
func ParseCondition(s string) (Condition, error) {
	c, ok := conditionNames[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("unknown search condition %q", s)
	}
	return c, nil
}

// SearchSpec selects keys of one keyspace by the values they are indexed under.
type SearchSpec struct {
	Index           string
	Keyspace        string
	Condition       Condition
	Text            string
	CaseInsensitive bool
}

// matcher compiles a spec into a predicate over indexed values.
func (s SearchSpec) matcher() (func(string) bool, error) {
	text := s.Text
	norm := func(v string) string { return v }
	if s.CaseInsensitive {
		text = strings.ToLower(text)
		norm = strings.ToLower
	}
	switch s.Condition {
	case Equals:
		return func(v string) bool { return norm(v) == text }, nil
	case NotEquals:
		return func(v string) bool { return norm(v) != text }, nil
	case Contains:
		return func(v string) bool { return strings.Contains(norm(v), text) }, nil
	case StartsWith:
		return func(v string) bool { return strings.HasPrefix(norm(v), text) }, nil
	case EndsWith:
		return func(v string) bool { return strings.HasSuffix(norm(v), text) }, nil
	case Matches:
		expr := s.Text
		if s.CaseInsensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile search pattern: %w", err)
		}
		return re.MatchString, nil
	default:
		return nil, fmt.Errorf("unknown search condition %d", s.Condition)
	}
}
