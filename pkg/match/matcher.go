// Package match filters job and job definition names with glob patterns.
package match

import (
	"errors"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher evaluates include and exclude patterns against names.
//
//   - Include patterns: a name must match at least one. No includes
//     matches every name.
//   - Exclude patterns: a name must not match any.
//
// The Matcher is safe for concurrent use after creation.
type Matcher struct {
	includes []string
	excludes []string
}

// Config configures a Matcher.
type Config struct {
	Includes []string
	Excludes []string
}

// ErrInvalidPattern is returned when a pattern cannot be compiled.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// New compiles cfg. Blank patterns are ignored.
func New(cfg Config) (*Matcher, error) {
	includes, err := compile(cfg.Includes)
	if err != nil {
		return nil, err
	}
	excludes, err := compile(cfg.Excludes)
	if err != nil {
		return nil, err
	}
	return &Matcher{includes: includes, excludes: excludes}, nil
}

func compile(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, &PatternError{Pattern: p, Err: ErrInvalidPattern}
		}
		out = append(out, p)
	}
	return out, nil
}

// Match reports whether name passes the include and exclude patterns.
func (m *Matcher) Match(name string) bool {
	if len(m.includes) > 0 {
		matched := false
		for _, inc := range m.includes {
			if matchPattern(inc, name) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for _, exc := range m.excludes {
		if matchPattern(exc, name) {
			return false
		}
	}
	return true
}

// MatchAll reports whether the matcher accepts every name.
func (m *Matcher) MatchAll() bool {
	return len(m.includes) == 0 && len(m.excludes) == 0
}

// IncludePatterns returns the compiled include patterns.
func (m *Matcher) IncludePatterns() []string {
	return append([]string(nil), m.includes...)
}

// ExcludePatterns returns the compiled exclude patterns.
func (m *Matcher) ExcludePatterns() []string {
	return append([]string(nil), m.excludes...)
}

// matchPattern matches a name against a doublestar pattern.
func matchPattern(pattern, name string) bool {
	matched, err := doublestar.Match(pattern, name)
	if err != nil {
		// Pattern was validated at construction time.
		return false
	}
	return matched
}
