// Package scope parses SMART on FHIR scopes in both the v1
// ("patient/Observation.read") and v2 ("patient/Observation.rs?category=x")
// grammars and negotiates requested scopes against a registered set.
package scope

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidScope is returned when a string matches neither scope grammar.
var ErrInvalidScope = errors.New("invalid scope")

var (
	v1Pattern = regexp.MustCompile(`^(patient|user|system|\*)/(\*|[A-Z][a-zA-Z]+)\.(read|write|\*)$`)
	v2Pattern = regexp.MustCompile(`^(patient|user|system|\*)/(\*|[A-Z][a-zA-Z]+)\.([cruds]+)(\?.*)?$`)
)

// Actions is the five-flag action vector shared by both grammars.
type Actions struct {
	Create bool
	Read   bool
	Update bool
	Delete bool
	Search bool
}

func (a Actions) String() string {
	out := make([]byte, 0, 5)
	if a.Create {
		out = append(out, 'c')
	}
	if a.Read {
		out = append(out, 'r')
	}
	if a.Update {
		out = append(out, 'u')
	}
	if a.Delete {
		out = append(out, 'd')
	}
	if a.Search {
		out = append(out, 's')
	}
	return string(out)
}

// Scope is a parsed resource scope.
type Scope struct {
	Level    string // patient, user, system or *
	Resource string // FHIR resource type or *
	Actions  Actions
	Query    string // v2 only, without the leading "?"
	Version  int
	raw      string
}

// Parse parses a single scope token. v1 "read" expands to read+search,
// "write" to create+update+delete and "*" to all five actions.
func Parse(s string) (*Scope, error) {
	if m := v1Pattern.FindStringSubmatch(s); m != nil {
		sc := &Scope{Level: m[1], Resource: m[2], Version: 1, raw: s}
		switch m[3] {
		case "read":
			sc.Actions = Actions{Read: true, Search: true}
		case "write":
			sc.Actions = Actions{Create: true, Update: true, Delete: true}
		default:
			sc.Actions = Actions{Create: true, Read: true, Update: true, Delete: true, Search: true}
		}
		return sc, nil
	}

	if m := v2Pattern.FindStringSubmatch(s); m != nil {
		sc := &Scope{Level: m[1], Resource: m[2], Version: 2, raw: s}
		for _, ch := range m[3] {
			switch ch {
			case 'c':
				sc.Actions.Create = true
			case 'r':
				sc.Actions.Read = true
			case 'u':
				sc.Actions.Update = true
			case 'd':
				sc.Actions.Delete = true
			case 's':
				sc.Actions.Search = true
			}
		}
		if len(m[4]) > 1 {
			sc.Query = m[4][1:]
		}
		return sc, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrInvalidScope, s)
}

// String returns the scope exactly as it was parsed.
func (s *Scope) String() string {
	return s.raw
}

// Covers reports whether s, used as a registered scope, grants the
// requested scope r. Levels and resources may be wildcards; the action
// vectors must be identical.
func (s *Scope) Covers(r *Scope) bool {
	if s.Level != "*" && s.Level != r.Level {
		return false
	}
	if s.Resource != "*" && s.Resource != r.Resource {
		return false
	}
	return s.Actions == r.Actions
}
