package scope

import (
	"regexp"
	"strings"
)

var systemScopePattern = regexp.MustCompile(`^system/(\*|[A-Z][a-zA-Z]+)(\.(read|write|\*|[cruds]+))?$`)

// Set is an ordered, duplicate free collection of scope strings.
type Set struct {
	items []string
}

// NewSet splits a whitespace separated scope string into a Set.
func NewSet(scopes string) *Set {
	s := &Set{}
	for _, tok := range strings.Fields(scopes) {
		s.Add(tok)
	}
	return s
}

// Has reports whether the exact scope string is in the set.
func (s *Set) Has(scope string) bool {
	for _, item := range s.items {
		if item == scope {
			return true
		}
	}
	return false
}

// Matches reports whether any scope in the set matches re.
func (s *Set) Matches(re *regexp.Regexp) bool {
	for _, item := range s.items {
		if re.MatchString(item) {
			return true
		}
	}
	return false
}

// Add appends scope unless it is already present.
func (s *Set) Add(scope string) {
	if scope == "" || s.Has(scope) {
		return
	}
	s.items = append(s.items, scope)
}

// Remove deletes scope from the set. It is a no-op when absent.
func (s *Set) Remove(scope string) {
	for i, item := range s.items {
		if item == scope {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return
		}
	}
}

// Items returns a copy of the scopes in insertion order.
func (s *Set) Items() []string {
	out := make([]string, len(s.items))
	copy(out, s.items)
	return out
}

// Len returns the number of scopes.
func (s *Set) Len() int {
	return len(s.items)
}

func (s *Set) String() string {
	return strings.Join(s.items, " ")
}

// Negotiation is the outcome of checking requested scopes against a Set.
type Negotiation struct {
	Granted  []string
	Rejected []string
}

// Negotiate partitions the requested scopes into granted and rejected.
// A requested scope is granted when it appears verbatim in the set, or when
// it parses and some registered resource scope covers it (see Scope.Covers).
func (s *Set) Negotiate(requested string) Negotiation {
	var (
		out        Negotiation
		registered []*Scope
	)
	for _, item := range s.items {
		if sc, err := Parse(item); err == nil {
			registered = append(registered, sc)
		}
	}

	for _, req := range NewSet(requested).items {
		if s.Has(req) {
			out.Granted = append(out.Granted, req)
			continue
		}
		if covered(registered, req) {
			out.Granted = append(out.Granted, req)
			continue
		}
		out.Rejected = append(out.Rejected, req)
	}
	return out
}

func covered(registered []*Scope, req string) bool {
	want, err := Parse(req)
	if err != nil {
		return false
	}
	for _, have := range registered {
		if have.Covers(want) {
			return true
		}
	}
	return false
}

// InvalidSystemScopes returns the first scope in the whitespace separated
// string that is not a valid system scope, or "" when all of them are.
func InvalidSystemScopes(scopes string) string {
	for _, tok := range strings.Fields(scopes) {
		if !systemScopePattern.MatchString(tok) {
			return tok
		}
	}
	return ""
}
