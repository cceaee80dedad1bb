package models

import (
	"encoding/json"
	"sort"
	"strings"
)

// Well-known scopes understood by the protocol engine.
const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeOfflineAccess = "offline_access"
	ScopeAdmin         = "admin"
)

// ScopeSet is an unordered set of scope names. Its canonical string form is the
// space-delimited, lexically sorted list of members.
type ScopeSet map[string]struct{}

// ParseScope splits a space-delimited scope string into a set, dropping empty
// tokens and duplicates.
func ParseScope(raw string) ScopeSet {
	return NewScopeSet(strings.Fields(raw)...)
}

// NewScopeSet builds a set from individual scope names.
func NewScopeSet(scopes ...string) ScopeSet {
	s := make(ScopeSet, len(scopes))
	for _, scope := range scopes {
		if scope = strings.TrimSpace(scope); scope != "" {
			s[scope] = struct{}{}
		}
	}
	return s
}

// Has reports whether scope is a member of the set.
func (s ScopeSet) Has(scope string) bool {
	_, ok := s[scope]
	return ok
}

// ContainsAll reports whether every member of other is also in s.
func (s ScopeSet) ContainsAll(other ScopeSet) bool {
	for scope := range other {
		if !s.Has(scope) {
			return false
		}
	}
	return true
}

// IsSubsetOf reports whether every member of s is in other.
func (s ScopeSet) IsSubsetOf(other ScopeSet) bool {
	return other.ContainsAll(s)
}

// Missing returns the members of s that are not in other, sorted.
func (s ScopeSet) Missing(other ScopeSet) []string {
	var out []string
	for scope := range s {
		if !other.Has(scope) {
			out = append(out, scope)
		}
	}
	sort.Strings(out)
	return out
}

// Union returns a new set with the members of both sets.
func (s ScopeSet) Union(other ScopeSet) ScopeSet {
	out := make(ScopeSet, len(s)+len(other))
	for scope := range s {
		out[scope] = struct{}{}
	}
	for scope := range other {
		out[scope] = struct{}{}
	}
	return out
}

// IsEmpty reports whether the set has no members.
func (s ScopeSet) IsEmpty() bool {
	return len(s) == 0
}

// Slice returns the members in canonical (sorted) order.
func (s ScopeSet) Slice() []string {
	out := make([]string, 0, len(s))
	for scope := range s {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}

// String returns the canonical space-delimited representation.
func (s ScopeSet) String() string {
	return strings.Join(s.Slice(), " ")
}

// MarshalJSON encodes the set as its canonical scope string.
func (s ScopeSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts either a scope string or a JSON array of scope names.
func (s *ScopeSet) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		*s = ParseScope(raw)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = NewScopeSet(list...)
	return nil
}
