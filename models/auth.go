package models

import (
	"sort"
)

// SystemActor is the identity used when authentication is disabled.
const SystemActor = "system"

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// AccessScope is the set of domains and groups a caller may query. An
// unrestricted scope sees everything; a restricted scope with no domains
// sees nothing.
type AccessScope struct {
	Unrestricted bool
	Domains      map[string]struct{}
	Groups       map[string]struct{}
}

// ElevatedScope is used by unattended jobs that run without a session.
func ElevatedScope() AccessScope {
	return AccessScope{Unrestricted: true}
}

// RestrictedScope builds a scope over the given domains and groups.
func RestrictedScope(domains, groups []string) AccessScope {
	s := AccessScope{
		Domains: make(map[string]struct{}, len(domains)),
		Groups:  make(map[string]struct{}, len(groups)),
	}
	for _, d := range domains {
		s.Domains[d] = struct{}{}
	}
	for _, g := range groups {
		s.Groups[g] = struct{}{}
	}
	return s
}

func (s AccessScope) HasDomain(domain string) bool {
	if s.Unrestricted {
		return true
	}
	_, ok := s.Domains[domain]
	return ok
}

func (s AccessScope) HasGroup(group string) bool {
	if s.Unrestricted {
		return true
	}
	_, ok := s.Groups[group]
	return ok
}

// DomainList returns the visible domains in a stable order.
func (s AccessScope) DomainList() []string {
	return sortedKeys(s.Domains)
}

func (s AccessScope) GroupList() []string {
	return sortedKeys(s.Groups)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CanSeeRule reports whether a rule and its incidents are visible. Owners
// always see their rules; anyone else needs every filter the rule carries to
// be inside the scope, and unfiltered rules stay private to their owner.
func (s AccessScope) CanSeeRule(actor string, r Rule) bool {
	if s.Unrestricted {
		return true
	}
	if actor != "" && r.OwnerID == actor {
		return true
	}
	if r.DomainFilter == "" && r.GroupFilter == "" {
		return false
	}
	if r.DomainFilter != "" && !s.HasDomain(r.DomainFilter) {
		return false
	}
	if r.GroupFilter != "" && !s.HasGroup(r.GroupFilter) {
		return false
	}
	return true
}
