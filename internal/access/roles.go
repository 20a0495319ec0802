package access

import (
	"fmt"
	"sort"
	"strings"
)

// Role names a caller's role on the platform.
type Role string

const (
	RoleStudent    Role = "student"
	RoleInstructor Role = "instructor"
	RoleAdmin      Role = "admin"
)

// Hierarchy ranks roles from least to most privileged.
//
// Requirements are derived from one hierarchy, so a role added here is seen by
// every AtLeast() gate at once instead of being copied into separate allow-lists.
type Hierarchy struct {
	order []Role
	rank  map[Role]int
}

// DefaultHierarchy is student < instructor < admin.
func DefaultHierarchy() Hierarchy {
	h, _ := NewHierarchy(RoleStudent, RoleInstructor, RoleAdmin)
	return h
}

// NewHierarchy builds a hierarchy from roles in ascending privilege order.
func NewHierarchy(ascending ...Role) (Hierarchy, error) {
	if len(ascending) == 0 {
		return Hierarchy{}, fmt.Errorf("role hierarchy is empty")
	}
	h := Hierarchy{rank: make(map[Role]int, len(ascending))}
	for i, r := range ascending {
		r = Role(strings.TrimSpace(string(r)))
		if r == "" {
			return Hierarchy{}, fmt.Errorf("role hierarchy: empty role at position %d", i)
		}
		if _, dup := h.rank[r]; dup {
			return Hierarchy{}, fmt.Errorf("role hierarchy: duplicate role %q", r)
		}
		h.rank[r] = i
		h.order = append(h.order, r)
	}
	return h, nil
}

// Roles returns the roles in ascending order.
func (h Hierarchy) Roles() []Role {
	return append([]Role(nil), h.order...)
}

// Known reports whether r is part of the hierarchy.
func (h Hierarchy) Known(r Role) bool {
	_, ok := h.rank[r]
	return ok
}

// AtLeast returns a requirement satisfied by min and every role ranked above it.
// An unknown min yields a requirement nobody satisfies.
func (h Hierarchy) AtLeast(min Role) Requirement {
	req := Requirement{roles: map[Role]struct{}{}}
	base, ok := h.rank[min]
	if !ok {
		return req
	}
	for r, n := range h.rank {
		if n >= base {
			req.roles[r] = struct{}{}
		}
	}
	return req
}

// Requirement is the set of roles allowed through a gate.
type Requirement struct {
	roles map[Role]struct{}
}

// AnyOf builds a requirement from an explicit role set.
func AnyOf(roles ...Role) Requirement {
	req := Requirement{roles: make(map[Role]struct{}, len(roles))}
	for _, r := range roles {
		req.roles[r] = struct{}{}
	}
	return req
}

// Allows reports whether r satisfies the requirement.
func (q Requirement) Allows(r Role) bool {
	_, ok := q.roles[r]
	return ok
}

// Roles returns the allowed roles sorted by name.
func (q Requirement) Roles() []Role {
	out := make([]Role, 0, len(q.roles))
	for r := range q.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (q Requirement) String() string {
	rs := q.Roles()
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = string(r)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
