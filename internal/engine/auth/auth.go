// Package auth resolves a user's capabilities on a form from ordered grants.
package auth

import (
	"fmt"

	"dairyline/internal/domain"
)

// ForbiddenError indicates the caller lacks a capability on a form.
type ForbiddenError struct {
	Action domain.Action
	FormID string
}

func (e ForbiddenError) Error() string {
	if e.FormID == "" {
		return fmt.Sprintf("permission %s required", e.Action)
	}
	return fmt.Sprintf("permission %s required on form %s", e.Action, e.FormID)
}

// Scope names the grant level that produced a resolution.
type Scope string

const (
	ScopeUser       Scope = "user"
	ScopeRole       Scope = "role"
	ScopeDepartment Scope = "department"
	ScopeNone       Scope = "none"
)

// Resolution is the outcome of resolving a user's capabilities on a form.
type Resolution struct {
	Capabilities domain.Capabilities `json:"capabilities"`
	Scope        Scope               `json:"scope"`
	GrantID      string              `json:"grant_id,omitempty"`
}

type strategy struct {
	scope Scope
	match func(domain.User, domain.PermissionGrant) bool
}

// strategies are tried in precedence order; the first match wins in full.
var strategies = []strategy{
	{scope: ScopeUser, match: func(u domain.User, g domain.PermissionGrant) bool {
		return u.ID != "" && g.UserID == u.ID
	}},
	{scope: ScopeRole, match: func(u domain.User, g domain.PermissionGrant) bool {
		return u.Role != "" && g.Role == u.Role
	}},
	{scope: ScopeDepartment, match: func(u domain.User, g domain.PermissionGrant) bool {
		return u.Department != "" && g.Department == u.Department
	}},
}

// Resolve returns the effective capabilities of user on form.
func Resolve(form domain.FormRecord, user domain.User, grants []domain.PermissionGrant) domain.Capabilities {
	return ResolveDetailed(form, user, grants).Capabilities
}

// ResolveDetailed is Resolve plus the scope and grant that matched.
func ResolveDetailed(form domain.FormRecord, user domain.User, grants []domain.PermissionGrant) Resolution {
	for _, s := range strategies {
		for _, g := range grants {
			if s.match(user, g) && appliesTo(g, form) {
				return Resolution{Capabilities: g.Permissions, Scope: s.scope, GrantID: g.ID}
			}
		}
	}
	return Resolution{Scope: ScopeNone}
}

func appliesTo(g domain.PermissionGrant, form domain.FormRecord) bool {
	if g.FormID != "" && g.FormID == form.ID {
		return true
	}
	return g.FormType != "" && g.FormType == form.Type
}

// CanAccess indexes caps by action. Unknown actions are denied.
func CanAccess(caps domain.Capabilities, action domain.Action) bool {
	switch action {
	case domain.ActionView:
		return caps.View
	case domain.ActionEdit:
		return caps.Edit
	case domain.ActionDelete:
		return caps.Delete
	case domain.ActionApprove:
		return caps.Approve
	case domain.ActionCreate:
		return caps.Create
	}
	return false
}

// Access level labels returned by AccessLevel.
const (
	// LevelNone means no capability is granted.
	LevelNone = "No Access"
	// LevelView means exactly one capability is granted.
	LevelView = "View Only"
	// LevelLimited means two or three capabilities are granted.
	LevelLimited = "Limited"
	// LevelFull means four or more capabilities are granted.
	LevelFull = "Full Access"
)

// AccessLevel buckets the number of granted capabilities into a label.
func AccessLevel(caps domain.Capabilities) string {
	n := Count(caps)
	switch {
	case n == 0:
		return LevelNone
	case n == 1:
		return LevelView
	case n <= 3:
		return LevelLimited
	default:
		return LevelFull
	}
}

// Count returns how many capabilities are granted.
func Count(caps domain.Capabilities) int {
	n := 0
	for _, v := range []bool{caps.View, caps.Edit, caps.Delete, caps.Approve, caps.Create} {
		if v {
			n++
		}
	}
	return n
}

// ParseAction reports whether raw names a known action.
func ParseAction(raw string) (domain.Action, bool) {
	a := domain.Action(raw)
	switch a {
	case domain.ActionView, domain.ActionEdit, domain.ActionDelete, domain.ActionApprove, domain.ActionCreate:
		return a, true
	}
	return a, false
}
