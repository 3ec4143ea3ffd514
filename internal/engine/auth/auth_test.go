package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"dairyline/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	labForm = domain.FormRecord{ID: "f-1", Type: "lab-forms"}
	analyst = domain.User{ID: "u-1", Role: "Analyst", Department: "Lab"}
	viewAll = domain.Capabilities{View: true, Edit: true, Delete: true, Approve: true, Create: true}
)

func TestResolveDeniesWithoutMatch(t *testing.T) {
	grants := []domain.PermissionGrant{
		{ID: "g1", UserID: "someone-else", FormType: "lab-forms", Permissions: viewAll},
		{ID: "g2", Role: "Analyst", FormType: "driver-form", Permissions: viewAll},
		{ID: "g3", Department: "Production", FormType: "lab-forms", Permissions: viewAll},
	}
	res := ResolveDetailed(labForm, analyst, grants)
	assert.Equal(t, domain.Capabilities{}, res.Capabilities)
	assert.Equal(t, ScopeNone, res.Scope)
	assert.Empty(t, res.GrantID)
}

func TestResolveUserBeatsRole(t *testing.T) {
	grants := []domain.PermissionGrant{
		{ID: "role", Role: "Analyst", FormType: "lab-forms", Permissions: viewAll},
		{ID: "user", UserID: "u-1", FormType: "lab-forms", Permissions: domain.Capabilities{View: true}},
	}
	res := ResolveDetailed(labForm, analyst, grants)
	assert.Equal(t, domain.Capabilities{View: true}, res.Capabilities)
	assert.Equal(t, ScopeUser, res.Scope)
	assert.Equal(t, "user", res.GrantID)
}

func TestResolveRoleBeatsDepartment(t *testing.T) {
	grants := []domain.PermissionGrant{
		{ID: "dept", Department: "Lab", FormType: "lab-forms", Permissions: viewAll},
		{ID: "role", Role: "Analyst", FormType: "lab-forms", Permissions: domain.Capabilities{Edit: true}},
	}
	res := ResolveDetailed(labForm, analyst, grants)
	assert.Equal(t, ScopeRole, res.Scope)
	assert.Equal(t, domain.Capabilities{Edit: true}, res.Capabilities)
}

func TestResolveDepartmentLevel(t *testing.T) {
	grants := []domain.PermissionGrant{
		{ID: "dept", Department: "Lab", FormType: "lab-forms", Permissions: domain.Capabilities{View: true}},
	}
	user := domain.User{Department: "Lab", Role: "Analyst"}
	caps := Resolve(domain.FormRecord{Type: "lab-forms"}, user, grants)
	assert.True(t, CanAccess(caps, domain.ActionView))
	assert.False(t, CanAccess(caps, domain.ActionEdit))
}

func TestResolveFirstMatchWithinScope(t *testing.T) {
	grants := []domain.PermissionGrant{
		{ID: "first", Role: "Analyst", FormType: "lab-forms", Permissions: domain.Capabilities{View: true}},
		{ID: "second", Role: "Analyst", FormID: "f-1", Permissions: viewAll},
	}
	res := ResolveDetailed(labForm, analyst, grants)
	assert.Equal(t, "first", res.GrantID)
	assert.Equal(t, domain.Capabilities{View: true}, res.Capabilities)
}

func TestResolveMatchesFormInstance(t *testing.T) {
	grants := []domain.PermissionGrant{
		{ID: "inst", UserID: "u-1", FormID: "f-1", Permissions: domain.Capabilities{Approve: true}},
	}
	caps := Resolve(domain.FormRecord{ID: "f-1", Type: "other"}, analyst, grants)
	assert.True(t, caps.Approve)
	caps = Resolve(domain.FormRecord{ID: "f-2", Type: "other"}, analyst, grants)
	assert.False(t, caps.Approve)
}

func TestResolveEmptyFieldsNeverMatch(t *testing.T) {
	grants := []domain.PermissionGrant{
		{ID: "blank-scope", FormType: "lab-forms", Permissions: viewAll},
		{ID: "blank-target", Role: "Analyst", Permissions: viewAll},
	}
	res := ResolveDetailed(labForm, domain.User{ID: "u-9"}, grants)
	assert.Equal(t, ScopeNone, res.Scope)
	res = ResolveDetailed(domain.FormRecord{ID: "f-3"}, analyst, grants)
	assert.Equal(t, ScopeNone, res.Scope)
}

func TestResolveDoesNotMutateGrants(t *testing.T) {
	grants := []domain.PermissionGrant{
		{ID: "g", Role: "Analyst", FormType: "lab-forms", Permissions: domain.Capabilities{View: true}},
	}
	caps := Resolve(labForm, analyst, grants)
	caps.Edit = true
	assert.False(t, grants[0].Permissions.Edit)
}

func TestAccessLevel(t *testing.T) {
	tests := []struct {
		name string
		caps domain.Capabilities
		want string
	}{
		{"none", domain.Capabilities{}, LevelNone},
		{"one", domain.Capabilities{View: true}, LevelView},
		{"one non-view", domain.Capabilities{Approve: true}, LevelView},
		{"two", domain.Capabilities{View: true, Edit: true}, LevelLimited},
		{"three", domain.Capabilities{View: true, Edit: true, Create: true}, LevelLimited},
		{"four", domain.Capabilities{View: true, Edit: true, Create: true, Approve: true}, LevelFull},
		{"five", viewAll, LevelFull},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AccessLevel(tt.caps))
		})
	}
}

func TestCanAccessUnknownAction(t *testing.T) {
	assert.False(t, CanAccess(viewAll, domain.Action("purge")))
	_, ok := ParseAction("purge")
	assert.False(t, ok)
	a, ok := ParseAction("approve")
	require.True(t, ok)
	assert.Equal(t, domain.ActionApprove, a)
}

func TestForbiddenErrorMessage(t *testing.T) {
	assert.Equal(t, "permission edit required on form f-1", ForbiddenError{Action: domain.ActionEdit, FormID: "f-1"}.Error())
	assert.Equal(t, "permission create required", ForbiddenError{Action: domain.ActionCreate}.Error())
}
