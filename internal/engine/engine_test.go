package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dairyline/internal/config"
	"dairyline/internal/db"
	"dairyline/internal/domain"
	"dairyline/internal/engine"
	"dairyline/internal/engine/auth"
	"dairyline/internal/migrate"
	"dairyline/internal/repo"
)

const plantID = "plant-1"

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type testEnv struct {
	Engine engine.Engine
	Clock  *clock
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	c := &clock{t: time.Date(2024, 1, 7, 8, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, config.Default(plantID))
	eng.Now = c.now
	ctx := context.Background()
	_, err = eng.InitPlant(ctx, plantID, "North Creamery", "tester", nil)
	require.NoError(t, err)
	return testEnv{Engine: eng, Clock: c, Ctx: ctx}
}

func (env testEnv) createForm(t *testing.T, formType, step string) domain.FormRecord {
	t.Helper()
	f, err := env.Engine.CreateForm(env.Ctx, engine.FormCreateOptions{
		Type: formType, Title: "Batch " + step, ProcessStep: step, Operator: "Alice", ActorID: "tester",
	})
	require.NoError(t, err)
	return f
}

func TestInitPlantSeedsDefaultGrants(t *testing.T) {
	env := newTestEnv(t)
	grants, err := env.Engine.ListGrants(env.Ctx, "")
	require.NoError(t, err)
	assert.Len(t, grants, len(config.Default(plantID).Access.DefaultGrants))
	assert.Equal(t, "admin", grants[0].Role)

	n, err := env.Engine.SeedDefaultGrants(env.Ctx, plantID, "tester")
	require.NoError(t, err)
	assert.Zero(t, n, "seeding is skipped once grants exist")

	_, err = env.Engine.InitPlant(env.Ctx, plantID, "", "tester", nil)
	assert.ErrorIs(t, err, engine.ErrConflict)
}

func TestCreateFormDefaultsAndValidation(t *testing.T) {
	env := newTestEnv(t)
	f := env.createForm(t, "lab-forms", "lab-testing")
	assert.Equal(t, domain.StatusPending, f.Status)
	assert.Equal(t, domain.PriorityMedium, f.Priority)
	assert.Equal(t, plantID, f.PlantID)
	assert.Equal(t, f.CreatedAt, f.UpdatedAt)
	assert.NotEmpty(t, f.ID)

	cases := map[string]engine.FormCreateOptions{
		"missing title": {Type: "lab-forms"},
		"unknown type":  {Type: "cheese-form", Title: "x"},
		"unknown step":  {Type: "lab-forms", Title: "x", ProcessStep: "aging"},
		"bad priority":  {Type: "lab-forms", Title: "x", Priority: "urgent"},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.Engine.CreateForm(env.Ctx, opts)
			assert.ErrorIs(t, err, engine.ErrInvalid)
		})
	}
}

func TestFormLifecycle(t *testing.T) {
	env := newTestEnv(t)
	f := env.createForm(t, "pasteurizer-form", "pasteurization")

	_, err := env.Engine.CompleteForm(env.Ctx, f.ID, "tester")
	assert.ErrorIs(t, err, engine.ErrConflict, "pending cannot jump to completed")

	env.Clock.advance(time.Hour)
	f, err = env.Engine.SaveForm(env.Ctx, f.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, f.Status)

	env.Clock.advance(time.Hour)
	f, err = env.Engine.CompleteForm(env.Ctx, f.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, f.Status)
	assert.Equal(t, "2024-01-07T10:00:00.000000000Z", f.UpdatedAt)

	_, err = env.Engine.UpdateForm(env.Ctx, engine.FormUpdateOptions{ID: f.ID, Status: domain.StatusPending})
	assert.ErrorIs(t, err, engine.ErrConflict)

	f, err = env.Engine.UpdateForm(env.Ctx, engine.FormUpdateOptions{ID: f.ID, Status: domain.StatusPending, Force: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, f.Status)

	stored, err := env.Engine.Repo.GetForm(env.Ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, f, stored)
}

func TestFailFormAndRecover(t *testing.T) {
	env := newTestEnv(t)
	f := env.createForm(t, "filler-form", "filling")
	f, err := env.Engine.FailForm(env.Ctx, f.ID, "seal failure", "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, f.Status)
	assert.Equal(t, "seal failure", f.Metadata["error_reason"])

	f, err = env.Engine.SaveForm(env.Ctx, f.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, f.Status)
}

func TestUpdatedAtNeverPrecedesCreatedAt(t *testing.T) {
	env := newTestEnv(t)
	f := env.createForm(t, "lab-forms", "lab-testing")
	env.Clock.advance(-3 * time.Hour)
	title := "Recheck"
	f, err := env.Engine.UpdateForm(env.Ctx, engine.FormUpdateOptions{ID: f.ID, Title: &title})
	require.NoError(t, err)
	assert.Equal(t, f.CreatedAt, f.UpdatedAt)
	assert.Equal(t, "Recheck", f.Title)
}

func TestUpdateFormMergesMetadata(t *testing.T) {
	env := newTestEnv(t)
	f, err := env.Engine.CreateForm(env.Ctx, engine.FormCreateOptions{
		Type: "lab-forms", Title: "fat test", Metadata: map[string]any{"fat": "3.5", "tank": "T1"},
	})
	require.NoError(t, err)
	f, err = env.Engine.UpdateForm(env.Ctx, engine.FormUpdateOptions{ID: f.ID, Metadata: map[string]any{"fat": "3.6", "tank": nil}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"fat": "3.6"}, f.Metadata)

	_, err = env.Engine.UpdateForm(env.Ctx, engine.FormUpdateOptions{ID: "missing"})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRecordApproval(t *testing.T) {
	env := newTestEnv(t)
	f := env.createForm(t, "lab-forms", "lab-testing")

	_, _, err := env.Engine.RecordApproval(env.Ctx, f.ID, "qa", domain.DecisionApproved, "")
	assert.ErrorIs(t, err, engine.ErrConflict)

	_, err = env.Engine.SaveForm(env.Ctx, f.ID, "tester")
	require.NoError(t, err)
	_, err = env.Engine.CompleteForm(env.Ctx, f.ID, "tester")
	require.NoError(t, err)

	a, got, err := env.Engine.RecordApproval(env.Ctx, f.ID, "qa", domain.DecisionApproved, "ok")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionApproved, a.Decision)
	assert.Equal(t, domain.StatusCompleted, got.Status)

	_, got, err = env.Engine.RecordApproval(env.Ctx, f.ID, "qa", domain.DecisionRejected, "bacteria count high")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, got.Status)
	assert.Equal(t, "bacteria count high", got.Metadata["error_reason"])

	approvals, err := env.Engine.Repo.ListApprovals(env.Ctx, f.ID)
	require.NoError(t, err)
	assert.Len(t, approvals, 2)

	_, _, err = env.Engine.RecordApproval(env.Ctx, f.ID, "qa", "maybe", "")
	assert.ErrorIs(t, err, engine.ErrInvalid)
}

func TestCapabilitiesFollowScopePrecedence(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.UpsertUser(env.Ctx, domain.User{ID: "u-lab", Name: "Lena", Role: "operator", Department: "Lab"}, "tester")
	require.NoError(t, err)
	f := env.createForm(t, "lab-forms", "lab-testing")

	access, err := env.Engine.Capabilities(env.Ctx, "u-lab", f)
	require.NoError(t, err)
	assert.Equal(t, auth.ScopeDepartment, access.Resolution.Scope)
	assert.Equal(t, domain.Capabilities{View: true, Edit: true, Create: true}, access.Resolution.Capabilities)
	assert.Equal(t, "Limited", access.AccessLevel)

	require.NoError(t, env.Engine.Authorize(env.Ctx, "u-lab", f, domain.ActionEdit))
	err = env.Engine.Authorize(env.Ctx, "u-lab", f, domain.ActionApprove)
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, domain.ActionApprove, fe.Action)

	// a form-instance grant for the user beats the department grant
	g, err := env.Engine.CreateGrant(env.Ctx, domain.PermissionGrant{
		UserID: "u-lab", FormID: f.ID, Permissions: domain.Capabilities{View: true},
	}, "tester")
	require.NoError(t, err)
	access, err = env.Engine.FormAccess(env.Ctx, "u-lab", f.ID)
	require.NoError(t, err)
	assert.Equal(t, auth.ScopeUser, access.Resolution.Scope)
	assert.Equal(t, g.ID, access.Resolution.GrantID)
	assert.Equal(t, "View Only", access.AccessLevel)

	require.NoError(t, env.Engine.DeleteGrant(env.Ctx, g.ID, "tester"))
	access, err = env.Engine.FormAccess(env.Ctx, "u-lab", f.ID)
	require.NoError(t, err)
	assert.Equal(t, auth.ScopeDepartment, access.Resolution.Scope)
}

func TestUnknownUserIsDenied(t *testing.T) {
	env := newTestEnv(t)
	f := env.createForm(t, "driver-form", "intake")
	access, err := env.Engine.Capabilities(env.Ctx, "ghost", f)
	require.NoError(t, err)
	assert.Equal(t, auth.ScopeNone, access.Resolution.Scope)
	assert.Equal(t, "No Access", access.AccessLevel)
}

func TestCreateGrantValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateGrant(env.Ctx, domain.PermissionGrant{FormType: "lab-forms"}, "tester")
	assert.ErrorIs(t, err, engine.ErrInvalid)
	_, err = env.Engine.CreateGrant(env.Ctx, domain.PermissionGrant{Role: "operator"}, "tester")
	assert.ErrorIs(t, err, engine.ErrInvalid)
	_, err = env.Engine.CreateGrant(env.Ctx, domain.PermissionGrant{Role: "operator", FormType: "cheese-form"}, "tester")
	assert.ErrorIs(t, err, engine.ErrInvalid)
}

func TestDashboardAndPipeline(t *testing.T) {
	env := newTestEnv(t)
	intake := env.createForm(t, "driver-form", "intake")
	lab := env.createForm(t, "lab-forms", "lab-testing")
	env.createForm(t, "pasteurizer-form", "pasteurization")

	env.Clock.advance(2 * time.Hour)
	_, err := env.Engine.SaveForm(env.Ctx, intake.ID, "tester")
	require.NoError(t, err)
	_, err = env.Engine.CompleteForm(env.Ctx, intake.ID, "tester")
	require.NoError(t, err)
	_, err = env.Engine.FailForm(env.Ctx, lab.ID, "sample spoiled", "tester")
	require.NoError(t, err)

	m, err := env.Engine.Dashboard(env.Ctx, engine.DashboardFilters{})
	require.NoError(t, err)
	assert.Equal(t, 3, m.TotalForms)
	assert.Equal(t, 1, m.CompletedForms)
	assert.Equal(t, 1, m.ErrorForms)
	assert.Equal(t, 1, m.PendingForms)
	assert.InDelta(t, 33.33, m.CompletionRate, 0.01)
	assert.InDelta(t, 2.0, m.AverageProcessingTime, 0.001)
	require.Len(t, m.DailyTrends, 7)
	assert.Equal(t, "2024-01-07", m.DailyTrends[6].Date)
	assert.Equal(t, 3, m.DailyTrends[6].Created)

	steps, err := env.Engine.Pipeline(env.Ctx, "")
	require.NoError(t, err)
	require.Len(t, steps, 6)
	byID := map[string]domain.ProcessStep{}
	for _, s := range steps {
		byID[s.ID] = s
	}
	assert.Equal(t, domain.StatusCompleted, byID["intake"].Status)
	assert.Equal(t, "Alice", byID["intake"].Operator)
	assert.Equal(t, "2024-01-07T10:00:00.000000000Z", byID["intake"].Timestamp)
	assert.Equal(t, domain.StatusError, byID["lab-testing"].Status)
	assert.Equal(t, domain.StatusPending, byID["pasteurization"].Status)
	assert.Equal(t, domain.StatusPending, byID["palletizing"].Status)
}

func TestOperationsAppendEvents(t *testing.T) {
	env := newTestEnv(t)
	f := env.createForm(t, "lab-forms", "lab-testing")
	_, err := env.Engine.SaveForm(env.Ctx, f.ID, "tester")
	require.NoError(t, err)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{PlantID: plantID, EntityID: f.ID})
	require.NoError(t, err)
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{"form.status.changed", "form.updated", "form.created"}, types)
}

func TestDeleteForm(t *testing.T) {
	env := newTestEnv(t)
	f := env.createForm(t, "lab-forms", "lab-testing")
	require.NoError(t, env.Engine.DeleteForm(env.Ctx, f.ID, "tester"))
	_, err := env.Engine.Repo.GetForm(env.Ctx, f.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.ErrorIs(t, env.Engine.DeleteForm(env.Ctx, f.ID, "tester"), repo.ErrNotFound)
}

func TestImportConfigRejectsInvalid(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default(plantID)
	cfg.Pipeline.Steps = nil
	assert.ErrorIs(t, env.Engine.ImportConfig(env.Ctx, plantID, cfg, "tester"), engine.ErrInvalid)

	cfg = config.Default(plantID)
	cfg.Plant.Name = "Renamed"
	require.NoError(t, env.Engine.ImportConfig(env.Ctx, plantID, cfg, "tester"))
	stored, err := env.Engine.Repo.GetPlantConfig(env.Ctx, plantID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", stored.Plant.Name)
}

func TestVisibleFormsAndAdmin(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.UpsertUser(env.Ctx, domain.User{ID: "wh", Department: "Warehouse"}, "tester")
	require.NoError(t, err)
	_, err = env.Engine.UpsertUser(env.Ctx, domain.User{ID: "root", Role: "admin"}, "tester")
	require.NoError(t, err)
	lab := env.createForm(t, "lab-forms", "lab-testing")
	pallet := env.createForm(t, "palletizer-form", "palletizing")

	visible, err := env.Engine.VisibleForms(env.Ctx, "wh", []domain.FormRecord{lab, pallet})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, pallet.ID, visible[0].ID)

	assert.NoError(t, env.Engine.RequireAdmin(env.Ctx, "root"))
	var fe auth.ForbiddenError
	assert.ErrorAs(t, env.Engine.RequireAdmin(env.Ctx, "wh"), &fe)
}

func TestRepeatedTransitionConflicts(t *testing.T) {
	env := newTestEnv(t)
	f := env.createForm(t, "pasteurizer-form", "pasteurization")
	_, err := env.Engine.SaveForm(env.Ctx, f.ID, "tester")
	require.NoError(t, err)
	_, err = env.Engine.SaveForm(env.Ctx, f.ID, "tester")
	assert.ErrorIs(t, err, engine.ErrConflict)

	env.Clock.advance(2 * time.Hour)
	done, err := env.Engine.CompleteForm(env.Ctx, f.ID, "tester")
	require.NoError(t, err)

	env.Clock.advance(8 * time.Hour)
	_, err = env.Engine.CompleteForm(env.Ctx, f.ID, "tester")
	assert.ErrorIs(t, err, engine.ErrConflict)

	stored, err := env.Engine.Repo.GetForm(env.Ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, done.UpdatedAt, stored.UpdatedAt)

	m, err := env.Engine.Dashboard(env.Ctx, engine.DashboardFilters{})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, m.AverageProcessingTime, 0.001)

	failed := env.createForm(t, "lab-forms", "lab-testing")
	_, err = env.Engine.FailForm(env.Ctx, failed.ID, "spoiled", "tester")
	require.NoError(t, err)
	_, err = env.Engine.FailForm(env.Ctx, failed.ID, "spoiled again", "tester")
	assert.ErrorIs(t, err, engine.ErrConflict)
}

func TestNoopUpdateKeepsRecord(t *testing.T) {
	env := newTestEnv(t)
	f := env.createForm(t, "lab-forms", "lab-testing")
	_, err := env.Engine.SaveForm(env.Ctx, f.ID, "tester")
	require.NoError(t, err)
	before, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{PlantID: plantID, EntityKind: "form", EntityID: f.ID})
	require.NoError(t, err)
	stored, err := env.Engine.Repo.GetForm(env.Ctx, f.ID)
	require.NoError(t, err)

	env.Clock.advance(time.Hour)
	title := stored.Title
	got, err := env.Engine.UpdateForm(env.Ctx, engine.FormUpdateOptions{ID: f.ID, Title: &title, Status: domain.StatusActive})
	require.NoError(t, err)
	assert.Equal(t, stored, got)

	after, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{PlantID: plantID, EntityKind: "form", EntityID: f.ID})
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func latestFormUpdate(t *testing.T, env testEnv, id string) map[string]any {
	t.Helper()
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{
		PlantID: plantID, Type: "form.updated", EntityKind: "form", EntityID: id, Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(evts[0].Payload), &payload))
	return payload
}

func TestFormUpdatedPayloadCarriesChanges(t *testing.T) {
	env := newTestEnv(t)
	f, err := env.Engine.CreateForm(env.Ctx, engine.FormCreateOptions{
		Type: "lab-forms", Title: "fat test", Metadata: map[string]any{"batch": "1"},
	})
	require.NoError(t, err)

	_, err = env.Engine.UpdateForm(env.Ctx, engine.FormUpdateOptions{ID: f.ID, Metadata: map[string]any{"batch": "2"}})
	require.NoError(t, err)
	payload := latestFormUpdate(t, env, f.ID)
	assert.Equal(t, map[string]any{"batch": "2"}, payload["metadata"])
	assert.NotContains(t, payload, "title")

	_, err = env.Engine.FailForm(env.Ctx, f.ID, "sample spoiled", "tester")
	require.NoError(t, err)
	payload = latestFormUpdate(t, env, f.ID)
	assert.Equal(t, "error", payload["status"])
	assert.Equal(t, map[string]any{"batch": "2", "error_reason": "sample spoiled"}, payload["metadata"])
}

func TestRejectedUpdateLeavesMetadataUntouched(t *testing.T) {
	env := newTestEnv(t)
	f, err := env.Engine.CreateForm(env.Ctx, engine.FormCreateOptions{
		Type: "lab-forms", Title: "fat test", Metadata: map[string]any{"batch": "1"},
	})
	require.NoError(t, err)

	got, err := env.Engine.UpdateForm(env.Ctx, engine.FormUpdateOptions{
		ID: f.ID, Metadata: map[string]any{"batch": "2"}, Status: domain.StatusCompleted,
	})
	assert.ErrorIs(t, err, engine.ErrConflict)
	assert.Equal(t, map[string]any{"batch": "1"}, got.Metadata)
}

func TestPipelineOrdersUpdatesWithinOneSecond(t *testing.T) {
	env := newTestEnv(t)
	first := env.createForm(t, "driver-form", "intake")
	second := env.createForm(t, "driver-form", "intake")
	bob := "Bob"
	_, err := env.Engine.UpdateForm(env.Ctx, engine.FormUpdateOptions{ID: second.ID, Operator: &bob})
	require.NoError(t, err)

	env.Clock.advance(time.Hour)
	_, err = env.Engine.SaveForm(env.Ctx, first.ID, "tester")
	require.NoError(t, err)
	env.Clock.advance(time.Millisecond)
	later, err := env.Engine.SaveForm(env.Ctx, second.ID, "tester")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		steps, err := env.Engine.Pipeline(env.Ctx, "")
		require.NoError(t, err)
		require.NotEmpty(t, steps)
		assert.Equal(t, "intake", steps[0].ID)
		assert.Equal(t, later.UpdatedAt, steps[0].Timestamp)
		assert.Equal(t, "Bob", steps[0].Operator)
	}
}
