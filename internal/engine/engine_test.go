package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/config"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/db"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/engine"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/engine/auth"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/migrate"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/notify"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/repo"
)

var testNow = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *time.Time
	Sent   *recorder
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := testNow
	rec := &recorder{}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return clock }
	eng.Auth = auth.Static{Capable: true, Roles: []string{config.RoleManager, config.RoleSeniorManager, config.RoleDirector}}
	eng.Notifier = rec
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: &clock, Sent: rec}
}

type sentMessage struct {
	To  notify.Recipient
	Msg notify.Message
}

type recorder struct {
	mu   sync.Mutex
	sent []sentMessage
	fail bool
}

func (r *recorder) Send(_ context.Context, to notify.Recipient, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{To: to, Msg: msg})
	if r.fail {
		return &notify.DeliveryError{Channel: "test", Recipient: to.UserID, Err: errors.New("unreachable")}
	}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func seedDeal(t *testing.T, env testEnv, id, stage string, daysInStage int, mutate func(*domain.Deal)) domain.Deal {
	t.Helper()
	entered := testNow.Add(-time.Duration(daysInStage) * 24 * time.Hour)
	d := domain.Deal{
		ID:             id,
		Name:           "Deal " + id,
		Stage:          stage,
		StageEnteredAt: &entered,
		CreatedAt:      entered,
		UpdatedAt:      entered,
	}
	if mutate != nil {
		mutate(&d)
	}
	if err := env.Engine.Repo.InsertDeal(env.Ctx, nil, d); err != nil {
		t.Fatalf("seed deal %s: %v", id, err)
	}
	return d
}

func seedUser(t *testing.T, env testEnv, id, name, reportsTo string) {
	t.Helper()
	if err := env.Engine.Repo.InsertUser(env.Ctx, domain.User{ID: id, Name: name, ReportsToID: reportsTo, CreatedAt: repo.FormatTime(testNow)}); err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
}

func hasError(errs []string, substr string) bool {
	for _, e := range errs {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

func TestCreateDealStartsInInitialStage(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.CreateDeal(env.Ctx, engine.DealCreateOptions{Name: "Acme", Amount: decimal.NewFromInt(1000), ActorID: "tester"})
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	if d.Stage != "sourcing" || d.SalesStage != "Prospecting" {
		t.Fatalf("unexpected stage %s/%s", d.Stage, d.SalesStage)
	}
	got, err := env.Engine.Repo.GetDeal(env.Ctx, nil, d.ID)
	if err != nil {
		t.Fatalf("get deal: %v", err)
	}
	if !got.Amount.Equal(decimal.NewFromInt(1000)) || !got.EnteredAt().Equal(testNow) {
		t.Fatalf("unexpected stored deal %+v", got)
	}
	if _, err := env.Engine.CreateDeal(env.Ctx, engine.DealCreateOptions{Name: "X", Stage: "nowhere"}); err == nil {
		t.Fatalf("expected unknown stage error")
	}
}

func TestValidateRejectsEveryPairOutsideGraph(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.Engine.Config
	for _, from := range cfg.Pipeline.Stages {
		for _, to := range cfg.Pipeline.Stages {
			deal := domain.Deal{ID: "pair", Name: "pair", Stage: from.Key, CreatedAt: testNow}
			res, err := env.Engine.ValidateTransition(env.Ctx, nil, deal, from.Key, to.Key, "tester")
			if err != nil {
				t.Fatalf("%s->%s: %v", from.Key, to.Key, err)
			}
			notAllowed := hasError(res.Errors, "is not allowed")
			if cfg.Allows(from.Key, to.Key) == notAllowed {
				t.Fatalf("%s->%s: allowed=%v but errors=%v", from.Key, to.Key, cfg.Allows(from.Key, to.Key), res.Errors)
			}
			if notAllowed && res.Valid {
				t.Fatalf("%s->%s reported valid", from.Key, to.Key)
			}
		}
	}
}

func TestTransitionOutsideGraphLeavesDealUnchanged(t *testing.T) {
	env := newTestEnv(t)
	d := seedDeal(t, env, "d1", "sourcing", 3, func(d *domain.Deal) { d.AccountID = "acct" })
	res, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{DealID: d.ID, ToStage: "closing", ActorID: "tester"})
	var notAllowed *engine.TransitionNotAllowedError
	if !errors.As(err, &notAllowed) {
		t.Fatalf("expected TransitionNotAllowedError, got %v", err)
	}
	if res.Status != domain.TransitionFailed || !hasError(res.Errors, "Transition from 'sourcing' to 'closing' is not allowed") {
		t.Fatalf("unexpected result %+v", res)
	}
	got, _ := env.Engine.Repo.GetDeal(env.Ctx, nil, d.ID)
	if got.Stage != "sourcing" || !got.EnteredAt().Equal(d.EnteredAt()) {
		t.Fatalf("deal mutated: %+v", got)
	}
}

func TestTransitionMissingRequiredField(t *testing.T) {
	env := newTestEnv(t)
	d := seedDeal(t, env, "d1", "sourcing", 2, nil)
	res, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{DealID: d.ID, FromStage: "sourcing", ToStage: "screening", ActorID: "tester"})
	if err == nil {
		t.Fatalf("expected rejection")
	}
	if res.Status != domain.TransitionFailed {
		t.Fatalf("status=%s", res.Status)
	}
	if !hasError(res.Errors, "Required field 'account_id' is missing for stage 'screening'") {
		t.Fatalf("missing required-field error: %v", res.Errors)
	}
	got, _ := env.Engine.Repo.GetDeal(env.Ctx, nil, d.ID)
	if got.Stage != "sourcing" || !got.StageEnteredAt.Equal(*d.StageEnteredAt) {
		t.Fatalf("stage_entered_at changed: %v", got.StageEnteredAt)
	}
	recs, err := env.Engine.TransitionHistory(env.Ctx, d.ID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != domain.TransitionFailed {
		t.Fatalf("expected one failed audit record, got %+v", recs)
	}
	if _, ok := recs[0].Details["errors"]; !ok {
		t.Fatalf("audit record missing errors: %+v", recs[0].Details)
	}
	changes, _ := env.Engine.Repo.ListStageChanges(env.Ctx, d.ID)
	if len(changes) != 0 {
		t.Fatalf("rejected transition wrote stage change rows")
	}
}

func TestTransitionSuccess(t *testing.T) {
	env := newTestEnv(t)
	d := seedDeal(t, env, "d1", "sourcing", 4, func(d *domain.Deal) { d.AccountID = "acct-1" })
	pos := 3
	res, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		DealID: d.ID, FromStage: "sourcing", ToStage: "screening", ActorID: "tester",
		Position: &pos, Metadata: map[string]any{"source": "board"},
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if res.Status != domain.TransitionSuccess || res.Deal == nil {
		t.Fatalf("unexpected result %+v", res)
	}
	got, _ := env.Engine.Repo.GetDeal(env.Ctx, nil, d.ID)
	if got.Stage != "screening" || got.SalesStage != "Qualification" {
		t.Fatalf("stage not applied: %s/%s", got.Stage, got.SalesStage)
	}
	if !got.EnteredAt().Equal(testNow) {
		t.Fatalf("stage_entered_at=%v", got.StageEnteredAt)
	}
	if got.Position == nil || *got.Position != 3 {
		t.Fatalf("position not stored")
	}
	changes, _ := env.Engine.Repo.ListStageChanges(env.Ctx, d.ID)
	if len(changes) != 1 || changes[0].Reason != "Manual stage transition" || changes[0].Metadata["source"] != "board" {
		t.Fatalf("unexpected stage change rows %+v", changes)
	}
	recs, _ := env.Engine.TransitionHistory(env.Ctx, d.ID, 0)
	if len(recs) != 1 || recs[0].Status != domain.TransitionSuccess || recs[0].ID != res.TransitionID {
		t.Fatalf("unexpected audit %+v", recs)
	}
}

func TestTransitionMissingDealRecordsError(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{DealID: "ghost", ToStage: "screening", ActorID: "tester"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if res.Status != domain.TransitionError {
		t.Fatalf("status=%s", res.Status)
	}
	recs, _ := env.Engine.TransitionHistory(env.Ctx, "ghost", 0)
	if len(recs) != 1 || recs[0].Status != domain.TransitionError {
		t.Fatalf("expected one error record, got %+v", recs)
	}
}

func TestTransitionStorageFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	d := seedDeal(t, env, "d1", "sourcing", 2, func(d *domain.Deal) { d.AccountID = "acct-1" })
	if _, err := env.Engine.DB.Exec(`CREATE TRIGGER deals_readonly BEFORE UPDATE ON deals BEGIN SELECT RAISE(ABORT, 'disk full'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	res, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{DealID: d.ID, ToStage: "screening", ActorID: "tester"})
	var pe *engine.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if res.Status != domain.TransitionError {
		t.Fatalf("status=%s", res.Status)
	}
	got, _ := env.Engine.Repo.GetDeal(env.Ctx, nil, d.ID)
	if got.Stage != "sourcing" {
		t.Fatalf("stage changed to %s", got.Stage)
	}
	changes, _ := env.Engine.Repo.ListStageChanges(env.Ctx, d.ID)
	if len(changes) != 0 {
		t.Fatalf("stage change rows written: %+v", changes)
	}
	recs, _ := env.Engine.TransitionHistory(env.Ctx, d.ID, 0)
	if len(recs) != 1 || recs[0].Status != domain.TransitionError || recs[0].ID != res.TransitionID {
		t.Fatalf("expected one error record, got %+v", recs)
	}
}

func TestTransitionMissingArgumentsRecordError(t *testing.T) {
	env := newTestEnv(t)
	d := seedDeal(t, env, "d1", "sourcing", 1, nil)
	for _, opts := range []engine.TransitionOptions{
		{DealID: d.ID, ActorID: "tester"},
		{DealID: d.ID, ToStage: "screening"},
	} {
		res, err := env.Engine.Transition(env.Ctx, opts)
		if err == nil || res.Status != domain.TransitionError {
			t.Fatalf("opts %+v: status=%s err=%v", opts, res.Status, err)
		}
	}
	recs, _ := env.Engine.TransitionHistory(env.Ctx, d.ID, 0)
	if len(recs) != 2 {
		t.Fatalf("expected two error records, got %+v", recs)
	}
	for _, r := range recs {
		if r.Status != domain.TransitionError {
			t.Fatalf("unexpected status %s", r.Status)
		}
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ToStage: "screening", ActorID: "tester"}); err == nil {
		t.Fatalf("empty deal id accepted")
	}
}

func TestWIPLimitBoundary(t *testing.T) {
	env := newTestEnv(t)
	limit := 2
	for i := range env.Engine.Config.Pipeline.Stages {
		if env.Engine.Config.Pipeline.Stages[i].Key == "analysis_outreach" {
			env.Engine.Config.Pipeline.Stages[i].WIPLimit = &limit
		}
	}
	seedDeal(t, env, "existing", "analysis_outreach", 1, nil)
	mover := seedDeal(t, env, "mover", "screening", 1, nil)
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{DealID: mover.ID, ToStage: "analysis_outreach", ActorID: "tester"}); err != nil {
		t.Fatalf("L-1 deals in stage should allow move: %v", err)
	}

	blocked := seedDeal(t, env, "blocked", "screening", 1, nil)
	res, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{DealID: blocked.ID, ToStage: "analysis_outreach", ActorID: "tester"})
	var wipErr *engine.WIPLimitExceededError
	if !errors.As(err, &wipErr) {
		t.Fatalf("expected WIP error, got %v", err)
	}
	if wipErr.Limit != 2 || wipErr.Count != 2 {
		t.Fatalf("unexpected wip error %+v", wipErr)
	}
	if res.Status != domain.TransitionFailed || !hasError(res.Errors, "WIP limit exceeded for stage: analysis_outreach") {
		t.Fatalf("unexpected result %+v", res)
	}
	got, _ := env.Engine.Repo.GetDeal(env.Ctx, nil, blocked.ID)
	if got.Stage != "screening" {
		t.Fatalf("blocked deal moved")
	}

	// the mover itself is excluded from its own count
	st, err := env.Engine.CheckWIP(env.Ctx, nil, "analysis_outreach", "mover")
	if err != nil || !st.Allowed || st.Count != 1 {
		t.Fatalf("check wip excluding mover: %+v %v", st, err)
	}
	st, err = env.Engine.CheckWIP(env.Ctx, nil, "closed_owned_stable", "")
	if err != nil || !st.Allowed || st.Limit != nil {
		t.Fatalf("unbounded stage should pass: %+v %v", st, err)
	}
}

func TestValidationCollectsEveryFailure(t *testing.T) {
	env := newTestEnv(t)
	d := seedDeal(t, env, "d1", "valuation_structuring", 1, nil)
	if err := env.Engine.Repo.LockDeal(env.Ctx, d.ID, "importer", testNow.Add(time.Hour)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := env.Engine.Repo.InsertWorkflow(env.Ctx, "wf1", d.ID, "approval", "running"); err != nil {
		t.Fatalf("workflow: %v", err)
	}
	res, err := env.Engine.ValidateTransition(env.Ctx, nil, d, "", "loi_negotiation", "tester")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	want := []string{
		"Required field 'account_id' is missing for stage 'loi_negotiation'",
		"Required field 'amount' is missing for stage 'loi_negotiation'",
		"Required field 'probability' is missing for stage 'loi_negotiation'",
		"Required field 'expected_close_date' is missing for stage 'loi_negotiation'",
		"Deal probability must be at least 50% for stage 'loi_negotiation'",
		"Required approval 'manager_approval' is missing or not approved",
		"Deal is currently locked and cannot be moved",
		"Deal has pending workflows that must complete before stage change",
	}
	for _, w := range want {
		if !hasError(res.Errors, w) {
			t.Fatalf("missing %q in %v", w, res.Errors)
		}
	}
	if res.Valid {
		t.Fatalf("expected invalid")
	}

	// expired lock and finished workflow stop blocking
	if err := env.Engine.Repo.LockDeal(env.Ctx, d.ID, "importer", testNow.Add(-time.Minute)); err != nil {
		t.Fatalf("relock: %v", err)
	}
	if err := env.Engine.Repo.SetWorkflowStatus(env.Ctx, "wf1", "completed"); err != nil {
		t.Fatalf("workflow status: %v", err)
	}
	res, _ = env.Engine.ValidateTransition(env.Ctx, nil, d, "", "loi_negotiation", "tester")
	if hasError(res.Errors, "locked") || hasError(res.Errors, "pending workflows") {
		t.Fatalf("stale blockers reported: %v", res.Errors)
	}
}

func TestValidationPassesWhenRulesMet(t *testing.T) {
	env := newTestEnv(t)
	closeDate := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	d := seedDeal(t, env, "d1", "valuation_structuring", 1, func(d *domain.Deal) {
		d.AccountID = "acct"
		d.Amount = decimal.NewFromInt(250000)
		d.Probability = 60
		d.ExpectedCloseDate = &closeDate
		d.Fields = map[string]string{"manager_approval": "Approved"}
	})
	res, err := env.Engine.ValidateTransition(env.Ctx, nil, d, "valuation_structuring", "loi_negotiation", "tester")
	if err != nil || !res.Valid {
		t.Fatalf("expected valid, got %v %v", res.Errors, err)
	}
}

func TestStageSpecificRules(t *testing.T) {
	env := newTestEnv(t)
	past := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dd := seedDeal(t, env, "dd", "analysis_outreach", 1, func(d *domain.Deal) {
		d.AccountID = "acct"
		d.Amount = decimal.NewFromInt(10000)
		d.Description = "too short"
	})
	res, _ := env.Engine.ValidateTransition(env.Ctx, nil, dd, "", "due_diligence", "tester")
	if !hasError(res.Errors, "Deal amount must be at least 50000 for stage 'due_diligence'") {
		t.Fatalf("missing min amount error: %v", res.Errors)
	}
	if !hasError(res.Errors, "Description must be at least 50 characters") {
		t.Fatalf("missing description error: %v", res.Errors)
	}

	vs := seedDeal(t, env, "vs", "due_diligence", 1, func(d *domain.Deal) {
		d.AccountID = "acct"
		d.Amount = decimal.NewFromInt(90000)
		d.Probability = 30
	})
	res, _ = env.Engine.ValidateTransition(env.Ctx, nil, vs, "", "valuation_structuring", "tester")
	for _, w := range []string{"Required document 'financial_statements'", "Required document 'business_plan'", "Expected close date is required"} {
		if !hasError(res.Errors, w) {
			t.Fatalf("missing %q in %v", w, res.Errors)
		}
	}
	if err := env.Engine.Repo.AddDocument(env.Ctx, vs.ID, "financial_statements"); err != nil {
		t.Fatalf("add doc: %v", err)
	}
	res, _ = env.Engine.ValidateTransition(env.Ctx, nil, vs, "", "valuation_structuring", "tester")
	if hasError(res.Errors, "'financial_statements'") || !hasError(res.Errors, "'business_plan'") {
		t.Fatalf("document check wrong: %v", res.Errors)
	}

	cl := seedDeal(t, env, "cl", "financing", 1, func(d *domain.Deal) {
		d.Probability = 95
		d.ExpectedCloseDate = &past
		d.Fields = map[string]string{"director_approval": "approved"}
	})
	res, _ = env.Engine.ValidateTransition(env.Ctx, nil, cl, "", "closing", "tester")
	if !hasError(res.Errors, "Expected close date cannot be in the past") || len(res.Errors) != 1 {
		t.Fatalf("expected only past close date error, got %v", res.Errors)
	}
}

func TestResidencyOverrunBlocksForwardOnly(t *testing.T) {
	env := newTestEnv(t)
	d := seedDeal(t, env, "d1", "due_diligence", 31, nil)
	res, _ := env.Engine.ValidateTransition(env.Ctx, nil, d, "", "valuation_structuring", "tester")
	if !hasError(res.Errors, "Deal has been in current stage for 31 days, exceeding maximum of 30 days") {
		t.Fatalf("missing residency error: %v", res.Errors)
	}
	res, _ = env.Engine.ValidateTransition(env.Ctx, nil, d, "", "analysis_outreach", "tester")
	if hasError(res.Errors, "exceeding maximum") {
		t.Fatalf("backward move blocked by residency: %v", res.Errors)
	}
	res, _ = env.Engine.ValidateTransition(env.Ctx, nil, d, "", "unavailable", "tester")
	if !res.Valid {
		t.Fatalf("dropping an overdue deal should pass: %v", res.Errors)
	}
}

func TestFromStageMismatch(t *testing.T) {
	env := newTestEnv(t)
	d := seedDeal(t, env, "d1", "screening", 1, func(d *domain.Deal) { d.AccountID = "a" })
	res, _ := env.Engine.ValidateTransition(env.Ctx, nil, d, "sourcing", "analysis_outreach", "tester")
	if res.Valid || !hasError(res.Errors, "Deal is in stage 'screening', not 'sourcing'") {
		t.Fatalf("mismatch not reported: %v", res.Errors)
	}
}

func TestPermissionsFromRoles(t *testing.T) {
	env := newTestEnv(t)
	r := env.Engine.Repo
	env.Engine.Auth = auth.Service{Repo: r, EditPermission: "deal.edit"}
	seedUser(t, env, "owner", "Owner", "")
	seedUser(t, env, "other", "Other", "")
	d := seedDeal(t, env, "d1", "loi_negotiation", 1, func(d *domain.Deal) {
		d.AssignedUserID = "owner"
		d.Probability = 80
		d.Fields = map[string]string{"senior_manager_approval": "approved"}
	})

	res, _ := env.Engine.ValidateTransition(env.Ctx, nil, d, "", "financing", "other")
	if !hasError(res.Errors, "User does not have permission to edit this deal") {
		t.Fatalf("missing edit error: %v", res.Errors)
	}
	if !hasError(res.Errors, "User does not have permission to move deal to 'financing'") {
		t.Fatalf("missing restricted role error: %v", res.Errors)
	}

	if err := r.AddRolePermission(env.Ctx, "editor", "deal.edit"); err != nil {
		t.Fatalf("role permission: %v", err)
	}
	if err := r.AssignRole(env.Ctx, "other", "editor"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := r.AssignRole(env.Ctx, "other", config.RoleManager); err != nil {
		t.Fatalf("assign manager: %v", err)
	}
	res, _ = env.Engine.ValidateTransition(env.Ctx, nil, d, "", "financing", "other")
	if !res.Valid {
		t.Fatalf("expected valid after grants: %v", res.Errors)
	}

	// the assigned user may edit but still lacks the restricted role
	res, _ = env.Engine.ValidateTransition(env.Ctx, nil, d, "", "financing", "owner")
	if hasError(res.Errors, "edit this deal") || !hasError(res.Errors, "move deal to 'financing'") {
		t.Fatalf("unexpected owner errors: %v", res.Errors)
	}
}

func TestStageCompletePredicate(t *testing.T) {
	env := newTestEnv(t)
	d := seedDeal(t, env, "d1", "sourcing", 1, func(d *domain.Deal) { d.AccountID = "a" })
	env.Engine.StageComplete = func(_ context.Context, deal domain.Deal) (bool, error) {
		return deal.Fields["checklist"] == "done", nil
	}
	res, _ := env.Engine.ValidateTransition(env.Ctx, nil, d, "", "screening", "tester")
	if !hasError(res.Errors, "Current stage requirements not completed") {
		t.Fatalf("predicate ignored: %v", res.Errors)
	}
	d, err := env.Engine.SetDealFields(env.Ctx, d.ID, map[string]string{"checklist": "done"}, "tester")
	if err != nil {
		t.Fatalf("set fields: %v", err)
	}
	res, _ = env.Engine.ValidateTransition(env.Ctx, nil, d, "", "screening", "tester")
	if !res.Valid {
		t.Fatalf("expected valid: %v", res.Errors)
	}
}
