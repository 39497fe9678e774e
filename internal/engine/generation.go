package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/config"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/events"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/repo"
)

const (
	DueBaseNow           = "now"
	DueBaseDealCreated   = "deal_created"
	DueBaseStageEntered  = "stage_entered"
	DueBaseExpectedClose = "expected_close"

	TaskStatusNotStarted = "not_started"
)

var conditionOperators = map[string]bool{
	"equals": true, "not_equals": true, "greater_than": true, "less_than": true,
	"contains": true, "starts_with": true, "in": true, "not_in": true,
}

var relationships = map[string]bool{
	"": true, domain.FinishToStart: true, domain.StartToStart: true,
	domain.FinishToFinish: true, domain.StartToFinish: true,
}

// ParseTemplate decodes a YAML (or JSON) template definition and validates it.
func ParseTemplate(data []byte) (domain.TaskTemplate, error) {
	var t domain.TaskTemplate
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("invalid template: %w", err)
	}
	return t, ValidateTemplate(t)
}

func ValidateTemplate(t domain.TaskTemplate) error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("template id is required")
	}
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("template name is required")
	}
	if len(t.Tasks) == 0 {
		return fmt.Errorf("template %s has no tasks", t.ID)
	}
	seen := map[string]bool{}
	for i, tt := range t.Tasks {
		if tt.ID == "" {
			return fmt.Errorf("template %s task %d: id is required", t.ID, i)
		}
		if seen[tt.ID] {
			return fmt.Errorf("template %s: task id %s used twice", t.ID, tt.ID)
		}
		seen[tt.ID] = true
		if strings.TrimSpace(tt.Name) == "" {
			return fmt.Errorf("template %s task %s: name is required", t.ID, tt.ID)
		}
		switch tt.Due.Base {
		case "", DueBaseNow, DueBaseDealCreated, DueBaseStageEntered, DueBaseExpectedClose:
		default:
			return fmt.Errorf("template %s task %s: unknown due base %q", t.ID, tt.ID, tt.Due.Base)
		}
		if tt.Due.Date != "" {
			if _, err := time.Parse(domain.DateLayout, tt.Due.Date); err != nil {
				return fmt.Errorf("template %s task %s: due date must be YYYY-MM-DD", t.ID, tt.ID)
			}
		}
		if c := tt.Condition; c != nil {
			if c.Field == "" || !conditionOperators[c.Operator] {
				return fmt.Errorf("template %s task %s: invalid condition", t.ID, tt.ID)
			}
		}
		for _, d := range tt.Dependencies {
			if !relationships[d.Relationship] {
				return fmt.Errorf("template %s task %s: unknown relationship %q", t.ID, tt.ID, d.Relationship)
			}
			switch d.Type {
			case domain.DependencyInternal, "internal_task":
				if d.TaskID == "" {
					return fmt.Errorf("template %s task %s: task dependency needs task_id", t.ID, tt.ID)
				}
			case domain.DependencyExternal:
				if d.Criteria == nil {
					return fmt.Errorf("template %s task %s: external dependency needs criteria", t.ID, tt.ID)
				}
			case domain.DependencyMilestone:
				if d.Milestone == "" {
					return fmt.Errorf("template %s task %s: milestone dependency needs milestone", t.ID, tt.ID)
				}
			default:
				return fmt.Errorf("template %s task %s: unknown dependency type %q", t.ID, tt.ID, d.Type)
			}
		}
	}
	return nil
}

// ImportTemplate validates and stores a template, replacing any previous version.
func (e Engine) ImportTemplate(ctx context.Context, t domain.TaskTemplate, actorID string) (domain.TaskTemplate, error) {
	if err := ValidateTemplate(t); err != nil {
		return t, err
	}
	t.CreatedAt = repo.FormatTime(e.now())
	if err := e.Repo.UpsertTemplate(ctx, t); err != nil {
		return t, err
	}
	if err := e.events().Append(ctx, nil, "template.import", "template", t.ID, actorID, events.EventPayload{"tasks": len(t.Tasks)}); err != nil {
		return t, err
	}
	return t, nil
}

type GenerateOptions struct {
	DealID     string
	TemplateID string
	ActorID    string
	// BaseDate replaces the current time for the "now" due base.
	BaseDate *time.Time
}

type GenerationResult struct {
	GenerationID string        `json:"generation_id"`
	DealID       string        `json:"deal_id"`
	TemplateID   string        `json:"template_id"`
	Tasks        []domain.Task `json:"tasks"`
	Skipped      []string      `json:"skipped,omitempty"`
	Warnings     []string      `json:"warnings,omitempty"`
}

// GenerateTasks applies a template to a deal. The whole batch is resolved and
// scheduled in memory and written in one transaction, or not at all.
func (e Engine) GenerateTasks(ctx context.Context, opts GenerateOptions) (GenerationResult, error) {
	if e.Config == nil {
		return GenerationResult{}, errors.New("config not loaded")
	}
	if opts.DealID == "" || opts.TemplateID == "" {
		return GenerationResult{}, errors.New("deal id and template id are required")
	}
	tmpl, err := e.Repo.GetTemplate(ctx, opts.TemplateID)
	if err != nil {
		return GenerationResult{}, fmt.Errorf("template %s: %w", opts.TemplateID, err)
	}
	deal, err := e.Repo.GetDeal(ctx, nil, opts.DealID)
	if err != nil {
		return GenerationResult{}, fmt.Errorf("deal %s: %w", opts.DealID, err)
	}
	now := e.now().UTC()
	base := now
	if opts.BaseDate != nil {
		base = *opts.BaseDate
	}
	res := GenerationResult{GenerationID: uuid.NewString(), DealID: deal.ID, TemplateID: tmpl.ID}
	replacer := e.variables(ctx, deal)
	createdAt := repo.FormatTime(now)

	var batch []domain.Task
	for _, tt := range tmpl.Tasks {
		if tt.Condition != nil && !evalCondition(deal, *tt.Condition) {
			res.Skipped = append(res.Skipped, tt.Name)
			continue
		}
		due, warn := e.dueDate(tt.Due, deal, base)
		if warn != "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("task %q: %s", tt.Name, warn))
		}
		batch = append(batch, domain.Task{
			ID:             uuid.NewString(),
			DealID:         deal.ID,
			TemplateID:     tmpl.ID,
			TemplateTaskID: tt.ID,
			GenerationID:   res.GenerationID,
			Name:           replacer.Replace(tt.Name),
			Description:    replacer.Replace(tt.Description),
			Category:       tt.Category,
			Status:         TaskStatusNotStarted,
			AssignedUserID: e.assignee(ctx, tt.AssignTo, deal),
			Position:       len(batch),
			DueDate:        due,
			Dependencies:   tt.Dependencies,
			CreatedAt:      createdAt,
		})
	}

	resolved, err := e.ResolveDependencies(ctx, deal.ID, batch)
	if err != nil {
		return GenerationResult{}, err
	}
	for _, w := range resolved.Warnings {
		res.Warnings = append(res.Warnings, w.String())
	}
	res.Tasks = ScheduleTasks(resolved.Tasks)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return GenerationResult{}, err
	}
	defer tx.Rollback()
	for _, t := range res.Tasks {
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return GenerationResult{}, &PersistenceError{Op: "insert tasks", Err: err}
		}
	}
	if err := e.Repo.InsertGenerationLog(ctx, tx, domain.GenerationLog{
		ID:         res.GenerationID,
		DealID:     deal.ID,
		TemplateID: tmpl.ID,
		ActorID:    opts.ActorID,
		TaskCount:  len(res.Tasks),
		Warnings:   res.Warnings,
		CreatedAt:  createdAt,
	}); err != nil {
		return GenerationResult{}, &PersistenceError{Op: "insert generation log", Err: err}
	}
	if err := e.events().Append(ctx, tx, "tasks.generated", "deal", deal.ID, opts.ActorID, events.EventPayload{
		"template_id": tmpl.ID, "generation_id": res.GenerationID, "tasks": len(res.Tasks),
	}); err != nil {
		return GenerationResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return GenerationResult{}, &PersistenceError{Op: "commit", Err: err}
	}
	e.log().Info("tasks generated", "deal_id", deal.ID, "template_id", tmpl.ID, "tasks", len(res.Tasks), "skipped", len(res.Skipped))
	return res, nil
}

func (e Engine) variables(ctx context.Context, deal domain.Deal) *strings.Replacer {
	stage := deal.Stage
	if st, ok := e.Config.Stage(deal.Stage); ok && st.Label != "" {
		stage = st.Label
	}
	assigned := deal.AssignedUserID
	if assigned != "" {
		if u, err := e.Repo.GetUser(ctx, assigned); err == nil && u.Name != "" {
			assigned = u.Name
		}
	}
	closeDate := ""
	if deal.ExpectedCloseDate != nil {
		closeDate = deal.ExpectedCloseDate.Format(domain.DateLayout)
	}
	return strings.NewReplacer(
		"{deal_name}", deal.Name,
		"{deal_amount}", deal.Amount.StringFixed(2),
		"{stage}", stage,
		"{assigned_user}", assigned,
		"{expected_close}", closeDate,
	)
}

func (e Engine) assignee(ctx context.Context, assignTo string, deal domain.Deal) string {
	switch assignTo {
	case "", config.RoleAssignedUser:
		return deal.AssignedUserID
	case config.RoleManager:
		if deal.AssignedUserID == "" {
			return ""
		}
		if u, err := e.Repo.GetUser(ctx, deal.AssignedUserID); err == nil && u.ReportsToID != "" {
			return u.ReportsToID
		}
		return deal.AssignedUserID
	}
	return assignTo
}

// dueDate computes the template due date at midnight UTC. A non-empty warning
// means the rule fell back to the base date.
func (e Engine) dueDate(rule domain.DueRule, deal domain.Deal, now time.Time) (time.Time, string) {
	if rule.Date != "" {
		if d, err := time.Parse(domain.DateLayout, rule.Date); err == nil {
			return d, ""
		}
	}
	var (
		base time.Time
		warn string
	)
	switch rule.Base {
	case DueBaseDealCreated:
		base = deal.CreatedAt
	case DueBaseStageEntered:
		base = deal.EnteredAt()
	case DueBaseExpectedClose:
		if deal.ExpectedCloseDate != nil {
			base = *deal.ExpectedCloseDate
		} else {
			base = now
			warn = "deal has no expected close date; using current date"
		}
	default:
		base = now
	}
	base = truncateDay(base)
	if rule.BusinessDaysOnly {
		return addBusinessDays(base, rule.OffsetDays, e.Config.IsHoliday), warn
	}
	return base.AddDate(0, 0, rule.OffsetDays), warn
}

// addBusinessDays moves n working days from start, skipping weekends and
// holidays. Negative n moves backwards.
func addBusinessDays(start time.Time, n int, holiday func(time.Time) bool) time.Time {
	step := 1
	if n < 0 {
		step, n = -1, -n
	}
	d := start
	for n > 0 {
		d = d.AddDate(0, 0, step)
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday || holiday(d) {
			continue
		}
		n--
	}
	return d
}

func evalCondition(deal domain.Deal, c domain.Condition) bool {
	field := deal.FieldValue(c.Field)
	switch c.Operator {
	case "equals":
		return valuesEqual(field, conditionString(c.Value))
	case "not_equals":
		return !valuesEqual(field, conditionString(c.Value))
	case "greater_than", "less_than":
		a, err1 := decimal.NewFromString(field)
		b, err2 := decimal.NewFromString(conditionString(c.Value))
		if err1 != nil || err2 != nil {
			return false
		}
		if c.Operator == "greater_than" {
			return a.GreaterThan(b)
		}
		return a.LessThan(b)
	case "contains":
		return strings.Contains(strings.ToLower(field), strings.ToLower(conditionString(c.Value)))
	case "starts_with":
		return strings.HasPrefix(strings.ToLower(field), strings.ToLower(conditionString(c.Value)))
	case "in", "not_in":
		found := false
		for _, v := range conditionList(c.Value) {
			if valuesEqual(field, v) {
				found = true
				break
			}
		}
		return found == (c.Operator == "in")
	}
	return false
}

// valuesEqual compares numerically when both sides are numbers.
func valuesEqual(a, b string) bool {
	da, err1 := decimal.NewFromString(a)
	db, err2 := decimal.NewFromString(b)
	if err1 == nil && err2 == nil {
		return da.Equal(db)
	}
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func conditionString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}

func conditionList(v any) []string {
	switch x := v.(type) {
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			out = append(out, conditionString(item))
		}
		return out
	case []string:
		return x
	case string:
		parts := strings.Split(x, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return []string{conditionString(v)}
}

// ListTasks returns the deal's tasks ordered by due date.
func (e Engine) ListTasks(ctx context.Context, dealID string) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, dealID)
}
