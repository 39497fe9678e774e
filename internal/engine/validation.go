package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/config"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/engine/auth"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/repo"
)

const approvedValue = "approved"

type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

func (v *ValidationResult) add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// ValidateTransition runs the graph, permission, business-rule and blocking
// checks for moving deal to toStage and collects every failure. It never
// writes. A non-nil error means a check could not run.
func (e Engine) ValidateTransition(ctx context.Context, q repo.Querier, deal domain.Deal, fromStage, toStage, actorID string) (ValidationResult, error) {
	res := ValidationResult{Errors: []string{}}
	if e.Config == nil {
		return res, fmt.Errorf("config not loaded")
	}
	from := deal.Stage
	if fromStage != "" && fromStage != deal.Stage {
		res.add("Deal is in stage '%s', not '%s'", deal.Stage, fromStage)
	}
	target, known := e.Config.Stage(toStage)

	// graph
	switch {
	case !known:
		res.add("Unknown stage '%s'", toStage)
	case !e.Config.Allows(from, toStage):
		res.add("Transition from '%s' to '%s' is not allowed", from, toStage)
	}

	if err := e.checkPermissions(ctx, &res, deal, target, actorID); err != nil {
		return res, err
	}
	if known {
		if err := e.checkRules(ctx, q, &res, deal, target); err != nil {
			return res, err
		}
	}
	e.checkResidency(&res, deal, from, toStage)
	if err := e.checkBlocking(ctx, q, &res, deal); err != nil {
		return res, err
	}
	res.Valid = len(res.Errors) == 0
	return res, nil
}

func (e Engine) checkPermissions(ctx context.Context, res *ValidationResult, deal domain.Deal, target config.Stage, actorID string) error {
	if e.Auth == nil {
		return nil
	}
	if actorID == "" {
		res.add("User does not have permission to edit this deal")
		return nil
	}
	ok, err := e.Auth.HasCapability(ctx, actorID, deal, auth.ActionEdit)
	if err != nil {
		return fmt.Errorf("permission check: %w", err)
	}
	if !ok {
		res.add("User does not have permission to edit this deal")
	}
	if len(target.RestrictedRoles) > 0 {
		ok, err := e.Auth.HasRole(ctx, actorID, target.RestrictedRoles)
		if err != nil {
			return fmt.Errorf("role check: %w", err)
		}
		if !ok {
			res.add("User does not have permission to move deal to '%s'", target.Key)
		}
	}
	return nil
}

func (e Engine) checkRules(ctx context.Context, q repo.Querier, res *ValidationResult, deal domain.Deal, target config.Stage) error {
	rules := target.Rules
	for _, f := range rules.RequiredFields {
		if deal.FieldValue(f) == "" {
			res.add("Required field '%s' is missing for stage '%s'", f, target.Key)
		}
	}
	if minAmount, ok := rules.MinAmountValue(); ok && deal.Amount.LessThan(minAmount) {
		res.add("Deal amount must be at least %s for stage '%s'", minAmount.String(), target.Key)
	}
	if rules.MinProbability != nil && deal.Probability < *rules.MinProbability {
		res.add("Deal probability must be at least %d%% for stage '%s'", *rules.MinProbability, target.Key)
	}
	for _, a := range rules.RequiredApprovals {
		if !strings.EqualFold(strings.TrimSpace(deal.Fields[a]), approvedValue) {
			res.add("Required approval '%s' is missing or not approved", a)
		}
	}
	if len(rules.RequiredDocuments) > 0 {
		kinds, err := e.Repo.ListDocumentKinds(ctx, q, deal.ID)
		if err != nil {
			return fmt.Errorf("list documents: %w", err)
		}
		have := make(map[string]bool, len(kinds))
		for _, k := range kinds {
			have[k] = true
		}
		for _, doc := range rules.RequiredDocuments {
			if !have[doc] {
				res.add("Required document '%s' is missing for stage '%s'", doc, target.Key)
			}
		}
	}
	if n := rules.MinDescriptionLength; n > 0 && utf8.RuneCountInString(strings.TrimSpace(deal.Description)) < n {
		res.add("Description must be at least %d characters for stage '%s'", n, target.Key)
	}
	if rules.RequireExpectedClose && deal.ExpectedCloseDate == nil {
		res.add("Expected close date is required for stage '%s'", target.Key)
	}
	if rules.CloseDateNotPast && deal.ExpectedCloseDate != nil {
		today := truncateDay(e.now())
		if truncateDay(*deal.ExpectedCloseDate).Before(today) {
			res.add("Expected close date cannot be in the past for stage '%s'", target.Key)
		}
	}
	return nil
}

// checkResidency reports a max_days overrun of the current stage. Only forward
// moves are blocked so an overdue deal can still be sent back or dropped.
func (e Engine) checkResidency(res *ValidationResult, deal domain.Deal, from, to string) {
	current, ok := e.Config.Stage(from)
	if !ok || current.Rules.MaxDays == nil || !e.Config.IsForward(from, to) {
		return
	}
	days := daysBetween(deal.EnteredAt(), e.now())
	if days > *current.Rules.MaxDays {
		res.add("Deal has been in current stage for %d days, exceeding maximum of %d days", days, *current.Rules.MaxDays)
	}
}

func (e Engine) checkBlocking(ctx context.Context, q repo.Querier, res *ValidationResult, deal domain.Deal) error {
	locked, err := e.Repo.HasActiveLock(ctx, q, deal.ID, e.now())
	if err != nil {
		return fmt.Errorf("lock check: %w", err)
	}
	if locked {
		res.add("Deal is currently locked and cannot be moved")
	}
	pending, err := e.Repo.CountPendingWorkflows(ctx, q, deal.ID)
	if err != nil {
		return fmt.Errorf("workflow check: %w", err)
	}
	if pending > 0 {
		res.add("Deal has pending workflows that must complete before stage change")
	}
	if e.StageComplete != nil {
		ok, err := e.StageComplete(ctx, deal)
		if err != nil {
			return fmt.Errorf("stage completion check: %w", err)
		}
		if !ok {
			res.add("Current stage requirements not completed")
		}
	}
	return nil
}

type WIPStatus struct {
	Stage   string `json:"stage"`
	Limit   *int   `json:"limit,omitempty"`
	Count   int    `json:"count"`
	Allowed bool   `json:"allowed"`
}

// CheckWIP counts deals already in toStage, leaving out the deal being moved.
// The count is not locked, so concurrent moves may both pass.
func (e Engine) CheckWIP(ctx context.Context, q repo.Querier, toStage, excludingDealID string) (WIPStatus, error) {
	st := WIPStatus{Stage: toStage, Allowed: true}
	if e.Config == nil {
		return st, fmt.Errorf("config not loaded")
	}
	stage, ok := e.Config.Stage(toStage)
	if !ok || stage.WIPLimit == nil {
		return st, nil
	}
	n, err := e.Repo.CountInStage(ctx, q, toStage, excludingDealID)
	if err != nil {
		return st, fmt.Errorf("count deals in %s: %w", toStage, err)
	}
	st.Limit = stage.WIPLimit
	st.Count = n
	st.Allowed = n < *stage.WIPLimit
	return st, nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// daysBetween returns whole days elapsed from start to end, never negative.
func daysBetween(start, end time.Time) int {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return int(d.Hours() / 24)
}
