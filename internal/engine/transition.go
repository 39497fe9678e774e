package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/events"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/repo"
)

const defaultTransitionReason = "Manual stage transition"

// TransitionOptions are parameters for moving a deal between stages.
type TransitionOptions struct {
	DealID    string
	FromStage string
	ToStage   string
	ActorID   string
	Reason    string
	Position  *int
	Metadata  map[string]any
}

type TransitionResult struct {
	TransitionID string                  `json:"transition_id"`
	DealID       string                  `json:"deal_id"`
	FromStage    string                  `json:"from_stage"`
	ToStage      string                  `json:"to_stage"`
	Status       domain.TransitionStatus `json:"status"`
	Errors       []string                `json:"errors,omitempty"`
	Deal         *domain.Deal            `json:"deal,omitempty"`
}

// Transition validates and applies a stage change in one transaction and
// appends exactly one audit record for the attempt. Rejections come back as a
// failed result together with a *TransitionNotAllowedError or
// *WIPLimitExceededError; infrastructure failures as an error result and a
// *PersistenceError.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (TransitionResult, error) {
	if e.Config == nil {
		return TransitionResult{}, errors.New("config not loaded")
	}
	if opts.DealID == "" {
		return TransitionResult{}, errors.New("deal id is required")
	}
	res := TransitionResult{
		TransitionID: uuid.NewString(),
		DealID:       opts.DealID,
		FromStage:    opts.FromStage,
		ToStage:      opts.ToStage,
	}
	switch {
	case opts.ToStage == "":
		return e.transitionError(ctx, res, opts, errors.New("target stage is required"))
	case opts.ActorID == "":
		return e.transitionError(ctx, res, opts, errors.New("actor is required"))
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return e.transitionError(ctx, res, opts, &PersistenceError{Op: "begin transaction", Err: err})
	}
	defer tx.Rollback()

	deal, err := e.Repo.GetDeal(ctx, tx, opts.DealID)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, repo.ErrNotFound) {
			return e.transitionError(ctx, res, opts, fmt.Errorf("deal %s: %w", opts.DealID, repo.ErrNotFound))
		}
		return e.transitionError(ctx, res, opts, &PersistenceError{Op: "load deal", Err: err})
	}
	res.FromStage = deal.Stage

	check, err := e.ValidateTransition(ctx, tx, deal, opts.FromStage, opts.ToStage, opts.ActorID)
	if err != nil {
		_ = tx.Rollback()
		return e.transitionError(ctx, res, opts, &PersistenceError{Op: "validate", Err: err})
	}
	if !check.Valid {
		_ = tx.Rollback()
		return e.transitionFailed(ctx, res, opts, check.Errors, &TransitionNotAllowedError{
			DealID: deal.ID, From: deal.Stage, To: opts.ToStage, Errors: check.Errors,
		})
	}

	wip, err := e.CheckWIP(ctx, tx, opts.ToStage, deal.ID)
	if err != nil {
		_ = tx.Rollback()
		return e.transitionError(ctx, res, opts, &PersistenceError{Op: "wip check", Err: err})
	}
	if !wip.Allowed {
		_ = tx.Rollback()
		werr := &WIPLimitExceededError{Stage: opts.ToStage, Limit: *wip.Limit, Count: wip.Count}
		return e.transitionFailed(ctx, res, opts, []string{werr.Error()}, werr)
	}

	now := e.now().UTC()
	target, _ := e.Config.Stage(opts.ToStage)
	deal.Stage = target.Key
	deal.StageEnteredAt = &now
	if target.LegacyStatus != "" {
		deal.SalesStage = target.LegacyStatus
	}
	if opts.Position != nil {
		p := *opts.Position
		deal.Position = &p
	}
	deal.UpdatedAt = now
	if err := e.Repo.SaveDeal(ctx, tx, deal); err != nil {
		_ = tx.Rollback()
		return e.transitionError(ctx, res, opts, &PersistenceError{Op: "save deal", Err: err})
	}

	reason := opts.Reason
	if reason == "" {
		reason = defaultTransitionReason
	}
	metadata := map[string]any{"transition_id": res.TransitionID}
	for k, v := range opts.Metadata {
		metadata[k] = v
	}
	if opts.Position != nil {
		metadata["position"] = *opts.Position
	}
	change := domain.StageChange{
		ID:        uuid.NewString(),
		DealID:    deal.ID,
		FromStage: res.FromStage,
		ToStage:   deal.Stage,
		ActorID:   opts.ActorID,
		ChangedAt: repo.FormatTime(now),
		Reason:    reason,
		Metadata:  metadata,
	}
	if err := e.Repo.InsertStageChange(ctx, tx, change); err != nil {
		_ = tx.Rollback()
		return e.transitionError(ctx, res, opts, &PersistenceError{Op: "insert stage change", Err: err})
	}
	if err := e.events().Append(ctx, tx, "deal.stage_changed", "deal", deal.ID, opts.ActorID, events.EventPayload{
		"from": res.FromStage, "to": deal.Stage, "transition_id": res.TransitionID,
	}); err != nil {
		_ = tx.Rollback()
		return e.transitionError(ctx, res, opts, &PersistenceError{Op: "append event", Err: err})
	}
	if err := tx.Commit(); err != nil {
		return e.transitionError(ctx, res, opts, &PersistenceError{Op: "commit", Err: err})
	}

	res.Status = domain.TransitionSuccess
	res.Deal = &deal
	details := map[string]any{"reason": reason}
	if len(opts.Metadata) > 0 {
		details["metadata"] = opts.Metadata
	}
	if err := e.recordTransition(ctx, res, opts.ActorID, details); err != nil {
		// the stage change is committed together with its deal_transitions row
		e.log().Error("transition audit write failed", "deal_id", deal.ID, "transition_id", res.TransitionID, "err", err)
	}
	e.log().Info("deal moved", "deal_id", deal.ID, "from", res.FromStage, "to", deal.Stage, "actor", opts.ActorID)
	return res, nil
}

func (e Engine) transitionFailed(ctx context.Context, res TransitionResult, opts TransitionOptions, errs []string, cause error) (TransitionResult, error) {
	res.Status = domain.TransitionFailed
	res.Errors = errs
	details := map[string]any{"errors": errs}
	if opts.Reason != "" {
		details["reason"] = opts.Reason
	}
	if len(opts.Metadata) > 0 {
		details["metadata"] = opts.Metadata
	}
	if err := e.recordTransition(ctx, res, opts.ActorID, details); err != nil {
		return res, errors.Join(cause, &PersistenceError{Op: "record transition", Err: err})
	}
	e.log().Info("transition rejected", "deal_id", res.DealID, "to", res.ToStage, "errors", len(errs))
	return res, cause
}

func (e Engine) transitionError(ctx context.Context, res TransitionResult, opts TransitionOptions, cause error) (TransitionResult, error) {
	res.Status = domain.TransitionError
	res.Errors = []string{cause.Error()}
	details := map[string]any{"error": cause.Error()}
	if len(opts.Metadata) > 0 {
		details["metadata"] = opts.Metadata
	}
	if err := e.recordTransition(ctx, res, opts.ActorID, details); err != nil {
		e.log().Error("transition audit write failed", "deal_id", res.DealID, "err", err)
	}
	e.log().Warn("transition failed", "deal_id", res.DealID, "to", res.ToStage, "err", cause)
	return res, cause
}

// recordTransition appends the audit row outside any transaction.
func (e Engine) recordTransition(ctx context.Context, res TransitionResult, actorID string, details map[string]any) error {
	return e.Repo.InsertTransitionRecord(ctx, nil, domain.TransitionRecord{
		ID:        res.TransitionID,
		DealID:    res.DealID,
		FromStage: res.FromStage,
		ToStage:   res.ToStage,
		ActorID:   actorID,
		TS:        repo.FormatTime(e.now()),
		Status:    res.Status,
		Details:   details,
	})
}

// TransitionHistory returns the audit records of a deal, newest first.
func (e Engine) TransitionHistory(ctx context.Context, dealID string, limit int) ([]domain.TransitionRecord, error) {
	return e.Repo.ListTransitionRecords(ctx, repo.TransitionFilters{DealID: dealID, Limit: limit})
}
