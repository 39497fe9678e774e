package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/engine"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/engine/auth"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/repo"
)

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/stages",
		Summary:     "List pipeline stages with current deal counts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []StageResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		out := make([]StageResponse, 0, len(e.Config.Pipeline.Stages))
		for _, st := range e.Config.Pipeline.Stages {
			n, err := e.Repo.CountInStage(ctx, nil, st.Key, "")
			if err != nil {
				return nil, handleError(err)
			}
			out = append(out, stageResponse(st, n))
		}
		return &struct {
			Body []StageResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerDeals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-deal",
		Method:        http.MethodPost,
		Path:          "/deals",
		Summary:       "Create deal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateDealRequest `json:"body"`
	}) (*struct {
		Body DealResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, PermDealCreate); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts, err := createDealOptions(input.Body)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		opts.ActorID = actorID
		d, err := e.CreateDeal(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DealResponse `json:"body"`
		}{Body: dealResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deals",
		Method:      http.MethodGet,
		Path:        "/deals",
		Summary:     "List deals",
	}, func(ctx context.Context, input *struct {
		Stage          string `query:"stage"`
		AssignedUserID string `query:"assigned_user_id"`
		Limit          int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedDeals `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListDeals(ctx, repo.DealFilters{
			Stage:          input.Stage,
			AssignedUserID: input.AssignedUserID,
			Limit:          normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedDeals `json:"body"`
		}{Body: paginatedDeals{Items: mapDeals(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deal",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}",
		Summary:     "Get deal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
	}) (*struct {
		Body DealResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		d, err := e.Repo.GetDeal(ctx, nil, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DealResponse `json:"body"`
		}{Body: dealResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-deal-fields",
		Method:      http.MethodPatch,
		Path:        "/deals/{deal_id}/fields",
		Summary:     "Set or clear custom deal fields",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string           `path:"deal_id"`
		Body   SetFieldsRequest `json:"body"`
	}) (*struct {
		Body DealResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		scoped := engineFor(ctx, e)
		current, err := e.Repo.GetDeal(ctx, nil, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		ok, err := scoped.Auth.HasCapability(ctx, actorID, current, auth.ActionEdit)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "User does not have permission to edit this deal", nil)
		}
		d, err := scoped.SetDealFields(ctx, input.DealID, input.Body.Fields, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DealResponse `json:"body"`
		}{Body: dealResponse(d)}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-transition",
		Method:      http.MethodPost,
		Path:        "/deals/{deal_id}/validate",
		Summary:     "Check a stage move without applying it",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string                    `path:"deal_id"`
		Body   ValidateTransitionRequest `json:"body"`
	}) (*struct {
		Body engine.ValidationResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.ToStage) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to_stage is required", nil)
		}
		d, err := e.Repo.GetDeal(ctx, nil, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := engineFor(ctx, e).ValidateTransition(ctx, nil, d, input.Body.FromStage, input.Body.ToStage, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ValidationResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-deal",
		Method:      http.MethodPost,
		Path:        "/deals/{deal_id}/transitions",
		Summary:     "Move a deal to another stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		DealID string            `path:"deal_id"`
		Body   TransitionRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.ToStage) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to_stage is required", nil)
		}
		res, err := engineFor(ctx, e).Transition(ctx, engine.TransitionOptions{
			DealID:    input.DealID,
			FromStage: input.Body.FromStage,
			ToStage:   input.Body.ToStage,
			ActorID:   actorID,
			Reason:    input.Body.Reason,
			Position:  input.Body.Position,
			Metadata:  input.Body.Metadata,
		})
		if err != nil {
			return nil, withTransitionID(handleError(err), res.TransitionID)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-history",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}/transitions",
		Summary:     "Audit records for a deal, newest first",
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body transitionHistory `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.TransitionHistory(ctx, input.DealID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body transitionHistory `json:"body"`
		}{Body: transitionHistory{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deal-events",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}/events",
		Summary:     "Event log for a deal, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
		Limit  int    `query:"limit" default:"100"`
	}) (*struct {
		Body eventList `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.DealEvents(ctx, input.DealID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body eventList `json:"body"`
		}{Body: eventList{Items: nonNilSlice(items)}}, nil
	})
}

func withTransitionID(se huma.StatusError, id string) huma.StatusError {
	var ae *apiError
	if id == "" || !errors.As(se, &ae) {
		return se
	}
	if ae.Body.Details == nil {
		ae.Body.Details = map[string]any{}
	}
	ae.Body.Details["transition_id"] = id
	return ae
}

func createDealOptions(req CreateDealRequest) (engine.DealCreateOptions, error) {
	opts := engine.DealCreateOptions{
		Name:           strings.TrimSpace(req.Name),
		Stage:          req.Stage,
		Probability:    req.Probability,
		AssignedUserID: req.AssignedUserID,
		AccountID:      req.AccountID,
		Description:    req.Description,
		Fields:         req.Fields,
	}
	if req.ID != nil {
		opts.ID = *req.ID
	}
	if opts.Name == "" {
		return opts, errors.New("name is required")
	}
	if req.Amount != "" {
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			return opts, errors.New("invalid amount")
		}
		opts.Amount = amount
	}
	if req.ExpectedCloseDate != "" {
		d, err := time.Parse(domain.DateLayout, req.ExpectedCloseDate)
		if err != nil {
			return opts, errors.New("invalid expected_close_date, want YYYY-MM-DD")
		}
		opts.ExpectedCloseDate = &d
	}
	return opts, nil
}
