package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/app"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/engine"
)

func registerMonitor(api huma.API, e engine.Engine, workspace string) {
	huma.Register(api, huma.Operation{
		OperationID: "deal-timing",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}/timing",
		Summary:     "Time the deal has spent in its current stage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
	}) (*struct {
		Body domain.StageTiming `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		d, err := e.Repo.GetDeal(ctx, nil, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StageTiming `json:"body"`
		}{Body: e.TimeInStage(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deal-alerts",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}/alerts",
		Summary:     "Alert records for a deal",
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
	}) (*struct {
		Body alertList `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAlerts(ctx, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body alertList `json:"body"`
		}{Body: alertList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-alerts",
		Method:      http.MethodPost,
		Path:        "/alerts/sweep",
		Summary:     "Run one time-in-stage alert sweep",
		Errors:      []int{http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.SweepSummary `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, PermAlertSweep); err != nil {
			return nil, handleError(err)
		}
		var (
			sum engine.SweepSummary
			err error
		)
		if workspace != "" {
			sum, err = app.RunSweep(ctx, workspace, e)
		} else {
			sum, err = e.SweepAlerts(ctx)
		}
		if errors.Is(err, app.ErrSweepRunning) {
			return nil, newAPIError(http.StatusConflict, "sweep_running", err.Error(), nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SweepSummary `json:"body"`
		}{Body: sum}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approaching-thresholds",
		Method:      http.MethodGet,
		Path:        "/alerts/approaching",
		Summary:     "Deals about to cross their next threshold",
	}, func(ctx context.Context, input *struct {
		Days int `query:"days" default:"2" minimum:"0"`
	}) (*struct {
		Body timingList `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ApproachingThresholds(ctx, input.Days)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body timingList `json:"body"`
		}{Body: timingList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stage-statistics",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Time-in-stage statistics for active deals",
	}, func(ctx context.Context, input *struct {
		Stage          string `query:"stage"`
		AssignedUserID string `query:"assigned_user_id"`
	}) (*struct {
		Body domain.StageStatistics `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		stats, err := e.StageStatistics(ctx, engine.StatsFilter{
			Stage:          input.Stage,
			AssignedUserID: input.AssignedUserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StageStatistics `json:"body"`
		}{Body: stats}, nil
	})
}
