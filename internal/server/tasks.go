package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/engine"
)

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "import-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Create or replace a task template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body domain.TaskTemplate `json:"body"`
	}) (*struct {
		Body domain.TaskTemplate `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, PermTemplateManage); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ImportTemplate(ctx, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskTemplate `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List task templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body templateList `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListTemplates(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body templateList `json:"body"`
		}{Body: templateList{Items: nonNilSlice(items)}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "generate-tasks",
		Method:        http.MethodPost,
		Path:          "/deals/{deal_id}/tasks/generate",
		Summary:       "Generate tasks for a deal from a template",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		DealID string               `path:"deal_id"`
		Body   GenerateTasksRequest `json:"body"`
	}) (*struct {
		Body engine.GenerationResult `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, PermTaskGenerate); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.TemplateID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "template_id is required", nil)
		}
		opts := engine.GenerateOptions{
			DealID:     input.DealID,
			TemplateID: input.Body.TemplateID,
			ActorID:    actorID,
		}
		if input.Body.BaseDate != "" {
			base, err := time.Parse(domain.DateLayout, input.Body.BaseDate)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid base_date, want YYYY-MM-DD", nil)
			}
			opts.BaseDate = &base
		}
		res, err := e.GenerateTasks(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.GenerationResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}/tasks",
		Summary:     "List a deal's tasks by due date",
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
	}) (*struct {
		Body taskList `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListTasks(ctx, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskList `json:"body"`
		}{Body: taskList{Items: nonNilSlice(items)}}, nil
	})
}
