package server

import (
	"time"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/config"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/engine"
)

// Request payloads

type CreateDealRequest struct {
	ID                *string           `json:"id,omitempty"`
	Name              string            `json:"name"`
	Stage             string            `json:"stage,omitempty"`
	Amount            string            `json:"amount,omitempty" example:"250000.00"`
	Probability       int               `json:"probability,omitempty" minimum:"0" maximum:"100"`
	AssignedUserID    string            `json:"assigned_user_id,omitempty"`
	AccountID         string            `json:"account_id,omitempty"`
	Description       string            `json:"description,omitempty"`
	ExpectedCloseDate string            `json:"expected_close_date,omitempty" example:"2024-06-30"`
	Fields            map[string]string `json:"fields,omitempty"`
}

type SetFieldsRequest struct {
	Fields map[string]string `json:"fields"`
}

type ValidateTransitionRequest struct {
	FromStage string `json:"from_stage,omitempty"`
	ToStage   string `json:"to_stage"`
}

type TransitionRequest struct {
	FromStage string         `json:"from_stage,omitempty"`
	ToStage   string         `json:"to_stage"`
	Reason    string         `json:"reason,omitempty"`
	Position  *int           `json:"position,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type GenerateTasksRequest struct {
	TemplateID string `json:"template_id"`
	BaseDate   string `json:"base_date,omitempty" example:"2024-01-15"`
}

type DevLoginRequest struct {
	UserID      string   `json:"user_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	UserID      string   `json:"user_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type DealResponse struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Stage             string            `json:"stage"`
	SalesStage        string            `json:"sales_stage,omitempty"`
	StageEnteredAt    *time.Time        `json:"stage_entered_at,omitempty"`
	Amount            string            `json:"amount"`
	Probability       int               `json:"probability"`
	AssignedUserID    string            `json:"assigned_user_id,omitempty"`
	AccountID         string            `json:"account_id,omitempty"`
	Description       string            `json:"description,omitempty"`
	ExpectedCloseDate string            `json:"expected_close_date,omitempty"`
	Position          *int              `json:"position,omitempty"`
	Fields            map[string]string `json:"fields,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

type StageResponse struct {
	Key             string             `json:"key"`
	Label           string             `json:"label"`
	LegacyStatus    string             `json:"legacy_status,omitempty"`
	Next            []string           `json:"next"`
	WIPLimit        *int               `json:"wip_limit,omitempty"`
	DealCount       int                `json:"deal_count"`
	RestrictedRoles []string           `json:"restricted_roles,omitempty"`
	Thresholds      *config.Thresholds `json:"thresholds,omitempty"`
}

type TransitionResponse struct {
	TransitionID string                  `json:"transition_id"`
	DealID       string                  `json:"deal_id"`
	FromStage    string                  `json:"from_stage"`
	ToStage      string                  `json:"to_stage"`
	Status       domain.TransitionStatus `json:"status"`
	Deal         *DealResponse           `json:"deal,omitempty"`
}

type paginatedDeals struct {
	Items []DealResponse `json:"items"`
}

type transitionHistory struct {
	Items []domain.TransitionRecord `json:"items"`
}

type eventList struct {
	Items []domain.Event `json:"items"`
}

type taskList struct {
	Items []domain.Task `json:"items"`
}

type templateList struct {
	Items []domain.TaskTemplate `json:"items"`
}

type alertList struct {
	Items []domain.AlertRecord `json:"items"`
}

type timingList struct {
	Items []domain.StageTiming `json:"items"`
}

func dealResponse(d domain.Deal) DealResponse {
	resp := DealResponse{
		ID:             d.ID,
		Name:           d.Name,
		Stage:          d.Stage,
		SalesStage:     d.SalesStage,
		StageEnteredAt: d.StageEnteredAt,
		Amount:         d.Amount.StringFixed(2),
		Probability:    d.Probability,
		AssignedUserID: d.AssignedUserID,
		AccountID:      d.AccountID,
		Description:    d.Description,
		Position:       d.Position,
		Fields:         d.Fields,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
	if d.ExpectedCloseDate != nil {
		resp.ExpectedCloseDate = d.ExpectedCloseDate.Format(domain.DateLayout)
	}
	return resp
}

func mapDeals(items []domain.Deal) []DealResponse {
	out := make([]DealResponse, 0, len(items))
	for _, d := range items {
		out = append(out, dealResponse(d))
	}
	return out
}

func transitionResponse(res engine.TransitionResult) TransitionResponse {
	out := TransitionResponse{
		TransitionID: res.TransitionID,
		DealID:       res.DealID,
		FromStage:    res.FromStage,
		ToStage:      res.ToStage,
		Status:       res.Status,
	}
	if res.Deal != nil {
		d := dealResponse(*res.Deal)
		out.Deal = &d
	}
	return out
}

func stageResponse(st config.Stage, count int) StageResponse {
	label := st.Label
	if label == "" {
		label = st.Key
	}
	return StageResponse{
		Key:             st.Key,
		Label:           label,
		LegacyStatus:    st.LegacyStatus,
		Next:            nonNilSlice(st.Next),
		WIPLimit:        st.WIPLimit,
		DealCount:       count,
		RestrictedRoles: st.RestrictedRoles,
		Thresholds:      st.Thresholds,
	}
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
