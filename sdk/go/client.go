package dealflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Dealflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Deal is the API deal model (partial). Amount is a decimal string.
type Deal struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Stage          string            `json:"stage"`
	SalesStage     string            `json:"sales_stage,omitempty"`
	Amount         string            `json:"amount"`
	Probability    int               `json:"probability"`
	AssignedUserID string            `json:"assigned_user_id,omitempty"`
	AccountID      string            `json:"account_id,omitempty"`
	Fields         map[string]string `json:"fields,omitempty"`
}

// Transition is the outcome of a successful move.
type Transition struct {
	TransitionID string `json:"transition_id"`
	DealID       string `json:"deal_id"`
	FromStage    string `json:"from_stage"`
	ToStage      string `json:"to_stage"`
	Status       string `json:"status"`
	Deal         *Deal  `json:"deal,omitempty"`
}

// MoveRequest describes a stage move. FromStage is optional.
type MoveRequest struct {
	FromStage string         `json:"from_stage,omitempty"`
	ToStage   string         `json:"to_stage"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type Validation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

type Task struct {
	ID               string `json:"id"`
	DealID           string `json:"deal_id"`
	Name             string `json:"name"`
	Status           string `json:"status"`
	AssignedUserID   string `json:"assigned_user_id,omitempty"`
	Position         int    `json:"position"`
	DueDate          string `json:"due_date"`
	ScheduleAdjusted bool   `json:"schedule_adjusted"`
}

type Generation struct {
	GenerationID string   `json:"generation_id"`
	DealID       string   `json:"deal_id"`
	TemplateID   string   `json:"template_id"`
	Tasks        []Task   `json:"tasks"`
	Warnings     []string `json:"warnings,omitempty"`
}

type Alert struct {
	ID                string   `json:"id"`
	DealID            string   `json:"deal_id"`
	Stage             string   `json:"stage"`
	Level             string   `json:"level"`
	DaysInStage       int      `json:"days_in_stage"`
	Recipients        []string `json:"recipients"`
	NotificationsSent int      `json:"notifications_sent"`
}

type SweepSummary struct {
	SweepID    string  `json:"sweep_id"`
	Processed  int     `json:"processed"`
	AlertsSent int     `json:"alerts_sent"`
	Skipped    int     `json:"skipped"`
	Failures   int     `json:"failures"`
	Alerts     []Alert `json:"alerts"`
}

type StageDuration struct {
	Count   int     `json:"deal_count"`
	Average float64 `json:"average_days"`
	Median  float64 `json:"median_days"`
}

type Stats struct {
	TotalDeals   int                      `json:"total_deals"`
	AlertSummary map[string]int           `json:"alert_summary"`
	Durations    map[string]StageDuration `json:"average_time_by_stage"`
}

// APIError wraps non-2xx responses. Code and Details come from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Rejections lists the validation failures of a rejected move, if any.
func (e *APIError) Rejections() []string {
	raw, _ := e.Details["errors"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// MoveDeal moves a deal. A rejected move returns an *APIError with status 422 or 409.
func (c *Client) MoveDeal(ctx context.Context, dealID string, req MoveRequest) (Transition, error) {
	var resp Transition
	err := c.do(ctx, http.MethodPost, c.path("deals/%s/transitions", dealID), req, &resp)
	return resp, err
}

// ValidateTransition checks a move without applying it.
func (c *Client) ValidateTransition(ctx context.Context, dealID, toStage string) (Validation, error) {
	var resp Validation
	err := c.do(ctx, http.MethodPost, c.path("deals/%s/validate", dealID), map[string]any{"to_stage": toStage}, &resp)
	return resp, err
}

// GenerateTasks applies a template to a deal. baseDate may be empty.
func (c *Client) GenerateTasks(ctx context.Context, dealID, templateID, baseDate string) (Generation, error) {
	body := map[string]any{"template_id": templateID}
	if baseDate != "" {
		body["base_date"] = baseDate
	}
	var resp Generation
	err := c.do(ctx, http.MethodPost, c.path("deals/%s/tasks/generate", dealID), body, &resp)
	return resp, err
}

// SweepAlerts runs one alert sweep on the server.
func (c *Client) SweepAlerts(ctx context.Context) (SweepSummary, error) {
	var resp SweepSummary
	err := c.do(ctx, http.MethodPost, c.path("alerts/sweep"), nil, &resp)
	return resp, err
}

// Stats returns time-in-stage statistics. Empty filters are ignored.
func (c *Client) Stats(ctx context.Context, stage, assignedUserID string) (Stats, error) {
	q := url.Values{}
	if stage != "" {
		q.Set("stage", stage)
	}
	if assignedUserID != "" {
		q.Set("assigned_user_id", assignedUserID)
	}
	endpoint := c.path("stats")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp Stats
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) path(format string, args ...string) string {
	escaped := make([]any, len(args))
	for i, a := range args {
		escaped[i] = url.PathEscape(a)
	}
	return strings.TrimLeft(c.BasePath, "/") + "/" + fmt.Sprintf(format, escaped...)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
