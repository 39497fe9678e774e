package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the calendar date format used for due dates and close dates.
const DateLayout = "2006-01-02"

type Deal struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Stage             string            `json:"stage"`
	SalesStage        string            `json:"sales_stage,omitempty"`
	StageEnteredAt    *time.Time        `json:"stage_entered_at,omitempty" format:"date-time"`
	Amount            decimal.Decimal   `json:"amount"`
	Probability       int               `json:"probability"`
	AssignedUserID    string            `json:"assigned_user_id,omitempty"`
	AccountID         string            `json:"account_id,omitempty"`
	Description       string            `json:"description,omitempty"`
	ExpectedCloseDate *time.Time        `json:"expected_close_date,omitempty" format:"date"`
	Position          *int              `json:"position,omitempty"`
	Fields            map[string]string `json:"fields,omitempty"`
	CreatedAt         time.Time         `json:"created_at" format:"date-time"`
	UpdatedAt         time.Time         `json:"updated_at" format:"date-time"`
}

// EnteredAt returns when the deal entered its current stage, falling back to creation time.
func (d Deal) EnteredAt() time.Time {
	if d.StageEnteredAt != nil {
		return *d.StageEnteredAt
	}
	return d.CreatedAt
}

// FieldValue returns the named business field as a string. Zero numbers count as empty.
func (d Deal) FieldValue(name string) string {
	switch name {
	case "id":
		return d.ID
	case "name":
		return d.Name
	case "account_id":
		return d.AccountID
	case "assigned_user_id":
		return d.AssignedUserID
	case "description":
		return d.Description
	case "stage", "pipeline_stage":
		return d.Stage
	case "amount":
		if d.Amount.IsZero() {
			return ""
		}
		return d.Amount.String()
	case "probability":
		if d.Probability == 0 {
			return ""
		}
		return strconv.Itoa(d.Probability)
	case "expected_close_date", "expected_close_date_c", "date_closed":
		if d.ExpectedCloseDate == nil {
			return ""
		}
		return d.ExpectedCloseDate.Format(DateLayout)
	}
	return strings.TrimSpace(d.Fields[name])
}

type User struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	ReportsToID string `json:"reports_to_id,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type TransitionStatus string

const (
	TransitionSuccess TransitionStatus = "success"
	TransitionFailed  TransitionStatus = "failed"
	TransitionError   TransitionStatus = "error"
)

// TransitionRecord is the append-only audit entry written once per transition attempt.
type TransitionRecord struct {
	ID        string           `json:"id"`
	DealID    string           `json:"deal_id"`
	FromStage string           `json:"from_stage"`
	ToStage   string           `json:"to_stage"`
	ActorID   string           `json:"actor_id"`
	TS        string           `json:"ts" format:"date-time"`
	Status    TransitionStatus `json:"status" enum:"success,failed,error"`
	Details   map[string]any   `json:"details,omitempty"`
}

// StageChange is the detailed row persisted inside the transition transaction.
// It doubles as the deal's stage history.
type StageChange struct {
	ID        string         `json:"id"`
	DealID    string         `json:"deal_id"`
	FromStage string         `json:"from_stage"`
	ToStage   string         `json:"to_stage"`
	ActorID   string         `json:"actor_id"`
	ChangedAt string         `json:"changed_at" format:"date-time"`
	Reason    string         `json:"reason"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type DependencyType string

const (
	DependencyInternal  DependencyType = "task"
	DependencyExternal  DependencyType = "external_task"
	DependencyMilestone DependencyType = "milestone"
)

const (
	FinishToStart  = "finish_to_start"
	StartToStart   = "start_to_start"
	FinishToFinish = "finish_to_finish"
	StartToFinish  = "start_to_finish"
)

// TaskCriteria selects an existing task of the same deal.
type TaskCriteria struct {
	Name        string   `json:"name,omitempty" yaml:"name"`
	NamePattern string   `json:"name_pattern,omitempty" yaml:"name_pattern"`
	Category    string   `json:"category,omitempty" yaml:"category"`
	Status      []string `json:"status,omitempty" yaml:"status"`
}

// DependencySpec is a dependency as declared on a template task.
type DependencySpec struct {
	Type         DependencyType `json:"type" yaml:"type"`
	TaskID       string         `json:"task_id,omitempty" yaml:"task_id"`
	Criteria     *TaskCriteria  `json:"criteria,omitempty" yaml:"criteria"`
	Milestone    string         `json:"milestone,omitempty" yaml:"milestone"`
	Relationship string         `json:"relationship,omitempty" yaml:"relationship"`
	LagDays      int            `json:"lag_days,omitempty" yaml:"lag_days"`
}

// DependencyEdge is a resolved dependency. The owning task depends on the target.
type DependencyEdge struct {
	Type          DependencyType `json:"type"`
	TargetID      string         `json:"target_id,omitempty"`
	TargetName    string         `json:"target_name,omitempty"`
	Milestone     string         `json:"milestone,omitempty"`
	Relationship  string         `json:"relationship"`
	LagDays       int            `json:"lag_days"`
	ReferenceDate *time.Time     `json:"reference_date,omitempty" format:"date-time"`
}

type Task struct {
	ID               string           `json:"id"`
	DealID           string           `json:"deal_id"`
	TemplateID       string           `json:"template_id,omitempty"`
	TemplateTaskID   string           `json:"template_task_id,omitempty"`
	GenerationID     string           `json:"generation_id,omitempty"`
	Name             string           `json:"name"`
	Description      string           `json:"description,omitempty"`
	Category         string           `json:"category,omitempty"`
	Status           string           `json:"status"`
	AssignedUserID   string           `json:"assigned_user_id,omitempty"`
	Position         int              `json:"position"`
	DueDate          time.Time        `json:"due_date" format:"date-time"`
	OriginalDueDate  *time.Time       `json:"original_due_date,omitempty" format:"date-time"`
	ScheduleAdjusted bool             `json:"schedule_adjusted"`
	AdjustmentReason string           `json:"adjustment_reason,omitempty"`
	Dependencies     []DependencySpec `json:"declared_dependencies,omitempty"`
	Resolved         []DependencyEdge `json:"resolved_dependencies,omitempty"`
	CreatedAt        string           `json:"created_at" format:"date-time"`
}

// DueRule describes how a template task's due date is derived.
type DueRule struct {
	Base             string `json:"base,omitempty" yaml:"base"`
	OffsetDays       int    `json:"offset_days,omitempty" yaml:"offset_days"`
	BusinessDaysOnly bool   `json:"business_days_only,omitempty" yaml:"business_days_only"`
	Date             string `json:"date,omitempty" yaml:"date"`
}

// Condition gates a template task on a deal field.
type Condition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value" yaml:"value"`
}

type TemplateTask struct {
	ID           string           `json:"id" yaml:"id"`
	Name         string           `json:"name" yaml:"name"`
	Description  string           `json:"description,omitempty" yaml:"description"`
	Category     string           `json:"category,omitempty" yaml:"category"`
	AssignTo     string           `json:"assign_to,omitempty" yaml:"assign_to"`
	Due          DueRule          `json:"due,omitempty" yaml:"due"`
	Condition    *Condition       `json:"condition,omitempty" yaml:"condition"`
	Dependencies []DependencySpec `json:"dependencies,omitempty" yaml:"dependencies"`
}

type TaskTemplate struct {
	ID        string         `json:"id" yaml:"id"`
	Name      string         `json:"name" yaml:"name"`
	Category  string         `json:"category,omitempty" yaml:"category"`
	Tasks     []TemplateTask `json:"tasks" yaml:"tasks"`
	CreatedAt string         `json:"created_at,omitempty" yaml:"-" format:"date-time"`
}

type GenerationLog struct {
	ID         string   `json:"id"`
	DealID     string   `json:"deal_id"`
	TemplateID string   `json:"template_id"`
	ActorID    string   `json:"actor_id"`
	TaskCount  int      `json:"task_count"`
	Warnings   []string `json:"warnings,omitempty"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}

type AlertLevel string

const (
	AlertNormal   AlertLevel = "normal"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
	AlertOverdue  AlertLevel = "overdue"
)

// Rank orders levels normal < warning < critical < overdue.
func (l AlertLevel) Rank() int {
	switch l {
	case AlertWarning:
		return 1
	case AlertCritical:
		return 2
	case AlertOverdue:
		return 3
	}
	return 0
}

// AlertLevels lists the alerting levels from least to most severe.
var AlertLevels = []AlertLevel{AlertWarning, AlertCritical, AlertOverdue}

type AlertRecord struct {
	ID                string     `json:"id"`
	DealID            string     `json:"deal_id"`
	Stage             string     `json:"stage"`
	Level             AlertLevel `json:"level"`
	DaysInStage       int        `json:"days_in_stage"`
	Recipients        []string   `json:"recipients"`
	NotificationsSent int        `json:"notifications_sent"`
	CreatedAt         string     `json:"created_at" format:"date-time"`
}

type Notification struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	DealID    string `json:"deal_id,omitempty"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type NextThreshold struct {
	Level         AlertLevel `json:"level"`
	Days          int        `json:"days"`
	DaysRemaining int        `json:"days_remaining"`
}

type StageTiming struct {
	DealID      string         `json:"deal_id"`
	DealName    string         `json:"deal_name,omitempty"`
	Stage       string         `json:"stage"`
	EnteredAt   time.Time      `json:"entered_at" format:"date-time"`
	Days        int            `json:"days_in_stage"`
	Hours       float64        `json:"hours_in_stage"`
	Level       AlertLevel     `json:"alert_level"`
	Next        *NextThreshold `json:"next_threshold,omitempty"`
	IsOverdue   bool           `json:"is_overdue"`
	IsAtRisk    bool           `json:"is_at_risk"`
	AssignedUID string         `json:"assigned_user_id,omitempty"`
}

type StageDuration struct {
	Count   int     `json:"deal_count"`
	Average float64 `json:"average_days"`
	Median  float64 `json:"median_days"`
	Min     int     `json:"min_days"`
	Max     int     `json:"max_days"`
}

type SLABucket struct {
	Total         int     `json:"total_deals"`
	Within        int     `json:"within_sla"`
	WithinPercent float64 `json:"within_sla_percent"`
	Near          int     `json:"near_sla"`
	NearPercent   float64 `json:"near_sla_percent"`
	Over          int     `json:"over_sla"`
	OverPercent   float64 `json:"over_sla_percent"`
	WarningDays   int     `json:"warning_days"`
	OverdueDays   int     `json:"overdue_days"`
}

type StageStatistics struct {
	TotalDeals   int                      `json:"total_deals"`
	AlertSummary map[AlertLevel]int       `json:"alert_summary"`
	Durations    map[string]StageDuration `json:"average_time_by_stage"`
	Longest      map[string]StageTiming   `json:"longest_in_stage"`
	SLA          map[string]SLABucket     `json:"sla_performance"`
}

type Event struct {
	ID         string `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
