package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
)

// Config models dealflow.yml (or dealflow.toml).
type Config struct {
	Pipeline struct {
		InitialStage  string  `yaml:"initial_stage" toml:"initial_stage"`
		TerminalStage string  `yaml:"terminal_stage" toml:"terminal_stage"`
		Stages        []Stage `yaml:"stages" toml:"stages"`
	} `yaml:"pipeline" toml:"pipeline"`
	Permissions struct {
		EditPermission string `yaml:"edit_permission" toml:"edit_permission"`
	} `yaml:"permissions" toml:"permissions"`
	Alerts struct {
		CooldownHours map[string]int      `yaml:"cooldown_hours" toml:"cooldown_hours"`
		Escalation    map[string][]string `yaml:"escalation" toml:"escalation"`
		SweepInterval string              `yaml:"sweep_interval" toml:"sweep_interval"`
	} `yaml:"alerts" toml:"alerts"`
	Scheduling struct {
		Holidays   []string          `yaml:"holidays" toml:"holidays"`
		Milestones map[string]string `yaml:"milestones" toml:"milestones"`
	} `yaml:"scheduling" toml:"scheduling"`
	Notifications struct {
		InApp    bool            `yaml:"in_app" toml:"in_app"`
		Webhooks []WebhookConfig `yaml:"webhooks" toml:"webhooks"`
	} `yaml:"notifications" toml:"notifications"`
}

type Stage struct {
	Key             string      `yaml:"key" toml:"key"`
	Label           string      `yaml:"label" toml:"label"`
	LegacyStatus    string      `yaml:"legacy_status" toml:"legacy_status"`
	Next            []string    `yaml:"next" toml:"next"`
	WIPLimit        *int        `yaml:"wip_limit" toml:"wip_limit"`
	RestrictedRoles []string    `yaml:"restricted_roles" toml:"restricted_roles"`
	Rules           Rules       `yaml:"rules" toml:"rules"`
	Thresholds      *Thresholds `yaml:"thresholds" toml:"thresholds"`
}

// Rules are checked when a deal enters the stage, except MaxDays which limits residency.
type Rules struct {
	RequiredFields       []string `yaml:"required_fields" toml:"required_fields"`
	MinAmount            string   `yaml:"min_amount" toml:"min_amount"`
	MinProbability       *int     `yaml:"min_probability" toml:"min_probability"`
	RequiredApprovals    []string `yaml:"required_approvals" toml:"required_approvals"`
	RequiredDocuments    []string `yaml:"required_documents" toml:"required_documents"`
	MaxDays              *int     `yaml:"max_days" toml:"max_days"`
	MinDescriptionLength int      `yaml:"min_description_length" toml:"min_description_length"`
	RequireExpectedClose bool     `yaml:"require_expected_close" toml:"require_expected_close"`
	CloseDateNotPast     bool     `yaml:"close_date_not_past" toml:"close_date_not_past"`
}

// MinAmountValue returns the parsed minimum amount, if configured.
func (r Rules) MinAmountValue() (decimal.Decimal, bool) {
	if strings.TrimSpace(r.MinAmount) == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(r.MinAmount)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

type Thresholds struct {
	Warning  int `yaml:"warning" toml:"warning"`
	Critical int `yaml:"critical" toml:"critical"`
	Overdue  int `yaml:"overdue" toml:"overdue"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" toml:"url"`
	Levels         []string `yaml:"levels" toml:"levels"`
	Secret         string   `yaml:"secret" toml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds" toml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled" toml:"enabled"`
}

// Escalation roles understood by the monitor.
const (
	RoleAssignedUser  = "assigned_user"
	RoleManager       = "manager"
	RoleSeniorManager = "senior_manager"
	RoleDirector      = "director"
)

var escalationRoles = map[string]bool{
	RoleAssignedUser:  true,
	RoleManager:       true,
	RoleSeniorManager: true,
	RoleDirector:      true,
}

// Load reads and validates config from workspace, preferring dealflow.yml over dealflow.toml.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("config %s not found; create one with dealflow config init", Path(workspace))
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if no config file exists.
func LoadOptional(workspace string) (*Config, error) {
	for _, path := range []string{Path(workspace), TOMLPath(workspace)} {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		return FromFile(path)
	}
	return nil, nil
}

// Path returns the YAML config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dealflow.yml")
}

// TOMLPath returns the TOML config file path for a workspace.
func TOMLPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dealflow.toml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default pipeline configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromTOML parses and validates config from raw TOML bytes.
func FromTOML(data []byte) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("invalid config toml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads config from the given path; the extension selects the format.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FromTOML(data)
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Pipeline.Stages) == 0 {
		return fmt.Errorf("config.pipeline.stages is required")
	}
	seen := make(map[string]bool, len(c.Pipeline.Stages))
	for _, st := range c.Pipeline.Stages {
		if st.Key == "" {
			return fmt.Errorf("config.pipeline.stages contains empty key")
		}
		if seen[st.Key] {
			return fmt.Errorf("stage %s defined twice", st.Key)
		}
		seen[st.Key] = true
	}
	if !seen[c.Pipeline.InitialStage] {
		return fmt.Errorf("config.pipeline.initial_stage %q is not a stage", c.Pipeline.InitialStage)
	}
	if !seen[c.Pipeline.TerminalStage] {
		return fmt.Errorf("config.pipeline.terminal_stage %q is not a stage", c.Pipeline.TerminalStage)
	}
	for _, st := range c.Pipeline.Stages {
		if st.Key == c.Pipeline.TerminalStage && len(st.Next) > 0 {
			return fmt.Errorf("terminal stage %s must not have outgoing transitions", st.Key)
		}
		for _, next := range st.Next {
			if !seen[next] {
				return fmt.Errorf("stage %s allows unknown stage %s", st.Key, next)
			}
			if next == st.Key {
				return fmt.Errorf("stage %s must not transition to itself", st.Key)
			}
		}
		if st.WIPLimit != nil && *st.WIPLimit <= 0 {
			return fmt.Errorf("stage %s wip_limit must be positive", st.Key)
		}
		if st.Rules.MinAmount != "" {
			if _, err := decimal.NewFromString(st.Rules.MinAmount); err != nil {
				return fmt.Errorf("stage %s min_amount: %w", st.Key, err)
			}
		}
		if p := st.Rules.MinProbability; p != nil && (*p < 0 || *p > 100) {
			return fmt.Errorf("stage %s min_probability must be within 0..100", st.Key)
		}
		if st.Rules.MaxDays != nil && *st.Rules.MaxDays <= 0 {
			return fmt.Errorf("stage %s max_days must be positive", st.Key)
		}
		if st.Thresholds != nil {
			if err := st.Thresholds.Validate(); err != nil {
				return fmt.Errorf("stage %s thresholds: %w", st.Key, err)
			}
		}
	}
	if err := c.validateAlerts(); err != nil {
		return err
	}
	for key, stage := range c.Scheduling.Milestones {
		if key == "" {
			return fmt.Errorf("config.scheduling.milestones has empty key")
		}
		if !seen[stage] {
			return fmt.Errorf("milestone %s references unknown stage %s", key, stage)
		}
	}
	for _, h := range c.Scheduling.Holidays {
		if _, _, err := parseHoliday(h); err != nil {
			return err
		}
	}
	for i, hook := range c.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Validate requires warning < critical < overdue, all positive.
func (t Thresholds) Validate() error {
	if t.Warning <= 0 {
		return fmt.Errorf("warning must be positive")
	}
	if t.Warning >= t.Critical || t.Critical >= t.Overdue {
		return fmt.Errorf("thresholds must be in ascending order: warning < critical < overdue")
	}
	return nil
}

func (c *Config) validateAlerts() error {
	if c.Alerts.SweepInterval != "" {
		if _, err := time.ParseDuration(c.Alerts.SweepInterval); err != nil {
			return fmt.Errorf("config.alerts.sweep_interval: %w", err)
		}
	}
	var prev []string
	for _, level := range domain.AlertLevels {
		roles, ok := c.Alerts.Escalation[string(level)]
		if !ok || len(roles) == 0 {
			return fmt.Errorf("config.alerts.escalation.%s is required", level)
		}
		set := make(map[string]bool, len(roles))
		for _, r := range roles {
			if !escalationRoles[r] {
				return fmt.Errorf("escalation level %s has unknown role %s", level, r)
			}
			set[r] = true
		}
		for _, r := range prev {
			if !set[r] {
				return fmt.Errorf("escalation level %s must include %s from the level below", level, r)
			}
		}
		if prev != nil && len(set) <= len(prev) {
			return fmt.Errorf("escalation level %s must add recipients to the level below", level)
		}
		prev = roles
	}
	cooldown := func(level domain.AlertLevel) (int, error) {
		h, ok := c.Alerts.CooldownHours[string(level)]
		if !ok {
			return 0, fmt.Errorf("config.alerts.cooldown_hours.%s is required", level)
		}
		if h <= 0 {
			return 0, fmt.Errorf("config.alerts.cooldown_hours.%s must be positive", level)
		}
		return h, nil
	}
	w, err := cooldown(domain.AlertWarning)
	if err != nil {
		return err
	}
	cr, err := cooldown(domain.AlertCritical)
	if err != nil {
		return err
	}
	o, err := cooldown(domain.AlertOverdue)
	if err != nil {
		return err
	}
	if o > cr || cr > w {
		return fmt.Errorf("cooldown hours must not grow with severity: overdue <= critical <= warning")
	}
	return nil
}

// Stage returns the stage definition for key.
func (c *Config) Stage(key string) (Stage, bool) {
	for _, st := range c.Pipeline.Stages {
		if st.Key == key {
			return st, true
		}
	}
	return Stage{}, false
}

// StageIndex returns the pipeline position of key, or -1.
func (c *Config) StageIndex(key string) int {
	for i, st := range c.Pipeline.Stages {
		if st.Key == key {
			return i
		}
	}
	return -1
}

// Allows reports whether from -> to is an edge of the stage graph.
func (c *Config) Allows(from, to string) bool {
	st, ok := c.Stage(from)
	if !ok {
		return false
	}
	for _, next := range st.Next {
		if next == to {
			return true
		}
	}
	return false
}

// IsForward reports whether to lies later in the pipeline than from, ignoring the terminal stage.
func (c *Config) IsForward(from, to string) bool {
	if to == c.Pipeline.TerminalStage {
		return false
	}
	return c.StageIndex(to) > c.StageIndex(from)
}

// Cooldown returns the minimum spacing between two alerts of the same level for one deal.
func (c *Config) Cooldown(level domain.AlertLevel) time.Duration {
	h, ok := c.Alerts.CooldownHours[string(level)]
	if !ok || h <= 0 {
		h = 24
	}
	return time.Duration(h) * time.Hour
}

// EscalationRoles returns the recipient roles for level.
func (c *Config) EscalationRoles(level domain.AlertLevel) []string {
	if roles, ok := c.Alerts.Escalation[string(level)]; ok {
		return roles
	}
	return []string{RoleAssignedUser}
}

// SweepInterval returns the background sweep period, defaulting to one hour.
func (c *Config) SweepInterval() time.Duration {
	if d, err := time.ParseDuration(c.Alerts.SweepInterval); err == nil && d > 0 {
		return d
	}
	return time.Hour
}

// IsHoliday reports whether day matches a configured holiday.
func (c *Config) IsHoliday(day time.Time) bool {
	for _, h := range c.Scheduling.Holidays {
		full, recurring, err := parseHoliday(h)
		if err != nil {
			continue
		}
		if full != "" && day.Format(domain.DateLayout) == full {
			return true
		}
		if recurring != "" && day.Format("01-02") == recurring {
			return true
		}
	}
	return false
}

func parseHoliday(h string) (full, recurring string, err error) {
	if _, err := time.Parse(domain.DateLayout, h); err == nil {
		return h, "", nil
	}
	if _, err := time.Parse("01-02", h); err == nil {
		return "", h, nil
	}
	return "", "", fmt.Errorf("holiday %q must be YYYY-MM-DD or MM-DD", h)
}

const defaultTemplate = `pipeline:
  initial_stage: sourcing
  terminal_stage: unavailable
  stages:
    - key: sourcing
      label: Sourcing
      legacy_status: Prospecting
      next: [screening, unavailable]
      wip_limit: 20
      thresholds: {warning: 7, critical: 14, overdue: 21}

    - key: screening
      label: Screening
      legacy_status: Qualification
      next: [sourcing, analysis_outreach, unavailable]
      wip_limit: 15
      rules:
        required_fields: [account_id]
      thresholds: {warning: 5, critical: 10, overdue: 15}

    - key: analysis_outreach
      label: Analysis & Outreach
      legacy_status: Needs Analysis
      next: [screening, due_diligence, unavailable]
      wip_limit: 10
      thresholds: {warning: 7, critical: 14, overdue: 21}

    - key: due_diligence
      label: Due Diligence
      legacy_status: Id. Decision Makers
      next: [analysis_outreach, valuation_structuring, unavailable]
      wip_limit: 8
      rules:
        required_fields: [account_id, amount]
        min_amount: "50000"
        max_days: 30
        min_description_length: 50
      thresholds: {warning: 10, critical: 20, overdue: 30}

    - key: valuation_structuring
      label: Valuation & Structuring
      legacy_status: Value Proposition
      next: [due_diligence, loi_negotiation, unavailable]
      wip_limit: 6
      rules:
        required_fields: [account_id, amount, probability]
        min_probability: 25
        required_documents: [financial_statements, business_plan]
        require_expected_close: true
      thresholds: {warning: 7, critical: 14, overdue: 21}

    - key: loi_negotiation
      label: LOI / Negotiation
      legacy_status: Negotiation/Review
      next: [valuation_structuring, financing, unavailable]
      wip_limit: 5
      rules:
        required_fields: [account_id, amount, probability, expected_close_date]
        min_probability: 50
        required_approvals: [manager_approval]
      thresholds: {warning: 5, critical: 10, overdue: 15}

    - key: financing
      label: Financing
      legacy_status: Proposal/Price Quote
      next: [loi_negotiation, closing, unavailable]
      wip_limit: 5
      restricted_roles: [manager, senior_manager, director]
      rules:
        min_probability: 75
        required_approvals: [senior_manager_approval]
      thresholds: {warning: 10, critical: 20, overdue: 30}

    - key: closing
      label: Closing
      legacy_status: Negotiation/Review
      next: [financing, closed_owned_90_day, unavailable]
      wip_limit: 5
      restricted_roles: [senior_manager, director]
      rules:
        min_probability: 90
        required_approvals: [director_approval]
        close_date_not_past: true
      thresholds: {warning: 7, critical: 14, overdue: 21}

    - key: closed_owned_90_day
      label: Closed / Owned (90 day)
      legacy_status: Closed Won
      next: [closing, closed_owned_stable, unavailable]
      wip_limit: 10
      restricted_roles: [manager, senior_manager, director]
      thresholds: {warning: 30, critical: 60, overdue: 90}

    - key: closed_owned_stable
      label: Closed / Owned (stable)
      legacy_status: Closed Won
      next: [closed_owned_90_day]

    - key: unavailable
      label: Unavailable
      legacy_status: Closed Lost

permissions:
  edit_permission: deal.edit

alerts:
  sweep_interval: 1h
  cooldown_hours:
    warning: 24
    critical: 12
    overdue: 6
  escalation:
    warning: [assigned_user, manager]
    critical: [assigned_user, manager, senior_manager]
    overdue: [assigned_user, manager, senior_manager, director]

scheduling:
  holidays: ["01-01", "07-04", "12-25"]
  milestones:
    due_diligence_complete: due_diligence
    valuation_complete: valuation_structuring

notifications:
  in_app: true
`
