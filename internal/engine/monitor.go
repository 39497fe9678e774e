package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/config"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/notify"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/repo"
)

// Classify maps elapsed days to an alert level. It is monotonic in days.
func Classify(days int, th config.Thresholds) domain.AlertLevel {
	switch {
	case days >= th.Overdue:
		return domain.AlertOverdue
	case days >= th.Critical:
		return domain.AlertCritical
	case days >= th.Warning:
		return domain.AlertWarning
	}
	return domain.AlertNormal
}

func thresholdFor(th config.Thresholds, level domain.AlertLevel) int {
	switch level {
	case domain.AlertWarning:
		return th.Warning
	case domain.AlertCritical:
		return th.Critical
	case domain.AlertOverdue:
		return th.Overdue
	}
	return 0
}

// TimeInStage reports how long the deal has been in its current stage and
// where it sits against the stage thresholds.
func (e Engine) TimeInStage(deal domain.Deal) domain.StageTiming {
	now := e.now()
	entered := deal.EnteredAt()
	elapsed := now.Sub(entered)
	if elapsed < 0 {
		elapsed = 0
	}
	timing := domain.StageTiming{
		DealID:      deal.ID,
		DealName:    deal.Name,
		Stage:       deal.Stage,
		EnteredAt:   entered,
		Days:        int(elapsed.Hours() / 24),
		Hours:       math.Round(elapsed.Hours()*10) / 10,
		Level:       domain.AlertNormal,
		AssignedUID: deal.AssignedUserID,
	}
	if e.Config == nil {
		return timing
	}
	st, ok := e.Config.Stage(deal.Stage)
	if !ok || st.Thresholds == nil {
		return timing
	}
	timing.Level = Classify(timing.Days, *st.Thresholds)
	for _, level := range domain.AlertLevels {
		if limit := thresholdFor(*st.Thresholds, level); timing.Days < limit {
			timing.Next = &domain.NextThreshold{Level: level, Days: limit, DaysRemaining: limit - timing.Days}
			break
		}
	}
	timing.IsOverdue = timing.Level == domain.AlertOverdue
	timing.IsAtRisk = timing.Level.Rank() >= domain.AlertCritical.Rank()
	return timing
}

type SweepSummary struct {
	SweepID    string               `json:"sweep_id"`
	Processed  int                  `json:"processed"`
	AlertsSent int                  `json:"alerts_sent"`
	Skipped    int                  `json:"skipped"`
	Failures   int                  `json:"failures"`
	Alerts     []domain.AlertRecord `json:"alerts"`
	StartedAt  string               `json:"started_at" format:"date-time"`
	FinishedAt string               `json:"finished_at" format:"date-time"`
}

// SweepAlerts checks every active deal against its stage thresholds and
// notifies the escalation recipients, once per (deal, level) per cooldown
// window. An alert record is appended even when every send failed.
func (e Engine) SweepAlerts(ctx context.Context) (SweepSummary, error) {
	if e.Config == nil {
		return SweepSummary{}, errors.New("config not loaded")
	}
	started := e.now().UTC()
	sum := SweepSummary{SweepID: uuid.NewString(), StartedAt: repo.FormatTime(started), Alerts: []domain.AlertRecord{}}
	deals, err := e.Repo.ListDeals(ctx, repo.DealFilters{ExcludeStages: []string{e.Config.Pipeline.TerminalStage}})
	if err != nil {
		return sum, fmt.Errorf("list deals: %w", err)
	}
	dispatcher := e.notifier()
	users := userCache{repo: e.Repo, users: map[string]*domain.User{}}
	for _, deal := range deals {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		st, ok := e.Config.Stage(deal.Stage)
		if !ok || st.Thresholds == nil {
			continue
		}
		sum.Processed++
		timing := e.TimeInStage(deal)
		if timing.Level == domain.AlertNormal {
			continue
		}
		since := started.Add(-e.Config.Cooldown(timing.Level))
		recent, err := e.Repo.AlertSentSince(ctx, deal.ID, timing.Level, since)
		if err != nil {
			return sum, fmt.Errorf("cooldown lookup for %s: %w", deal.ID, err)
		}
		if recent {
			sum.Skipped++
			e.log().Debug("alert in cooldown", "deal_id", deal.ID, "level", timing.Level)
			continue
		}
		recipients, err := e.recipients(ctx, &users, deal, timing.Level)
		if err != nil {
			return sum, err
		}
		msg := alertMessage(deal, st, timing)
		rec := domain.AlertRecord{
			ID:          uuid.NewString(),
			DealID:      deal.ID,
			Stage:       deal.Stage,
			Level:       timing.Level,
			DaysInStage: timing.Days,
			Recipients:  make([]string, 0, len(recipients)),
			CreatedAt:   repo.FormatTime(started),
		}
		for _, to := range recipients {
			rec.Recipients = append(rec.Recipients, to.UserID)
			if err := dispatcher.Send(ctx, to, msg); err != nil {
				sum.Failures++
				e.log().Warn("notification failed", "deal_id", deal.ID, "recipient", to.UserID, "level", timing.Level, "err", err)
				continue
			}
			rec.NotificationsSent++
		}
		if err := e.Repo.InsertAlert(ctx, rec); err != nil {
			return sum, fmt.Errorf("record alert for %s: %w", deal.ID, err)
		}
		sum.AlertsSent++
		sum.Alerts = append(sum.Alerts, rec)
	}
	sum.FinishedAt = repo.FormatTime(e.now())
	if err := e.Repo.InsertSweepLog(ctx, repo.SweepLog{
		ID:         sum.SweepID,
		Processed:  sum.Processed,
		AlertsSent: sum.AlertsSent,
		Skipped:    sum.Skipped,
		Failures:   sum.Failures,
		StartedAt:  sum.StartedAt,
		FinishedAt: sum.FinishedAt,
	}); err != nil {
		e.log().Warn("sweep log write failed", "sweep_id", sum.SweepID, "err", err)
	}
	e.log().Info("alert sweep finished", "processed", sum.Processed, "alerts", sum.AlertsSent, "skipped", sum.Skipped, "failures", sum.Failures)
	return sum, nil
}

func alertMessage(deal domain.Deal, st config.Stage, timing domain.StageTiming) notify.Message {
	label := st.Label
	if label == "" {
		label = st.Key
	}
	subject := fmt.Sprintf("[%s] %s has been in %s for %d days", strings.ToUpper(string(timing.Level)), deal.Name, label, timing.Days)
	body := fmt.Sprintf("Deal %s entered %s on %s and has spent %d days there.",
		deal.Name, label, timing.EnteredAt.UTC().Format(domain.DateLayout), timing.Days)
	if timing.Next != nil {
		body += fmt.Sprintf(" It reaches %s in %d days.", timing.Next.Level, timing.Next.DaysRemaining)
	}
	return notify.Message{DealID: deal.ID, Level: string(timing.Level), Subject: subject, Body: body}
}

type userCache struct {
	repo  repo.Repo
	users map[string]*domain.User
}

func (c *userCache) get(ctx context.Context, id string) (*domain.User, error) {
	if id == "" {
		return nil, nil
	}
	if u, ok := c.users[id]; ok {
		return u, nil
	}
	u, err := c.repo.GetUser(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		c.users[id] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.users[id] = &u
	return &u, nil
}

// recipients resolves the escalation roles of level along the reports_to
// chain: manager of the assigned user, then that manager's manager, then
// theirs. Missing links are skipped and duplicates removed.
func (e Engine) recipients(ctx context.Context, users *userCache, deal domain.Deal, level domain.AlertLevel) ([]notify.Recipient, error) {
	chain := map[string]string{config.RoleAssignedUser: deal.AssignedUserID}
	prev := deal.AssignedUserID
	for _, role := range []string{config.RoleManager, config.RoleSeniorManager, config.RoleDirector} {
		u, err := users.get(ctx, prev)
		if err != nil {
			return nil, fmt.Errorf("resolve %s for %s: %w", role, deal.ID, err)
		}
		if u == nil || u.ReportsToID == "" {
			break
		}
		chain[role] = u.ReportsToID
		prev = u.ReportsToID
	}
	var out []notify.Recipient
	seen := map[string]bool{}
	for _, role := range e.Config.EscalationRoles(level) {
		id := chain[role]
		if id == "" {
			e.log().Debug("no recipient for role", "deal_id", deal.ID, "role", role)
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		r := notify.Recipient{UserID: id, Role: role}
		if u, err := users.get(ctx, id); err == nil && u != nil {
			r.Name, r.Email = u.Name, u.Email
		}
		out = append(out, r)
	}
	return out, nil
}

type StatsFilter struct {
	Stage          string
	AssignedUserID string
}

// StageStatistics aggregates time-in-stage across active deals. Read only.
func (e Engine) StageStatistics(ctx context.Context, f StatsFilter) (domain.StageStatistics, error) {
	stats := domain.StageStatistics{
		AlertSummary: map[domain.AlertLevel]int{
			domain.AlertNormal: 0, domain.AlertWarning: 0, domain.AlertCritical: 0, domain.AlertOverdue: 0,
		},
		Durations: map[string]domain.StageDuration{},
		Longest:   map[string]domain.StageTiming{},
		SLA:       map[string]domain.SLABucket{},
	}
	if e.Config == nil {
		return stats, errors.New("config not loaded")
	}
	deals, err := e.Repo.ListDeals(ctx, repo.DealFilters{
		Stage:          f.Stage,
		AssignedUserID: f.AssignedUserID,
		ExcludeStages:  []string{e.Config.Pipeline.TerminalStage},
	})
	if err != nil {
		return stats, fmt.Errorf("list deals: %w", err)
	}
	days := map[string][]int{}
	for _, d := range deals {
		timing := e.TimeInStage(d)
		stats.TotalDeals++
		stats.AlertSummary[timing.Level]++
		days[d.Stage] = append(days[d.Stage], timing.Days)
		if cur, ok := stats.Longest[d.Stage]; !ok || timing.Days > cur.Days {
			stats.Longest[d.Stage] = timing
		}
		st, ok := e.Config.Stage(d.Stage)
		if !ok || st.Thresholds == nil {
			continue
		}
		b := stats.SLA[d.Stage]
		b.WarningDays, b.OverdueDays = st.Thresholds.Warning, st.Thresholds.Overdue
		b.Total++
		switch {
		case timing.Days < st.Thresholds.Warning:
			b.Within++
		case timing.Days < st.Thresholds.Overdue:
			b.Near++
		default:
			b.Over++
		}
		stats.SLA[d.Stage] = b
	}
	for stage, list := range days {
		stats.Durations[stage] = summarize(list)
	}
	for stage, b := range stats.SLA {
		b.WithinPercent = percent(b.Within, b.Total)
		b.NearPercent = percent(b.Near, b.Total)
		b.OverPercent = percent(b.Over, b.Total)
		stats.SLA[stage] = b
	}
	return stats, nil
}

func summarize(days []int) domain.StageDuration {
	sorted := append([]int(nil), days...)
	sort.Ints(sorted)
	n := len(sorted)
	out := domain.StageDuration{Count: n}
	if n == 0 {
		return out
	}
	total := 0
	for _, d := range sorted {
		total += d
	}
	out.Average = round1(float64(total) / float64(n))
	if n%2 == 0 {
		out.Median = round1(float64(sorted[n/2-1]+sorted[n/2]) / 2)
	} else {
		out.Median = float64(sorted[n/2])
	}
	out.Min, out.Max = sorted[0], sorted[n-1]
	return out
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return round1(float64(part) * 100 / float64(total))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// ApproachingThresholds lists active deals whose next threshold is at most
// daysAhead days away, soonest first.
func (e Engine) ApproachingThresholds(ctx context.Context, daysAhead int) ([]domain.StageTiming, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	if daysAhead < 0 {
		return nil, errors.New("days ahead must not be negative")
	}
	deals, err := e.Repo.ListDeals(ctx, repo.DealFilters{ExcludeStages: []string{e.Config.Pipeline.TerminalStage}})
	if err != nil {
		return nil, fmt.Errorf("list deals: %w", err)
	}
	out := []domain.StageTiming{}
	for _, d := range deals {
		timing := e.TimeInStage(d)
		if timing.Next != nil && timing.Next.DaysRemaining <= daysAhead {
			out = append(out, timing)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Next.DaysRemaining < out[j].Next.DaysRemaining
	})
	return out, nil
}
