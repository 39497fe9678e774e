package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
)

// InsertAlert appends an alert record. Records are never updated.
func (r Repo) InsertAlert(ctx context.Context, a domain.AlertRecord) error {
	recipients, err := json.Marshal(a.Recipients)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO deal_alerts(id,deal_id,stage,level,days_in_stage,recipients_json,notifications_sent,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.DealID, a.Stage, string(a.Level), a.DaysInStage, string(recipients), a.NotificationsSent, a.CreatedAt)
	return err
}

// AlertSentSince reports whether an alert for (deal, level) was recorded at or after since.
func (r Repo) AlertSentSince(ctx context.Context, dealID string, level domain.AlertLevel, since time.Time) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM deal_alerts WHERE deal_id=? AND level=? AND created_at>=?`,
		dealID, string(level), FormatTime(since)).Scan(&n)
	return n > 0, err
}

func (r Repo) ListAlerts(ctx context.Context, dealID string) ([]domain.AlertRecord, error) {
	query := `SELECT id,deal_id,stage,level,days_in_stage,recipients_json,notifications_sent,created_at FROM deal_alerts`
	var args []any
	if dealID != "" {
		query += " WHERE deal_id=?"
		args = append(args, dealID)
	}
	query += " ORDER BY created_at ASC, id ASC"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AlertRecord
	for rows.Next() {
		var a domain.AlertRecord
		var level string
		var recipients sql.NullString
		if err := rows.Scan(&a.ID, &a.DealID, &a.Stage, &level, &a.DaysInStage, &recipients, &a.NotificationsSent, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Level = domain.AlertLevel(level)
		if recipients.Valid && recipients.String != "" {
			_ = json.Unmarshal([]byte(recipients.String), &a.Recipients)
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

type SweepLog struct {
	ID         string
	Processed  int
	AlertsSent int
	Skipped    int
	Failures   int
	StartedAt  string
	FinishedAt string
}

func (r Repo) InsertSweepLog(ctx context.Context, s SweepLog) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO alert_sweeps(id,processed,alerts_sent,skipped,failures,started_at,finished_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.Processed, s.AlertsSent, s.Skipped, s.Failures, s.StartedAt, s.FinishedAt)
	return err
}

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notifications(id,user_id,deal_id,subject,body,is_read,created_at) VALUES (?,?,?,?,?,0,?)`,
		n.ID, n.UserID, nullable(n.DealID), n.Subject, nullable(n.Body), n.CreatedAt)
	return err
}

func (r Repo) ListNotifications(ctx context.Context, userID string) ([]domain.Notification, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,user_id,COALESCE(deal_id,''),subject,COALESCE(body,''),is_read,created_at FROM notifications WHERE user_id=? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var read int
		if err := rows.Scan(&n.ID, &n.UserID, &n.DealID, &n.Subject, &n.Body, &read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Read = read != 0
		res = append(res, n)
	}
	return res, rows.Err()
}
