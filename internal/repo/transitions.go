package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
)

// InsertStageChange writes the detailed transition row; callers run it inside the transition tx.
func (r Repo) InsertStageChange(ctx context.Context, q Querier, c domain.StageChange) error {
	var metadata any
	if len(c.Metadata) > 0 {
		b, err := json.Marshal(c.Metadata)
		if err != nil {
			return err
		}
		metadata = string(b)
	}
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO deal_transitions(id,deal_id,from_stage,to_stage,actor_id,changed_at,reason,metadata_json) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.DealID, c.FromStage, c.ToStage, c.ActorID, c.ChangedAt, nullable(c.Reason), metadata)
	return err
}

func (r Repo) ListStageChanges(ctx context.Context, dealID string) ([]domain.StageChange, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,deal_id,from_stage,to_stage,actor_id,changed_at,COALESCE(reason,''),metadata_json FROM deal_transitions WHERE deal_id=? ORDER BY changed_at ASC, id ASC`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageChange
	for rows.Next() {
		var c domain.StageChange
		var metadata sql.NullString
		if err := rows.Scan(&c.ID, &c.DealID, &c.FromStage, &c.ToStage, &c.ActorID, &c.ChangedAt, &c.Reason, &metadata); err != nil {
			return nil, err
		}
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &c.Metadata)
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// LastStageExit returns the most recent time the deal left stage.
func (r Repo) LastStageExit(ctx context.Context, dealID, stage string) (time.Time, error) {
	var ts string
	err := r.DB.QueryRowContext(ctx, `SELECT changed_at FROM deal_transitions WHERE deal_id=? AND from_stage=? ORDER BY changed_at DESC LIMIT 1`, dealID, stage).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return ParseTime(ts)
}

// InsertTransitionRecord appends one audit row.
func (r Repo) InsertTransitionRecord(ctx context.Context, q Querier, rec domain.TransitionRecord) error {
	var details any
	if len(rec.Details) > 0 {
		b, err := json.Marshal(rec.Details)
		if err != nil {
			return err
		}
		details = string(b)
	}
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO transition_audit(id,deal_id,from_stage,to_stage,actor_id,ts,status,details_json) VALUES (?,?,?,?,?,?,?,?)`,
		rec.ID, rec.DealID, rec.FromStage, rec.ToStage, rec.ActorID, rec.TS, string(rec.Status), details)
	return err
}

type TransitionFilters struct {
	DealID string
	Status string
	Limit  int
}

func (r Repo) ListTransitionRecords(ctx context.Context, f TransitionFilters) ([]domain.TransitionRecord, error) {
	query := `SELECT id,deal_id,from_stage,to_stage,actor_id,ts,status,details_json FROM transition_audit WHERE 1=1`
	var args []any
	if f.DealID != "" {
		query += " AND deal_id=?"
		args = append(args, f.DealID)
	}
	if f.Status != "" {
		query += " AND status=?"
		args = append(args, f.Status)
	}
	query += " ORDER BY ts DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransitionRecord
	for rows.Next() {
		var rec domain.TransitionRecord
		var status string
		var details sql.NullString
		if err := rows.Scan(&rec.ID, &rec.DealID, &rec.FromStage, &rec.ToStage, &rec.ActorID, &rec.TS, &status, &details); err != nil {
			return nil, err
		}
		rec.Status = domain.TransitionStatus(status)
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &rec.Details)
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
