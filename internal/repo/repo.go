package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(q Querier) Querier {
	if q != nil {
		return q
	}
	return r.DB
}

const dealColumns = `id,name,stage,COALESCE(sales_stage,''),stage_entered_at,amount,probability,COALESCE(assigned_user_id,''),COALESCE(account_id,''),COALESCE(description,''),expected_close_date,position,fields_json,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeal(row rowScanner) (domain.Deal, error) {
	var d domain.Deal
	var enteredAt, closeDate, fieldsJSON sql.NullString
	var position sql.NullInt64
	var createdAt, updatedAt string
	err := row.Scan(&d.ID, &d.Name, &d.Stage, &d.SalesStage, &enteredAt, &d.Amount, &d.Probability,
		&d.AssignedUserID, &d.AccountID, &d.Description, &closeDate, &position, &fieldsJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if enteredAt.Valid {
		if t, err := ParseTime(enteredAt.String); err == nil {
			d.StageEnteredAt = &t
		}
	}
	if closeDate.Valid && closeDate.String != "" {
		if t, err := time.Parse(domain.DateLayout, closeDate.String); err == nil {
			d.ExpectedCloseDate = &t
		}
	}
	if position.Valid {
		p := int(position.Int64)
		d.Position = &p
	}
	if fieldsJSON.Valid && fieldsJSON.String != "" {
		if err := json.Unmarshal([]byte(fieldsJSON.String), &d.Fields); err != nil {
			return d, fmt.Errorf("deal %s fields: %w", d.ID, err)
		}
	}
	d.CreatedAt, _ = ParseTime(createdAt)
	d.UpdatedAt, _ = ParseTime(updatedAt)
	return d, nil
}

func (r Repo) InsertDeal(ctx context.Context, q Querier, d domain.Deal) error {
	fields, err := marshalFields(d.Fields)
	if err != nil {
		return err
	}
	_, err = r.q(q).ExecContext(ctx, `INSERT INTO deals(id,name,stage,sales_stage,stage_entered_at,amount,probability,assigned_user_id,account_id,description,expected_close_date,position,fields_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Name, d.Stage, nullable(d.SalesStage), nullableTime(d.StageEnteredAt), d.Amount, d.Probability,
		nullable(d.AssignedUserID), nullable(d.AccountID), nullable(d.Description), nullableDate(d.ExpectedCloseDate),
		nullableIntPtr(d.Position), fields, FormatTime(d.CreatedAt), FormatTime(d.UpdatedAt))
	return err
}

func (r Repo) GetDeal(ctx context.Context, q Querier, id string) (domain.Deal, error) {
	return scanDeal(r.q(q).QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id=?`, id))
}

// SaveDeal writes every mutable deal column.
func (r Repo) SaveDeal(ctx context.Context, q Querier, d domain.Deal) error {
	fields, err := marshalFields(d.Fields)
	if err != nil {
		return err
	}
	res, err := r.q(q).ExecContext(ctx, `UPDATE deals SET name=?, stage=?, sales_stage=?, stage_entered_at=?, amount=?, probability=?, assigned_user_id=?, account_id=?, description=?, expected_close_date=?, position=?, fields_json=?, updated_at=? WHERE id=?`,
		d.Name, d.Stage, nullable(d.SalesStage), nullableTime(d.StageEnteredAt), d.Amount, d.Probability,
		nullable(d.AssignedUserID), nullable(d.AccountID), nullable(d.Description), nullableDate(d.ExpectedCloseDate),
		nullableIntPtr(d.Position), fields, FormatTime(d.UpdatedAt), d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountInStage counts deals in stage, leaving out excludingID.
func (r Repo) CountInStage(ctx context.Context, q Querier, stage, excludingID string) (int, error) {
	var n int
	err := r.q(q).QueryRowContext(ctx, `SELECT COUNT(*) FROM deals WHERE stage=? AND id<>?`, stage, excludingID).Scan(&n)
	return n, err
}

type DealFilters struct {
	Stage          string
	AssignedUserID string
	ExcludeStages  []string
	Limit          int
}

func (r Repo) ListDeals(ctx context.Context, f DealFilters) ([]domain.Deal, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.AssignedUserID != "" {
		clauses = append(clauses, "assigned_user_id=?")
		args = append(args, f.AssignedUserID)
	}
	if len(f.ExcludeStages) > 0 {
		clauses = append(clauses, "stage NOT IN ("+placeholders(len(f.ExcludeStages))+")")
		for _, s := range f.ExcludeStages {
			args = append(args, s)
		}
	}
	query := `SELECT ` + dealColumns + ` FROM deals`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY COALESCE(stage_entered_at, created_at) ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) AddDocument(ctx context.Context, dealID, kind string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO deal_documents(deal_id,kind,created_at) VALUES (?,?,?)`,
		dealID, kind, FormatTime(time.Now()))
	return err
}

func (r Repo) ListDocumentKinds(ctx context.Context, q Querier, dealID string) ([]string, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT kind FROM deal_documents WHERE deal_id=? ORDER BY kind`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var kinds []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, rows.Err()
}

// LockDeal holds the deal against stage changes until expiresAt.
func (r Repo) LockDeal(ctx context.Context, dealID, lockedBy string, expiresAt time.Time) error {
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM deal_locks WHERE deal_id=?`, dealID); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO deal_locks(deal_id,locked_by,expires_at) VALUES (?,?,?)`,
		dealID, lockedBy, FormatTime(expiresAt))
	return err
}

func (r Repo) UnlockDeal(ctx context.Context, dealID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM deal_locks WHERE deal_id=?`, dealID)
	return err
}

// HasActiveLock reports whether an unexpired lock exists at now.
func (r Repo) HasActiveLock(ctx context.Context, q Querier, dealID string, now time.Time) (bool, error) {
	var n int
	err := r.q(q).QueryRowContext(ctx, `SELECT COUNT(*) FROM deal_locks WHERE deal_id=? AND expires_at>?`, dealID, FormatTime(now)).Scan(&n)
	return n > 0, err
}

func (r Repo) InsertWorkflow(ctx context.Context, id, dealID, name, status string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO workflow_instances(id,deal_id,name,status,created_at) VALUES (?,?,?,?,?)`,
		id, dealID, nullable(name), status, FormatTime(time.Now()))
	return err
}

func (r Repo) SetWorkflowStatus(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE workflow_instances SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountPendingWorkflows counts workflow instances still pending or running for the deal.
func (r Repo) CountPendingWorkflows(ctx context.Context, q Querier, dealID string) (int, error) {
	var n int
	err := r.q(q).QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_instances WHERE deal_id=? AND status IN ('pending','running')`, dealID).Scan(&n)
	return n, err
}

// FormatTime renders t as UTC RFC3339, the storage format for timestamps.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func marshalFields(fields map[string]string) (any, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

func nullableDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(domain.DateLayout)
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
