package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
)

// UpsertTemplate stores the full template definition as JSON.
func (r Repo) UpsertTemplate(ctx context.Context, t domain.TaskTemplate) error {
	if t.ID == "" {
		return fmt.Errorf("template id required")
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_templates WHERE id=?`, t.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO task_templates(id,name,category,definition_json,created_at) VALUES (?,?,?,?,?)`,
		t.ID, t.Name, nullable(t.Category), string(payload), t.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.TaskTemplate, error) {
	var payload, createdAt string
	err := r.DB.QueryRowContext(ctx, `SELECT definition_json, created_at FROM task_templates WHERE id=?`, id).Scan(&payload, &createdAt)
	if err == sql.ErrNoRows {
		return domain.TaskTemplate{}, ErrNotFound
	}
	if err != nil {
		return domain.TaskTemplate{}, err
	}
	var t domain.TaskTemplate
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return t, fmt.Errorf("template %s: %w", id, err)
	}
	t.CreatedAt = createdAt
	return t, nil
}

func (r Repo) ListTemplates(ctx context.Context) ([]domain.TaskTemplate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT definition_json, created_at FROM task_templates ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskTemplate
	for rows.Next() {
		var payload, createdAt string
		if err := rows.Scan(&payload, &createdAt); err != nil {
			return nil, err
		}
		var t domain.TaskTemplate
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, err
		}
		t.CreatedAt = createdAt
		res = append(res, t)
	}
	return res, rows.Err()
}

// InsertTask writes the task row and its resolved dependency edges.
func (r Repo) InsertTask(ctx context.Context, q Querier, t domain.Task) error {
	var original any
	if t.OriginalDueDate != nil {
		original = FormatTime(*t.OriginalDueDate)
	}
	adjusted := 0
	if t.ScheduleAdjusted {
		adjusted = 1
	}
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO tasks(id,deal_id,template_id,template_task_id,generation_id,name,description,category,status,assigned_user_id,position,due_date,original_due_date,schedule_adjusted,adjustment_reason,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.DealID, nullable(t.TemplateID), nullable(t.TemplateTaskID), nullable(t.GenerationID), t.Name, nullable(t.Description),
		nullable(t.Category), t.Status, nullable(t.AssignedUserID), t.Position, FormatTime(t.DueDate), original, adjusted,
		nullable(t.AdjustmentReason), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.Name, err)
	}
	for _, e := range t.Resolved {
		if _, err := r.q(q).ExecContext(ctx, `INSERT INTO task_dependencies(id,task_id,dep_type,target_id,milestone,relationship,lag_days) VALUES (?,?,?,?,?,?,?)`,
			uuid.NewString(), t.ID, string(e.Type), nullable(e.TargetID), nullable(e.Milestone), e.Relationship, e.LagDays); err != nil {
			return fmt.Errorf("insert dependency of %s: %w", t.Name, err)
		}
	}
	return nil
}

const taskColumns = `id,deal_id,COALESCE(template_id,''),COALESCE(template_task_id,''),COALESCE(generation_id,''),name,COALESCE(description,''),COALESCE(category,''),status,COALESCE(assigned_user_id,''),position,due_date,original_due_date,schedule_adjusted,COALESCE(adjustment_reason,''),created_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var due string
	var original sql.NullString
	var adjusted int
	err := row.Scan(&t.ID, &t.DealID, &t.TemplateID, &t.TemplateTaskID, &t.GenerationID, &t.Name, &t.Description, &t.Category,
		&t.Status, &t.AssignedUserID, &t.Position, &due, &original, &adjusted, &t.AdjustmentReason, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.DueDate, err = ParseTime(due)
	if err != nil {
		return t, fmt.Errorf("task %s due date: %w", t.ID, err)
	}
	if original.Valid {
		if o, err := ParseTime(original.String); err == nil {
			t.OriginalDueDate = &o
		}
	}
	t.ScheduleAdjusted = adjusted != 0
	return t, nil
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// FindTask returns the earliest-due task of the deal matching the criteria.
func (r Repo) FindTask(ctx context.Context, dealID string, c domain.TaskCriteria) (domain.Task, error) {
	clauses := []string{"deal_id=?"}
	args := []any{dealID}
	if c.Name != "" {
		clauses = append(clauses, "name=?")
		args = append(args, c.Name)
	}
	if c.NamePattern != "" {
		clauses = append(clauses, "name LIKE ? ESCAPE '!'")
		args = append(args, "%"+likeEscaper.Replace(c.NamePattern)+"%")
	}
	if c.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, c.Category)
	}
	if len(c.Status) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(c.Status))+")")
		for _, s := range c.Status {
			args = append(args, s)
		}
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY due_date ASC, id ASC LIMIT 1`
	return scanTask(r.DB.QueryRowContext(ctx, query, args...))
}

func (r Repo) ListTasks(ctx context.Context, dealID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE deal_id=? ORDER BY due_date ASC, position ASC`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		edges, err := r.ListTaskEdges(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Resolved = edges
	}
	return res, nil
}

func (r Repo) ListTaskEdges(ctx context.Context, taskID string) ([]domain.DependencyEdge, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT dep_type,COALESCE(target_id,''),COALESCE(milestone,''),relationship,lag_days FROM task_dependencies WHERE task_id=? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DependencyEdge
	for rows.Next() {
		var e domain.DependencyEdge
		var typ string
		if err := rows.Scan(&typ, &e.TargetID, &e.Milestone, &e.Relationship, &e.LagDays); err != nil {
			return nil, err
		}
		e.Type = domain.DependencyType(typ)
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertGenerationLog(ctx context.Context, q Querier, g domain.GenerationLog) error {
	var warnings any
	if len(g.Warnings) > 0 {
		b, err := json.Marshal(g.Warnings)
		if err != nil {
			return err
		}
		warnings = string(b)
	}
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO task_generation_log(id,deal_id,template_id,actor_id,task_count,warnings_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		g.ID, g.DealID, g.TemplateID, g.ActorID, g.TaskCount, warnings, g.CreatedAt)
	return err
}

func (r Repo) CountTasks(ctx context.Context, dealID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE deal_id=?`, dealID).Scan(&n)
	return n, err
}
