package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
)

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	if u.ID == "" {
		return errors.New("user id required")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,name,email,reports_to_id,created_at) VALUES (?,?,?,?,?)`,
		u.ID, u.Name, nullable(u.Email), nullable(u.ReportsToID), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,COALESCE(email,''),COALESCE(reports_to_id,''),created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.ReportsToID, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(email,''),COALESCE(reports_to_id,''),created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.ReportsToID, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// EnsureRole inserts the role unless it exists.
func (r Repo) EnsureRole(ctx context.Context, id, desc string) error {
	return r.insertIfMissing(ctx,
		`SELECT COUNT(*) FROM roles WHERE id=?`, []any{id},
		`INSERT INTO roles(id, description) VALUES (?,?)`, []any{id, nullable(desc)})
}

func (r Repo) AddRolePermission(ctx context.Context, roleID, permID string) error {
	if err := r.EnsureRole(ctx, roleID, ""); err != nil {
		return err
	}
	return r.insertIfMissing(ctx,
		`SELECT COUNT(*) FROM role_permissions WHERE role_id=? AND permission_id=?`, []any{roleID, permID},
		`INSERT INTO role_permissions(role_id, permission_id) VALUES (?,?)`, []any{roleID, permID})
}

func (r Repo) AssignRole(ctx context.Context, userID, roleID string) error {
	if err := r.EnsureRole(ctx, roleID, ""); err != nil {
		return err
	}
	return r.insertIfMissing(ctx,
		`SELECT COUNT(*) FROM user_roles WHERE user_id=? AND role_id=?`, []any{userID, roleID},
		`INSERT INTO user_roles(user_id, role_id) VALUES (?,?)`, []any{userID, roleID})
}

func (r Repo) RevokeRole(ctx context.Context, userID, roleID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id=? AND role_id=?`, userID, roleID)
	return err
}

func (r Repo) UserRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM user_roles WHERE user_id=? ORDER BY role_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r Repo) UserHasPermission(ctx context.Context, userID, perm string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM user_roles ur
JOIN role_permissions rp ON rp.role_id=ur.role_id
WHERE ur.user_id=? AND rp.permission_id=?`, userID, perm).Scan(&n)
	return n > 0, err
}

// insertIfMissing keeps role tables idempotent on both sqlite and mysql.
func (r Repo) insertIfMissing(ctx context.Context, check string, checkArgs []any, insert string, insertArgs []any) error {
	var n int
	if err := r.DB.QueryRowContext(ctx, check, checkArgs...).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err := r.DB.ExecContext(ctx, insert, insertArgs...)
	return err
}
