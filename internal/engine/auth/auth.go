package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/repo"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Checker answers the two questions stage validation asks about an actor.
type Checker interface {
	HasCapability(ctx context.Context, userID string, deal domain.Deal, action string) (bool, error)
	HasRole(ctx context.Context, userID string, roles []string) (bool, error)
}

const ActionEdit = "edit"

// Service provides RBAC checks backed by SQL.
type Service struct {
	Repo repo.Repo
	// EditPermission is the permission id that grants edit on any deal.
	EditPermission string
}

// HasCapability grants every action to the deal's assigned user. Other users
// need the matching permission through one of their roles.
func (s Service) HasCapability(ctx context.Context, userID string, deal domain.Deal, action string) (bool, error) {
	if userID == "" {
		return false, errors.New("user id required")
	}
	if deal.AssignedUserID != "" && deal.AssignedUserID == userID {
		return true, nil
	}
	return s.Repo.UserHasPermission(ctx, userID, s.permission(action))
}

func (s Service) HasRole(ctx context.Context, userID string, roles []string) (bool, error) {
	if len(roles) == 0 {
		return true, nil
	}
	held, err := s.Repo.UserRoles(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, h := range held {
		for _, want := range roles {
			if h == want {
				return true, nil
			}
		}
	}
	return false, nil
}

// Require returns ForbiddenError unless the user holds perm.
func (s Service) Require(ctx context.Context, userID, perm string) error {
	ok, err := s.Repo.UserHasPermission(ctx, userID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

func (s Service) permission(action string) string {
	if action == ActionEdit && s.EditPermission != "" {
		return s.EditPermission
	}
	return "deal." + action
}

// Static is a fixed-answer Checker for tools and tests.
type Static struct {
	Capable bool
	Roles   []string
}

func (s Static) HasCapability(context.Context, string, domain.Deal, string) (bool, error) {
	return s.Capable, nil
}

func (s Static) HasRole(_ context.Context, _ string, roles []string) (bool, error) {
	if len(roles) == 0 {
		return true, nil
	}
	for _, h := range s.Roles {
		for _, want := range roles {
			if h == want {
				return true, nil
			}
		}
	}
	return false, nil
}
