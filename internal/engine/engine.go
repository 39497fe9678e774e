package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/config"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/engine/auth"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/events"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/logging"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/notify"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Auth     auth.Checker
	Notifier notify.Dispatcher
	Logger   *slog.Logger
	Now      func() time.Time
	// StageComplete reports whether a deal met the exit criteria of its
	// current stage. Nil means every stage is complete.
	StageComplete func(ctx context.Context, deal domain.Deal) (bool, error)
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	perm := ""
	if cfg != nil {
		perm = cfg.Permissions.EditPermission
	}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Config: cfg,
		Auth:   auth.Service{Repo: r, EditPermission: perm},
		Logger: logging.Discard(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logging.Discard()
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.DB == nil {
		w.DB = e.DB
	}
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// notifier returns the configured dispatcher, or the one the config describes.
func (e Engine) notifier() notify.Dispatcher {
	if e.Notifier != nil {
		return e.Notifier
	}
	return notify.FromConfig(e.Config, e.Repo, e.log(), e.now)
}

// DealCreateOptions are parameters for creating a deal.
type DealCreateOptions struct {
	ID                string
	Name              string
	Stage             string
	Amount            decimal.Decimal
	Probability       int
	AssignedUserID    string
	AccountID         string
	Description       string
	ExpectedCloseDate *time.Time
	Fields            map[string]string
	ActorID           string
}

// CreateDeal inserts a deal in the initial stage unless another stage is given.
func (e Engine) CreateDeal(ctx context.Context, opts DealCreateOptions) (domain.Deal, error) {
	if e.Config == nil {
		return domain.Deal{}, errors.New("config not loaded")
	}
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Deal{}, errors.New("name is required")
	}
	if opts.Probability < 0 || opts.Probability > 100 {
		return domain.Deal{}, errors.New("probability must be within 0..100")
	}
	stageKey := opts.Stage
	if stageKey == "" {
		stageKey = e.Config.Pipeline.InitialStage
	}
	stage, ok := e.Config.Stage(stageKey)
	if !ok {
		return domain.Deal{}, fmt.Errorf("unknown stage %s", stageKey)
	}
	now := e.now().UTC()
	d := domain.Deal{
		ID:                opts.ID,
		Name:              opts.Name,
		Stage:             stage.Key,
		SalesStage:        stage.LegacyStatus,
		StageEnteredAt:    &now,
		Amount:            opts.Amount,
		Probability:       opts.Probability,
		AssignedUserID:    opts.AssignedUserID,
		AccountID:         opts.AccountID,
		Description:       opts.Description,
		ExpectedCloseDate: opts.ExpectedCloseDate,
		Fields:            opts.Fields,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deal{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDeal(ctx, tx, d); err != nil {
		return domain.Deal{}, fmt.Errorf("insert deal: %w", err)
	}
	if err := e.events().Append(ctx, tx, "deal.create", "deal", d.ID, opts.ActorID, events.EventPayload{"stage": d.Stage}); err != nil {
		return domain.Deal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Deal{}, err
	}
	return d, nil
}

// SetDealFields merges free-form business fields (approval flags and the like) into the deal.
// An empty value removes the field. The stage is never touched here.
func (e Engine) SetDealFields(ctx context.Context, dealID string, fields map[string]string, actorID string) (domain.Deal, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deal{}, err
	}
	defer tx.Rollback()
	d, err := e.Repo.GetDeal(ctx, tx, dealID)
	if err != nil {
		return domain.Deal{}, err
	}
	if d.Fields == nil {
		d.Fields = map[string]string{}
	}
	changed := make([]string, 0, len(fields))
	for k, v := range fields {
		if v == "" {
			delete(d.Fields, k)
		} else {
			d.Fields[k] = v
		}
		changed = append(changed, k)
	}
	d.UpdatedAt = e.now().UTC()
	if err := e.Repo.SaveDeal(ctx, tx, d); err != nil {
		return domain.Deal{}, err
	}
	if err := e.events().Append(ctx, tx, "deal.fields", "deal", d.ID, actorID, events.EventPayload{"fields": changed}); err != nil {
		return domain.Deal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Deal{}, err
	}
	return d, nil
}

// DealEvents returns the event log of a deal, oldest first.
func (e Engine) DealEvents(ctx context.Context, dealID string, limit int) ([]domain.Event, error) {
	if _, err := e.Repo.GetDeal(ctx, nil, dealID); err != nil {
		return nil, err
	}
	return e.events().List(ctx, "deal", dealID, limit)
}
