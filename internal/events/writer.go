package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/repo"
)

// Writer appends rows to the events table. Events are never updated.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event with q, which may be a tx or nil for the writer's DB.
func (w Writer) Append(ctx context.Context, q repo.Querier, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if q == nil {
		q = w.DB
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO events(id,ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		uuid.NewString(), repo.FormatTime(w.Now()), evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

// List returns events for an entity, oldest first. An empty entityID lists every event of the kind.
func (w Writer) List(ctx context.Context, entityKind, entityID string, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(payload_json,'') FROM events WHERE entity_kind=?`
	args := []any{entityKind}
	if entityID != "" {
		query += " AND entity_id=?"
		args = append(args, entityID)
	}
	query += " ORDER BY ts ASC, id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
