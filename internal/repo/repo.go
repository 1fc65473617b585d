package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"atsforge/internal/domain"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Repo wraps the sqlite connection for audit and credential storage.
type Repo struct {
	DB *sql.DB
}

// InsertGeneration records the audit metadata of one request.
func (r Repo) InsertGeneration(ctx context.Context, tx *sql.Tx, g domain.Generation) error {
	if g.ID == "" {
		return errors.New("id required")
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO generations(id,ts,actor_id,company,decision,trigger_count,decision_hint,draft_source,briefs_applied)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		g.ID, g.TS, g.ActorID, nullable(g.Company), g.Decision, g.TriggerCount, g.DecisionHint, g.DraftSource, g.BriefsApplied)
	if err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

// GetGeneration returns one audit record by id.
func (r Repo) GetGeneration(ctx context.Context, id string) (domain.Generation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,ts,actor_id,COALESCE(company,''),decision,trigger_count,decision_hint,draft_source,briefs_applied
		FROM generations WHERE id=?`, id)
	var g domain.Generation
	err := row.Scan(&g.ID, &g.TS, &g.ActorID, &g.Company, &g.Decision, &g.TriggerCount, &g.DecisionHint, &g.DraftSource, &g.BriefsApplied)
	if err == sql.ErrNoRows {
		return domain.Generation{}, ErrNotFound
	}
	if err != nil {
		return domain.Generation{}, err
	}
	return g, nil
}

// ListGenerations returns recent audit records, newest first.
func (r Repo) ListGenerations(ctx context.Context, limit int) ([]domain.Generation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,actor_id,COALESCE(company,''),decision,trigger_count,decision_hint,draft_source,briefs_applied
		FROM generations ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Generation
	for rows.Next() {
		var g domain.Generation
		if err := rows.Scan(&g.ID, &g.TS, &g.ActorID, &g.Company, &g.Decision, &g.TriggerCount, &g.DecisionHint, &g.DraftSource, &g.BriefsApplied); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListEvents returns audit events after the cursor id, oldest first.
func (r Repo) ListEvents(ctx context.Context, limit int, cursor string) ([]domain.Event, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	after := int64(0)
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor %q", cursor)
		}
		after = v
	}
	items, err := r.EventsAfter(ctx, limit, after)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(items) == limit {
		next = strconv.FormatInt(items[len(items)-1].ID, 10)
	}
	return items, next, nil
}

// EventsAfter returns up to limit events with id greater than after.
func (r Repo) EventsAfter(ctx context.Context, limit int, after int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,actor_id,COALESCE(entity_id,''),payload_json
		FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ActorID, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestEventID returns the id of the newest event, or 0.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
