package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"classboard/internal/domain"
)

// Repo persists client-side state in the workspace database.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

const currentSessionID = "current"

// Snapshot kinds.
const (
	KindTask        = "task"
	KindHelpRequest = "help_request"
)

// Session is the stored login.
type Session struct {
	ID        string       `json:"id"`
	Token     string       `json:"-"`
	Username  string       `json:"username,omitempty"`
	User      *domain.User `json:"user,omitempty"`
	CreatedAt string       `json:"created_at"`
	UpdatedAt string       `json:"updated_at"`
}

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// SaveSession stores the current credential, replacing any previous one.
func (r Repo) SaveSession(ctx context.Context, s Session) error {
	if strings.TrimSpace(s.Token) == "" {
		return fmt.Errorf("session token required")
	}
	var userJSON any
	if s.User != nil {
		b, err := json.Marshal(s.User)
		if err != nil {
			return fmt.Errorf("marshal user: %w", err)
		}
		userJSON = string(b)
	}
	if s.ID == "" {
		s.ID = currentSessionID
	}
	now := r.now()
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sessions(id,token,username,user_json,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET token=excluded.token, username=excluded.username, user_json=excluded.user_json, updated_at=excluded.updated_at`,
		s.ID, s.Token, nullable(s.Username), userJSON, now, now)
	return err
}

// LoadSession returns the stored credential or ErrNotFound.
func (r Repo) LoadSession(ctx context.Context) (Session, error) {
	var s Session
	var username, userJSON sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,token,username,user_json,created_at,updated_at FROM sessions WHERE id=?`, currentSessionID).
		Scan(&s.ID, &s.Token, &username, &userJSON, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Username = username.String
	if userJSON.Valid && userJSON.String != "" {
		var u domain.User
		if err := json.Unmarshal([]byte(userJSON.String), &u); err != nil {
			return s, fmt.Errorf("decode stored user: %w", err)
		}
		s.User = &u
	}
	return s, nil
}

// ClearSession forgets the stored credential. Clearing twice is not an error.
func (r Repo) ClearSession(ctx context.Context) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, currentSessionID)
	return err
}

// ReplaceSnapshot stores the full collection of one kind.
func (r Repo) ReplaceSnapshot(ctx context.Context, kind string, items map[int64]any) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE kind=?`, kind); err != nil {
		return err
	}
	now := r.now()
	for id, item := range items {
		b, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal %s %d: %w", kind, id, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO snapshots(kind,entity_id,payload_json,updated_at) VALUES (?,?,?,?)`,
			kind, id, string(b), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r Repo) loadSnapshot(ctx context.Context, kind string, fn func([]byte) error) error {
	rows, err := r.DB.QueryContext(ctx, `SELECT payload_json FROM snapshots WHERE kind=? ORDER BY entity_id`, kind)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return err
		}
		if err := fn([]byte(payload)); err != nil {
			return fmt.Errorf("decode %s snapshot: %w", kind, err)
		}
	}
	return rows.Err()
}

func (r Repo) SaveTasks(ctx context.Context, tasks []domain.Task) error {
	items := make(map[int64]any, len(tasks))
	for _, t := range tasks {
		items[t.ID] = t
	}
	return r.ReplaceSnapshot(ctx, KindTask, items)
}

func (r Repo) LoadTasks(ctx context.Context) ([]domain.Task, error) {
	var out []domain.Task
	err := r.loadSnapshot(ctx, KindTask, func(b []byte) error {
		var t domain.Task
		if err := json.Unmarshal(b, &t); err != nil {
			return err
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

func (r Repo) SaveHelpRequests(ctx context.Context, hrs []domain.HelpRequest) error {
	items := make(map[int64]any, len(hrs))
	for _, hr := range hrs {
		items[hr.ID] = hr
	}
	return r.ReplaceSnapshot(ctx, KindHelpRequest, items)
}

func (r Repo) LoadHelpRequests(ctx context.Context) ([]domain.HelpRequest, error) {
	var out []domain.HelpRequest
	err := r.loadSnapshot(ctx, KindHelpRequest, func(b []byte) error {
		var hr domain.HelpRequest
		if err := json.Unmarshal(b, &hr); err != nil {
			return err
		}
		out = append(out, hr)
		return nil
	})
	return out, err
}

// LatestEvents lists journaled stream events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, evtType, entityKind, entityID)
}

// LatestEventsFrom is LatestEvents starting at beforeID (inclusive) when it is
// positive.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, beforeID int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if beforeID > 0 {
		clauses = append(clauses, "id<=?")
		args = append(args, beforeID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter lists journaled events with id greater than afterID, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),COALESCE(payload_json,'{}') FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the newest journal id, or 0 for an empty journal.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
