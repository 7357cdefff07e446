package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Writer appends received stream events to the workspace journal.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, evtType, entityKind, entityID string, payload json.RawMessage) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	data := "{}"
	if len(payload) > 0 && json.Valid(payload) {
		data = string(payload)
	}
	_, err := w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), data)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
