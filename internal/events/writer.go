package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Writer appends durable event records. Append must run inside the same
// transaction as the state mutation it records: either both commit or
// neither does.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event row and returns its proof reference (tx_ref).
func (w Writer) Append(ctx context.Context, tx *sql.Tx, kind string, circleID int64, entityKind, entityID, actor string, payload EventPayload) (string, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}
	ref := uuid.NewString()
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ref,ts,kind,circle_id,entity_kind,entity_id,actor,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		ref, ts, kind, nullableID(circleID), entityKind, nullable(entityID), actor, string(data))
	if err != nil {
		return "", err
	}
	return ref, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
