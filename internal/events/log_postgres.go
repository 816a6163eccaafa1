package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PostgresLog persists events to an append-only table.
//
// Assumed schema:
//
//	CREATE TABLE event_log (
//	  id          TEXT PRIMARY KEY,
//	  category    TEXT NOT NULL,
//	  type        TEXT NOT NULL,
//	  priority    INT  NOT NULL,
//	  occurred_at TIMESTAMPTZ NOT NULL,
//	  org_id      TEXT, campaign_id TEXT, agent_id TEXT, user_id TEXT, call_id TEXT,
//	  rooms       TEXT NOT NULL,
//	  payload     JSONB,
//	  metadata    JSONB
//	);
type PostgresLog struct {
	db *sql.DB
}

func NewPostgresLog(db *sql.DB) *PostgresLog { return &PostgresLog{db: db} }

func (l *PostgresLog) Append(ctx context.Context, ev Event) error {
	var payload, metadata []byte
	var err error
	if ev.Payload != nil {
		payload, err = json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("events: marshal payload: %w", err)
		}
	}
	if len(ev.Metadata) > 0 {
		metadata, err = json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("events: marshal metadata: %w", err)
		}
	}

	const q = `
INSERT INTO event_log (
  id, category, type, priority, occurred_at,
  org_id, campaign_id, agent_id, user_id, call_id,
  rooms, payload, metadata
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
`
	_, err = l.db.ExecContext(ctx, q,
		ev.ID,
		string(ev.Category),
		ev.Type,
		int(ev.Priority),
		ev.Timestamp,
		nullable(ev.OrgID),
		nullable(ev.CampaignID),
		nullable(ev.AgentID),
		nullable(ev.UserID),
		nullable(ev.CallID),
		strings.Join(ev.Rooms, ","),
		nullableBytes(payload),
		nullableBytes(metadata),
	)
	return err
}

func (l *PostgresLog) List(ctx context.Context, since time.Time, limit int) ([]Event, error) {
	q := `
SELECT id, category, type, priority, occurred_at,
       COALESCE(org_id,''), COALESCE(campaign_id,''), COALESCE(agent_id,''),
       COALESCE(user_id,''), COALESCE(call_id,''),
       rooms, payload, metadata
FROM event_log
WHERE occurred_at >= $1
ORDER BY occurred_at ASC
`
	args := []any{since}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var category, rooms string
		var priority int
		var payload, metadata []byte
		if err := rows.Scan(
			&ev.ID, &category, &ev.Type, &priority, &ev.Timestamp,
			&ev.OrgID, &ev.CampaignID, &ev.AgentID, &ev.UserID, &ev.CallID,
			&rooms, &payload, &metadata,
		); err != nil {
			return nil, err
		}
		ev.Category = Category(category)
		ev.Priority = Priority(priority)
		if rooms != "" {
			ev.Rooms = strings.Split(rooms, ",")
		}
		if len(payload) > 0 {
			p, err := decodePayload(ev.Category, payload)
			if err != nil {
				return nil, err
			}
			ev.Payload = p
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// decodePayload restores the typed payload for a category.
func decodePayload(c Category, raw []byte) (Payload, error) {
	var p Payload
	switch c {
	case CategoryCall:
		p = &CallPayload{}
	case CategoryAgent:
		p = &AgentPayload{}
	case CategoryCampaign:
		p = &CampaignPayload{}
	case CategoryQueue:
		p = &QueuePayload{}
	case CategorySystem:
		p = &SystemPayload{}
	case CategoryKPI:
		p = &KPIPayload{}
	case CategoryFlow:
		p = &FlowPayload{}
	case CategoryDisposition:
		p = &DispositionPayload{}
	default:
		return nil, fmt.Errorf("events: cannot decode payload for category %q", c)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, err
	}
	return derefPayload(p), nil
}

func derefPayload(p Payload) Payload {
	switch v := p.(type) {
	case *CallPayload:
		return *v
	case *AgentPayload:
		return *v
	case *CampaignPayload:
		return *v
	case *QueuePayload:
		return *v
	case *SystemPayload:
		return *v
	case *KPIPayload:
		return *v
	case *FlowPayload:
		return *v
	case *DispositionPayload:
		return *v
	default:
		return p
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
