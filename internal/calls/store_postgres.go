package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// NOTE: This store assumes the following table exists:
//
// CREATE TABLE calls (
//   id                TEXT PRIMARY KEY,
//   org_id            TEXT NOT NULL,
//   agent_id          TEXT NOT NULL,
//   campaign_id       TEXT NOT NULL,
//   contact_id        TEXT NOT NULL,
//   contact_number    TEXT NOT NULL,
//   queue_entry_id    TEXT,
//   flow_execution_id TEXT,
//   direction         TEXT NOT NULL,
//   state             TEXT NOT NULL,
//   muted             BOOLEAN NOT NULL DEFAULT FALSE,
//   reason            TEXT,
//   outcome           TEXT,
//   notes             TEXT,
//   started_at        TIMESTAMPTZ NOT NULL,
//   connected_at      TIMESTAMPTZ,
//   ended_at          TIMESTAMPTZ,
//   updated_at        TIMESTAMPTZ NOT NULL
// );
// CREATE INDEX calls_pending_outcome_idx ON calls (ended_at) WHERE state = 'ended' AND outcome = '';

// PostgresStore persists calls in postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) Create(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (
  id, org_id, agent_id, campaign_id, contact_id, contact_number,
  queue_entry_id, flow_execution_id, direction, state, muted, reason,
  outcome, notes, started_at, connected_at, ended_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
)
`
	_, err := s.db.ExecContext(ctx, q,
		c.ID,
		c.OrgID,
		c.AgentID,
		c.CampaignID,
		c.ContactID,
		c.ContactNumber,
		c.QueueEntryID,
		c.FlowExecutionID,
		string(c.Direction),
		string(c.State),
		c.Muted,
		c.Reason,
		c.Outcome,
		c.Notes,
		c.StartedAt,
		c.ConnectedAt,
		c.EndedAt,
		c.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Update(ctx context.Context, c Call) error {
	const q = `
UPDATE calls
SET state = $2, muted = $3, reason = $4, outcome = $5, notes = $6,
    flow_execution_id = $7, connected_at = $8, ended_at = $9, updated_at = $10
WHERE id = $1
`
	res, err := s.db.ExecContext(ctx, q,
		c.ID,
		string(c.State),
		c.Muted,
		c.Reason,
		c.Outcome,
		c.Notes,
		c.FlowExecutionID,
		c.ConnectedAt,
		c.EndedAt,
		c.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrCallNotFound, c.ID)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Call, error) {
	const q = `
SELECT id, org_id, agent_id, campaign_id, contact_id, contact_number,
       queue_entry_id, flow_execution_id, direction, state, muted, reason,
       outcome, notes, started_at, connected_at, ended_at, updated_at
FROM calls
WHERE id = $1
`
	c, err := scanCall(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, fmt.Errorf("%w: %s", ErrCallNotFound, id)
		}
		return Call{}, err
	}
	return c, nil
}

func (s *PostgresStore) ListEndedWithoutOutcome(ctx context.Context, endedBefore time.Time) ([]Call, error) {
	const q = `
SELECT id, org_id, agent_id, campaign_id, contact_id, contact_number,
       queue_entry_id, flow_execution_id, direction, state, muted, reason,
       outcome, notes, started_at, connected_at, ended_at, updated_at
FROM calls
WHERE state = 'ended' AND outcome = '' AND ended_at < $1
ORDER BY ended_at
`
	rows, err := s.db.QueryContext(ctx, q, endedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(r rowScanner) (Call, error) {
	var (
		c                    Call
		direction, state     string
		queueEntryID         sql.NullString
		flowExecutionID      sql.NullString
		reason, outcome      sql.NullString
		notes                sql.NullString
		connectedAt, endedAt sql.NullTime
	)
	if err := r.Scan(
		&c.ID,
		&c.OrgID,
		&c.AgentID,
		&c.CampaignID,
		&c.ContactID,
		&c.ContactNumber,
		&queueEntryID,
		&flowExecutionID,
		&direction,
		&state,
		&c.Muted,
		&reason,
		&outcome,
		&notes,
		&c.StartedAt,
		&connectedAt,
		&endedAt,
		&c.UpdatedAt,
	); err != nil {
		return Call{}, err
	}
	c.Direction = Direction(direction)
	c.State = State(state)
	c.QueueEntryID = queueEntryID.String
	c.FlowExecutionID = flowExecutionID.String
	c.Reason = reason.String
	c.Outcome = outcome.String
	c.Notes = notes.String
	if connectedAt.Valid {
		t := connectedAt.Time
		c.ConnectedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		c.EndedAt = &t
	}
	return c, nil
}
