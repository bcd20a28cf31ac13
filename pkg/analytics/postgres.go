package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxwire/voxwire/pkg/core/call"
)

const insertRecordSQL = `
INSERT INTO call_records
	(call_id, started_at, ended_at, reason, checkin_count, node_path, variables, transcript)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (call_id) DO NOTHING`

// PostgresSink persists records into the call_records table. The table is
// provisioned out of band; this sink only inserts.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects a pool from the given DSN and verifies the
// connection before returning.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("analytics: connect postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("analytics: ping postgres: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

// transcriptRow is the JSON shape stored per turn.
type transcriptRow struct {
	User        string    `json:"user,omitempty"`
	Agent       string    `json:"agent,omitempty"`
	NodeID      string    `json:"node_id"`
	Interrupted bool      `json:"interrupted,omitempty"`
	Timestamp   time.Time `json:"ts"`
}

// Write implements Sink.
func (s *PostgresSink) Write(ctx context.Context, rec call.Record) error {
	rows := make([]transcriptRow, 0, len(rec.Transcript))
	for _, t := range rec.Transcript {
		rows = append(rows, transcriptRow{
			User:        t.UserText,
			Agent:       t.AgentText,
			NodeID:      t.NodeID,
			Interrupted: t.Interrupted,
			Timestamp:   t.Timestamp,
		})
	}
	transcript, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("analytics: encode transcript: %w", err)
	}
	variables, err := json.Marshal(rec.Variables)
	if err != nil {
		return fmt.Errorf("analytics: encode variables: %w", err)
	}

	_, err = s.pool.Exec(ctx, insertRecordSQL,
		rec.CallID,
		rec.StartedAt,
		rec.EndedAt,
		rec.Reason.String(),
		rec.CheckinCount,
		rec.NodePath,
		variables,
		transcript,
	)
	if err != nil {
		return fmt.Errorf("analytics: insert record %s: %w", rec.CallID, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresSink) Close() {
	s.pool.Close()
}
