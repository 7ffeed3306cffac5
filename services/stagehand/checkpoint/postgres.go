// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS stagehand_checkpoints (
	run_id       TEXT PRIMARY KEY,
	work_context TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	body         JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS stagehand_checkpoints_context_idx
	ON stagehand_checkpoints (work_context, updated_at DESC);
`

// PostgresStore keeps checkpoints in PostgreSQL so several coordinator
// processes can share recovery state.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to url, verifies the connection and creates the
// checkpoint table if needed. The returned store owns the pool.
func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: database url must not be empty", ErrInvalidInput)
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate checkpoint table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

// Save implements Store.
func (p *PostgresStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := prepare(cp); err != nil {
		return err
	}
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO stagehand_checkpoints (run_id, work_context, status, updated_at, body)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO UPDATE SET
			work_context = EXCLUDED.work_context,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at,
			body = EXCLUDED.body`,
		cp.RunID, cp.WorkContext, string(cp.Status), cp.UpdatedAt, body,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.RunID, err)
	}
	return nil
}

func decodeRow(body []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(body, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := cp.Verify(); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (p *PostgresStore) queryOne(ctx context.Context, notFound string, sql string, args ...any) (*Checkpoint, error) {
	var body []byte
	err := p.pool.QueryRow(ctx, sql, args...).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, notFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	return decodeRow(body)
}

// Load implements Store.
func (p *PostgresStore) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	return p.queryOne(ctx, "run "+runID,
		`SELECT body FROM stagehand_checkpoints WHERE run_id = $1`, runID)
}

// Latest implements Store.
func (p *PostgresStore) Latest(ctx context.Context, workContext string) (*Checkpoint, error) {
	return p.queryOne(ctx, "work context "+workContext, `
		SELECT body FROM stagehand_checkpoints
		WHERE work_context = $1
		ORDER BY updated_at DESC
		LIMIT 1`, workContext)
}

// ListActive implements Store.
func (p *PostgresStore) ListActive(ctx context.Context) ([]*Checkpoint, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT ON (CASE WHEN work_context = '' THEN 'run:' || run_id ELSE work_context END) body
		FROM stagehand_checkpoints
		ORDER BY CASE WHEN work_context = '' THEN 'run:' || run_id ELSE work_context END, updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var latest []*Checkpoint
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp, err := decodeRow(body)
		if err != nil {
			continue
		}
		latest = append(latest, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return activeOf(latest), nil
}

// Delete implements Store.
func (p *PostgresStore) Delete(ctx context.Context, runID string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM stagehand_checkpoints WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", runID, err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
