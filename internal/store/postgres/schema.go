package postgres

import (
	"context"
	"fmt"
)

// schema is applied on connect. Every statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS component_snapshots (
	kind       VARCHAR(32)  NOT NULL,
	scope      VARCHAR(255) NOT NULL DEFAULT '',
	data       BYTEA        NOT NULL,
	updated_at TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
	PRIMARY KEY (kind, scope)
);

CREATE TABLE IF NOT EXISTS committed_results (
	cluster_id   VARCHAR(255) NOT NULL,
	sequence     BIGINT       NOT NULL,
	view         BIGINT       NOT NULL,
	digest       VARCHAR(64)  NOT NULL,
	content      BYTEA        NOT NULL,
	voters       TEXT[]       NOT NULL DEFAULT '{}',
	committed_at TIMESTAMPTZ  NOT NULL,
	UNIQUE (cluster_id, sequence)
);

CREATE TABLE IF NOT EXISTS task_queue (
	id          VARCHAR(255) PRIMARY KEY,
	job_data    JSONB        NOT NULL,
	priority    INTEGER      NOT NULL DEFAULT 5,
	status      VARCHAR(20)  NOT NULL DEFAULT 'pending',
	retry_count INTEGER      NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_task_queue_pending ON task_queue(status, priority DESC, created_at);
`

// Migrate applies the schema to db.
func Migrate(ctx context.Context, db queryable) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}
