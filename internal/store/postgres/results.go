package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
	"github.com/synergy-network/synergy-node/internal/models"
	"github.com/synergy-network/synergy-node/internal/store"
)

// ResultStore implements store.ResultStore on the committed_results table.
type ResultStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *ResultStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// ApplyCommittedResult inserts r unless (cluster_id, sequence) already
// exists. An existing row with another digest is reported as a conflict.
func (s *ResultStore) ApplyCommittedResult(ctx context.Context, r *models.CommittedResult) (bool, error) {
	query := `
		INSERT INTO committed_results (cluster_id, sequence, view, digest, content, voters, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (cluster_id, sequence) DO NOTHING`

	res, err := s.conn().ExecContext(ctx, query,
		r.ClusterID,
		int64(r.Sequence),
		int64(r.View),
		r.Digest,
		r.Content,
		pq.Array(r.Voters),
		r.CommittedAt,
	)
	if err != nil {
		return false, fmt.Errorf("applying result %s/%d: %w", r.ClusterID, r.Sequence, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	existing, err := s.GetCommittedResult(ctx, r.ClusterID, r.Sequence)
	if err != nil {
		return false, err
	}
	if existing.Digest != r.Digest {
		s.logger.Error("conflicting committed result",
			"cluster_id", r.ClusterID,
			"sequence", r.Sequence,
			"stored_digest", existing.Digest,
			"digest", r.Digest,
		)
		return false, fmt.Errorf("%w: cluster %s sequence %d", store.ErrConflictingResult, r.ClusterID, r.Sequence)
	}
	return false, nil
}

// GetCommittedResult returns one committed result.
func (s *ResultStore) GetCommittedResult(ctx context.Context, clusterID string, sequence uint64) (*models.CommittedResult, error) {
	query := `
		SELECT cluster_id, sequence, view, digest, content, voters, committed_at
		FROM committed_results
		WHERE cluster_id = $1 AND sequence = $2`

	r, err := scanResult(s.conn().QueryRowContext(ctx, query, clusterID, int64(sequence)))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("result %s/%d", clusterID, sequence))
	}
	return r, nil
}

// ListCommittedResults returns results of clusterID newest first.
func (s *ResultStore) ListCommittedResults(ctx context.Context, clusterID string, limit int) ([]*models.CommittedResult, error) {
	query := `
		SELECT cluster_id, sequence, view, digest, content, voters, committed_at
		FROM committed_results
		WHERE cluster_id = $1
		ORDER BY sequence DESC`
	args := []any{clusterID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing results of %s: %w", clusterID, err)
	}
	defer rows.Close()

	var out []*models.CommittedResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating results: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*models.CommittedResult, error) {
	var (
		r      models.CommittedResult
		seq    int64
		view   int64
		voters pq.StringArray
	)
	if err := row.Scan(&r.ClusterID, &seq, &view, &r.Digest, &r.Content, &voters, &r.CommittedAt); err != nil {
		return nil, err
	}
	r.Sequence = uint64(seq)
	r.View = uint64(view)
	r.Voters = []string(voters)
	r.CommittedAt = r.CommittedAt.UTC()
	return &r, nil
}
