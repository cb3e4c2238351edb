package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/packfarm/packfarm/internal/domain"
)

type BuilderStore struct {
	db DB
}

const (
	upsertBuilderQuery = `INSERT INTO builders (builder_id, endpoint, busy, last_seen_at)
	 VALUES ($1,$2,$3,$4)
	 ON CONFLICT (builder_id) DO UPDATE SET
		endpoint = EXCLUDED.endpoint,
		busy = EXCLUDED.busy,
		last_seen_at = GREATEST(builders.last_seen_at, EXCLUDED.last_seen_at)`

	listBuildersQuery = `SELECT builder_id, endpoint, busy, last_seen_at FROM builders ORDER BY builder_id ASC`
)

func NewBuilderStore(db DB) *BuilderStore {
	if db == nil {
		return nil
	}
	return &BuilderStore{db: db}
}

func (s *BuilderStore) UpsertBuilder(ctx context.Context, b domain.BuilderInfo) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("builder store not initialized")
	}
	if strings.TrimSpace(b.ID) == "" || strings.TrimSpace(b.Endpoint) == "" {
		return fmt.Errorf("builder id and endpoint are required")
	}
	if _, err := s.db.ExecContext(ctx, upsertBuilderQuery, b.ID, b.Endpoint, b.Busy, normalizeTime(b.LastSeenAt)); err != nil {
		return fmt.Errorf("upsert builder: %w", err)
	}
	return nil
}

func (s *BuilderStore) ListBuilders(ctx context.Context) ([]domain.BuilderInfo, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("builder store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listBuildersQuery)
	if err != nil {
		return nil, fmt.Errorf("list builders: %w", err)
	}
	defer rows.Close()

	out := make([]domain.BuilderInfo, 0)
	for rows.Next() {
		var b domain.BuilderInfo
		if err := rows.Scan(&b.ID, &b.Endpoint, &b.Busy, &b.LastSeenAt); err != nil {
			return nil, err
		}
		b.LastSeenAt = b.LastSeenAt.UTC()
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list builders: %w", err)
	}
	return out, nil
}
