package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/packfarm/packfarm/internal/domain"
	"github.com/packfarm/packfarm/internal/repo"
)

type ArtifactStore struct {
	db DB
}

const (
	insertArtifactQuery = `INSERT INTO published_artifacts (
		artifact_id,
		name,
		version,
		release,
		content_digest,
		job_id,
		published_at,
		doc
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT DO NOTHING
	RETURNING doc`

	selectArtifactByJobDigestQuery = `SELECT doc FROM published_artifacts WHERE job_id = $1 AND content_digest = $2`

	selectArtifactByIdentityQuery = `SELECT doc FROM published_artifacts WHERE name = $1 AND version = $2 AND release = $3`

	selectArtifactQuery = `SELECT doc FROM published_artifacts WHERE artifact_id = $1`

	listArtifactsQuery = `SELECT doc FROM published_artifacts
	 WHERE ($1 = '' OR name = $1)
	   AND ($2 = '' OR version = $2)
	   AND ($3 = 0 OR release = $3)
	 ORDER BY published_at DESC, artifact_id ASC
	 LIMIT $4`

	listLatestArtifactsQuery = `SELECT doc FROM (
		SELECT DISTINCT ON (name) doc, published_at, artifact_id FROM published_artifacts
		 WHERE ($1 = '' OR name = $1)
		   AND ($2 = '' OR version = $2)
		   AND ($3 = 0 OR release = $3)
		 ORDER BY name, release DESC, published_at DESC
	) latest
	 ORDER BY published_at DESC, artifact_id ASC
	 LIMIT $4`
)

func NewArtifactStore(db DB) *ArtifactStore {
	if db == nil {
		return nil
	}
	return &ArtifactStore{db: db}
}

func (s *ArtifactStore) InsertArtifact(ctx context.Context, a domain.PublishedArtifact) (domain.PublishedArtifact, bool, error) {
	if s == nil || s.db == nil {
		return domain.PublishedArtifact{}, false, fmt.Errorf("artifact store not initialized")
	}
	if strings.TrimSpace(a.JobID) == "" || a.ContentDigest == "" {
		return domain.PublishedArtifact{}, false, fmt.Errorf("job id and content digest are required")
	}
	if strings.TrimSpace(a.ID) == "" {
		a.ID = uuid.NewString()
	}
	a.PublishedAt = normalizeTime(a.PublishedAt)

	doc, err := json.Marshal(a)
	if err != nil {
		return domain.PublishedArtifact{}, false, fmt.Errorf("encode artifact: %w", err)
	}

	inserted, err := scanArtifact(s.db.QueryRowContext(
		ctx,
		insertArtifactQuery,
		a.ID,
		a.Name,
		a.Version,
		a.Release,
		a.ContentDigest.String(),
		a.JobID,
		a.PublishedAt,
		doc,
	))
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.PublishedArtifact{}, false, fmt.Errorf("insert artifact: %w", err)
	}

	existing, err := scanArtifact(s.db.QueryRowContext(ctx, selectArtifactByJobDigestQuery, a.JobID, a.ContentDigest.String()))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.PublishedArtifact{}, false, err
	}
	existing, err = scanArtifact(s.db.QueryRowContext(ctx, selectArtifactByIdentityQuery, a.Name, a.Version, a.Release))
	if err != nil {
		return domain.PublishedArtifact{}, false, err
	}
	if existing.ContentDigest == a.ContentDigest {
		return existing, false, nil
	}
	return domain.PublishedArtifact{}, false, fmt.Errorf("%w: %s-%s-%d already published with %s", repo.ErrConflict, a.Name, a.Version, a.Release, existing.ContentDigest)
}

func (s *ArtifactStore) GetArtifact(ctx context.Context, id string) (domain.PublishedArtifact, error) {
	if s == nil || s.db == nil {
		return domain.PublishedArtifact{}, fmt.Errorf("artifact store not initialized")
	}
	return scanArtifact(s.db.QueryRowContext(ctx, selectArtifactQuery, strings.TrimSpace(id)))
}

func (s *ArtifactStore) ListArtifacts(ctx context.Context, filter repo.ArtifactFilter) ([]domain.PublishedArtifact, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("artifact store not initialized")
	}
	query := listArtifactsQuery
	if filter.Latest {
		query = listLatestArtifactsQuery
	}
	rows, err := s.db.QueryContext(ctx, query, strings.TrimSpace(filter.Name), strings.TrimSpace(filter.Version), filter.Release, repo.ClampLimit(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	out := make([]domain.PublishedArtifact, 0)
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return out, nil
}

func scanArtifact(scanner rowScanner) (domain.PublishedArtifact, error) {
	var doc []byte
	if err := scanner.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PublishedArtifact{}, repo.ErrNotFound
		}
		return domain.PublishedArtifact{}, err
	}
	var a domain.PublishedArtifact
	if err := json.Unmarshal(doc, &a); err != nil {
		return domain.PublishedArtifact{}, fmt.Errorf("decode artifact: %w", err)
	}
	return a, nil
}
