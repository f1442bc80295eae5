package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"hybridrag/internal/ids"
)

// pgUniqueViolation is the Postgres SQLSTATE for a unique-key conflict.
const pgUniqueViolation = "23505"

// PGVector is a Postgres-backed Index using the pgvector extension,
// an alternate to the embedded HNSW index for deployments that already
// run Postgres for the Chunk Store and want a single datastore.
type PGVector struct {
	pool       *pgxpool.Pool
	dimensions int
	metric     string // "l2" | "cos"
}

// NewPGVector opens (and, if needed, creates) the embeddings table for an
// existing pool. The caller owns the pool's lifecycle.
func NewPGVector(ctx context.Context, pool *pgxpool.Pool, dimensions int, metric string) (*PGVector, error) {
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return nil, fmt.Errorf("pgvector: create extension: %w", err)
	}
	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS chunk_embeddings (
  chunk_id TEXT PRIMARY KEY,
  embedding vector(%d) NOT NULL
)`, dimensions)
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return nil, fmt.Errorf("pgvector: create table: %w", err)
	}
	return &PGVector{pool: pool, dimensions: dimensions, metric: strings.ToLower(strings.TrimSpace(metric))}, nil
}

func (p *PGVector) AddChunks(ctx context.Context, vectors []ChunkVector) error {
	if len(vectors) == 0 {
		return nil
	}
	idStrs := make([]string, len(vectors))
	for i, cv := range vectors {
		if len(cv.Vector) != p.dimensions {
			return ErrDimensionMismatch{Expected: p.dimensions, Got: len(cv.Vector)}
		}
		idStrs[i] = cv.ChunkID.String()
	}

	var existing int
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM chunk_embeddings WHERE chunk_id = ANY($1)`, idStrs).Scan(&existing); err != nil {
		return fmt.Errorf("pgvector: check duplicate ids: %w", err)
	}
	if existing > 0 {
		return ErrDuplicateID
	}

	batch := &pgx.Batch{}
	for _, cv := range vectors {
		batch.Queue(`INSERT INTO chunk_embeddings (chunk_id, embedding) VALUES ($1, $2)`,
			cv.ChunkID.String(), pgvector.NewVector(cv.Vector))
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range vectors {
		if _, err := br.Exec(); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return ErrDuplicateID
			}
			return fmt.Errorf("pgvector: add chunks: %w", err)
		}
	}
	return nil
}

func (p *PGVector) RemoveChunks(ctx context.Context, chunkIDs []ids.ID) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	idStrs := make([]string, len(chunkIDs))
	for i, id := range chunkIDs {
		idStrs[i] = id.String()
	}
	_, err := p.pool.Exec(ctx, `DELETE FROM chunk_embeddings WHERE chunk_id = ANY($1)`, idStrs)
	if err != nil {
		return fmt.Errorf("pgvector: remove chunks: %w", err)
	}
	return nil
}

func (p *PGVector) Search(ctx context.Context, query []float32, topK int) ([]Match, error) {
	if len(query) != p.dimensions {
		return nil, ErrDimensionMismatch{Expected: p.dimensions, Got: len(query)}
	}
	op := "<=>"
	if p.metric == "l2" || p.metric == "euclidean" {
		op = "<->"
	}
	q := fmt.Sprintf(`SELECT chunk_id, embedding %s $1 AS distance FROM chunk_embeddings ORDER BY embedding %s $1 LIMIT $2`, op, op)
	rows, err := p.pool.Query(ctx, q, pgvector.NewVector(query), topK)
	if err != nil {
		return nil, fmt.Errorf("pgvector: search: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var chunkID string
		var distance float32
		if err := rows.Scan(&chunkID, &distance); err != nil {
			return nil, fmt.Errorf("pgvector: scan match: %w", err)
		}
		out = append(out, Match{ChunkID: ids.ID(chunkID), Distance: distance, Score: distanceToScore(distance, p.metric)})
	}
	return out, rows.Err()
}

// Save and Load are no-ops: pgvector persists rows server-side as they
// are written.
func (p *PGVector) Save(path string) error { return nil }
func (p *PGVector) Load(path string) error { return nil }

func (p *PGVector) GetStats() Stats {
	var count int
	_ = p.pool.QueryRow(context.Background(), `SELECT count(*) FROM chunk_embeddings`).Scan(&count)
	return Stats{VectorCount: count, Dimensions: p.dimensions, Metric: p.metric}
}

func (p *PGVector) Close() error { return nil }

var _ Index = (*PGVector)(nil)
