// Package vectorstore is the similarity index: incident summaries embedded
// into pgvector and queried by cosine similarity.
package vectorstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/rs/zerolog/log"

	"github.com/envwatch/envwatch/internal/models"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store persists one embedding row per incident.
type Store struct {
	pool     *pgxpool.Pool
	embedder Embedder
	dim      int
}

// Match is one similarity-search hit.
type Match struct {
	IncidentID string
	RunID      string
	Summary    string
	Similarity float64
}

// Connect opens a pool with the pgvector codecs registered on every
// connection.
func Connect(ctx context.Context, dsn string, embedder Embedder, dim int) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool, embedder: embedder, dim: dim}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates the extension, table and cosine index. Safe to call
// on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS incident_embeddings (
			id        text PRIMARY KEY,
			run_id    text NOT NULL,
			summary   text NOT NULL,
			embedding vector(%d) NOT NULL
		)`, s.dim),
		`CREATE INDEX IF NOT EXISTS incident_embeddings_cosine_idx
			ON incident_embeddings USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure vector schema: %w", err)
		}
	}
	return nil
}

// EmbedAndStore embeds the incident summary and inserts the row. Idempotent
// by incident id: if a row already exists the embedding service is not
// called and the store is untouched.
func (s *Store) EmbedAndStore(ctx context.Context, incident models.Incident) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM incident_embeddings WHERE id = $1)`,
		incident.IncidentID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("embedding existence check: %w", err)
	}
	if exists {
		log.Debug().Str("incident_id", incident.IncidentID).Msg("Embedding already stored, skipping")
		return nil
	}

	embedding, err := s.embedder.Embed(ctx, incident.Summary)
	if err != nil {
		return fmt.Errorf("embed summary: %w", err)
	}
	if len(embedding) != s.dim {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), s.dim)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO incident_embeddings (id, run_id, summary, embedding)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		incident.IncidentID, incident.RunID, incident.Summary, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}
	return nil
}

// Query embeds the text and returns up to k incidents with cosine
// similarity ≥ minScore, best first.
func (s *Store) Query(ctx context.Context, text string, k int, minScore float64) ([]Match, error) {
	embedding, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, summary, 1 - (embedding <=> $1) AS similarity
		 FROM incident_embeddings
		 WHERE 1 - (embedding <=> $1) >= $2
		 ORDER BY embedding <=> $1
		 LIMIT $3`,
		pgvector.NewVector(embedding), minScore, k)
	if err != nil {
		return nil, fmt.Errorf("similarity query: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.IncidentID, &m.RunID, &m.Summary, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matches: %w", err)
	}
	return matches, nil
}
