package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/boardkeeper/embedding"
)

// Embedding is the search vector of one board.
type Embedding struct {
	BoardID   string
	Title     string // joined from boards on read
	Vector    []float32
	Norm      float64
	Model     string
	TextHash  string
	Excerpt   string
	UpdatedAt time.Time
}

// UpsertEmbedding stores or replaces a board's vector.
func (s *Store) UpsertEmbedding(ctx context.Context, e *Embedding) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO board_embeddings (board_id, vector, dimension, norm, model, text_hash, excerpt, updated_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(board_id) DO UPDATE SET
			vector = excluded.vector,
			dimension = excluded.dimension,
			norm = excluded.norm,
			model = excluded.model,
			text_hash = excluded.text_hash,
			excerpt = excluded.excerpt,
			updated_at = excluded.updated_at`,
		e.BoardID, embedding.SerializeVector(e.Vector), len(e.Vector), e.Norm, e.Model,
		e.TextHash, e.Excerpt, e.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: upsert embedding %s: %w", e.BoardID, err)
	}
	return nil
}

// GetEmbeddingTextHash returns the text hash a board was last indexed
// from, or "" if it has never been indexed.
func (s *Store) GetEmbeddingTextHash(ctx context.Context, boardID string) (string, error) {
	var h string
	err := s.DB.QueryRowContext(ctx,
		`SELECT text_hash FROM board_embeddings WHERE board_id = ?`, boardID).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return h, err
}

// ListEmbeddings returns the vectors of every indexed board of an owner.
func (s *Store) ListEmbeddings(ctx context.Context, ownerID string) ([]*Embedding, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT e.board_id, b.title, e.vector, e.norm, e.model, e.text_hash, e.excerpt, e.updated_at
		FROM board_embeddings e
		JOIN boards b ON b.id = e.board_id
		WHERE b.owner_id = ?`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("store: list embeddings: %w", err)
	}
	defer rows.Close()

	var out []*Embedding
	for rows.Next() {
		var (
			e    Embedding
			blob []byte
			upd  int64
		)
		if err := rows.Scan(&e.BoardID, &e.Title, &blob, &e.Norm, &e.Model, &e.TextHash, &e.Excerpt, &upd); err != nil {
			return nil, err
		}
		e.Vector = embedding.DeserializeVector(blob)
		e.UpdatedAt = time.UnixMilli(upd)
		out = append(out, &e)
	}
	return out, rows.Err()
}
