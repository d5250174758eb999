// Package store is the SQLite persistence layer for boardkeeper.
package store

import (
	"context"
	"database/sql"

	"github.com/hazyhaar/boardkeeper/dbopen"
)

// Store is the boardkeeper database handle.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the board database at path and applies Schema.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	all := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)

	db, err := dbopen.Open(path, all...)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// CountBoards returns the number of boards.
func (s *Store) CountBoards(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM boards`).Scan(&n)
	return n, err
}

// CountEmbeddings returns the number of indexed boards.
func (s *Store) CountEmbeddings(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM board_embeddings`).Scan(&n)
	return n, err
}
