package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/boardkeeper/board"
	"github.com/hazyhaar/boardkeeper/dbopen"
)

const boardColumns = `id, owner_id, title, snapshot, content_hash, revision, snapshot_at, created_at, updated_at`

// CreateBoard inserts an empty board at revision 0.
func (s *Store) CreateBoard(ctx context.Context, b *board.Board) error {
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	_, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO boards (id, owner_id, title, created_at, updated_at)
		VALUES (?,?,?,?,?)`,
		b.ID, b.OwnerID, b.Title, b.CreatedAt.UnixMilli(), b.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: create board %s: %w", b.ID, err)
	}
	return nil
}

// GetBoard returns a board with its snapshot, or board.ErrNotFound.
func (s *Store) GetBoard(ctx context.Context, id string) (*board.Board, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+boardColumns+` FROM boards WHERE id = ?`, id)
	b, err := scanBoard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, board.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get board %s: %w", id, err)
	}
	return b, nil
}

// ListBoards returns an owner's boards, most recently updated first.
// Snapshots are left out.
func (s *Store) ListBoards(ctx context.Context, ownerID string, limit int) ([]*board.Board, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+boardColumns+` FROM boards
		WHERE owner_id = ?
		ORDER BY updated_at DESC, id
		LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list boards: %w", err)
	}
	defer rows.Close()

	var out []*board.Board
	for rows.Next() {
		b, err := scanBoard(rows)
		if err != nil {
			return nil, err
		}
		b.Snapshot = nil
		out = append(out, b)
	}
	return out, rows.Err()
}

// DeleteBoard removes a board and, by cascade, its embedding.
func (s *Store) DeleteBoard(ctx context.Context, id string) error {
	res, err := dbopen.Exec(ctx, s.DB, `DELETE FROM boards WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete board %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return board.ErrNotFound
	}
	return nil
}

// UpsertSnapshot applies a save request:
//
//   - unknown board: created at revision 1 by a direct save, otherwise
//     board.ErrNotFound (a session save never recreates a deleted board)
//   - other owner: board.ErrNotFound
//   - capture older than the stored one: board.ErrStaleSnapshot
//   - same content hash: only snapshot_at advances, Changed is false
//   - otherwise: snapshot replaced, revision bumped
func (s *Store) UpsertSnapshot(ctx context.Context, req board.SaveRequest) (board.SaveResult, error) {
	hash := req.Snapshot.Hash()
	takenAt := req.Snapshot.TakenAt.UnixNano()
	res := board.SaveResult{BoardID: req.BoardID, ContentHash: hash}

	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		var (
			owner, storedHash    string
			revision, snapshotAt int64
			updatedAt            int64
		)
		err := tx.QueryRowContext(ctx, `
			SELECT owner_id, content_hash, revision, snapshot_at, updated_at
			FROM boards WHERE id = ?`, req.BoardID,
		).Scan(&owner, &storedHash, &revision, &snapshotAt, &updatedAt)

		now := time.Now()
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if req.OwnerID == "" || req.Cause != board.CauseDirect {
				return board.ErrNotFound
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO boards (id, owner_id, snapshot, content_hash, revision, snapshot_at, created_at, updated_at)
				VALUES (?,?,?,?,1,?,?,?)`,
				req.BoardID, req.OwnerID, string(req.Snapshot.Data), hash, takenAt, now.UnixMilli(), now.UnixMilli())
			if err != nil {
				return err
			}
			res.Revision, res.Changed, res.SavedAt = 1, true, now
			return nil
		case err != nil:
			return err
		}

		if req.OwnerID != "" && owner != req.OwnerID {
			return board.ErrNotFound
		}
		if takenAt < snapshotAt {
			return board.ErrStaleSnapshot
		}
		if hash == storedHash {
			// A revert to the stored content still fences off older captures.
			if _, err := tx.ExecContext(ctx,
				`UPDATE boards SET snapshot_at = MAX(snapshot_at, ?) WHERE id = ?`,
				takenAt, req.BoardID); err != nil {
				return err
			}
			res.Revision, res.SavedAt = revision, time.UnixMilli(updatedAt)
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE boards
			SET snapshot = ?, content_hash = ?, revision = revision + 1, snapshot_at = ?, updated_at = ?
			WHERE id = ?`,
			string(req.Snapshot.Data), hash, takenAt, now.UnixMilli(), req.BoardID)
		if err != nil {
			return err
		}
		res.Revision, res.Changed, res.SavedAt = revision+1, true, now
		return nil
	})
	if err != nil {
		if errors.Is(err, board.ErrNotFound) || errors.Is(err, board.ErrStaleSnapshot) {
			return board.SaveResult{}, err
		}
		return board.SaveResult{}, fmt.Errorf("store: upsert snapshot %s: %w", req.BoardID, err)
	}
	return res, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBoard(sc scanner) (*board.Board, error) {
	var (
		b                    board.Board
		snapshot             string
		snapAt, creAt, updAt int64
	)
	if err := sc.Scan(&b.ID, &b.OwnerID, &b.Title, &snapshot, &b.ContentHash, &b.Revision, &snapAt, &creAt, &updAt); err != nil {
		return nil, err
	}
	if snapshot != "" {
		b.Snapshot = []byte(snapshot)
	}
	if snapAt != 0 {
		b.SnapshotAt = time.Unix(0, snapAt)
	}
	b.CreatedAt = time.UnixMilli(creAt)
	b.UpdatedAt = time.UnixMilli(updAt)
	return &b, nil
}
