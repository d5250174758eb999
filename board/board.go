// Package board defines the whiteboard persistence vocabulary shared by the
// save coordinator, the store and the service layer: snapshots, change
// events, save requests and their results.
package board

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/hazyhaar/boardkeeper/horosafe"
)

var (
	// ErrNotFound is returned when a board does not exist (or is not owned
	// by the caller).
	ErrNotFound = errors.New("board: not found")

	// ErrStaleSnapshot is returned when a save carries a snapshot captured
	// before the one already stored. Stale saves are dropped, never retried.
	ErrStaleSnapshot = errors.New("board: stale snapshot")

	// ErrInvalidSnapshot is returned for empty or non-JSON snapshot data.
	ErrInvalidSnapshot = errors.New("board: invalid snapshot")

	// ErrInvalidRequest is returned for malformed identifiers.
	ErrInvalidRequest = errors.New("board: invalid request")
)

// Origin tells who caused a change.
type Origin string

const (
	OriginUser   Origin = "user"
	OriginSystem Origin = "system"
)

// Scope tells what a change touched.
type Scope string

const (
	ScopeDocument Scope = "document"
	ScopePresence Scope = "presence"
)

// ChangeEvent notifies that the editor state mutated. It carries no payload:
// the snapshot is pulled from the editor when a save actually happens.
type ChangeEvent struct {
	Origin Origin `json:"origin"`
	Scope  Scope  `json:"scope"`
}

// Persistable reports whether the event should lead to a save. Only
// user-originated document changes qualify.
func (e ChangeEvent) Persistable() bool {
	return e.Origin == OriginUser && e.Scope == ScopeDocument
}

// Snapshot is the full serialized state of one canvas at TakenAt. It is
// never diffed or merged: a newer snapshot replaces an older one wholesale.
type Snapshot struct {
	Data    json.RawMessage `json:"data"`
	TakenAt time.Time       `json:"taken_at"`
}

// Hash returns the hex xxhash64 of the snapshot data.
func (s Snapshot) Hash() string {
	return fmt.Sprintf("%016x", xxhash.Sum64(s.Data))
}

// Cause records which path issued a save.
type Cause string

const (
	CauseDebounce Cause = "debounce"
	CauseTeardown Cause = "teardown"
	CauseOutbox   Cause = "outbox"
	CauseDirect   Cause = "direct"
)

// SaveRequest pairs a board with the snapshot to store. Submitting the same
// request twice leaves the stored board unchanged after the first.
type SaveRequest struct {
	BoardID  string   `json:"board_id"`
	OwnerID  string   `json:"owner_id"`
	Snapshot Snapshot `json:"snapshot"`
	Cause    Cause    `json:"cause"`
}

// Validate checks the board identifier and the snapshot payload.
func (r SaveRequest) Validate() error {
	if err := horosafe.ValidateIdentifier(r.BoardID); err != nil {
		return fmt.Errorf("%w: board_id: %v", ErrInvalidRequest, err)
	}
	if len(r.Snapshot.Data) == 0 || !json.Valid(r.Snapshot.Data) {
		return ErrInvalidSnapshot
	}
	return nil
}

// SaveResult describes the stored state after a save.
type SaveResult struct {
	BoardID     string    `json:"board_id"`
	Revision    int64     `json:"revision"`
	Changed     bool      `json:"changed"`
	ContentHash string    `json:"content_hash"`
	SavedAt     time.Time `json:"saved_at"`
}

// Board is a stored canvas.
type Board struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	Title       string          `json:"title"`
	Snapshot    json.RawMessage `json:"snapshot,omitempty"`
	ContentHash string          `json:"content_hash"`
	Revision    int64           `json:"revision"`
	SnapshotAt  time.Time       `json:"snapshot_at"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
