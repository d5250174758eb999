package boardkeeper

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/hazyhaar/boardkeeper/board"
	"github.com/hazyhaar/boardkeeper/idgen"
	"github.com/hazyhaar/boardkeeper/outbox"
	"github.com/hazyhaar/boardkeeper/savecoord"
)

// ErrSessionNotFound is returned for unknown, closed or foreign sessions.
var ErrSessionNotFound = errors.New("boardkeeper: session not found")

// Session is one open editor on a board. It holds the latest editor state
// pushed by the client and the coordinator that saves it.
type Session struct {
	ID       string    `json:"id"`
	BoardID  string    `json:"board_id"`
	OwnerID  string    `json:"owner_id"`
	OpenedAt time.Time `json:"opened_at"`

	coord *savecoord.Coordinator

	mu         sync.Mutex
	state      board.Snapshot
	lastActive time.Time
}

// Snapshot returns the current editor state.
func (s *Session) Snapshot() (board.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

// Pending reports whether a debounced save is waiting.
func (s *Session) Pending() bool { return s.coord.Pending() }

func (s *Session) update(data json.RawMessage, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = board.Snapshot{Data: append(json.RawMessage(nil), data...), TakenAt: at}
}

func (s *Session) touch(at time.Time) {
	s.mu.Lock()
	s.lastActive = at
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// OpenSession starts editing a board. The editor state is seeded from the
// stored snapshot, stamped with its stored capture time (or the open time
// for a board never saved), so closing a session that never changed
// anything cannot overwrite newer saves.
func (k *Keeper) OpenSession(ctx context.Context, ownerID, boardID string) (*Session, error) {
	b, err := k.GetBoard(ctx, ownerID, boardID)
	if err != nil {
		return nil, err
	}

	now := k.clock.Now()
	s := &Session{
		ID:         idgen.Session(),
		BoardID:    b.ID,
		OwnerID:    ownerID,
		OpenedAt:   now,
		lastActive: now,
		state:      board.Snapshot{Data: b.Snapshot, TakenAt: b.SnapshotAt},
	}
	if len(s.state.Data) == 0 {
		s.state.Data = json.RawMessage(`{}`)
	}
	if s.state.TakenAt.IsZero() {
		s.state.TakenAt = now
	}

	saveCfg := k.cfg.Save
	saveCfg.Logger = k.logger
	s.coord = savecoord.New(b.ID, s, savecoord.SaverFunc(k.saveSnapshot), saveCfg,
		savecoord.WithClock(k.clock),
		savecoord.WithOwner(ownerID),
		savecoord.WithIndexer(k.indexer),
		savecoord.WithTeardownSaver(savecoord.SaverFunc(k.teardownSave)),
		savecoord.WithObserver(k.metrics.observe),
	)

	k.sessions.Store(s.ID, s)
	k.metrics.sessions.Inc()
	k.logger.Info("boardkeeper: session opened", "session_id", s.ID, "board_id", b.ID, "owner_id", ownerID)
	return s, nil
}

// PushChange records an editor change. A non-empty data replaces the
// session's editor state; the event then decides whether a save is armed.
// It reports whether the change armed a save.
func (k *Keeper) PushChange(ownerID, sessionID string, ev board.ChangeEvent, data json.RawMessage) (bool, error) {
	s, err := k.session(ownerID, sessionID)
	if err != nil {
		return false, err
	}
	now := k.clock.Now()
	if len(data) > 0 {
		if !json.Valid(data) {
			return false, board.ErrInvalidSnapshot
		}
		s.update(data, now)
	}
	s.touch(now)
	return s.coord.Notify(ev), nil
}

// CloseSession performs the teardown save and forgets the session. A stale
// final snapshot (someone saved newer content meanwhile) is not an error.
// A result wrapping outbox.ErrQueued means the save is durable but pending.
func (k *Keeper) CloseSession(ctx context.Context, ownerID, sessionID string) (board.SaveResult, error) {
	s, err := k.session(ownerID, sessionID)
	if err != nil {
		return board.SaveResult{}, err
	}
	return k.closeSession(ctx, s, "client")
}

func (k *Keeper) closeSession(ctx context.Context, s *Session, reason string) (board.SaveResult, error) {
	if _, ok := k.sessions.LoadAndDelete(s.ID); !ok {
		return board.SaveResult{}, ErrSessionNotFound
	}
	k.metrics.sessions.Dec()

	res, err := s.coord.FlushNow(ctx)
	s.coord.Dispose()
	s.coord.Wait()

	log := k.logger.With("session_id", s.ID, "board_id", s.BoardID, "reason", reason)
	switch {
	case err == nil:
		log.Info("boardkeeper: session closed", "revision", res.Revision, "changed", res.Changed)
	case errors.Is(err, board.ErrStaleSnapshot):
		log.Info("boardkeeper: session closed, final snapshot superseded")
		return board.SaveResult{BoardID: s.BoardID}, nil
	case errors.Is(err, outbox.ErrQueued):
		log.Warn("boardkeeper: session closed, final save queued", "error", err)
	default:
		log.Error("boardkeeper: session closed, final save failed", "error", err)
	}
	return res, err
}

func (k *Keeper) session(ownerID, sessionID string) (*Session, error) {
	s, ok := k.sessions.Load(sessionID)
	if !ok || s.OwnerID != ownerID {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// teardownSave stages the final save in the outbox before attempting it,
// so a failure leaves it to the redelivery consumer.
func (k *Keeper) teardownSave(ctx context.Context, req board.SaveRequest) (board.SaveResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return board.SaveResult{}, err
	}
	var res board.SaveResult
	err = k.outbox.Deliver(ctx, idgen.Outbox(), payload, func(ctx context.Context) error {
		var err error
		res, err = k.saveSnapshot(ctx, req)
		return err
	})
	return res, err
}

// redeliver is the outbox handler for teardown saves that failed inline.
func (k *Keeper) redeliver(ctx context.Context, job *outbox.Job) error {
	var req board.SaveRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		k.logger.Warn("boardkeeper: dropping undecodable outbox job", "id", job.ID, "error", err)
		return nil
	}
	req.Cause = board.CauseOutbox

	start := time.Now()
	res, err := k.saveSnapshot(ctx, req)
	k.metrics.record(req.Cause, res, err, time.Since(start).Seconds())
	if err != nil {
		return err
	}
	k.logger.Info("boardkeeper: redelivered teardown save",
		"id", job.ID, "board_id", req.BoardID, "attempts", job.Attempts, "revision", res.Revision)
	k.indexer.Refresh(req.BoardID)
	return nil
}

// ReapIdle closes sessions with no change for longer than the idle TTL and
// returns how many were closed.
func (k *Keeper) ReapIdle(ctx context.Context) int {
	cutoff := k.clock.Now().Add(-k.cfg.Session.IdleTTL)
	var idle []*Session
	k.sessions.Range(func(_ string, s *Session) bool {
		if s.idleSince().Before(cutoff) {
			idle = append(idle, s)
		}
		return true
	})
	n := 0
	for _, s := range idle {
		if _, err := k.closeSession(ctx, s, "idle"); !errors.Is(err, ErrSessionNotFound) {
			n++
		}
	}
	return n
}

func (k *Keeper) reapLoop(ctx context.Context) {
	t := time.NewTicker(k.cfg.Session.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := k.ReapIdle(ctx); n > 0 {
				k.logger.Info("boardkeeper: reaped idle sessions", "count", n)
			}
		}
	}
}
