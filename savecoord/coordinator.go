// Package savecoord turns the high-frequency change stream of an open board
// into a low-frequency stream of saves.
//
// A Coordinator arms a trailing debounce timer on every persistable change;
// only the last change of a burst produces a save, Delay after that change.
// FlushNow performs the final save at teardown without waiting for the timer.
//
// Usage:
//
//	c := savecoord.New(boardID, editor, saver, savecoord.Config{})
//	c.Notify(board.ChangeEvent{Origin: board.OriginUser, Scope: board.ScopeDocument})
//	...
//	res, err := c.FlushNow(ctx)
package savecoord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/boardkeeper/board"
)

// ErrClosed is returned by FlushNow once the coordinator has been flushed
// or disposed.
var ErrClosed = errors.New("savecoord: coordinator closed")

// Editor gives pull access to the live editor state.
type Editor interface {
	Snapshot() (board.Snapshot, error)
}

// EditorFunc adapts a function to Editor.
type EditorFunc func() (board.Snapshot, error)

func (f EditorFunc) Snapshot() (board.Snapshot, error) { return f() }

// Saver persists one snapshot. Implementations must be idempotent: saving
// the same snapshot twice leaves the backend unchanged.
type Saver interface {
	Save(ctx context.Context, req board.SaveRequest) (board.SaveResult, error)
}

// SaverFunc adapts a function to Saver.
type SaverFunc func(ctx context.Context, req board.SaveRequest) (board.SaveResult, error)

func (f SaverFunc) Save(ctx context.Context, req board.SaveRequest) (board.SaveResult, error) {
	return f(ctx, req)
}

// Indexer schedules a refresh of derived search data. Refresh must not block.
type Indexer interface {
	Refresh(boardID string)
}

// State is the coordinator lifecycle state.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateFlushed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateFlushed:
		return "flushed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Outcome describes one finished save, successful or not.
type Outcome struct {
	BoardID  string
	Cause    board.Cause
	Result   board.SaveResult
	Err      error
	Attempts int
	Duration time.Duration
}

// Config tunes the debounce and retry behaviour.
type Config struct {
	// Delay is the quiet period after the last change before a save fires.
	Delay time.Duration `yaml:"delay"`

	// MaxRetries bounds retries of a failed debounced save. Negative disables retries.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoff is the wait before the first retry; it doubles per attempt.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// SaveTimeout bounds one save including retries.
	SaveTimeout time.Duration `yaml:"save_timeout"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.Delay <= 0 {
		c.Delay = 500 * time.Millisecond
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock.
func WithClock(clk Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// WithIndexer schedules an index refresh after every successful save.
func WithIndexer(idx Indexer) Option {
	return func(c *Coordinator) { c.indexer = idx }
}

// WithTeardownSaver routes the teardown flush through a dedicated saver.
// That saver owns its own delivery guarantees, so it is called exactly once
// without the retry loop.
func WithTeardownSaver(s Saver) Option {
	return func(c *Coordinator) { c.teardown = s }
}

// WithOwner stamps the owner on every save request.
func WithOwner(ownerID string) Option {
	return func(c *Coordinator) { c.ownerID = ownerID }
}

// WithObserver receives every save outcome. The callback runs on the saving
// goroutine and must be quick.
func WithObserver(fn func(Outcome)) Option {
	return func(c *Coordinator) { c.observer = fn }
}

// Coordinator debounces saves for a single board session.
type Coordinator struct {
	boardID  string
	ownerID  string
	editor   Editor
	saver    Saver
	teardown Saver
	indexer  Indexer
	observer func(Outcome)
	clock    Clock
	cfg      Config
	log      *slog.Logger

	mu    sync.Mutex
	state State
	timer Timer
	gen   uint64 // bumped on every arm and on close; stale timer callbacks compare it

	inflight sync.WaitGroup
}

// New creates a coordinator in the Idle state.
func New(boardID string, editor Editor, saver Saver, cfg Config, opts ...Option) *Coordinator {
	cfg.defaults()
	c := &Coordinator{
		boardID: boardID,
		editor:  editor,
		saver:   saver,
		clock:   SystemClock(),
		cfg:     cfg,
		log:     cfg.Logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BoardID returns the board this coordinator saves.
func (c *Coordinator) BoardID() string { return c.boardID }

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending reports whether a debounced save is armed.
func (c *Coordinator) Pending() bool {
	return c.State() == StateArmed
}

// Notify records a change event. User document changes (re)arm the debounce
// timer and return true; system or presence changes and changes after
// teardown are ignored.
func (c *Coordinator) Notify(ev board.ChangeEvent) bool {
	if !ev.Persistable() {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateFlushed {
		return false
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.timer = c.clock.AfterFunc(c.cfg.Delay, func() { c.fire(gen) })
	c.state = StateArmed
	return true
}

// fire runs when the debounce timer expires. A callback whose generation
// was superseded by a later arm or by teardown does nothing.
func (c *Coordinator) fire(gen uint64) {
	c.mu.Lock()
	if c.state != StateArmed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.timer = nil
	c.inflight.Add(1)
	c.mu.Unlock()

	snap, err := c.snapshot()
	if err != nil {
		c.log.Error("savecoord: read snapshot", "board_id", c.boardID, "error", err)
		c.inflight.Done()
		return
	}

	go func() {
		defer c.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SaveTimeout)
		defer cancel()
		c.save(ctx, board.CauseDebounce, snap, c.saver, c.cfg.MaxRetries)
	}()
}

// FlushNow cancels any pending timer and saves the current editor state
// synchronously. It moves the coordinator to Flushed; later calls return
// ErrClosed.
func (c *Coordinator) FlushNow(ctx context.Context) (board.SaveResult, error) {
	c.mu.Lock()
	if c.state == StateFlushed {
		c.mu.Unlock()
		return board.SaveResult{}, ErrClosed
	}
	c.closeLocked()
	c.mu.Unlock()

	snap, err := c.snapshot()
	if err != nil {
		c.log.Error("savecoord: read snapshot for teardown", "board_id", c.boardID, "error", err)
		return board.SaveResult{}, fmt.Errorf("savecoord: snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SaveTimeout)
	defer cancel()

	saver, retries := c.saver, c.cfg.MaxRetries
	if c.teardown != nil {
		saver, retries = c.teardown, 0
	}
	return c.save(ctx, board.CauseTeardown, snap, saver, retries)
}

// Dispose cancels any pending timer without saving. Safe to call repeatedly
// and after FlushNow.
func (c *Coordinator) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateFlushed {
		c.closeLocked()
	}
}

func (c *Coordinator) closeLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	c.state = StateFlushed
}

// Wait blocks until in-flight debounced saves have returned.
func (c *Coordinator) Wait() {
	c.inflight.Wait()
}

func (c *Coordinator) snapshot() (board.Snapshot, error) {
	snap, err := c.editor.Snapshot()
	if err != nil {
		return board.Snapshot{}, err
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = c.clock.Now()
	}
	return snap, nil
}

func (c *Coordinator) save(ctx context.Context, cause board.Cause, snap board.Snapshot, saver Saver, retries int) (board.SaveResult, error) {
	req := board.SaveRequest{
		BoardID:  c.boardID,
		OwnerID:  c.ownerID,
		Snapshot: snap,
		Cause:    cause,
	}

	start := c.clock.Now()
	res, attempts, err := c.saveWithRetry(ctx, saver, req, retries)
	elapsed := c.clock.Now().Sub(start)

	switch {
	case err == nil:
		c.log.Debug("savecoord: saved",
			"board_id", c.boardID,
			"cause", cause,
			"revision", res.Revision,
			"changed", res.Changed,
			"attempts", attempts)
		if c.indexer != nil {
			c.indexer.Refresh(c.boardID)
		}
	case errors.Is(err, board.ErrStaleSnapshot):
		c.log.Info("savecoord: snapshot superseded", "board_id", c.boardID, "cause", cause)
	default:
		c.log.Error("savecoord: save failed",
			"board_id", c.boardID,
			"cause", cause,
			"attempts", attempts,
			"error", err)
	}

	if c.observer != nil {
		c.observer(Outcome{
			BoardID:  c.boardID,
			Cause:    cause,
			Result:   res,
			Err:      err,
			Attempts: attempts,
			Duration: elapsed,
		})
	}
	return res, err
}
