// Package outbox is a durable SQLite queue for writes that must not be lost.
//
// A write is staged in the outbox before it is attempted. If the attempt
// succeeds the row is acknowledged (deleted); if it fails, or the process
// dies mid-attempt, the row becomes visible and the background consumer
// redelivers it until it succeeds. Rows are claimed with a visibility
// timeout, so a consumer that crashes while holding a row releases it
// automatically.
//
// Schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS outbox_jobs (
//	    id          TEXT PRIMARY KEY,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- unix millis
//	    created_at  INTEGER NOT NULL,             -- unix millis
//	    attempts    INTEGER NOT NULL DEFAULT 0,
//	    last_error  TEXT NOT NULL DEFAULT ''
//	);
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrQueued marks a write that failed inline but is held durably in the
// outbox for redelivery. Errors returned by Deliver match both ErrQueued and
// the delivery error.
var ErrQueued = errors.New("outbox: queued for redelivery")

// Job is a staged write.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
	LastError string
}

// Options configures an outbox.
type Options struct {
	// Queue names the logical queue inside the shared table.
	Queue string `yaml:"queue"`

	// Visibility is how long a claimed or staged row stays hidden. Default: 30s.
	Visibility time.Duration `yaml:"visibility"`

	// PollInterval is the consumer claim period. Default: 1s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxAttempts drops a row after that many deliveries. 0 means unlimited.
	MaxAttempts int `yaml:"max_attempts"`

	// Drop reports delivery errors that will never succeed; such rows are
	// acknowledged instead of redelivered.
	Drop func(error) bool `yaml:"-"`

	Logger *slog.Logger `yaml:"-"`
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Drop == nil {
		o.Drop = func(error) bool { return false }
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Outbox is a handle on one queue.
type Outbox struct {
	db   *sql.DB
	opts Options
	log  *slog.Logger
}

// New returns an outbox handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Outbox {
	opts.defaults()
	return &Outbox{db: db, opts: opts, log: opts.Logger}
}

// EnsureTable creates the outbox table and its claim index.
func (o *Outbox) EnsureTable(ctx context.Context) error {
	_, err := o.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS outbox_jobs (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL DEFAULT '',
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_outbox_visible ON outbox_jobs (queue, visible_at);
	`)
	if err != nil {
		return fmt.Errorf("outbox: ensure table: %w", err)
	}
	return nil
}

// Publish enqueues a job that the consumer may claim immediately.
func (o *Outbox) Publish(ctx context.Context, id string, payload []byte) error {
	return o.insert(ctx, id, payload, 0, 0)
}

// Stage enqueues a job that stays hidden for one visibility period while
// the caller attempts it inline. The inline attempt counts as the first.
func (o *Outbox) Stage(ctx context.Context, id string, payload []byte) error {
	return o.insert(ctx, id, payload, o.opts.Visibility, 1)
}

func (o *Outbox) insert(ctx context.Context, id string, payload []byte, hide time.Duration, attempts int) error {
	now := time.Now()
	_, err := o.db.ExecContext(ctx,
		`INSERT INTO outbox_jobs (id, queue, payload, visible_at, created_at, attempts) VALUES (?,?,?,?,?,?)`,
		id, o.opts.Queue, payload, now.Add(hide).UnixMilli(), now.UnixMilli(), attempts,
	)
	if err != nil {
		return fmt.Errorf("outbox: insert %s: %w", id, err)
	}
	return nil
}

// Claim hides the oldest visible job for one visibility period and returns
// it. It returns nil, nil when nothing is visible.
func (o *Outbox) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()
	row := o.db.QueryRowContext(ctx, `
		UPDATE outbox_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM outbox_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at, created_at
			LIMIT 1
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts, last_error`,
		now.Add(o.opts.Visibility).UnixMilli(), o.opts.Queue, now.UnixMilli(),
	)

	var (
		j            Job
		visAt, creAt int64
	)
	err := row.Scan(&j.ID, &j.Queue, &j.Payload, &visAt, &creAt, &j.Attempts, &j.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}

// Ack removes a delivered job.
func (o *Outbox) Ack(ctx context.Context, id string) error {
	_, err := o.db.ExecContext(ctx,
		`DELETE FROM outbox_jobs WHERE id = ? AND queue = ?`, id, o.opts.Queue)
	if err != nil {
		return fmt.Errorf("outbox: ack %s: %w", id, err)
	}
	return nil
}

// Nack releases a job for redelivery on the next consumer tick and records
// why delivery failed.
func (o *Outbox) Nack(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := o.db.ExecContext(ctx,
		`UPDATE outbox_jobs SET visible_at = ?, last_error = ? WHERE id = ? AND queue = ?`,
		time.Now().Add(o.opts.PollInterval).UnixMilli(), msg, id, o.opts.Queue)
	if err != nil {
		return fmt.Errorf("outbox: nack %s: %w", id, err)
	}
	return nil
}

// Get returns a job by id, visible or not.
func (o *Outbox) Get(ctx context.Context, id string) (*Job, error) {
	var (
		j            Job
		visAt, creAt int64
	)
	err := o.db.QueryRowContext(ctx,
		`SELECT id, queue, payload, visible_at, created_at, attempts, last_error
		 FROM outbox_jobs WHERE id = ? AND queue = ?`, id, o.opts.Queue,
	).Scan(&j.ID, &j.Queue, &j.Payload, &visAt, &creAt, &j.Attempts, &j.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("outbox: get %s: %w", id, err)
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}

// Len counts pending jobs, hidden or not.
func (o *Outbox) Len(ctx context.Context) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_jobs WHERE queue = ?`, o.opts.Queue).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("outbox: len: %w", err)
	}
	return n, nil
}

// Deliver stages payload, runs fn and acknowledges on success. When fn
// fails the job is released to the consumer and the returned error matches
// ErrQueued. Errors accepted by Options.Drop are returned as-is and the job
// is discarded.
//
// fn runs even when staging fails; its error is then returned bare since
// nothing is queued.
func (o *Outbox) Deliver(ctx context.Context, id string, payload []byte, fn func(context.Context) error) error {
	if err := o.Stage(ctx, id, payload); err != nil {
		o.log.Warn("outbox: stage failed, delivering without redelivery",
			"id", id, "queue", o.opts.Queue, "error", err)
		return fn(ctx)
	}

	// Bookkeeping must land even when the caller's context expired during fn.
	bg := context.WithoutCancel(ctx)

	ferr := fn(ctx)
	switch {
	case ferr == nil, o.opts.Drop(ferr):
		if err := o.Ack(bg, id); err != nil {
			o.log.Warn("outbox: ack after delivery failed, job will be redelivered",
				"id", id, "queue", o.opts.Queue, "error", err)
		}
		return ferr
	}

	if err := o.Nack(bg, id, ferr); err != nil {
		o.log.Warn("outbox: release failed, job visible after timeout",
			"id", id, "queue", o.opts.Queue, "error", err)
	}
	return fmt.Errorf("%w: %w", ErrQueued, ferr)
}

// Handler delivers one claimed job. Returning nil acknowledges it.
type Handler func(ctx context.Context, job *Job) error

// Run redelivers visible jobs every PollInterval until ctx is cancelled.
func (o *Outbox) Run(ctx context.Context, h Handler) {
	o.log.Info("outbox: consumer started",
		"queue", o.opts.Queue,
		"visibility", o.opts.Visibility,
		"poll", o.opts.PollInterval)

	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.log.Info("outbox: consumer stopped", "queue", o.opts.Queue)
			return
		case <-ticker.C:
			if _, err := o.Drain(ctx, h); err != nil && ctx.Err() == nil {
				o.log.Warn("outbox: drain failed", "queue", o.opts.Queue, "error", err)
			}
		}
	}
}

// Drain delivers every currently visible job once and returns how many
// were acknowledged.
func (o *Outbox) Drain(ctx context.Context, h Handler) (int, error) {
	acked := 0
	for {
		job, err := o.Claim(ctx)
		if err != nil {
			return acked, err
		}
		if job == nil {
			return acked, nil
		}

		if o.opts.MaxAttempts > 0 && job.Attempts > o.opts.MaxAttempts {
			o.log.Warn("outbox: job exceeded max attempts, discarding",
				"id", job.ID,
				"attempts", job.Attempts,
				"last_error", job.LastError,
				"queue", o.opts.Queue)
			if err := o.Ack(ctx, job.ID); err != nil {
				return acked, err
			}
			continue
		}

		herr := h(ctx, job)
		switch {
		case herr == nil:
		case o.opts.Drop(herr):
			o.log.Warn("outbox: dropping undeliverable job",
				"id", job.ID, "queue", o.opts.Queue, "error", herr)
		default:
			o.log.Warn("outbox: redelivery failed",
				"id", job.ID, "attempts", job.Attempts, "queue", o.opts.Queue, "error", herr)
			if err := o.Nack(ctx, job.ID, herr); err != nil {
				return acked, err
			}
			continue
		}
		if err := o.Ack(ctx, job.ID); err != nil {
			return acked, err
		}
		acked++
	}
}
