package embedding

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrCircuitOpen is returned while the embedding backend is considered down.
type ErrCircuitOpen struct {
	Model string
	Until time.Time
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("embedding: circuit open for model %q until %s", e.Model, e.Until.Format(time.RFC3339))
}

// BreakerConfig tunes a CircuitBreaker.
type BreakerConfig struct {
	// Threshold is the consecutive failures that open the circuit. Default: 5.
	Threshold int `yaml:"threshold"`

	// ResetTimeout is how long the circuit stays open. Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// HalfOpenMax is the successes needed to close from half-open. Default: 2.
	HalfOpenMax int `yaml:"half_open_max"`

	Now func() time.Time `yaml:"-"`
}

// CircuitBreaker stops calling a failing backend for a while so index
// refreshes fail fast instead of piling up on timeouts.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 2
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// State returns the current state, moving open to half-open once the
// reset timeout has elapsed.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	return cb.State() != BreakerOpen
}

// RecordSuccess notes a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.HalfOpenMax {
			cb.state = BreakerClosed
			cb.failures, cb.successes = 0, 0
		}
	case BreakerClosed:
		cb.failures = 0
	}
}

// RecordFailure notes a failed call. Any failure while half-open reopens.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFailure = cb.cfg.Now()
	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.cfg.Threshold {
			cb.state = BreakerOpen
		}
	case BreakerHalfOpen:
		cb.state = BreakerOpen
		cb.successes = 0
	}
}

func (cb *CircuitBreaker) openUntil() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastFailure.Add(cb.cfg.ResetTimeout)
}

// must hold mu
func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == BreakerOpen && cb.cfg.Now().Sub(cb.lastFailure) >= cb.cfg.ResetTimeout {
		cb.state = BreakerHalfOpen
		cb.successes = 0
	}
}

type breakerEmbedder struct {
	next Embedder
	cb   *CircuitBreaker
}

// WithBreaker guards emb with cb. While the circuit is open calls return
// *ErrCircuitOpen without reaching the backend. Context cancellation is not
// counted as a backend failure.
func WithBreaker(emb Embedder, cb *CircuitBreaker) Embedder {
	return &breakerEmbedder{next: emb, cb: cb}
}

func (b *breakerEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := b.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (b *breakerEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if !b.cb.Allow() {
		return nil, &ErrCircuitOpen{Model: b.next.Model(), Until: b.cb.openUntil()}
	}
	vecs, err := b.next.EmbedBatch(ctx, texts)
	switch {
	case err == nil:
		b.cb.RecordSuccess()
	case ctx.Err() == nil:
		b.cb.RecordFailure()
	}
	return vecs, err
}

func (b *breakerEmbedder) Dimension() int { return b.next.Dimension() }
func (b *breakerEmbedder) Model() string  { return b.next.Model() }
