// Package boardkeeper is the persistence service of the AI whiteboard.
//
// Each open canvas gets an editing session whose save coordinator turns the
// editor's change stream into debounced snapshot saves, plus one final save
// when the session closes. Saves land in a revisioned SQLite board store;
// teardown saves go through a durable outbox first so a failed final save is
// redelivered instead of lost. Successful saves trigger a best-effort
// embedding refresh (semantic search) and a saved-event notification.
//
// Usage:
//
//	k, err := boardkeeper.New(cfg, logger, boardkeeper.WithCompleter(c))
//	defer k.Close()
//	k.Start(ctx)
//	k.RegisterRoutes(router)
package boardkeeper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/hazyhaar/boardkeeper/assist"
	"github.com/hazyhaar/boardkeeper/board"
	"github.com/hazyhaar/boardkeeper/boardkeeper/internal/store"
	"github.com/hazyhaar/boardkeeper/dbopen"
	"github.com/hazyhaar/boardkeeper/embedding"
	"github.com/hazyhaar/boardkeeper/idgen"
	"github.com/hazyhaar/boardkeeper/notify"
	"github.com/hazyhaar/boardkeeper/outbox"
	"github.com/hazyhaar/boardkeeper/savecoord"
)

const outboxQueue = "board_saves"

// Option configures a Keeper.
type Option func(*Keeper)

// WithEmbedder replaces the embedder built from Config.Embedding. It is
// still wrapped by the circuit breaker.
func WithEmbedder(e embedding.Embedder) Option {
	return func(k *Keeper) { k.embedder = e }
}

// WithCompleter injects the assist client.
func WithCompleter(c assist.Completer) Option {
	return func(k *Keeper) { k.completer = c }
}

// WithPublisher injects the saved-event publisher.
func WithPublisher(p notify.Publisher) Option {
	return func(k *Keeper) { k.publisher = p }
}

// WithClock replaces the wall clock used by sessions.
func WithClock(c savecoord.Clock) Option {
	return func(k *Keeper) { k.clock = c }
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(k *Keeper) { k.registry = reg }
}

// Keeper is the boardkeeper service.
type Keeper struct {
	cfg      *Config
	logger   *slog.Logger
	store    *store.Store
	outboxDB *sql.DB // nil when the outbox shares the board database
	outbox   *outbox.Outbox

	embedder   embedding.Embedder
	breaker    *embedding.CircuitBreaker
	completer  assist.Completer
	publisher  notify.Publisher
	clock      savecoord.Clock
	registry   *prometheus.Registry
	metrics    *metrics
	indexer    *indexer
	queryCache *lru.Cache[string, []float32]

	sessions   *xsync.MapOf[string, *Session]
	mcpServers *xsync.MapOf[string, *mcp.Server]

	bgCtx     context.Context
	bgCancel  context.CancelFunc
	bg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New opens the databases and wires the service. Call Start to run the
// background loops and Close to shut down.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Keeper, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	k := &Keeper{
		cfg:        cfg,
		logger:     logger,
		sessions:   xsync.NewMapOf[string, *Session](),
		mcpServers: xsync.NewMapOf[string, *mcp.Server](),
	}
	for _, o := range opts {
		o(k)
	}

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("boardkeeper: open store: %w", err)
	}
	if cfg.DBPath == ":memory:" {
		s.DB.SetMaxOpenConns(1)
	}
	k.store = s

	obxDB := s.DB
	if cfg.OutboxPath != "" && cfg.OutboxPath != cfg.DBPath {
		obxDB, err = dbopen.Open(cfg.OutboxPath, dbopen.WithMkdirAll())
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("boardkeeper: open outbox: %w", err)
		}
		k.outboxDB = obxDB
	}

	obxOpts := cfg.Outbox
	obxOpts.Queue = outboxQueue
	obxOpts.Drop = permanent
	obxOpts.Logger = logger
	k.outbox = outbox.New(obxDB, obxOpts)
	if err := k.outbox.EnsureTable(context.Background()); err != nil {
		k.closeDBs()
		return nil, err
	}

	if k.embedder == nil {
		ecfg := cfg.Embedding.Config
		ecfg.Logger = logger
		if ecfg.Endpoint == "" && cfg.Embedding.Hashing {
			k.embedder = embedding.NewHashing(ecfg.Dimension)
		} else {
			k.embedder = embedding.New(ecfg)
		}
	}
	k.breaker = embedding.NewCircuitBreaker(cfg.Embedding.Breaker)
	k.embedder = embedding.WithBreaker(k.embedder, k.breaker)

	if k.completer == nil {
		acfg := cfg.Assist
		acfg.Logger = logger
		k.completer = assist.New(acfg)
	}
	if k.publisher == nil {
		k.publisher = notify.Noop()
	}
	if k.clock == nil {
		k.clock = savecoord.SystemClock()
	}
	if k.registry == nil {
		k.registry = prometheus.NewRegistry()
	}
	k.metrics = newMetrics(k.registry)

	k.queryCache, err = lru.New[string, []float32](cfg.Index.QueryCache)
	if err != nil {
		k.closeDBs()
		return nil, err
	}

	k.bgCtx, k.bgCancel = context.WithCancel(context.Background())
	k.indexer = newIndexer(k, cfg.Index)
	k.indexer.start(k.bgCtx, &k.bg)

	return k, nil
}

// Start launches the outbox consumer and the idle session reaper. They stop
// when ctx is cancelled or Close is called.
func (k *Keeper) Start(ctx context.Context) {
	k.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-k.bgCtx.Done():
			case <-ctx.Done():
			}
			cancel()
		}()

		k.bg.Add(2)
		go func() {
			defer k.bg.Done()
			k.outbox.Run(ctx, k.redeliver)
		}()
		go func() {
			defer k.bg.Done()
			k.reapLoop(ctx)
		}()
		k.logger.Info("boardkeeper: started", "db", k.cfg.DBPath, "index_workers", k.cfg.Index.Workers)
	})
}

// Close flushes and closes every open session, stops background work and
// closes the databases.
func (k *Keeper) Close() error {
	var err error
	k.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		k.sessions.Range(func(id string, s *Session) bool {
			k.closeSession(ctx, s, "shutdown")
			return true
		})

		k.bgCancel()
		k.bg.Wait()
		err = k.closeDBs()
		k.logger.Info("boardkeeper: stopped")
	})
	return err
}

func (k *Keeper) closeDBs() error {
	var errs []error
	if k.outboxDB != nil {
		errs = append(errs, k.outboxDB.Close())
	}
	errs = append(errs, k.store.Close())
	return errors.Join(errs...)
}

// Registry returns the metrics registry.
func (k *Keeper) Registry() *prometheus.Registry { return k.registry }

// permanent reports save errors that no redelivery can fix.
func permanent(err error) bool {
	return errors.Is(err, board.ErrStaleSnapshot) ||
		errors.Is(err, board.ErrInvalidSnapshot) ||
		errors.Is(err, board.ErrInvalidRequest) ||
		errors.Is(err, board.ErrNotFound)
}

// --- boards ---

// CreateBoard creates an empty board owned by ownerID.
func (k *Keeper) CreateBoard(ctx context.Context, ownerID, title string) (*board.Board, error) {
	b := &board.Board{
		ID:      idgen.Board(),
		OwnerID: ownerID,
		Title:   strings.TrimSpace(title),
	}
	if err := k.store.CreateBoard(ctx, b); err != nil {
		return nil, err
	}
	k.logger.Info("boardkeeper: board created", "board_id", b.ID, "owner_id", ownerID)
	return b, nil
}

// GetBoard returns a board owned by ownerID, or board.ErrNotFound.
func (k *Keeper) GetBoard(ctx context.Context, ownerID, boardID string) (*board.Board, error) {
	b, err := k.store.GetBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if b.OwnerID != ownerID {
		return nil, board.ErrNotFound
	}
	return b, nil
}

// ListBoards returns the boards of ownerID without snapshots.
func (k *Keeper) ListBoards(ctx context.Context, ownerID string, limit int) ([]*board.Board, error) {
	return k.store.ListBoards(ctx, ownerID, limit)
}

// DeleteBoard discards open sessions on the board without saving, then
// deletes it with its embedding. Saves already in flight finish first;
// queued teardown saves of the board are dropped on redelivery.
func (k *Keeper) DeleteBoard(ctx context.Context, ownerID, boardID string) error {
	if _, err := k.GetBoard(ctx, ownerID, boardID); err != nil {
		return err
	}
	k.sessions.Range(func(id string, s *Session) bool {
		if s.BoardID == boardID {
			if _, ok := k.sessions.LoadAndDelete(id); ok {
				s.coord.Dispose()
				s.coord.Wait()
				k.metrics.sessions.Dec()
			}
		}
		return true
	})
	if err := k.store.DeleteBoard(ctx, boardID); err != nil {
		return err
	}
	k.logger.Info("boardkeeper: board deleted", "board_id", boardID, "owner_id", ownerID)
	return nil
}

// SaveBoard stores a snapshot outside any editing session. The owner must
// be set on req. A capture time ahead of the service clock is clamped to
// now so a skewed client cannot fence off every later save.
func (k *Keeper) SaveBoard(ctx context.Context, req board.SaveRequest) (board.SaveResult, error) {
	if req.Cause == "" {
		req.Cause = board.CauseDirect
	}
	if now := k.clock.Now(); req.Snapshot.TakenAt.IsZero() || req.Snapshot.TakenAt.After(now) {
		req.Snapshot.TakenAt = now
	}
	start := time.Now()
	res, err := k.saveSnapshot(ctx, req)
	k.metrics.record(req.Cause, res, err, time.Since(start).Seconds())
	if err == nil {
		k.indexer.Refresh(req.BoardID)
	}
	return res, err
}

// saveSnapshot is the single write path of every save: validate, upsert,
// announce.
func (k *Keeper) saveSnapshot(ctx context.Context, req board.SaveRequest) (board.SaveResult, error) {
	if err := req.Validate(); err != nil {
		return board.SaveResult{}, err
	}
	res, err := k.store.UpsertSnapshot(ctx, req)
	if err != nil {
		return res, err
	}
	if res.Changed {
		k.announce(ctx, req, res)
	}
	return res, nil
}

func (k *Keeper) announce(ctx context.Context, req board.SaveRequest, res board.SaveResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := k.publisher.Publish(ctx, notify.Saved(req.OwnerID, req.Cause, res)); err != nil {
		k.metrics.notifyFailures.Inc()
		k.logger.Warn("boardkeeper: publish saved event", "board_id", req.BoardID, "revision", res.Revision, "error", err)
	}
}

// Stats is a service snapshot.
type Stats struct {
	Boards         int    `json:"boards"`
	Embeddings     int    `json:"embeddings"`
	ActiveSessions int    `json:"active_sessions"`
	OutboxDepth    int    `json:"outbox_depth"`
	EmbeddingModel string `json:"embedding_model"`
	Breaker        string `json:"breaker"`
}

// Stats counts boards, embeddings, sessions and pending outbox rows.
func (k *Keeper) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		ActiveSessions: k.sessions.Size(),
		EmbeddingModel: k.embedder.Model(),
		Breaker:        k.breaker.State().String(),
	}
	var err error
	if st.Boards, err = k.store.CountBoards(ctx); err != nil {
		return nil, err
	}
	if st.Embeddings, err = k.store.CountEmbeddings(ctx); err != nil {
		return nil, err
	}
	if st.OutboxDepth, err = k.outbox.Len(ctx); err != nil {
		return nil, err
	}
	return st, nil
}
