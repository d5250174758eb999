package boardkeeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/hazyhaar/boardkeeper/board"
	"github.com/hazyhaar/boardkeeper/boardkeeper/internal/store"
	"github.com/hazyhaar/boardkeeper/embedding"
)

const excerptRunes = 240

// indexer refreshes board embeddings in the background. Refresh never
// blocks: requests for a board already queued or refreshing are coalesced
// and a full queue drops the request. Failures are logged and counted,
// never returned.
//
// A board stays in pending until its refresh finishes, so at most one
// worker handles it at a time. The value is the dirty flag: set when a
// Refresh arrives meanwhile, it makes the worker queue the board again.
type indexer struct {
	k       *Keeper
	cfg     IndexConfig
	queue   chan string
	pending *xsync.MapOf[string, bool]
	active  sync.WaitGroup
}

func newIndexer(k *Keeper, cfg IndexConfig) *indexer {
	return &indexer{
		k:       k,
		cfg:     cfg,
		queue:   make(chan string, cfg.QueueSize),
		pending: xsync.NewMapOf[string, bool](),
	}
}

func (ix *indexer) start(ctx context.Context, wg *sync.WaitGroup) {
	for range ix.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ix.work(ctx)
		}()
	}
}

// Refresh schedules an index refresh of boardID.
func (ix *indexer) Refresh(boardID string) {
	enqueue := false
	ix.pending.Compute(boardID, func(_ bool, loaded bool) (bool, bool) {
		enqueue = !loaded
		return loaded, false
	})
	if !enqueue {
		ix.k.metrics.indexRefresh.WithLabelValues("coalesced").Inc()
		return
	}
	ix.enqueue(boardID)
}

func (ix *indexer) enqueue(boardID string) {
	ix.active.Add(1)
	select {
	case ix.queue <- boardID:
	default:
		ix.pending.Delete(boardID)
		ix.active.Done()
		ix.k.metrics.indexRefresh.WithLabelValues("dropped").Inc()
		ix.k.logger.Warn("boardkeeper: index queue full, refresh dropped", "board_id", boardID)
	}
}

// settle releases boardID after a refresh and reports whether a Refresh
// arrived while it ran.
func (ix *indexer) settle(boardID string) bool {
	again := false
	ix.pending.Compute(boardID, func(dirty bool, loaded bool) (bool, bool) {
		again = loaded && dirty
		return false, !again
	})
	return again
}

// wait blocks until every scheduled refresh has run.
func (ix *indexer) wait() { ix.active.Wait() }

func (ix *indexer) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-ix.queue:
			result := ix.refresh(ctx, id)
			ix.k.metrics.indexRefresh.WithLabelValues(result).Inc()
			if ix.settle(id) {
				ix.enqueue(id)
			}
			ix.active.Done()
		}
	}
}

func (ix *indexer) refresh(ctx context.Context, boardID string) string {
	ctx, cancel := context.WithTimeout(ctx, ix.cfg.Timeout)
	defer cancel()
	log := ix.k.logger.With("board_id", boardID)

	b, err := ix.k.store.GetBoard(ctx, boardID)
	if errors.Is(err, board.ErrNotFound) {
		return "gone"
	}
	if err != nil {
		log.Warn("boardkeeper: index load board", "error", err)
		return "error"
	}

	text := board.ExtractText(b.Snapshot)
	textHash := fmt.Sprintf("%016x", xxhash.Sum64String(ix.k.embedder.Model()+"\x00"+text))
	prev, err := ix.k.store.GetEmbeddingTextHash(ctx, boardID)
	if err != nil {
		log.Warn("boardkeeper: index read text hash", "error", err)
		return "error"
	}
	if prev == textHash {
		return "unchanged"
	}

	var vec []float32
	if text != "" {
		vec, err = ix.k.embedder.Embed(ctx, text)
		if err != nil {
			var open *embedding.ErrCircuitOpen
			if errors.As(err, &open) {
				log.Debug("boardkeeper: index skipped, embedder circuit open")
				return "circuit_open"
			}
			log.Warn("boardkeeper: embed board", "error", err)
			return "error"
		}
	}

	err = ix.k.store.UpsertEmbedding(ctx, &store.Embedding{
		BoardID:  boardID,
		Vector:   vec,
		Norm:     embedding.Norm(vec),
		Model:    ix.k.embedder.Model(),
		TextHash: textHash,
		Excerpt:  excerpt(text, excerptRunes),
	})
	if err != nil {
		log.Warn("boardkeeper: store embedding", "error", err)
		return "error"
	}
	log.Debug("boardkeeper: board indexed", "dimension", len(vec))
	return "ok"
}

func excerpt(text string, n int) string {
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	return string([]rune(text)[:n]) + "…"
}
