package boardkeeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hazyhaar/boardkeeper/assist"
	"github.com/hazyhaar/boardkeeper/board"
	"github.com/hazyhaar/boardkeeper/embedding"
)

// ErrEmptyQuery is returned by Search and Ask for blank input.
var ErrEmptyQuery = errors.New("boardkeeper: empty query")

// SearchResult is one board matching a semantic query.
type SearchResult struct {
	BoardID string  `json:"board_id"`
	Title   string  `json:"title"`
	Score   float64 `json:"score"`
	Excerpt string  `json:"excerpt,omitempty"`
}

// Search ranks the owner's indexed boards by cosine similarity to query.
// Boards indexed with another embedding model are ignored.
func (k *Keeper) Search(ctx context.Context, ownerID, query string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if limit <= 0 {
		limit = 10
	}

	qvec, err := k.queryVector(ctx, query)
	if err != nil {
		return nil, err
	}
	qnorm := embedding.Norm(qvec)
	if qnorm == 0 {
		return []SearchResult{}, nil
	}

	embs, err := k.store.ListEmbeddings(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	model := k.embedder.Model()
	results := make([]SearchResult, 0, len(embs))
	for _, e := range embs {
		if e.Model != model || e.Norm == 0 || len(e.Vector) != len(qvec) {
			continue
		}
		score := embedding.CosineSimilarity(qvec, e.Vector, qnorm, e.Norm)
		if score <= 0 {
			continue
		}
		results = append(results, SearchResult{
			BoardID: e.BoardID,
			Title:   e.Title,
			Score:   score,
			Excerpt: e.Excerpt,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].BoardID < results[j].BoardID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (k *Keeper) queryVector(ctx context.Context, query string) ([]float32, error) {
	key := k.embedder.Model() + "\x00" + query
	if v, ok := k.queryCache.Get(key); ok {
		return v, nil
	}
	v, err := k.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("boardkeeper: embed query: %w", err)
	}
	k.queryCache.Add(key, v)
	return v, nil
}

// AskResult is the assistant's answer about one board.
type AskResult struct {
	BoardID  string `json:"board_id"`
	Revision int64  `json:"revision"`
	Answer   string `json:"answer"`
}

// Ask answers a question about a board from its stored content. Open
// sessions are not consulted; unsaved edits are invisible to the assistant.
func (k *Keeper) Ask(ctx context.Context, ownerID, boardID, question string) (*AskResult, error) {
	if strings.TrimSpace(question) == "" {
		return nil, ErrEmptyQuery
	}
	b, err := k.GetBoard(ctx, ownerID, boardID)
	if err != nil {
		return nil, err
	}
	answer, err := k.completer.Complete(ctx, question, board.ExtractText(b.Snapshot))
	if err != nil {
		if !errors.Is(err, assist.ErrDisabled) {
			k.logger.Warn("boardkeeper: assist failed", "board_id", boardID, "error", err)
		}
		return nil, err
	}
	return &AskResult{BoardID: b.ID, Revision: b.Revision, Answer: answer}, nil
}
