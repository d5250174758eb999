// Package notify announces saved boards to other processes: search
// indexers in other regions, collaborative clients, audit pipelines.
// Delivery is best-effort; a failed publish never fails the save behind it.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/hazyhaar/boardkeeper/board"
	"github.com/hazyhaar/boardkeeper/idgen"
)

// EventTypeSaved is the type of every board-saved event.
const EventTypeSaved = "board.saved.v1"

// Event describes one applied save.
type Event struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	BoardID     string      `json:"board_id"`
	OwnerID     string      `json:"owner_id"`
	Revision    int64       `json:"revision"`
	ContentHash string      `json:"content_hash"`
	Cause       board.Cause `json:"cause"`
	Time        time.Time   `json:"time"`
}

// Saved builds the event for a save result.
func Saved(ownerID string, cause board.Cause, res board.SaveResult) Event {
	return Event{
		ID:          idgen.Event(),
		Type:        EventTypeSaved,
		BoardID:     res.BoardID,
		OwnerID:     ownerID,
		Revision:    res.Revision,
		ContentHash: res.ContentHash,
		Cause:       cause,
		Time:        res.SavedAt.UTC(),
	}
}

// Publisher sends events to a transport.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type noop struct{}

// Noop discards every event.
func Noop() Publisher { return noop{} }

func (noop) Publish(context.Context, Event) error { return nil }
func (noop) Close() error                         { return nil }

type multi []Publisher

// Multi publishes to every publisher and joins their errors.
func Multi(pubs ...Publisher) Publisher {
	switch len(pubs) {
	case 0:
		return Noop()
	case 1:
		return pubs[0]
	}
	return multi(pubs)
}

func (m multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
