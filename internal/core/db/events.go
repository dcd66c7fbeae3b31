package db

import "github.com/seckatie/bookshot/internal/logger"

// ------------------------------
// Event System
// ------------------------------
//
// The DB emits typed events when bookmarks are created, updated, deleted,
// or when the screenshot sub-state is saved or reset. Register listeners to
// react to these changes.
//
// Example usage:
//
//	db.RegisterEventListener(db.OnBookmarkCreatedEvent, func(event db.Event) error {
//	    ev := event.(db.BookmarkCreatedEvent)
//	    return q.Enqueue(ctx, queue.Job{BookmarkID: ev.Bookmark.ID, URL: ev.Bookmark.URL}, 0)
//	})
//
//	db.RegisterEventListener(db.OnBookmarkUpdatedEvent, func(event db.Event) error {
//	    ev := event.(db.BookmarkUpdatedEvent)
//	    log.Info("bookmark updated", logger.String("id", ev.Bookmark.ID))
//	    return nil
//	})
//
// Event is the common interface for all database events.
type Event interface {
	Kind() EventKind
}

// EventKind represents all the kinds of events that can be emitted by the DB.
type EventKind int

const (
	// OnBookmarkCreatedEvent is emitted when a bookmark is created.
	OnBookmarkCreatedEvent EventKind = iota
	// OnBookmarkDeletedEvent is emitted when a bookmark is deleted.
	OnBookmarkDeletedEvent
	// OnBookmarkUpdatedEvent is emitted when a bookmark is updated.
	OnBookmarkUpdatedEvent
	// OnScreenshotSavedEvent is emitted when a capture attempt outcome is saved.
	OnScreenshotSavedEvent
	// OnScreenshotResetEvent is emitted when a screenshot is reset for re-capture.
	OnScreenshotResetEvent
)

func (k EventKind) String() string {
	switch k {
	case OnBookmarkCreatedEvent:
		return "bookmark_created"
	case OnBookmarkDeletedEvent:
		return "bookmark_deleted"
	case OnBookmarkUpdatedEvent:
		return "bookmark_updated"
	case OnScreenshotSavedEvent:
		return "screenshot_saved"
	case OnScreenshotResetEvent:
		return "screenshot_reset"
	default:
		return "unknown"
	}
}

// BookmarkCreatedEvent is emitted after a new bookmark is successfully inserted.
type BookmarkCreatedEvent struct {
	Bookmark Bookmark
}

func (e BookmarkCreatedEvent) Kind() EventKind { return OnBookmarkCreatedEvent }

// BookmarkUpdatedEvent is emitted after a bookmark's user-editable fields change.
type BookmarkUpdatedEvent struct {
	Bookmark Bookmark
}

func (e BookmarkUpdatedEvent) Kind() EventKind { return OnBookmarkUpdatedEvent }

// BookmarkDeletedEvent is emitted after a bookmark is deleted.
// The Bookmark field contains the state before deletion (if available).
type BookmarkDeletedEvent struct {
	Bookmark Bookmark
}

func (e BookmarkDeletedEvent) Kind() EventKind { return OnBookmarkDeletedEvent }

// ScreenshotSavedEvent is emitted after a capture attempt outcome is written.
type ScreenshotSavedEvent struct {
	BookmarkID string
	Status     ScreenshotStatus
	Retries    int
}

func (e ScreenshotSavedEvent) Kind() EventKind { return OnScreenshotSavedEvent }

// ScreenshotResetEvent is emitted after a screenshot is reset to pending so
// the bookmark can be queued for a fresh capture.
type ScreenshotResetEvent struct {
	Bookmark Bookmark
}

func (e ScreenshotResetEvent) Kind() EventKind { return OnScreenshotResetEvent }

// EventListener is a callback that handles events of a specific kind.
type EventListener func(event Event) error

// RegisterEventListener adds a listener for a specific event kind.
// Listeners are called synchronously in registration order after the DB operation succeeds.
func (db *DB) RegisterEventListener(eventKind EventKind, listener EventListener) {
	if db.eventListeners == nil {
		db.eventListeners = make(map[EventKind][]EventListener)
	}
	db.eventListeners[eventKind] = append(db.eventListeners[eventKind], listener)
}

// emit dispatches an event to all registered listeners for that event kind.
// Listener errors are logged and never fail the operation that emitted.
func (db *DB) emit(event Event) {
	listeners := db.eventListeners[event.Kind()]
	for _, listener := range listeners {
		if err := listener(event); err != nil {
			db.log.Warn("event listener failed",
				logger.String("event", event.Kind().String()),
				logger.Error(err),
			)
		}
	}
}
