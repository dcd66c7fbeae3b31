package db

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrScreenshotPending is returned by ResetScreenshot when a capture is
// already pending for the bookmark.
var ErrScreenshotPending = errors.New("screenshot capture already pending")

// UpdateScreenshot writes the screenshot sub-state of a bookmark. It touches
// exactly the screenshot fields and updated_at, and returns ErrNotFound when
// the bookmark no longer exists.
// Emits a ScreenshotSavedEvent after a successful write.
func (db *DB) UpdateScreenshot(ctx context.Context, id string, s Screenshot) error {
	if !s.Status.Valid() {
		return fmt.Errorf("invalid screenshot status %q", s.Status)
	}
	if !s.Consistent() {
		return fmt.Errorf("inconsistent screenshot state for status %q", s.Status)
	}

	res, err := db.db.ExecContext(ctx, `
		UPDATE bookmarks
		SET
			screenshot_status = ?,
			screenshot_url = ?,
			screenshot_path = ?,
			screenshot_retries = ?,
			screenshot_error = ?,
			updated_at = ?
		WHERE id = ?
	`,
		s.Status,
		s.URL,
		s.Path,
		s.Retries,
		s.Error,
		db.now(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to save screenshot state: %w", err)
	}
	if err := requireAffected(res, id); err != nil {
		return err
	}

	db.emit(ScreenshotSavedEvent{
		BookmarkID: id,
		Status:     s.Status,
		Retries:    s.Retries,
	})

	return nil
}

// ResetScreenshot puts a completed or failed screenshot back to pending with
// zero retries. It returns ErrScreenshotPending if a capture is already pending.
// Emits a ScreenshotResetEvent so the bookmark can be queued for re-capture.
func (db *DB) ResetScreenshot(ctx context.Context, id string) (Bookmark, error) {
	res, err := db.db.ExecContext(ctx, `
		UPDATE bookmarks
		SET
			screenshot_status = ?,
			screenshot_url = NULL,
			screenshot_path = NULL,
			screenshot_retries = 0,
			screenshot_error = NULL,
			updated_at = ?
		WHERE id = ? AND screenshot_status != ?
	`, ScreenshotPending, db.now(), id, ScreenshotPending)
	if err != nil {
		return Bookmark{}, fmt.Errorf("failed to reset screenshot: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Bookmark{}, fmt.Errorf("failed to determine rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := db.GetBookmark(ctx, id); err != nil {
			return Bookmark{}, err
		}
		return Bookmark{}, ErrScreenshotPending
	}

	b, err := db.GetBookmark(ctx, id)
	if err != nil {
		return Bookmark{}, err
	}
	db.emit(ScreenshotResetEvent{Bookmark: b})

	return b, nil
}

// ListStalePending returns pending bookmarks not touched since before cutoff,
// oldest first.
func (db *DB) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]Bookmark, error) {
	query := "SELECT " + bookmarkColumns + `
		FROM bookmarks
		WHERE screenshot_status = ? AND updated_at < ?
		ORDER BY updated_at ASC
	`
	var (
		out []Bookmark
		err error
	)
	if limit > 0 {
		err = db.db.SelectContext(ctx, &out, query+" LIMIT ?", ScreenshotPending, cutoff.UTC(), limit)
	} else {
		err = db.db.SelectContext(ctx, &out, query, ScreenshotPending, cutoff.UTC())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending bookmarks: %w", err)
	}
	return out, nil
}
