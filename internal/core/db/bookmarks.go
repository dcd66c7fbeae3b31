package db

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var (
	// ErrInvalidURL is returned when a bookmark URL fails validation.
	ErrInvalidURL = errors.New("invalid URL")
	// ErrInvalidBookmark is returned when required bookmark fields are missing.
	ErrInvalidBookmark = errors.New("invalid bookmark")
	// ErrNotFound is returned when the bookmark does not exist.
	ErrNotFound = errors.New("bookmark not found")
	// ErrInvalidCursor is returned when a pagination cursor cannot be decoded.
	ErrInvalidCursor = errors.New("invalid cursor")
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ValidateBookmarkURL validates that a URL is acceptable for bookmarking.
// It requires the URL to have http or https scheme and a non-empty host.
func ValidateBookmarkURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("%w: empty URL", ErrInvalidURL)
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidURL, u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	return nil
}

const bookmarkColumns = `
	id, owner_id, url, title, description, folder_id, created_at, updated_at,
	screenshot_status, screenshot_url, screenshot_path, screenshot_retries, screenshot_error
`

// ------------------------------
// Bookmark methods
// ------------------------------

func (db *DB) GetBookmark(ctx context.Context, id string) (Bookmark, error) {
	var b Bookmark
	err := db.db.GetContext(ctx, &b, "SELECT "+bookmarkColumns+" FROM bookmarks WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Bookmark{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Bookmark{}, fmt.Errorf("failed to get bookmark: %w", err)
	}
	if err := attachTags(ctx, db.db, []*Bookmark{&b}); err != nil {
		return Bookmark{}, err
	}
	return b, nil
}

// AddBookmark inserts a new bookmark with a pending screenshot and returns it.
//
// It validates the URL before inserting and returns ErrInvalidURL if validation fails.
// Tag aggregates are incremented in the same transaction.
// Emits a BookmarkCreatedEvent after successful insert.
func (db *DB) AddBookmark(ctx context.Context, nb NewBookmark) (Bookmark, error) {
	if err := ValidateBookmarkURL(nb.URL); err != nil {
		return Bookmark{}, err
	}
	if strings.TrimSpace(nb.OwnerID) == "" {
		return Bookmark{}, fmt.Errorf("%w: missing owner", ErrInvalidBookmark)
	}

	now := db.now()
	b := Bookmark{
		ID:          uuid.NewString(),
		OwnerID:     nb.OwnerID,
		URL:         nb.URL,
		Title:       strings.TrimSpace(nb.Title),
		Description: nb.Description,
		FolderID:    nb.FolderID,
		Tags:        NormalizeTags(nb.Tags),
		CreatedAt:   now,
		UpdatedAt:   now,
		Screenshot:  Screenshot{Status: ScreenshotPending},
	}

	err := db.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO bookmarks (
				id, owner_id, url, title, description, folder_id, created_at, updated_at,
				screenshot_status, screenshot_retries
			) VALUES (
				:id, :owner_id, :url, :title, :description, :folder_id, :created_at, :updated_at,
				:screenshot_status, :screenshot_retries
			)
		`, &b); err != nil {
			return fmt.Errorf("failed to add bookmark: %w", err)
		}
		if err := insertBookmarkTags(ctx, tx, b.ID, b.Tags); err != nil {
			return err
		}
		return applyTagDeltas(ctx, tx, b.Tags, nil, now)
	})
	if err != nil {
		return Bookmark{}, err
	}

	db.emit(BookmarkCreatedEvent{Bookmark: b})

	return b, nil
}

// ListOptions filters and paginates ListBookmarks. OwnerID is required.
type ListOptions struct {
	OwnerID  string
	Tag      string
	FolderID string
	Limit    int
	Cursor   string
}

// Page is one page of bookmarks, newest first. NextCursor is empty on the last page.
type Page struct {
	Bookmarks  []Bookmark `json:"bookmarks"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

func (db *DB) ListBookmarks(ctx context.Context, opts ListOptions) (Page, error) {
	if opts.OwnerID == "" {
		return Page{}, fmt.Errorf("%w: missing owner", ErrInvalidBookmark)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	var (
		where = []string{"b.owner_id = ?"}
		args  = []any{opts.OwnerID}
	)
	if tag := normalizeTag(opts.Tag); tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM bookmark_tags bt WHERE bt.bookmark_id = b.id AND bt.tag = ?)")
		args = append(args, tag)
	}
	if opts.FolderID != "" {
		where = append(where, "b.folder_id = ?")
		args = append(args, opts.FolderID)
	}
	if opts.Cursor != "" {
		createdAt, id, err := decodeCursor(opts.Cursor)
		if err != nil {
			return Page{}, err
		}
		where = append(where, "(b.created_at < ? OR (b.created_at = ? AND b.id < ?))")
		args = append(args, createdAt, createdAt, id)
	}
	args = append(args, limit+1)

	query := "SELECT " + prefixColumns("b") + " FROM bookmarks b WHERE " +
		strings.Join(where, " AND ") +
		" ORDER BY b.created_at DESC, b.id DESC LIMIT ?"

	var out []Bookmark
	if err := db.db.SelectContext(ctx, &out, query, args...); err != nil {
		return Page{}, fmt.Errorf("failed to list bookmarks: %w", err)
	}

	var page Page
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}

	ptrs := make([]*Bookmark, len(out))
	for i := range out {
		ptrs[i] = &out[i]
	}
	if err := attachTags(ctx, db.db, ptrs); err != nil {
		return Page{}, err
	}

	page.Bookmarks = out
	if page.Bookmarks == nil {
		page.Bookmarks = []Bookmark{}
	}
	return page, nil
}

// UpdateBookmark applies the non-nil fields of u and adjusts tag aggregates.
// Emits a BookmarkUpdatedEvent after successful update.
func (db *DB) UpdateBookmark(ctx context.Context, id string, u BookmarkUpdate) (Bookmark, error) {
	now := db.now()

	err := db.inTx(ctx, func(tx *sqlx.Tx) error {
		sets := []string{"updated_at = ?"}
		args := []any{now}
		if u.Title != nil {
			sets = append(sets, "title = ?")
			args = append(args, strings.TrimSpace(*u.Title))
		}
		if u.Description != nil {
			sets = append(sets, "description = ?")
			args = append(args, nullIfEmpty(*u.Description))
		}
		if u.FolderID != nil {
			sets = append(sets, "folder_id = ?")
			args = append(args, nullIfEmpty(*u.FolderID))
		}
		args = append(args, id)

		res, err := tx.ExecContext(ctx, "UPDATE bookmarks SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
		if err != nil {
			return fmt.Errorf("failed to update bookmark: %w", err)
		}
		if err := requireAffected(res, id); err != nil {
			return err
		}

		if u.Tags == nil {
			return nil
		}
		current, err := loadTags(ctx, tx, id)
		if err != nil {
			return err
		}
		next := NormalizeTags(*u.Tags)
		added, removed := diffTags(current, next)
		if _, err := tx.ExecContext(ctx, "DELETE FROM bookmark_tags WHERE bookmark_id = ?", id); err != nil {
			return fmt.Errorf("failed to clear bookmark tags: %w", err)
		}
		if err := insertBookmarkTags(ctx, tx, id, next); err != nil {
			return err
		}
		return applyTagDeltas(ctx, tx, added, removed, now)
	})
	if err != nil {
		return Bookmark{}, err
	}

	b, err := db.GetBookmark(ctx, id)
	if err != nil {
		return Bookmark{}, err
	}
	db.emit(BookmarkUpdatedEvent{Bookmark: b})

	return b, nil
}

// FillTitle sets the title only when the stored title is empty. It reports
// whether the title was written.
func (db *DB) FillTitle(ctx context.Context, id, title string) (bool, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return false, nil
	}
	res, err := db.db.ExecContext(ctx,
		"UPDATE bookmarks SET title = ?, updated_at = ? WHERE id = ? AND title = ''",
		title, db.now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to fill bookmark title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to determine rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if b, err := db.GetBookmark(ctx, id); err == nil {
		db.emit(BookmarkUpdatedEvent{Bookmark: b})
	}
	return true, nil
}

// DeleteBookmark removes a bookmark and decrements its tag aggregates.
// It does not touch stored screenshots; callers delete the image first.
// Emits a BookmarkDeletedEvent after successful deletion.
func (db *DB) DeleteBookmark(ctx context.Context, id string) error {
	b, err := db.GetBookmark(ctx, id)
	if err != nil {
		return err
	}

	err = db.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM bookmarks WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("failed to delete bookmark: %w", err)
		}
		if err := requireAffected(res, id); err != nil {
			return err
		}
		tags, err := loadTags(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM bookmark_tags WHERE bookmark_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete bookmark tags: %w", err)
		}
		return applyTagDeltas(ctx, tx, nil, tags, db.now())
	})
	if err != nil {
		return err
	}

	db.emit(BookmarkDeletedEvent{Bookmark: b})

	return nil
}

// inTx runs fn in a transaction and commits when fn returns nil.
func (db *DB) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to determine rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func prefixColumns(alias string) string {
	cols := strings.Split(bookmarkColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func encodeCursor(createdAt time.Time, id string) string {
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return time.Time{}, "", ErrInvalidCursor
	}
	createdAt, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return createdAt.UTC(), id, nil
}
