package db

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// NormalizeTags trims and lower-cases tags, drops empty ones, and returns the
// remaining set sorted.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		n := normalizeTag(t)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func normalizeTag(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

// diffTags returns the tags present only in next (added) and only in current (removed).
func diffTags(current, next []string) (added, removed []string) {
	cur := make(map[string]struct{}, len(current))
	for _, t := range current {
		cur[t] = struct{}{}
	}
	nxt := make(map[string]struct{}, len(next))
	for _, t := range next {
		nxt[t] = struct{}{}
		if _, ok := cur[t]; !ok {
			added = append(added, t)
		}
	}
	for _, t := range current {
		if _, ok := nxt[t]; !ok {
			removed = append(removed, t)
		}
	}
	return added, removed
}

func loadTags(ctx context.Context, q sqlx.QueryerContext, bookmarkID string) ([]string, error) {
	var tags []string
	if err := sqlx.SelectContext(ctx, q, &tags,
		"SELECT tag FROM bookmark_tags WHERE bookmark_id = ? ORDER BY tag", bookmarkID); err != nil {
		return nil, fmt.Errorf("failed to load bookmark tags: %w", err)
	}
	return tags, nil
}

func insertBookmarkTags(ctx context.Context, tx *sqlx.Tx, bookmarkID string, tags []string) error {
	for _, t := range tags {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO bookmark_tags (bookmark_id, tag) VALUES (?, ?)", bookmarkID, t); err != nil {
			return fmt.Errorf("failed to insert bookmark tag: %w", err)
		}
	}
	return nil
}

// applyTagDeltas increments added tags and decrements removed ones, deleting
// aggregates whose count reaches zero.
func applyTagDeltas(ctx context.Context, tx *sqlx.Tx, added, removed []string, now time.Time) error {
	for _, t := range added {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tags (name, count, updated_at) VALUES (?, 1, ?)
			ON CONFLICT(name) DO UPDATE SET count = count + 1, updated_at = excluded.updated_at
		`, t, now); err != nil {
			return fmt.Errorf("failed to increment tag %q: %w", t, err)
		}
	}
	for _, t := range removed {
		if _, err := tx.ExecContext(ctx,
			"UPDATE tags SET count = count - 1, updated_at = ? WHERE name = ?", now, t); err != nil {
			return fmt.Errorf("failed to decrement tag %q: %w", t, err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM tags WHERE name = ? AND count <= 0", t); err != nil {
			return fmt.Errorf("failed to delete tag %q: %w", t, err)
		}
	}
	return nil
}

// attachTags fills the Tags field of each bookmark with one query.
func attachTags(ctx context.Context, q sqlx.QueryerContext, bookmarks []*Bookmark) error {
	if len(bookmarks) == 0 {
		return nil
	}
	ids := make([]string, len(bookmarks))
	byID := make(map[string]*Bookmark, len(bookmarks))
	for i, b := range bookmarks {
		ids[i] = b.ID
		byID[b.ID] = b
		b.Tags = []string{}
	}

	query, args, err := sqlx.In(
		"SELECT bookmark_id, tag FROM bookmark_tags WHERE bookmark_id IN (?) ORDER BY tag", ids)
	if err != nil {
		return fmt.Errorf("failed to build tag query: %w", err)
	}

	var rows []struct {
		BookmarkID string `db:"bookmark_id"`
		Tag        string `db:"tag"`
	}
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return fmt.Errorf("failed to load bookmark tags: %w", err)
	}
	for _, r := range rows {
		if b, ok := byID[r.BookmarkID]; ok {
			b.Tags = append(b.Tags, r.Tag)
		}
	}
	return nil
}

// ListTags returns tag aggregates ordered by usage, most used first.
func (db *DB) ListTags(ctx context.Context, limit int) ([]Tag, error) {
	query := "SELECT name, count, updated_at FROM tags ORDER BY count DESC, name ASC"
	var (
		out []Tag
		err error
	)
	if limit > 0 {
		err = db.db.SelectContext(ctx, &out, query+" LIMIT ?", limit)
	} else {
		err = db.db.SelectContext(ctx, &out, query)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	if out == nil {
		out = []Tag{}
	}
	return out, nil
}
