// Package storage uploads and deletes screenshot images.
package storage

import (
	"context"
	"errors"
	"net/url"
)

// ErrObjectNotFound is returned by Delete when nothing is stored at the path.
var ErrObjectNotFound = errors.New("object not found")

const ContentTypePNG = "image/png"

// Store is an object store addressed by slash-separated paths.
type Store interface {
	// Upload writes body at path, replacing any existing object, and returns
	// an address clients can fetch it from.
	Upload(ctx context.Context, path, contentType string, body []byte) (string, error)
	// Delete removes the object at path, or returns ErrObjectNotFound.
	Delete(ctx context.Context, path string) error
}

// ScreenshotPath returns the deterministic storage path of a bookmark's
// screenshot, screenshots/{ownerID}/{bookmarkID}.png.
func ScreenshotPath(ownerID, bookmarkID string) string {
	return "screenshots/" + url.PathEscape(ownerID) + "/" + url.PathEscape(bookmarkID) + ".png"
}

// IgnoreNotFound returns nil for ErrObjectNotFound and err otherwise.
func IgnoreNotFound(err error) error {
	if errors.Is(err, ErrObjectNotFound) {
		return nil
	}
	return err
}
