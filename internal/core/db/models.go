package db

import "time"

// ScreenshotStatus is the persisted part of the screenshot state machine.
// "capturing" only exists while a job is running and is never stored.
type ScreenshotStatus string

const (
	ScreenshotPending   ScreenshotStatus = "pending"
	ScreenshotCompleted ScreenshotStatus = "completed"
	ScreenshotFailed    ScreenshotStatus = "failed"
)

// Valid reports whether s is one of the persisted statuses.
func (s ScreenshotStatus) Valid() bool {
	switch s {
	case ScreenshotPending, ScreenshotCompleted, ScreenshotFailed:
		return true
	}
	return false
}

type Bookmark struct {
	ID          string    `db:"id" json:"id"`
	OwnerID     string    `db:"owner_id" json:"ownerId"`
	URL         string    `db:"url" json:"url"`
	Title       string    `db:"title" json:"title"`
	Description *string   `db:"description" json:"description"`
	FolderID    *string   `db:"folder_id" json:"folderId"`
	Tags        []string  `db:"-" json:"tags"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`

	Screenshot
}

// Screenshot is the sub-state owned by the capture job.
type Screenshot struct {
	Status  ScreenshotStatus `db:"screenshot_status" json:"screenshotStatus"`
	URL     *string          `db:"screenshot_url" json:"screenshotUrl"`
	Path    *string          `db:"screenshot_path" json:"screenshotPath"`
	Retries int              `db:"screenshot_retries" json:"screenshotRetries"`
	Error   *string          `db:"screenshot_error" json:"screenshotError"`
}

// Consistent reports whether the status agrees with the url/path fields:
// completed requires both, pending requires neither.
func (s Screenshot) Consistent() bool {
	switch s.Status {
	case ScreenshotCompleted:
		return s.URL != nil && s.Path != nil
	case ScreenshotPending:
		return s.URL == nil && s.Path == nil
	case ScreenshotFailed:
		return true
	}
	return false
}

// NewBookmark holds the user-supplied fields of a bookmark to create.
type NewBookmark struct {
	OwnerID     string
	URL         string
	Title       string
	Description *string
	FolderID    *string
	Tags        []string
}

// BookmarkUpdate lists the user-editable fields. Nil fields are left unchanged.
type BookmarkUpdate struct {
	Title       *string
	Description *string
	FolderID    *string
	Tags        *[]string
}

// Tag is the usage aggregate of one normalized tag name.
type Tag struct {
	Name      string    `db:"name" json:"name"`
	Count     int       `db:"count" json:"count"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}
