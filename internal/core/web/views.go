package web

import "github.com/seckatie/bookshot/internal/core/db"

type createBookmarkRequest struct {
	URL         string   `json:"url"`
	Title       string   `json:"title"`
	Description *string  `json:"description"`
	FolderID    *string  `json:"folderId"`
	Tags        []string `json:"tags"`
}

// updateBookmarkRequest leaves absent fields unchanged. The URL is not editable.
type updateBookmarkRequest struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	FolderID    *string   `json:"folderId"`
	Tags        *[]string `json:"tags"`
}

type tagsResponse struct {
	Tags []db.Tag `json:"tags"`
}

type errorResponse struct {
	Error string `json:"error"`
}
