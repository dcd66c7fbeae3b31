package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seckatie/bookshot/internal/core/db"
)

func (ws *Server) createBookmark(w http.ResponseWriter, r *http.Request) {
	var req createBookmarkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	b, err := ws.db.AddBookmark(r.Context(), db.NewBookmark{
		OwnerID:     ownerFrom(r),
		URL:         req.URL,
		Title:       req.Title,
		Description: req.Description,
		FolderID:    req.FolderID,
		Tags:        req.Tags,
	})
	if err != nil {
		ws.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (ws *Server) listBookmarks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	page, err := ws.db.ListBookmarks(r.Context(), db.ListOptions{
		OwnerID:  ownerFrom(r),
		Tag:      q.Get("tag"),
		FolderID: q.Get("folder"),
		Limit:    limit,
		Cursor:   q.Get("cursor"),
	})
	if err != nil {
		ws.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// ownedBookmark loads the {id} bookmark and checks it belongs to the caller.
func (ws *Server) ownedBookmark(r *http.Request) (db.Bookmark, error) {
	b, err := ws.db.GetBookmark(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return db.Bookmark{}, err
	}
	if b.OwnerID != ownerFrom(r) {
		return db.Bookmark{}, db.ErrNotFound
	}
	return b, nil
}

func (ws *Server) getBookmark(w http.ResponseWriter, r *http.Request) {
	b, err := ws.ownedBookmark(r)
	if err != nil {
		ws.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (ws *Server) updateBookmark(w http.ResponseWriter, r *http.Request) {
	var req updateBookmarkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	b, err := ws.ownedBookmark(r)
	if err != nil {
		ws.respondError(w, r, err)
		return
	}

	updated, err := ws.db.UpdateBookmark(r.Context(), b.ID, db.BookmarkUpdate{
		Title:       req.Title,
		Description: req.Description,
		FolderID:    req.FolderID,
		Tags:        req.Tags,
	})
	if err != nil {
		ws.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (ws *Server) deleteBookmark(w http.ResponseWriter, r *http.Request) {
	if err := ws.screenshots.DeleteBookmark(r.Context(), chi.URLParam(r, "id"), ownerFrom(r)); err != nil {
		ws.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (ws *Server) retryScreenshot(w http.ResponseWriter, r *http.Request) {
	b, err := ws.screenshots.Retry(r.Context(), chi.URLParam(r, "id"), ownerFrom(r))
	if err != nil {
		ws.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, b)
}

func (ws *Server) listTags(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tags, err := ws.db.ListTags(r.Context(), limit)
	if err != nil {
		ws.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tagsResponse{Tags: tags})
}
