package webdav

import (
	"net/http"
	"path"
)

func (h *Handler) handleMkcol(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := requestPath(r)
	sublog := h.logger(r).With().Str("path", p).Logger()

	if r.ContentLength > 0 {
		// RFC 4918 §9.3: a MKCOL request body this server doesn't
		// understand must be rejected, not silently ignored.
		http.Error(w, "unsupported MKCOL request body", http.StatusUnsupportedMediaType)
		return
	}

	parentID, err := h.repo.GetParentFolderID(ctx, p)
	if err != nil {
		writeError(&sublog, w, err)
		return
	}

	if _, err := h.writer.CreateFolder(ctx, path.Base(p), parentID); err != nil {
		writeError(&sublog, w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}
