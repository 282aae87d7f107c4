package webdav

import "net/http"

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := requestPath(r)
	sublog := h.logger(r).With().Str("path", p).Logger()

	if err := checkLockPrecondition(h.locks, r, p); err != nil {
		writeError(&sublog, w, err)
		return
	}

	if f, err := h.repo.GetFileByPath(ctx, p); err == nil {
		if err := h.writer.MoveToTrash(ctx, f.ID); err != nil {
			writeError(&sublog, w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	folder, err := h.repo.GetFolderByPath(ctx, p)
	if err != nil {
		writeError(&sublog, w, err)
		return
	}
	if err := h.writer.DeleteFolder(ctx, folder.ID); err != nil {
		writeError(&sublog, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
