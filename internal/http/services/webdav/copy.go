package webdav

import (
	"net/http"
	"path"
	"strings"
)

const webdavBaseURI = "/webdav"

func (h *Handler) handleCopy(w http.ResponseWriter, r *http.Request) {
	h.copyOrMove(w, r, false)
}

func (h *Handler) handleMove(w http.ResponseWriter, r *http.Request) {
	h.copyOrMove(w, r, true)
}

// copyOrMove implements both COPY and MOVE, which differ only in whether
// the source is removed afterwards — grounded on the teacher's doCopy,
// with the CS3 Stat/CreateContainer/Move calls replaced by direct
// repository calls.
func (h *Handler) copyOrMove(w http.ResponseWriter, r *http.Request, isMove bool) {
	ctx := r.Context()
	src := requestPath(r)
	sublog := h.logger(r).With().Str("source", src).Logger()

	dst, err := extractDestination(r.Header.Get("Destination"), webdavBaseURI)
	if err != nil {
		writeError(&sublog, w, err)
		return
	}
	if dst == src {
		http.Error(w, "source and destination are identical", http.StatusForbidden)
		return
	}

	overwrite := strings.ToUpper(r.Header.Get("Overwrite"))
	if overwrite == "" {
		overwrite = "T"
	}
	if overwrite != "T" && overwrite != "F" {
		http.Error(w, "invalid Overwrite header", http.StatusBadRequest)
		return
	}

	if err := checkLockPrecondition(h.locks, r, src); err != nil {
		writeError(&sublog, w, err)
		return
	}
	if err := checkLockPrecondition(h.locks, r, dst); err != nil {
		writeError(&sublog, w, err)
		return
	}

	dstParentID, err := h.repo.GetParentFolderID(ctx, dst)
	if err != nil {
		writeError(&sublog, w, err)
		return
	}
	dstName := path.Base(dst)

	_, dstFileErr := h.repo.GetFileByPath(ctx, dst)
	existed := dstFileErr == nil
	if existed && overwrite == "F" {
		http.Error(w, "destination exists", http.StatusPreconditionFailed)
		return
	}

	if f, err := h.repo.GetFileByPath(ctx, src); err == nil {
		h.copyOrMoveFile(w, r, isMove, existed, f.ID, dstParentID, dstName)
		return
	}

	folder, err := h.repo.GetFolderByPath(ctx, src)
	if err != nil {
		writeError(&sublog, w, err)
		return
	}
	h.copyOrMoveFolder(w, r, isMove, existed, folder.ID, dstParentID, dstName)
}

func (h *Handler) copyOrMoveFile(w http.ResponseWriter, r *http.Request, isMove, existed bool, fileID, dstParentID, dstName string) {
	ctx := r.Context()
	sublog := h.logger(r)

	if isMove {
		if err := h.writer.MoveFile(ctx, fileID, dstParentID); err != nil {
			writeError(sublog, w, err)
			return
		}
		if err := h.writer.RenameFile(ctx, fileID, dstName); err != nil {
			writeError(sublog, w, err)
			return
		}
	} else {
		copied, err := h.writer.CopyFile(ctx, fileID, dstParentID)
		if err != nil {
			writeError(sublog, w, err)
			return
		}
		if copied.Name != dstName {
			if err := h.writer.RenameFile(ctx, copied.ID, dstName); err != nil {
				writeError(sublog, w, err)
				return
			}
		}
	}

	if existed {
		w.WriteHeader(http.StatusNoContent)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
}

func (h *Handler) copyOrMoveFolder(w http.ResponseWriter, r *http.Request, isMove, existed bool, folderID, dstParentID, dstName string) {
	ctx := r.Context()
	sublog := h.logger(r)

	if isMove {
		if err := h.writer.MoveFolder(ctx, folderID, dstParentID, dstName); err != nil {
			writeError(sublog, w, err)
			return
		}
	} else if _, err := h.writer.CopyFolderTree(ctx, folderID, dstParentID, dstName); err != nil {
		writeError(sublog, w, err)
		return
	}

	if existed {
		w.WriteHeader(http.StatusNoContent)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
}
