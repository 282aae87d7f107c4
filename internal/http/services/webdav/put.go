package webdav

import (
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/DioCrafts/OxiCloud-sub001/pkg/errtypes"
)

// sufferMacOSFinder and handleMacOSFinder are ported as-is from the
// teacher's put.go: Finder sends chunked-transfer-encoded PUTs with no
// usable Content-Length, announcing the real size via
// X-Expected-Entity-Length instead.
func sufferMacOSFinder(r *http.Request) bool {
	return r.Header.Get("X-Expected-Entity-Length") != ""
}

func handleMacOSFinder(w http.ResponseWriter, r *http.Request) bool {
	expected := r.Header.Get("X-Expected-Entity-Length")
	expectedInt, err := strconv.ParseInt(expected, 10, 64)
	if err != nil {
		http.Error(w, "invalid X-Expected-Entity-Length", http.StatusBadRequest)
		return false
	}
	r.ContentLength = expectedInt
	return true
}

// isContentRange rejects PUT requests carrying a Content-Range header:
// PUT stores a full resource, and a Content-Range on it is either a
// misinterpretation of partial content or an attempt at a partial update
// this server does not support outside the chunked-upload engine.
func isContentRange(r *http.Request) bool {
	return r.Header.Get("Content-Range") != ""
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := requestPath(r)
	sublog := h.logger(r).With().Str("path", p).Logger()

	if r.Body == nil {
		http.Error(w, "body is nil", http.StatusBadRequest)
		return
	}

	if isContentRange(r) {
		http.Error(w, "Content-Range not supported on PUT", http.StatusNotImplemented)
		return
	}

	if sufferMacOSFinder(r) {
		if !handleMacOSFinder(w, r) {
			return
		}
	}

	if h.maxUploadSize > 0 && r.ContentLength > h.maxUploadSize {
		http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
		return
	}

	body := io.Reader(r.Body)
	if h.maxUploadSize > 0 {
		body = io.LimitReader(r.Body, h.maxUploadSize+1)
	}

	name := path.Base(p)
	parentID, err := h.repo.GetParentFolderID(ctx, p)
	if err != nil {
		writeError(&sublog, w, err)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	existing, existErr := h.repo.GetFileByPath(ctx, p)
	overwriting := existErr == nil

	if overwriting {
		if err := checkLockPrecondition(h.locks, r, p); err != nil {
			writeError(&sublog, w, err)
			return
		}
		n, err := readLimitedBody(body, h.maxUploadSize)
		if err != nil {
			writeError(&sublog, w, err)
			return
		}
		if err := h.writer.UpdateFileContent(ctx, existing.ID, n); err != nil {
			writeError(&sublog, w, err)
			return
		}
		w.Header().Set("ETag", `"`+existing.BlobHash+`"`)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if h.maxUploadSize > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	}
	saved, err := h.writer.SaveFileFromStream(ctx, name, parentID, contentType, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeError(&sublog, w, err)
		return
	}
	w.Header().Set("ETag", `"`+saved.BlobHash+`"`)
	w.Header().Set("OC-FileId", saved.ID)
	w.WriteHeader(http.StatusCreated)
}

func readLimitedBody(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, errtypes.InvalidInput("request entity too large")
	}
	return data, nil
}

// checkLockPrecondition rejects a write to a locked path unless the
// request carries that lock's token in its If header — this server's
// entire If-header support, via weblock.Table.HasToken.
func checkLockPrecondition(locks lockChecker, r *http.Request, p string) error {
	lock, locked := locks.Check(p)
	if !locked {
		return nil
	}
	token := extractIfToken(r.Header.Get("If"))
	if token == "" || token != lock.Token {
		return errtypes.AlreadyExists("resource is locked: " + p)
	}
	return nil
}
