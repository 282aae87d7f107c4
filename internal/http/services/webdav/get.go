package webdav

import (
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"
)

// handleGet streams a file's content, honouring a single-range Range
// header. It is grounded on the teacher's handleGet, with the CS3
// Stat/InitiateFileDownload/datagateway round-trip replaced by a direct
// repository read.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	h.serveContent(w, r, true)
}

func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request) {
	h.serveContent(w, r, false)
}

func (h *Handler) serveContent(w http.ResponseWriter, r *http.Request, withBody bool) {
	ctx := r.Context()
	p := requestPath(r)
	sublog := h.logger(r).With().Str("path", p).Logger()

	f, err := h.repo.GetFileByPath(ctx, p)
	if err != nil {
		writeError(&sublog, w, err)
		return
	}

	w.Header().Set("Content-Type", f.MimeType)
	w.Header().Set("Content-Disposition", `attachment; filename*=UTF-8''`+path.Base(f.Name)+`; filename="`+path.Base(f.Name)+`"`)
	w.Header().Set("ETag", `"`+f.BlobHash+`"`)
	w.Header().Set("OC-FileId", f.ID)
	w.Header().Set("OC-ETag", `"`+f.BlobHash+`"`)
	w.Header().Set("Last-Modified", f.ModifiedAt.UTC().Format(time.RFC1123Z))
	w.Header().Set("Accept-Ranges", "bytes")

	start, end, hasRange, rerr := parseRange(r.Header.Get("Range"), f.Size)
	if rerr != nil {
		w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(f.Size, 10))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	if !withBody {
		if hasRange {
			w.Header().Set("Content-Range", rangeHeaderValue(start, end, f.Size))
			w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
			w.WriteHeader(http.StatusPartialContent)
			return
		}
		w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
		w.WriteHeader(http.StatusOK)
		return
	}

	var rc io.ReadCloser
	if hasRange {
		endCopy := end
		rc, err = h.repo.GetFileRangeStream(ctx, f.ID, start, &endCopy)
	} else {
		rc, err = h.repo.GetFileStream(ctx, f.ID)
	}
	if err != nil {
		writeError(&sublog, w, err)
		return
	}
	defer rc.Close()

	if hasRange {
		w.Header().Set("Content-Range", rangeHeaderValue(start, end, f.Size))
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
		w.WriteHeader(http.StatusOK)
	}

	if _, err := io.Copy(w, rc); err != nil {
		sublog.Error().Err(err).Msg("error copying file content to response")
	}
}

// parseRange supports a single "bytes=start-end" range, the only form the
// chunked-download clients this server targets ever send. A malformed or
// unsatisfiable range reports hasRange=false, err set.
func parseRange(header string, size int64) (start, end int64, hasRange bool, err error) {
	if header == "" {
		return 0, 0, false, nil
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if spec == header {
		return 0, 0, false, errors.New("unsupported range unit")
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false, errors.New("malformed range")
	}

	if parts[0] == "" {
		// suffix range: bytes=-N
		n, perr := strconv.ParseInt(parts[1], 10, 64)
		if perr != nil || n <= 0 {
			return 0, 0, false, errors.New("malformed suffix range")
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true, nil
	}

	start, perr := strconv.ParseInt(parts[0], 10, 64)
	if perr != nil || start >= size {
		return 0, 0, false, errors.New("range start beyond file size")
	}
	if parts[1] == "" {
		return start, size - 1, true, nil
	}
	end, perr = strconv.ParseInt(parts[1], 10, 64)
	if perr != nil || end < start {
		return 0, 0, false, errors.New("malformed range end")
	}
	if end >= size {
		end = size - 1
	}
	return start, end, true, nil
}

func rangeHeaderValue(start, end, size int64) string {
	return "bytes " + strconv.FormatInt(start, 10) + "-" + strconv.FormatInt(end, 10) + "/" + strconv.FormatInt(size, 10)
}

