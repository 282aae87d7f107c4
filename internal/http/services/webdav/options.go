package webdav

import (
	"encoding/xml"
	"net/http"
)

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Allow", "OPTIONS, LOCK, UNLOCK, GET, HEAD, PUT, DELETE, PROPFIND, PROPPATCH, MKCOL, COPY, MOVE")
	w.Header().Set("DAV", "1, 2")
	w.Header().Set("MS-Author-Via", "DAV")
	w.WriteHeader(http.StatusOK)
}

// handleProppatch is a no-op PROPPATCH: dead-property storage is not part
// of this server's metadata model, so every PROPPATCH request reports
// success without persisting the properties it was asked to set, the same
// way a client-visible no-op keeps macOS/Windows WebDAV clients (which
// PROPPATCH timestamps on every save) from treating the server as broken.
func (h *Handler) handleProppatch(w http.ResponseWriter, r *http.Request) {
	p := requestPath(r)
	sublog := h.logger(r).With().Str("path", p).Logger()

	if _, err := h.repo.GetFileByPath(r.Context(), p); err != nil {
		if _, ferr := h.repo.GetFolderByPath(r.Context(), p); ferr != nil {
			writeError(&sublog, w, err)
			return
		}
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = w.Write([]byte(xml.Header + `<d:multistatus xmlns:d="DAV:"><d:response><d:href>` +
		encodePath(p) + `</d:href><d:propstat><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response></d:multistatus>`))
}
