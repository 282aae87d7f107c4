// Package caldav is the RFC 4791 CalDAV layer on top of the same
// repository ReadPort/WritePort the plain WebDAV layer uses: a calendar
// collection is an ordinary Folder, a calendar object is an ordinary File
// storing a VEVENT (pkg/icalendar) under a ".ics" name. It is adapted
// from the same _examples/cs3org-reva/internal/http/services/owncloud/ocdav
// shape the WebDAV layer follows (chi routing, appctx logger, errtypes
// status mapping), generalized here to the CalDAV verb set.
package caldav

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/DioCrafts/OxiCloud-sub001/pkg/appctx"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/errtypes"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/icalendar"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/repository"
)

const maxReportBody = 1 << 20

// Handler serves the /caldav/* tree.
type Handler struct {
	repo   repository.ReadPort
	writer repository.WritePort
	log    *zerolog.Logger
}

// New builds a CalDAV handler over the repository's read/write ports.
func New(repo repository.ReadPort, writer repository.WritePort, log *zerolog.Logger) *Handler {
	return &Handler{repo: repo, writer: writer, log: log}
}

// Routes mounts every verb this handler supports onto r.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.loggerMiddleware)
	r.Method(http.MethodOptions, "/*", http.HandlerFunc(h.handleOptions))
	r.Method(http.MethodGet, "/*", http.HandlerFunc(h.handleGet))
	r.Method(http.MethodPut, "/*", http.HandlerFunc(h.handlePut))
	r.Method(http.MethodDelete, "/*", http.HandlerFunc(h.handleDelete))
	r.Method("MKCALENDAR", "/*", http.HandlerFunc(h.handleMkcalendar))
	r.Method("PROPFIND", "/*", http.HandlerFunc(h.handlePropfind))
	r.Method("REPORT", "/*", http.HandlerFunc(h.handleReport))
	return r
}

func requestPath(r *http.Request) string {
	p := path.Clean("/" + chi.URLParam(r, "*"))
	if p == "/." {
		return "/"
	}
	return p
}

func (h *Handler) logger(r *http.Request) *zerolog.Logger {
	return appctx.GetLogger(r.Context())
}

func (h *Handler) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.log != nil {
			r = r.WithContext(appctx.WithLogger(r.Context(), h.log))
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(log *zerolog.Logger, w http.ResponseWriter, err error) {
	status := errtypes.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("caldav request failed")
	} else {
		log.Debug().Err(err).Msg("caldav request failed")
	}
	w.WriteHeader(status)
}

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "OPTIONS, GET, PUT, DELETE, MKCALENDAR, PROPFIND, REPORT")
	w.Header().Set("DAV", "1, 2, 3, calendar-access")
	w.WriteHeader(http.StatusOK)
}

// handleMkcalendar creates a calendar collection — a plain Folder; this
// server has no separate "is a calendar" marker column, so any folder
// under /caldav/ is treated as a calendar collection by convention.
func (h *Handler) handleMkcalendar(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := requestPath(r)
	sublog := h.logger(r).With().Str("path", p).Logger()

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

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := requestPath(r)
	sublog := h.logger(r).With().Str("path", p).Logger()

	f, err := h.repo.GetFileByPath(ctx, p)
	if err != nil {
		writeError(&sublog, w, err)
		return
	}
	data, err := h.repo.GetFileContent(ctx, f.ID)
	if err != nil {
		writeError(&sublog, w, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("ETag", `"`+f.BlobHash+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handlePut stores a submitted VEVENT under the requested object path.
// A client free to pick its own filename still gets the event's own UID
// honoured as the canonical identity (what REPORT calendar-multiget and
// GET look up by is the path, but UID round-trips through Parse/Render
// unchanged).
func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := requestPath(r)
	sublog := h.logger(r).With().Str("path", p).Logger()

	if !strings.HasSuffix(p, ".ics") {
		writeError(&sublog, w, errtypes.InvalidInput("calendar object must have a .ics name"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(&sublog, w, err)
		return
	}
	event, perr := icalendar.Parse(body)
	if perr != nil {
		writeError(&sublog, w, errtypes.InvalidInput(perr.Error()))
		return
	}
	if event.DTStamp.IsZero() {
		event.DTStamp = time.Now().UTC()
	}
	rendered := icalendar.Render(event)

	parentID, err := h.repo.GetParentFolderID(ctx, p)
	if err != nil {
		writeError(&sublog, w, err)
		return
	}
	name := path.Base(p)

	existing, existErr := h.repo.GetFileByPath(ctx, p)
	if existErr == nil {
		if err := h.writer.UpdateFileContent(ctx, existing.ID, rendered); err != nil {
			writeError(&sublog, w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	saved, err := h.writer.SaveFile(ctx, name, parentID, "text/calendar", rendered)
	if err != nil {
		writeError(&sublog, w, err)
		return
	}
	w.Header().Set("ETag", `"`+saved.BlobHash+`"`)
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := requestPath(r)
	sublog := h.logger(r).With().Str("path", p).Logger()

	if f, err := h.repo.GetFileByPath(ctx, p); err == nil {
		if err := h.writer.DeleteFile(ctx, f.ID); err != nil {
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

// handlePropfind returns a minimal single-entry response identifying the
// resource as a calendar collection or a calendar object — this layer
// only needs to satisfy discovery, not arbitrary dead-property storage,
// which the plain WebDAV PROPPATCH no-op already covers for this server.
func (h *Handler) handlePropfind(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := requestPath(r)
	sublog := h.logger(r).With().Str("path", p).Logger()

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")

	if folder, err := h.repo.GetFolderByPath(ctx, p); err == nil {
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = io.WriteString(w, xml.Header+`<d:multistatus xmlns:d="DAV:" xmlns:cal="urn:ietf:params:xml:ns:caldav">`+
			`<d:response><d:href>`+p+`/</d:href><d:propstat><d:prop>`+
			`<d:resourcetype><d:collection/><cal:calendar/></d:resourcetype>`+
			`<d:displayname>`+xmlEscape(folder.Name)+`</d:displayname>`+
			`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response></d:multistatus>`)
		return
	}

	if _, err := h.repo.GetFileByPath(ctx, p); err != nil {
		writeError(&sublog, w, err)
		return
	}
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = io.WriteString(w, xml.Header+`<d:multistatus xmlns:d="DAV:">`+
		`<d:response><d:href>`+p+`</d:href><d:propstat><d:prop><d:resourcetype/></d:prop>`+
		`<d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response></d:multistatus>`)
}

// handleReport implements calendar-query (time-range filtered listing)
// and calendar-multiget (explicit href list), the two reports every
// CalDAV client actually issues during sync. The filter tree is parsed
// with beevik/etree rather than encoding/xml, since CALDAV:filter
// nests comp-filter/time-range elements arbitrarily deep.
func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := requestPath(r)
	sublog := h.logger(r).With().Str("path", p).Logger()

	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(io.LimitReader(r.Body, maxReportBody)); err != nil {
		writeError(&sublog, w, errtypes.InvalidInput("malformed REPORT body"))
		return
	}
	root := doc.Root()
	if root == nil {
		writeError(&sublog, w, errtypes.InvalidInput("empty REPORT body"))
		return
	}

	var hrefs []string
	syncToken := ""
	switch root.Tag {
	case "calendar-multiget":
		for _, hrefEl := range root.SelectElements("href") {
			hrefs = append(hrefs, hrefEl.Text())
		}
	case "calendar-query":
		var err error
		hrefs, err = h.matchCalendarQuery(ctx, p, root)
		if err != nil {
			writeError(&sublog, w, err)
			return
		}
	case "sync-collection":
		// No filter element exists on a sync-collection body, so
		// matchCalendarQuery's no-time-range path returns the full
		// current set; the client diffs it against its local state,
		// the simplified sync-collection semantics this server offers
		// instead of a persisted per-collection change log.
		var err error
		hrefs, err = h.matchCalendarQuery(ctx, p, root)
		if err != nil {
			writeError(&sublog, w, err)
			return
		}
		syncToken = "sync/" + strconv.FormatInt(time.Now().UTC().Unix(), 10)
	default:
		writeError(&sublog, w, errtypes.InvalidInput("unsupported REPORT: "+root.Tag))
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = io.WriteString(w, xml.Header+`<d:multistatus xmlns:d="DAV:" xmlns:cal="urn:ietf:params:xml:ns:caldav">`)
	for _, href := range hrefs {
		f, err := h.repo.GetFileByPath(ctx, href)
		if err != nil {
			continue
		}
		data, err := h.repo.GetFileContent(ctx, f.ID)
		if err != nil {
			continue
		}
		_, _ = io.WriteString(w, `<d:response><d:href>`+href+`</d:href><d:propstat><d:prop>`+
			`<cal:calendar-data>`+xmlEscape(string(data))+`</cal:calendar-data>`+
			`<d:getetag>&quot;`+f.BlobHash+`&quot;</d:getetag>`+
			`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`)
	}
	if syncToken != "" {
		_, _ = io.WriteString(w, `<d:sync-token>`+syncToken+`</d:sync-token>`)
	}
	_, _ = io.WriteString(w, `</d:multistatus>`)
}

// matchCalendarQuery lists the calendar collection at p and keeps only
// the events overlapping a CALDAV:time-range filter, if one was sent;
// with no time-range, every object in the collection matches.
func (h *Handler) matchCalendarQuery(ctx context.Context, p string, root *etree.Element) ([]string, error) {
	folder, err := h.repo.GetFolderByPath(ctx, p)
	if err != nil {
		return nil, err
	}
	files, err := h.repo.ListFiles(ctx, folder.ID)
	if err != nil {
		return nil, err
	}

	start, end, hasRange := findTimeRange(root)

	var hrefs []string
	for _, f := range files {
		if !strings.HasSuffix(f.Name, ".ics") {
			continue
		}
		if !hasRange {
			hrefs = append(hrefs, path.Join(p, f.Name))
			continue
		}
		data, err := h.repo.GetFileContent(ctx, f.ID)
		if err != nil {
			continue
		}
		event, perr := icalendar.Parse(data)
		if perr != nil {
			continue
		}
		if event.InRange(start, end) {
			hrefs = append(hrefs, path.Join(p, f.Name))
		}
	}
	return hrefs, nil
}

func findTimeRange(el *etree.Element) (start, end time.Time, ok bool) {
	filter := el.SelectElement("filter")
	if filter == nil {
		return
	}
	var tr *etree.Element
	var walk func(*etree.Element)
	walk = func(e *etree.Element) {
		if tr != nil {
			return
		}
		if e.Tag == "time-range" {
			tr = e
			return
		}
		for _, c := range e.ChildElements() {
			walk(c)
		}
	}
	walk(filter)
	if tr == nil {
		return
	}
	startStr := tr.SelectAttrValue("start", "")
	endStr := tr.SelectAttrValue("end", "")
	if startStr == "" || endStr == "" {
		return
	}
	s, serr := time.Parse("20060102T150405Z", startStr)
	e, eerr := time.Parse("20060102T150405Z", endStr)
	if serr != nil || eerr != nil {
		return
	}
	return s, e, true
}

func xmlEscape(s string) string {
	var buf strings.Builder
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return s
	}
	return buf.String()
}
