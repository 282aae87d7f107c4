// Package carddav is the RFC 6352 CardDAV layer, the same shape as
// internal/http/services/caldav: an address book collection is an
// ordinary Folder, a contact is an ordinary File storing a VCARD
// (pkg/vcard) under a ".vcf" name.
package carddav

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
	"github.com/DioCrafts/OxiCloud-sub001/pkg/repository"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/vcard"
)

const maxReportBody = 1 << 20

// Handler serves the /carddav/* tree.
type Handler struct {
	repo   repository.ReadPort
	writer repository.WritePort
	log    *zerolog.Logger
}

// New builds a CardDAV handler over the repository's read/write ports.
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
	r.Method("MKCOL", "/*", http.HandlerFunc(h.handleMkcol))
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
		log.Error().Err(err).Msg("carddav request failed")
	} else {
		log.Debug().Err(err).Msg("carddav request failed")
	}
	w.WriteHeader(status)
}

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "OPTIONS, GET, PUT, DELETE, MKCOL, PROPFIND, REPORT")
	w.Header().Set("DAV", "1, 2, 3, addressbook")
	w.WriteHeader(http.StatusOK)
}

// handleMkcol creates an address book collection — a plain Folder, by
// the same "any folder under this tree is a collection" convention
// caldav's MKCALENDAR uses.
func (h *Handler) handleMkcol(w http.ResponseWriter, r *http.Request) {
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
	w.Header().Set("Content-Type", "text/vcard; charset=utf-8")
	w.Header().Set("ETag", `"`+f.BlobHash+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := requestPath(r)
	sublog := h.logger(r).With().Str("path", p).Logger()

	if !strings.HasSuffix(p, ".vcf") {
		writeError(&sublog, w, errtypes.InvalidInput("contact object must have a .vcf name"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(&sublog, w, err)
		return
	}
	contact, perr := vcard.Parse(body)
	if perr != nil {
		writeError(&sublog, w, errtypes.InvalidInput(perr.Error()))
		return
	}
	rendered := vcard.Render(contact)

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

	saved, err := h.writer.SaveFile(ctx, name, parentID, "text/vcard", rendered)
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

func (h *Handler) handlePropfind(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := requestPath(r)
	sublog := h.logger(r).With().Str("path", p).Logger()

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")

	if folder, err := h.repo.GetFolderByPath(ctx, p); err == nil {
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = io.WriteString(w, xml.Header+`<d:multistatus xmlns:d="DAV:" xmlns:card="urn:ietf:params:xml:ns:carddav">`+
			`<d:response><d:href>`+p+`/</d:href><d:propstat><d:prop>`+
			`<d:resourcetype><d:collection/><card:addressbook/></d:resourcetype>`+
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

// handleReport implements addressbook-query and addressbook-multiget,
// the two reports every CardDAV client issues during sync. Unlike
// calendar-query, address book queries filter on flat text-match
// properties (FN, EMAIL, ...) rather than a time range — parsed the same
// way via beevik/etree since CARDDAV:filter nests prop-filter/text-match
// arbitrarily too.
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
	case "addressbook-multiget":
		for _, hrefEl := range root.SelectElements("href") {
			hrefs = append(hrefs, hrefEl.Text())
		}
	case "addressbook-query":
		var err error
		hrefs, err = h.matchAddressbookQuery(ctx, p, root)
		if err != nil {
			writeError(&sublog, w, err)
			return
		}
	case "sync-collection":
		// No filter element exists on a sync-collection body, so
		// matchAddressbookQuery's no-prop-filter path returns the full
		// current set; the client diffs it against its local state,
		// the simplified sync-collection semantics this server offers
		// instead of a persisted per-collection change log.
		var err error
		hrefs, err = h.matchAddressbookQuery(ctx, p, root)
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
	_, _ = io.WriteString(w, xml.Header+`<d:multistatus xmlns:d="DAV:" xmlns:card="urn:ietf:params:xml:ns:carddav">`)
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
			`<card:address-data>`+xmlEscape(string(data))+`</card:address-data>`+
			`<d:getetag>&quot;`+f.BlobHash+`&quot;</d:getetag>`+
			`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`)
	}
	if syncToken != "" {
		_, _ = io.WriteString(w, `<d:sync-token>`+syncToken+`</d:sync-token>`)
	}
	_, _ = io.WriteString(w, `</d:multistatus>`)
}

// matchAddressbookQuery lists the address book at p and keeps only the
// contacts whose FN/EMAIL/ORG field contains every CARDDAV:text-match
// value found in the filter; with no prop-filter, every contact matches.
func (h *Handler) matchAddressbookQuery(ctx context.Context, p string, root *etree.Element) ([]string, error) {
	folder, err := h.repo.GetFolderByPath(ctx, p)
	if err != nil {
		return nil, err
	}
	files, err := h.repo.ListFiles(ctx, folder.ID)
	if err != nil {
		return nil, err
	}

	matches := findTextMatches(root)

	var hrefs []string
	for _, f := range files {
		if !strings.HasSuffix(f.Name, ".vcf") {
			continue
		}
		if len(matches) == 0 {
			hrefs = append(hrefs, path.Join(p, f.Name))
			continue
		}
		data, err := h.repo.GetFileContent(ctx, f.ID)
		if err != nil {
			continue
		}
		contact, perr := vcard.Parse(data)
		if perr != nil {
			continue
		}
		if contactMatches(contact, matches) {
			hrefs = append(hrefs, path.Join(p, f.Name))
		}
	}
	return hrefs, nil
}

func contactMatches(c vcard.Contact, matches []string) bool {
	haystack := strings.ToLower(c.FullName + " " + c.Email + " " + c.Org)
	for _, m := range matches {
		if !strings.Contains(haystack, strings.ToLower(m)) {
			return false
		}
	}
	return true
}

func findTextMatches(el *etree.Element) []string {
	filter := el.SelectElement("filter")
	if filter == nil {
		return nil
	}
	var matches []string
	var walk func(*etree.Element)
	walk = func(e *etree.Element) {
		if e.Tag == "text-match" {
			if v := e.Text(); v != "" {
				matches = append(matches, v)
			}
		}
		for _, c := range e.ChildElements() {
			walk(c)
		}
	}
	walk(filter)
	return matches
}

func xmlEscape(s string) string {
	var buf strings.Builder
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return s
	}
	return buf.String()
}
