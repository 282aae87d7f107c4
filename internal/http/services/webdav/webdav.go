// Package webdav is the RFC 4918 protocol layer: it never touches a blob
// or a database row directly, only the repository's ReadPort/WritePort.
// It is adapted from _examples/cs3org-reva/internal/http/services/owncloud/ocdav —
// the routing shell, the security headers, and the Destination/Depth
// header parsing are kept in the teacher's shape, with every CS3 gRPC
// call (client.Stat, client.ListContainer, ...) replaced by a direct
// pkg/repository call and go-chi/chi/v5 (a teacher dependency) standing
// in for reva's own router.ShiftPath dispatch.
package webdav

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/DioCrafts/OxiCloud-sub001/pkg/appctx"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/chunkupload"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/repository"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/weblock"
)

// Handler serves the /webdav/* tree.
type Handler struct {
	repo          repository.ReadPort
	writer        repository.WritePort
	locks         *weblock.Table
	uploads       *chunkupload.Engine
	maxUploadSize int64
	chunkThreshold int64
	log           *zerolog.Logger
}

// New builds a WebDAV handler over the repository's read/write ports.
func New(repo repository.ReadPort, writer repository.WritePort, locks *weblock.Table, uploads *chunkupload.Engine, maxUploadSize, chunkThreshold int64, log *zerolog.Logger) *Handler {
	return &Handler{
		repo: repo, writer: writer, locks: locks, uploads: uploads,
		maxUploadSize: maxUploadSize, chunkThreshold: chunkThreshold, log: log,
	}
}

// Routes mounts every RFC 4918 verb this handler supports onto r.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(addAccessHeadersMiddleware)
	r.Use(h.loggerMiddleware)

	r.Method(http.MethodOptions, "/*", http.HandlerFunc(h.handleOptions))
	r.Method(http.MethodGet, "/*", http.HandlerFunc(h.handleGet))
	r.Method(http.MethodHead, "/*", http.HandlerFunc(h.handleHead))
	r.Method(http.MethodPut, "/*", http.HandlerFunc(h.handlePut))
	r.Method(http.MethodDelete, "/*", http.HandlerFunc(h.handleDelete))
	r.Method("MKCOL", "/*", http.HandlerFunc(h.handleMkcol))
	r.Method("COPY", "/*", http.HandlerFunc(h.handleCopy))
	r.Method("MOVE", "/*", http.HandlerFunc(h.handleMove))
	r.Method("PROPFIND", "/*", http.HandlerFunc(h.handlePropfind))
	r.Method("PROPPATCH", "/*", http.HandlerFunc(h.handleProppatch))
	r.Method("LOCK", "/*", http.HandlerFunc(h.handleLock))
	r.Method("UNLOCK", "/*", http.HandlerFunc(h.handleUnlock))
	return r
}

func addAccessHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addAccessHeaders(w, r)
		next.ServeHTTP(w, r)
	})
}

// addAccessHeaders sets the same defensive response headers reva's ocdav
// service sets on every response, unrelated to any specific verb.
func addAccessHeaders(w http.ResponseWriter, r *http.Request) {
	headers := w.Header()
	headers.Set("Access-Control-Allow-Origin", "*")
	headers.Set("Content-Security-Policy", "default-src 'none';")
	headers.Set("X-Content-Type-Options", "nosniff")
	headers.Set("X-Download-Options", "noopen")
	headers.Set("X-Frame-Options", "SAMEORIGIN")
	headers.Set("X-Permitted-Cross-Domain-Policies", "none")
	headers.Set("X-Robots-Tag", "none")
	headers.Set("X-XSS-Protection", "1; mode=block")
	if r.TLS != nil {
		headers.Set("Strict-Transport-Security", "max-age=63072000")
	}
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

// loggerMiddleware attaches h.log to the request context when it is set;
// WithLogger replaces any logger an outer middleware (trace id, auth)
// already installed there.
func (h *Handler) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.log != nil {
			r = r.WithContext(appctx.WithLogger(r.Context(), h.log))
		}
		next.ServeHTTP(w, r)
	})
}

// replaceAllStringSubmatchFunc is taken from 'Go: Replace String with
// Regular Expression Callback', see:
// https://elliotchance.medium.com/go-replace-string-with-regular-expression-callback-f89948bad0bb
func replaceAllStringSubmatchFunc(re *regexp.Regexp, str string, repl func([]string) string) string {
	result := ""
	lastIndex := 0
	for _, v := range re.FindAllSubmatchIndex([]byte(str), -1) {
		groups := []string{}
		for i := 0; i < len(v); i += 2 {
			groups = append(groups, str[v[i]:v[i+1]])
		}
		result += str[lastIndex:v[0]] + repl(groups)
		lastIndex = v[1]
	}
	return result + str[lastIndex:]
}

var hrefre = regexp.MustCompile(`([^A-Za-z0-9_\-.~():@])`)

// encodePath encodes the path of a url for use in a PROPFIND <href>.
// Slashes (/) are treated as path-separators.
// Ported from https://github.com/sabre-io/http/blob/bb27d1a8c92217b34e778ee09dcf79d9a2936e84/lib/functions.php#L369-L379
func encodePath(path string) string {
	return replaceAllStringSubmatchFunc(hrefre, path, func(groups []string) string {
		b := groups[1]
		var sb strings.Builder
		for i := 0; i < len(b); i++ {
			sb.WriteString(fmt.Sprintf("%%%x", b[i]))
		}
		return sb.String()
	})
}

// extractDestination strips the scheme, host and baseURI from a COPY/MOVE
// Destination header, leaving the repository-relative target path.
func extractDestination(dstHeader, baseURI string) (string, error) {
	if dstHeader == "" {
		return "", errMissingDestination
	}
	dstURL, err := url.ParseRequestURI(dstHeader)
	if err != nil {
		return "", err
	}

	// Strip the base URI from the destination. The destination might
	// contain redirection prefixes which need to be handled.
	urlSplit := strings.Split(dstURL.Path, baseURI)
	if len(urlSplit) != 2 {
		return "", errBadBaseURI
	}
	return path.Clean(urlSplit[1]), nil
}

