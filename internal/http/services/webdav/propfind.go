package webdav

import (
	"bytes"
	"encoding/xml"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/DioCrafts/OxiCloud-sub001/pkg/errtypes"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/repository"
)

const (
	propfindMaxBody = 1 << 20 // 1 MiB, per this server's bounded-parsing rule
	propfindPageSize = 500
)

// propfindXML mirrors the teacher's hand-rolled encoding/xml request
// model — a bespoke struct is the idiomatic choice here, not a stdlib
// shortcut, because encoding/xml's namespace handling makes a generic
// parse tree awkward for the PROPFIND grammar.
type propfindXML struct {
	XMLName  xml.Name  `xml:"DAV: propfind"`
	Allprop  *struct{} `xml:"DAV: allprop"`
	Propname *struct{} `xml:"DAV: propname"`
	Prop     *struct{} `xml:"DAV: prop"`
}

func readPropfind(r io.Reader) (propfindXML, error) {
	body, err := io.ReadAll(io.LimitReader(r, propfindMaxBody+1))
	if err != nil {
		return propfindXML{}, err
	}
	if int64(len(body)) > propfindMaxBody {
		return propfindXML{}, errtypes.InvalidInput("request body too large")
	}
	if len(body) == 0 {
		return propfindXML{Allprop: &struct{}{}}, nil
	}
	var pf propfindXML
	if err := xml.Unmarshal(body, &pf); err != nil {
		return propfindXML{}, errtypes.InvalidInput("malformed propfind body")
	}
	return pf, nil
}

// handlePropfind streams a 207 Multi-Status response: the XML preamble
// and the resource's own entry first, then its subfolders, then its files,
// then the closing element. Files are paged 500 at a time through
// ListFilesBatch; subfolders are not paged: one ListFolders call loads all
// of them into memory at once.
func (h *Handler) handlePropfind(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := requestPath(r)
	sublog := h.logger(r).With().Str("path", p).Logger()

	depth := r.Header.Get("Depth")
	if depth == "" {
		depth = "1"
	}
	if depth == "infinity" {
		writePrecondition(w, http.StatusForbidden, "propfind-finite-depth")
		return
	}
	if depth != "0" && depth != "1" {
		depth = "0"
	}

	if _, err := readPropfind(r.Body); err != nil {
		writeError(&sublog, w, err)
		return
	}

	folder, ferr := h.repo.GetFolderByPath(ctx, p)
	if ferr == nil {
		h.propfindFolder(w, r, p, folder, depth)
		return
	}

	f, err := h.repo.GetFileByPath(ctx, p)
	if err != nil {
		writeError(&sublog, w, err)
		return
	}

	w.Header().Set("DAV", "1, 2")
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = io.WriteString(w, `<d:multistatus xmlns:d="DAV:">`)
	writeFileResponse(w, p, f)
	_, _ = io.WriteString(w, `</d:multistatus>`)
}

func (h *Handler) propfindFolder(w http.ResponseWriter, r *http.Request, p string, folder repository.Folder, depth string) {
	ctx := r.Context()
	sublog := h.logger(r).With().Str("path", p).Logger()

	w.Header().Set("DAV", "1, 2")
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)

	flusher, _ := w.(http.Flusher)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = io.WriteString(w, `<d:multistatus xmlns:d="DAV:">`)
	writeFolderResponse(w, p, folder)
	if flusher != nil {
		flusher.Flush()
	}

	if depth == "1" {
		subfolders, err := h.repo.ListFolders(ctx, folder.ID)
		if err != nil {
			sublog.Error().Err(err).Msg("error listing subfolders for propfind")
		}
		for _, sf := range subfolders {
			writeFolderResponse(w, path.Join(p, sf.Name), sf)
		}
		if flusher != nil {
			flusher.Flush()
		}

		offset := 0
		for {
			files, err := h.repo.ListFilesBatch(ctx, folder.ID, offset, propfindPageSize)
			if err != nil {
				sublog.Error().Err(err).Msg("error listing files for propfind")
				break
			}
			for _, f := range files {
				writeFileResponse(w, path.Join(p, f.Name), f)
			}
			if flusher != nil {
				flusher.Flush()
			}
			if len(files) < propfindPageSize {
				break
			}
			offset += propfindPageSize
		}
	}

	_, _ = io.WriteString(w, `</d:multistatus>`)
}

func writeFolderResponse(w io.Writer, p string, f repository.Folder) {
	_, _ = io.WriteString(w, `<d:response><d:href>`+encodePath(p)+`/</d:href><d:propstat><d:prop>`+
		`<d:resourcetype><d:collection/></d:resourcetype>`+
		`<d:displayname>`+xmlEscape(path.Base(p))+`</d:displayname>`+
		`<d:getlastmodified>`+f.ModifiedAt.UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")+`</d:getlastmodified>`+
		`<oc:id xmlns:oc="http://owncloud.org/ns">`+f.ID+`</oc:id>`+
		`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`)
}

func writeFileResponse(w io.Writer, p string, f repository.File) {
	_, _ = io.WriteString(w, `<d:response><d:href>`+encodePath(p)+`</d:href><d:propstat><d:prop>`+
		`<d:resourcetype/>`+
		`<d:displayname>`+xmlEscape(path.Base(p))+`</d:displayname>`+
		`<d:getcontentlength>`+strconv.FormatInt(f.Size, 10)+`</d:getcontentlength>`+
		`<d:getcontenttype>`+xmlEscape(f.MimeType)+`</d:getcontenttype>`+
		`<d:getetag>&quot;`+f.BlobHash+`&quot;</d:getetag>`+
		`<d:getlastmodified>`+f.ModifiedAt.UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")+`</d:getlastmodified>`+
		`<oc:id xmlns:oc="http://owncloud.org/ns">`+f.ID+`</oc:id>`+
		`<oc:checksums xmlns:oc="http://owncloud.org/ns">`+f.BlobHash+`</oc:checksums>`+
		`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`)
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return s
	}
	return buf.String()
}
