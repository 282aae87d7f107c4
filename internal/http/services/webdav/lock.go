package webdav

import (
	"encoding/xml"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/DioCrafts/OxiCloud-sub001/pkg/errtypes"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/weblock"
)

const defaultLockTimeout = 1800 * time.Second

// lockChecker is the subset of weblock.Table handlers outside lock.go
// need, kept narrow so put.go doesn't have to import weblock directly.
type lockChecker interface {
	Check(path string) (*weblock.Lock, bool)
}

var ifTokenRe = regexp.MustCompile(`\(<([^>]+)>\)`)

// extractIfToken pulls the first opaquelocktoken out of an If header.
// This server does not evaluate the full RFC 4918 §10.4 state-list
// grammar, only a direct token match — good enough for the clients it
// targets, which never submit compound If lists.
func extractIfToken(header string) string {
	m := ifTokenRe.FindStringSubmatch(header)
	if m == nil {
		return ""
	}
	return m[1]
}

type lockInfoXML struct {
	XMLName xml.Name `xml:"lockinfo"`
	Scope   struct {
		Exclusive *struct{} `xml:"exclusive"`
		Shared    *struct{} `xml:"shared"`
	} `xml:"lockscope"`
	Owner struct {
		Href string `xml:"href"`
	} `xml:"owner"`
}

type lockDiscoveryResponse struct {
	XMLName      xml.Name `xml:"d:prop"`
	XMLNSD       string   `xml:"xmlns:d,attr"`
	LockDiscovery struct {
		ActiveLock struct {
			LockType struct {
				Write *struct{} `xml:"d:write"`
			} `xml:"d:locktype"`
			LockScope struct {
				Exclusive *struct{} `xml:"d:exclusive"`
			} `xml:"d:lockscope"`
			Depth      string `xml:"d:depth"`
			Owner      string `xml:"d:owner"`
			Timeout    string `xml:"d:timeout"`
			LockToken  struct {
				Href string `xml:"d:href"`
			} `xml:"d:locktoken"`
		} `xml:"d:activelock"`
	} `xml:"d:lockdiscovery"`
}

func (h *Handler) handleLock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := requestPath(r)
	sublog := h.logger(r).With().Str("path", p).Logger()

	if token := r.Header.Get("If"); token != "" {
		h.handleLockRefresh(w, r, p)
		return
	}

	depth := r.Header.Get("Depth")
	if depth == "" {
		depth = "infinity"
	}
	if depth != "0" {
		depth = "infinity"
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeError(&sublog, w, errtypes.InvalidInput("error reading lock body"))
		return
	}

	owner := ""
	var info lockInfoXML
	if len(body) > 0 {
		if err := xml.Unmarshal(body, &info); err == nil {
			owner = info.Owner.Href
		}
	}

	// Ensure the resource exists before locking it (a lock on a
	// non-existent resource is a lock-null resource in RFC 4918 terms,
	// which this server does not implement).
	if _, err := h.repo.GetFileByPath(ctx, p); err != nil {
		if _, ferr := h.repo.GetFolderByPath(ctx, p); ferr != nil {
			writeError(&sublog, w, err)
			return
		}
	}

	lock, err := h.locks.Acquire(p, owner, depth, defaultLockTimeout)
	if err != nil {
		writeError(&sublog, w, err)
		return
	}

	writeLockDiscovery(w, lock, http.StatusOK)
}

func (h *Handler) handleLockRefresh(w http.ResponseWriter, r *http.Request, p string) {
	sublog := h.logger(r).With().Str("path", p).Logger()
	token := extractIfToken(r.Header.Get("If"))
	if token == "" {
		writeError(&sublog, w, errtypes.InvalidInput("missing lock token in If header"))
		return
	}
	lock, err := h.locks.Refresh(token, defaultLockTimeout)
	if err != nil {
		writeError(&sublog, w, err)
		return
	}
	writeLockDiscovery(w, lock, http.StatusOK)
}

func (h *Handler) handleUnlock(w http.ResponseWriter, r *http.Request) {
	p := requestPath(r)
	sublog := h.logger(r).With().Str("path", p).Logger()

	token := extractIfToken(r.Header.Get("Lock-Token"))
	if token == "" {
		writeError(&sublog, w, errtypes.InvalidInput("missing Lock-Token header"))
		return
	}
	if err := h.locks.Release(token); err != nil {
		if _, ok := err.(errtypes.IsNotFound); ok {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeError(&sublog, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeLockDiscovery(w http.ResponseWriter, lock *weblock.Lock, status int) {
	var resp lockDiscoveryResponse
	resp.XMLNSD = "DAV:"
	resp.LockDiscovery.ActiveLock.LockType.Write = &struct{}{}
	resp.LockDiscovery.ActiveLock.LockScope.Exclusive = &struct{}{}
	resp.LockDiscovery.ActiveLock.Depth = lock.Depth
	resp.LockDiscovery.ActiveLock.Owner = lock.Owner
	resp.LockDiscovery.ActiveLock.Timeout = "Second-" + formatSeconds(time.Until(lock.Expiry))
	resp.LockDiscovery.ActiveLock.LockToken.Href = lock.Token

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Lock-Token", "<"+lock.Token+">")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(resp)
}

func formatSeconds(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return strconv.Itoa(int(d.Seconds()))
}
