// Package weblock is an in-memory WebDAV lock table backing the
// protocol layer's LOCK/UNLOCK verbs. Locks do not survive a restart —
// matching this spec's explicit Open Question decision that lock
// durability across restarts is out of scope, the same way reva's own
// ocdav handlers never persist a lock table either (reva delegates
// locking to the storage driver when one exists, and no-ops otherwise).
package weblock

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DioCrafts/OxiCloud-sub001/pkg/errtypes"
)

// Lock is a single held WebDAV lock.
type Lock struct {
	Token    string
	Path     string
	Owner    string
	Depth    string // "0" or "infinity"
	Exclusive bool
	Expiry   time.Time
}

// Table is the process-wide lock table.
type Table struct {
	mu    sync.Mutex
	locks map[string]*Lock // token -> lock
}

// New builds an empty lock table.
func New() *Table {
	return &Table{locks: map[string]*Lock{}}
}

// Acquire takes a new lock on path, rejecting the request if an existing,
// unexpired lock on path or one of its ancestors/descendants would
// conflict (an infinite-depth lock on an ancestor locks the whole
// subtree; a lock on path or a descendant conflicts regardless of the
// new request's depth).
func (t *Table) Acquire(path, owner, depth string, timeout time.Duration) (*Lock, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.expireLocked()

	for _, l := range t.locks {
		if conflicts(l, path) {
			return nil, errtypes.AlreadyExists("resource is locked: " + l.Path)
		}
	}

	lock := &Lock{
		Token:     "opaquelocktoken:" + uuid.New().String(),
		Path:      path,
		Owner:     owner,
		Depth:     depth,
		Exclusive: true,
		Expiry:    time.Now().Add(timeout),
	}
	t.locks[lock.Token] = lock
	return lock, nil
}

func conflicts(existing *Lock, path string) bool {
	if existing.Path == path {
		return true
	}
	if existing.Depth == "infinity" && isDescendant(path, existing.Path) {
		return true
	}
	if isDescendant(existing.Path, path) {
		// A new lock on an ancestor of an existing lock always conflicts,
		// whatever the depth of the new request.
		return true
	}
	return false
}

func isDescendant(path, ancestor string) bool {
	if path == ancestor {
		return false
	}
	prefix := strings.TrimSuffix(ancestor, "/") + "/"
	return strings.HasPrefix(path, prefix)
}

// Refresh extends an existing lock's timeout, returning NotFound if token
// is unknown or has already expired.
func (t *Table) Refresh(token string, timeout time.Duration) (*Lock, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.expireLocked()
	l, ok := t.locks[token]
	if !ok {
		return nil, errtypes.NotFound("lock token " + token)
	}
	l.Expiry = time.Now().Add(timeout)
	return l, nil
}

// Release removes a lock by token. Unlocking an unknown or already-expired
// token is reported as NotFound (surfaced by callers as 409, per RFC 4918
// §9.11.1's "no lock" case).
func (t *Table) Release(token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.expireLocked()
	if _, ok := t.locks[token]; !ok {
		return errtypes.NotFound("lock token " + token)
	}
	delete(t.locks, token)
	return nil
}

// Check reports the active lock covering path, if any.
func (t *Table) Check(path string) (*Lock, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.expireLocked()
	for _, l := range t.locks {
		if l.Path == path || (l.Depth == "infinity" && isDescendant(path, l.Path)) {
			return l, true
		}
	}
	return nil, false
}

// HasToken reports whether token is a currently valid lock covering path.
// This is the whole of this package's "If" header support: a direct token
// match, not a full RFC 4918 §10.4 state-list evaluation.
func (t *Table) HasToken(path, token string) bool {
	l, ok := t.Check(path)
	return ok && l.Token == token
}

func (t *Table) expireLocked() {
	now := time.Now()
	for token, l := range t.locks {
		if now.After(l.Expiry) {
			delete(t.locks, token)
		}
	}
}
