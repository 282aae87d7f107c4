// Package mapping implements the bidirectional path <-> id table that lets
// every other component address files and folders by an opaque, durable
// UUID instead of a mutable filesystem path. It is the storage core's
// analogue of reva's node-id indirection in decomposedfs, but kept as a
// single in-memory table with deferred, atomically-persisted writes rather
// than extended attributes on disk.
package mapping

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/DioCrafts/OxiCloud-sub001/pkg/errtypes"
)

// document is the on-disk representation: a single JSON file holding both
// directions of the map plus a monotonic version so a stale in-memory
// snapshot can be detected by a future reader.
type document struct {
	PathToID map[string]string `json:"path_to_id"`
	IDToPath map[string]string `json:"id_to_path"`
	Version  uint32            `json:"version"`
}

// Store is a single persisted path<->id table. The repository keeps one
// Store for folders and one for files, per spec's folder_ids.json /
// file_ids.json split.
type Store struct {
	path string

	mu       sync.RWMutex
	pathToID map[string]string
	idToPath map[string]string
	version  uint32
	pending  bool

	saveMu sync.Mutex
}

// Load reads path from disk, recovering from a corrupt file by renaming it
// aside and starting fresh, and returns a ready-to-use Store.
func Load(path string) (*Store, error) {
	s := &Store{
		path:     path,
		pathToID: map[string]string{},
		idToPath: map[string]string{},
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "mapping: error reading id map")
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		if renameErr := os.Rename(path, path+".bak"); renameErr != nil {
			return nil, errors.Wrap(renameErr, "mapping: error quarantining corrupt id map")
		}
		return s, nil
	}

	if doc.PathToID != nil {
		s.pathToID = doc.PathToID
	}
	if doc.IDToPath != nil {
		s.idToPath = doc.IDToPath
	}
	s.version = doc.Version

	// Old on-disk format only carried the forward map; rebuild the reverse
	// map before the store is exposed to callers.
	if len(s.pathToID) > 0 && len(s.idToPath) == 0 {
		for p, id := range s.pathToID {
			s.idToPath[id] = p
		}
	}

	return s, nil
}

// GetOrCreateID returns the id already mapped to path, minting and
// recording a fresh UUID if path has never been seen.
func (s *Store) GetOrCreateID(path string) (string, error) {
	s.mu.RLock()
	if id, ok := s.pathToID[path]; ok {
		s.mu.RUnlock()
		return id, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check: another goroutine may have won the race between the
	// RUnlock above and this Lock.
	if id, ok := s.pathToID[path]; ok {
		return id, nil
	}

	id := uuid.New().String()
	s.pathToID[path] = id
	s.idToPath[id] = path
	s.pending = true
	return id, nil
}

// Set records an explicit id<->path pair, for callers (such as the
// repository) that already minted id elsewhere, e.g. as a database row's
// primary key.
func (s *Store) Set(id, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if oldPath, ok := s.idToPath[id]; ok {
		delete(s.pathToID, oldPath)
	}
	s.idToPath[id] = path
	s.pathToID[path] = id
	s.pending = true
}

// GetPathByID resolves id back to its current path, or NotFound if id is
// unknown.
func (s *Store) GetPathByID(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.idToPath[id]
	if !ok {
		return "", errtypes.NotFound("id " + id)
	}
	return p, nil
}

// GetIDByPath resolves path to its id without creating one, or NotFound.
func (s *Store) GetIDByPath(path string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.pathToID[path]
	if !ok {
		return "", errtypes.NotFound("path " + path)
	}
	return id, nil
}

// UpdatePath repoints an existing id at newPath, used after a rename or
// move. Returns NotFound if id is unknown.
func (s *Store) UpdatePath(id, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldPath, ok := s.idToPath[id]
	if !ok {
		return errtypes.NotFound("id " + id)
	}
	delete(s.pathToID, oldPath)
	s.idToPath[id] = newPath
	s.pathToID[newPath] = id
	s.pending = true
	return nil
}

// RemoveID deletes id and its path from the table. Returns NotFound if id
// is unknown.
func (s *Store) RemoveID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.idToPath[id]
	if !ok {
		return errtypes.NotFound("id " + id)
	}
	delete(s.idToPath, id)
	delete(s.pathToID, p)
	s.pending = true
	return nil
}

// SaveChanges serialises the full table via temp-file + atomic rename if a
// mutation is pending, then verifies every id still resolves to its
// expected path, retrying up to three times with a constant 100ms backoff
// before surfacing an InternalError.
func (s *Store) SaveChanges() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	if !s.pending {
		s.mu.RUnlock()
		return nil
	}
	doc := document{
		PathToID: copyMap(s.pathToID),
		IDToPath: copyMap(s.idToPath),
		Version:  s.version + 1,
	}
	s.mu.RUnlock()

	data, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "mapping: error marshalling id map")
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return errors.Wrap(err, "mapping: error writing id map")
	}

	s.mu.Lock()
	s.version = doc.Version
	s.pending = false
	s.mu.Unlock()

	verify := func() error {
		return s.verify(doc)
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 3)
	if err := backoff.Retry(verify, b); err != nil {
		return errtypes.InternalError("mapping: failed to verify persisted id map: " + err.Error())
	}
	return nil
}

// verify looks up every id->path entry of the snapshot just written in the
// in-memory table (via GetPathByID) and confirms it still resolves to the
// same path; it does not read the file back from disk.
func (s *Store) verify(doc document) error {
	for id, wantPath := range doc.IDToPath {
		gotPath, err := s.GetPathByID(id)
		if err != nil {
			return err
		}
		if gotPath != wantPath {
			return errors.Errorf("mapping: id %s resolved to %q, want %q", id, gotPath, wantPath)
		}
	}
	return nil
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
