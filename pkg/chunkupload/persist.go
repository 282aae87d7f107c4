package chunkupload

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/renameio/v2"
	"github.com/pkg/errors"
)

// sessionDoc is the on-disk representation of a Session written to
// session.json. Per-chunk completion state itself lives in progress.bin,
// not here, since the bitmask is far cheaper to rewrite on every chunk
// arrival than the full chunk slice would be; sessionDoc's Chunks only
// fixes each chunk's immutable offset/size, decided once at creation.
type sessionDoc struct {
	ID             string        `json:"id"`
	Filename       string        `json:"filename"`
	ParentFolderID string        `json:"parent_folder_id"`
	ContentType    string        `json:"content_type"`
	TotalSize      int64         `json:"total_size"`
	ChunkSize      int64         `json:"chunk_size"`
	Chunks         []chunkBounds `json:"chunks"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivity   time.Time     `json:"last_activity"`
	BytesReceived  int64         `json:"bytes_received"`
}

type chunkBounds struct {
	Index  int   `json:"index"`
	Offset int64 `json:"offset"`
	Size   int64 `json:"size"`
}

func sessionJSONPath(tempDir string) string  { return filepath.Join(tempDir, "session.json") }
func progressBinPath(tempDir string) string  { return filepath.Join(tempDir, "progress.bin") }
func chunkFilePath(tempDir string, i int) string {
	return filepath.Join(tempDir, fmt.Sprintf("chunk_%06d", i))
}

func writeSessionJSON(s *Session) error {
	doc := sessionDoc{
		ID: s.ID, Filename: s.Filename, ParentFolderID: s.ParentFolderID,
		ContentType: s.ContentType, TotalSize: s.TotalSize, ChunkSize: s.ChunkSize,
		CreatedAt: s.CreatedAt, LastActivity: s.LastActivity, BytesReceived: s.BytesReceived,
	}
	doc.Chunks = make([]chunkBounds, len(s.Chunks))
	for i, c := range s.Chunks {
		doc.Chunks[i] = chunkBounds{Index: c.Index, Offset: c.Offset, Size: c.Size}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "chunkupload: error marshalling session")
	}
	if err := renameio.WriteFile(sessionJSONPath(s.TempDir), data, 0o644); err != nil {
		return errors.Wrap(err, "chunkupload: error writing session.json")
	}
	return nil
}

// writeProgressBitmask rewrites progress.bin atomically: one bit per
// chunk, bit i set iff chunk i is Complete. At up to 4096 chunks this is
// <= 512 bytes, small enough for a single write to be atomic on POSIX,
// but the rename-based write is used anyway for cross-filesystem safety.
func writeProgressBitmask(s *Session) error {
	buf := make([]byte, (len(s.Chunks)+7)/8)
	for _, c := range s.Chunks {
		if c.Status == Complete {
			buf[c.Index/8] |= 1 << uint(c.Index%8)
		}
	}
	if err := renameio.WriteFile(progressBinPath(s.TempDir), buf, 0o644); err != nil {
		return errors.Wrap(err, "chunkupload: error writing progress.bin")
	}
	return nil
}

func writeChunkFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "chunkupload: error creating chunk file")
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return errors.Wrap(err, "chunkupload: error writing chunk file")
	}
	return f.Sync()
}

// recover scans baseDir for session directories left over from a prior
// process, applies each progress.bin bitmask, verifies every chunk the
// bitmask claims is Complete actually has a backing file, and discards
// sessions that have been idle past the TTL.
func (e *Engine) recover() error {
	entries, err := os.ReadDir(e.baseDir)
	if err != nil {
		return errors.Wrap(err, "chunkupload: error scanning session root")
	}

	now := time.Now().UTC()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		tempDir := filepath.Join(e.baseDir, entry.Name())

		doc, err := readSessionJSON(tempDir)
		if err != nil {
			// An unreadable session directory can't be recovered; remove it
			// rather than let it accumulate forever.
			_ = os.RemoveAll(tempDir)
			continue
		}

		if now.Sub(doc.LastActivity) > e.sessionTTL {
			_ = os.RemoveAll(tempDir)
			continue
		}

		session := sessionFromDoc(doc, tempDir)
		applyProgressBitmask(session, tempDir)
		verifyChunkFilesExist(session, tempDir)

		sh := e.shardFor(session.ID)
		sh.mu.Lock()
		sh.sessions[session.ID] = session
		sh.mu.Unlock()
	}
	return nil
}

func readSessionJSON(tempDir string) (sessionDoc, error) {
	data, err := os.ReadFile(sessionJSONPath(tempDir))
	if err != nil {
		return sessionDoc{}, err
	}
	var doc sessionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return sessionDoc{}, err
	}
	return doc, nil
}

func sessionFromDoc(doc sessionDoc, tempDir string) *Session {
	chunks := make([]ChunkInfo, len(doc.Chunks))
	for i, cb := range doc.Chunks {
		chunks[i] = ChunkInfo{Index: cb.Index, Offset: cb.Offset, Size: cb.Size, Status: Pending}
	}
	return &Session{
		ID: doc.ID, Filename: doc.Filename, ParentFolderID: doc.ParentFolderID,
		ContentType: doc.ContentType, TotalSize: doc.TotalSize, ChunkSize: doc.ChunkSize,
		Chunks: chunks, CreatedAt: doc.CreatedAt, LastActivity: doc.LastActivity,
		TempDir: tempDir, BytesReceived: doc.BytesReceived,
	}
}

func applyProgressBitmask(s *Session, tempDir string) {
	buf, err := os.ReadFile(progressBinPath(tempDir))
	if err != nil {
		return
	}
	for i := range s.Chunks {
		byteIdx := i / 8
		if byteIdx >= len(buf) {
			continue
		}
		if buf[byteIdx]&(1<<uint(i%8)) != 0 {
			s.Chunks[i].Status = Complete
		}
	}
}

func verifyChunkFilesExist(s *Session, tempDir string) {
	var lost []int
	for i, c := range s.Chunks {
		if c.Status != Complete {
			continue
		}
		if _, err := os.Stat(chunkFilePath(tempDir, i)); err != nil {
			lost = append(lost, i)
		}
	}
	sort.Ints(lost)
	for _, i := range lost {
		s.Chunks[i].Status = Pending
		s.BytesReceived -= s.Chunks[i].Size
	}
}
