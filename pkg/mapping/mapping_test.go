package mapping

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DioCrafts/OxiCloud-sub001/pkg/errtypes"
)

func assertNotFound(t *testing.T, err error) {
	t.Helper()
	_, ok := err.(errtypes.IsNotFound)
	assert.True(t, ok, "expected a NotFound error, got %v", err)
}

func TestGetOrCreateID(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "file_ids.json"))
	require.NoError(t, err)

	id1, err := s.GetOrCreateID("/docs/a.txt")
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	id2, err := s.GetOrCreateID("/docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "same path must resolve to the same id")

	id3, err := s.GetOrCreateID("/docs/b.txt")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestGetPathByIDNotFound(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "file_ids.json"))
	require.NoError(t, err)

	_, err = s.GetPathByID("nonexistent")
	assertNotFound(t, err)
}

func TestUpdatePath(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "file_ids.json"))
	require.NoError(t, err)

	id, err := s.GetOrCreateID("/docs/a.txt")
	require.NoError(t, err)

	require.NoError(t, s.UpdatePath(id, "/docs/renamed.txt"))

	p, err := s.GetPathByID(id)
	require.NoError(t, err)
	assert.Equal(t, "/docs/renamed.txt", p)

	_, err = s.GetIDByPath("/docs/a.txt")
	assertNotFound(t, err)
}

func TestRemoveID(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "file_ids.json"))
	require.NoError(t, err)

	id, err := s.GetOrCreateID("/docs/a.txt")
	require.NoError(t, err)
	require.NoError(t, s.RemoveID(id))

	_, err = s.GetPathByID(id)
	assertNotFound(t, err)

	err = s.RemoveID(id)
	assertNotFound(t, err)
}

func TestSaveChangesAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file_ids.json")
	s, err := Load(path)
	require.NoError(t, err)

	id, err := s.GetOrCreateID("/docs/a.txt")
	require.NoError(t, err)
	require.NoError(t, s.SaveChanges())

	// a save with nothing pending is a no-op, not an error
	require.NoError(t, s.SaveChanges())

	reloaded, err := Load(path)
	require.NoError(t, err)
	p, err := reloaded.GetPathByID(id)
	require.NoError(t, err)
	assert.Equal(t, "/docs/a.txt", p)
}

func TestLoadRecoversFromCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file_ids.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := Load(path)
	require.NoError(t, err)

	_, err = s.GetPathByID("anything")
	assertNotFound(t, err)

	_, statErr := os.Stat(path + ".bak")
	assert.NoError(t, statErr, "corrupt file should have been quarantined")
}

func TestLoadRebuildsReverseMapFromOldFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file_ids.json")
	old := `{"path_to_id":{"/docs/a.txt":"id-1"},"id_to_path":{},"version":1}`
	require.NoError(t, os.WriteFile(path, []byte(old), 0o644))

	s, err := Load(path)
	require.NoError(t, err)

	p, err := s.GetPathByID("id-1")
	require.NoError(t, err)
	assert.Equal(t, "/docs/a.txt", p)
}
