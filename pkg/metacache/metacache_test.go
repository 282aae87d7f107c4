package metacache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndLookupHit(t *testing.T) {
	c := New(time.Minute, time.Minute, 100)
	defer c.Close()

	c.Insert(Metadata{Path: "/a.txt", ID: "1", Size: 10})

	m, ok, err := c.GetMetadata("/a.txt", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", m.ID)
	assert.Equal(t, uint64(1), c.Stats().Hits)
}

func TestGetMetadataMissInvokesLoader(t *testing.T) {
	c := New(time.Minute, time.Minute, 100)
	defer c.Close()

	loaded := false
	m, ok, err := c.GetMetadata("/a.txt", func(path string) (Metadata, error) {
		loaded = true
		return Metadata{Path: path, ID: "1"}, nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, loaded)
	assert.Equal(t, "1", m.ID)

	// second call is now a cache hit, loader must not run again
	loaded = false
	_, ok, err = c.GetMetadata("/a.txt", func(path string) (Metadata, error) {
		loaded = true
		return Metadata{}, nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, loaded)
}

func TestGetMetadataLoaderError(t *testing.T) {
	c := New(time.Minute, time.Minute, 100)
	defer c.Close()

	wantErr := errors.New("boom")
	_, ok, err := c.GetMetadata("/a.txt", func(path string) (Metadata, error) {
		return Metadata{}, wantErr
	})
	assert.False(t, ok)
	assert.ErrorIs(t, err, wantErr)
}

func TestExpiryOnAccess(t *testing.T) {
	c := New(time.Millisecond, time.Millisecond, 100)
	defer c.Close()

	c.Insert(Metadata{Path: "/a.txt"})
	time.Sleep(5 * time.Millisecond)

	_, ok, err := c.GetMetadata("/a.txt", nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Expirations)
}

func TestPopularEntryExtendsTTL(t *testing.T) {
	c := New(20*time.Millisecond, 20*time.Millisecond, 100)
	defer c.Close()

	c.Insert(Metadata{Path: "/hot.txt"})
	for i := 0; i < popularThreshold; i++ {
		_, ok, err := c.GetMetadata("/hot.txt", nil)
		require.NoError(t, err)
		require.True(t, ok)
	}

	// base TTL alone would have expired by now; the 5x popularity
	// extension applied on the 10th hit should keep it alive.
	time.Sleep(25 * time.Millisecond)
	_, ok, err := c.GetMetadata("/hot.txt", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInvalidate(t *testing.T) {
	c := New(time.Minute, time.Minute, 100)
	defer c.Close()

	c.Insert(Metadata{Path: "/a.txt"})
	c.Invalidate("/a.txt")

	_, ok, _ := c.GetMetadata("/a.txt", nil)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Invalidations)
}

func TestInvalidateDirectory(t *testing.T) {
	c := New(time.Minute, time.Minute, 100)
	defer c.Close()

	c.Insert(Metadata{Path: "/docs", IsDir: true})
	c.Insert(Metadata{Path: "/docs/a.txt"})
	c.Insert(Metadata{Path: "/docs/sub/b.txt"})
	c.Insert(Metadata{Path: "/other.txt"})

	c.InvalidateDirectory("/docs")

	_, ok, _ := c.GetMetadata("/docs", nil)
	assert.False(t, ok)
	_, ok, _ = c.GetMetadata("/docs/a.txt", nil)
	assert.False(t, ok)
	_, ok, _ = c.GetMetadata("/docs/sub/b.txt", nil)
	assert.False(t, ok)
	_, ok, _ = c.GetMetadata("/other.txt", nil)
	assert.True(t, ok)
}

func TestEvictionAtCapacity(t *testing.T) {
	c := New(time.Minute, time.Minute, 10)
	defer c.Close()

	for i := 0; i < 10; i++ {
		c.Insert(Metadata{Path: string(rune('a' + i))})
	}
	require.Equal(t, 10, c.Len())

	c.Insert(Metadata{Path: "overflow"})
	assert.LessOrEqual(t, c.Len(), 10)
}

func TestPreloadDirectoryRecursive(t *testing.T) {
	c := New(time.Minute, time.Minute, 100)
	defer c.Close()

	tree := map[string][]Metadata{
		"/":        {{Path: "/sub", IsDir: true}, {Path: "/root.txt"}},
		"/sub":     {{Path: "/sub/leaf.txt"}},
	}
	err := c.PreloadDirectory("/", true, 0, func(dir string) ([]Metadata, error) {
		return tree[dir], nil
	})
	require.NoError(t, err)

	_, ok, _ := c.GetMetadata("/sub/leaf.txt", nil)
	assert.True(t, ok)
}
