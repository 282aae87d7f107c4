package services

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharePasswordHasherRoundTrips(t *testing.T) {
	h := NewSharePasswordHasher()

	hash, err := h.Hash(t.Context(), "correct horse battery staple")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	ok, err := h.Verify(t.Context(), "correct horse battery staple", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify(t.Context(), "wrong password", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSharePasswordHasherConcurrencyGated(t *testing.T) {
	h := NewSharePasswordHasher()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.Hash(t.Context(), "password")
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
}
