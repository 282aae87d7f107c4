package services

import (
	"context"

	"github.com/alexedwards/argon2id"
	"golang.org/x/sync/semaphore"
)

// SharePasswordHasher is the orchestration layer's one nontrivial
// responsibility: gating concurrent Argon2id hashing behind a semaphore
// of size 2 so peak RAM for concurrent hashes stays bounded regardless
// of how many share links are created or unlocked at once (Argon2id's
// default parameters use ~19 MiB per call, so two concurrent calls cap
// out around 38 MiB).
type SharePasswordHasher struct {
	sem *semaphore.Weighted
}

// NewSharePasswordHasher builds a hasher gated to at most two concurrent
// Argon2id calls.
func NewSharePasswordHasher() *SharePasswordHasher {
	return &SharePasswordHasher{sem: semaphore.NewWeighted(2)}
}

// Hash derives an Argon2id hash for a share-link password, blocking until
// a hashing slot is free.
func (h *SharePasswordHasher) Hash(ctx context.Context, password string) (string, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer h.sem.Release(1)

	return argon2id.CreateHash(password, argon2id.DefaultParams)
}

// Verify checks a share-link password against its stored hash, blocking
// until a hashing slot is free.
func (h *SharePasswordHasher) Verify(ctx context.Context, password, hash string) (bool, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer h.sem.Release(1)

	return argon2id.ComparePasswordAndHash(password, hash)
}
