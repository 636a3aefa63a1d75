package remote

import (
	"context"
	"errors"
	"strings"

	"investigator/pkg/logx"
)

// ErrAllocationExhausted indicates the remote store never produced a usable
// executor memory session id.
var ErrAllocationExhausted = errors.New("executor memory allocation exhausted")

// DefaultAllocationAttempts bounds session id allocation retries.
const DefaultAllocationAttempts = 3

// SessionCreator is the slice of the remote client the allocator needs.
type SessionCreator interface {
	CreateSession(ctx context.Context, containerID string) (string, error)
}

// Allocator obtains executor memory session ids, retrying on locally
// detected invalid ids. Ids starting with '-' or '_' are fallback
// placeholders from the remote store, not real sessions.
type Allocator struct {
	client      SessionCreator
	maxAttempts int
	logger      *logx.Logger
	observe     func(attempts int)
}

// SetAttemptObserver registers a callback invoked with the number of
// attempts each successful allocation used.
func (a *Allocator) SetAttemptObserver(fn func(attempts int)) {
	a.observe = fn
}

// NewAllocator creates an allocator. attempts <= 0 uses the default cap.
func NewAllocator(client SessionCreator, attempts int) *Allocator {
	if attempts <= 0 {
		attempts = DefaultAllocationAttempts
	}
	return &Allocator{
		client:      client,
		maxAttempts: attempts,
		logger:      logx.NewLogger("allocator"),
	}
}

// Allocate returns a session id for the container. Invalid-prefix ids are
// retried immediately up to the attempt cap; if every attempt is rejected
// the last non-empty id is used anyway rather than stalling the
// investigation. Only an all-empty sequence fails with
// ErrAllocationExhausted.
func (a *Allocator) Allocate(ctx context.Context, containerID string) (string, error) {
	var lastID string

	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		id, err := a.client.CreateSession(ctx, containerID)
		if err != nil {
			return "", err
		}
		if id == "" {
			a.logger.Warn("allocation attempt %d/%d returned an empty session id", attempt, a.maxAttempts)
			continue
		}
		lastID = id
		if !hasReservedPrefix(id) {
			if a.observe != nil {
				a.observe(attempt)
			}
			return id, nil
		}
		a.logger.Warn("allocation attempt %d/%d returned placeholder id %q", attempt, a.maxAttempts, id)
	}

	if lastID == "" {
		return "", ErrAllocationExhausted
	}

	// Known tension: proceeding with a placeholder id keeps the
	// investigation from stalling, at the cost of a session the store may
	// not track properly.
	a.logger.Warn("allocation exhausted after %d attempts, proceeding with %q", a.maxAttempts, lastID)
	if a.observe != nil {
		a.observe(a.maxAttempts)
	}
	return lastID, nil
}

func hasReservedPrefix(id string) bool {
	return strings.HasPrefix(id, "-") || strings.HasPrefix(id, "_")
}
