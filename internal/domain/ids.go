package domain

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
)

// NewID returns a time-ordered identifier. Ordering is informational only; lock order
// is always derived from CompareIDs.
func NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// CompareIDs orders ids by their raw bytes.
func CompareIDs(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}

// LockOrder returns the distinct ids sorted ascending by CompareIDs. Every code path that
// locks more than one account acquires the locks in this order.
func LockOrder(ids ...uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return CompareIDs(out[i], out[j]) < 0 })
	return out
}
