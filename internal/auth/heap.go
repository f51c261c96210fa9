package auth

import (
	"bytes"
	"time"

	"github.com/google/uuid"

	"github.com/dreymor/dtfetch/internal/api"
)

// refreshEntry pairs an account with its next refresh deadline.
type refreshEntry struct {
	id        uuid.UUID
	refreshAt time.Time
}

// entryFor computes the deadline for a credential: its own refresh time if
// set, otherwise expiry minus the safety buffer from now.
func entryFor(cred *api.Auth, now time.Time) refreshEntry {
	if cred.RefreshAt != nil {
		return refreshEntry{id: cred.Sub, refreshAt: *cred.RefreshAt}
	}
	return refreshEntry{id: cred.Sub, refreshAt: now.Add(cred.ExpiresIn - RefreshBuffer)}
}

// refreshHeap is a min-heap on refreshAt, earliest deadline on top. Ties
// order by account id so a run is deterministic.
type refreshHeap []refreshEntry

func (h refreshHeap) Len() int { return len(h) }

func (h refreshHeap) Less(i, j int) bool {
	if !h[i].refreshAt.Equal(h[j].refreshAt) {
		return h[i].refreshAt.Before(h[j].refreshAt)
	}
	return bytes.Compare(h[i].id[:], h[j].id[:]) < 0
}

func (h refreshHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *refreshHeap) Push(x any) { *h = append(*h, x.(refreshEntry)) }

func (h *refreshHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
