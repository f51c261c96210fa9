package auth

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dreymor/dtfetch/internal/account"
	"github.com/dreymor/dtfetch/internal/api"
	"github.com/dreymor/dtfetch/internal/events"
)

// RefreshBuffer is the safety margin subtracted from a credential's expiry
// when computing its refresh deadline.
const RefreshBuffer = 5 * time.Minute

const inboxSize = 100

// ErrStopped is returned by Handle.AddAuth after the manager has shut down.
var ErrStopped = errors.New("auth manager stopped")

type command struct {
	cred *api.Auth
}

// Manager owns the credential refresh loop. It keeps a min-heap of refresh
// deadlines, sleeps until the nearest one, refreshes that credential
// against the upstream and re-schedules it. New credentials arrive over a
// bounded inbox. The heap, all storage writes and all populate calls happen
// on the single Run goroutine, so none of them need locking.
type Manager struct {
	storage  Storage
	accounts *account.Cache
	client   api.Client
	bus      *events.Bus
	inbox    chan command
	stopped  chan struct{}
	heap     refreshHeap
}

func NewManager(storage Storage, accounts *account.Cache, client api.Client, bus *events.Bus) *Manager {
	return &Manager{
		storage:  storage,
		accounts: accounts,
		client:   client,
		bus:      bus,
		inbox:    make(chan command, inboxSize),
		stopped:  make(chan struct{}),
	}
}

// Handle returns the read view shared with request handlers. It is cheap to
// copy and safe for concurrent use.
func (m *Manager) Handle() *Handle {
	return &Handle{storage: m.storage, inbox: m.inbox, stopped: m.stopped}
}

// Run restores stored credentials, then serves the refresh loop until ctx
// is cancelled. No command is accepted after cancellation.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.stopped)

	m.restore(ctx)

	for {
		var due <-chan time.Time
		var timer *time.Timer
		if m.heap.Len() > 0 {
			next := m.heap[0]
			slog.Info("sleeping until next refresh", "sub", next.id, "refreshAt", next.refreshAt)
			timer = time.NewTimer(max(time.Until(next.refreshAt), 0))
			due = timer.C
		} else {
			slog.Info("no scheduled refreshes, waiting for commands")
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			slog.Info("auth manager shutting down")
			return nil
		case cmd := <-m.inbox:
			if timer != nil {
				timer.Stop()
			}
			m.ingest(ctx, cmd.cred)
		case <-due:
			m.refreshDue(ctx)
		}
	}
}

// restore walks storage at startup: expired credentials are dropped, the
// rest are scheduled and their account bundles fetched. Per-entry failures
// are logged and skipped.
func (m *Manager) restore(ctx context.Context) {
	now := time.Now()
	for cred, err := range m.storage.All() {
		if err != nil {
			slog.Error("failed to load stored credential", "error", err)
			continue
		}
		if cred.Expired(RefreshBuffer) {
			slog.Warn("stored credential expired, removing", "sub", cred.Sub)
			if err := m.storage.Remove(cred.Sub); err != nil {
				slog.Error("failed to remove expired credential", "sub", cred.Sub, "error", err)
			}
			m.publish(events.EventEvict, cred.Sub, "expired at startup")
			continue
		}
		heap.Push(&m.heap, entryFor(cred, now))
		if err := account.Populate(ctx, m.client, m.accounts, cred); err != nil {
			slog.Error("failed to populate account at startup", "sub", cred.Sub, "error", err)
			continue
		}
		m.publish(events.EventPopulate, cred.Sub, "restored from storage")
	}
}

// ingest handles a NewAuth command. The refresh entry is only pushed once
// the initial fetch and the storage insert both succeed, so the heap never
// holds more than one entry per account.
func (m *Manager) ingest(ctx context.Context, cred *api.Auth) {
	slog.Info("adding new credential", "auth", cred)
	known, err := m.storage.Contains(cred.Sub)
	if err != nil {
		slog.Error("failed to check storage", "sub", cred.Sub, "error", err)
		return
	}
	if known {
		slog.Info("credential already known, ignoring", "sub", cred.Sub)
		return
	}

	entry := entryFor(cred, time.Now())
	if err := account.Populate(ctx, m.client, m.accounts, cred); err != nil {
		slog.Error("initial account fetch failed, dropping credential", "sub", cred.Sub, "error", err)
		return
	}

	stored := *cred
	stored.RefreshAt = &entry.refreshAt
	if err := m.storage.Insert(cred.Sub, &stored); err != nil {
		slog.Error("failed to store credential", "sub", cred.Sub, "error", err)
		return
	}
	heap.Push(&m.heap, entry)
	m.publish(events.EventIngest, cred.Sub, "credential added")
}

// refreshDue pops the nearest deadline and refreshes that credential. A
// credential that cannot be refreshed is dead: it is removed from storage
// and not re-scheduled.
func (m *Manager) refreshDue(ctx context.Context) {
	if m.heap.Len() == 0 {
		return
	}
	entry := heap.Pop(&m.heap).(refreshEntry)

	cred, err := m.storage.Get(entry.id)
	if err != nil {
		slog.Error("failed to read credential for refresh", "sub", entry.id, "error", err)
		return
	}
	if cred == nil {
		slog.Warn("credential gone from storage, dropping refresh", "sub", entry.id)
		return
	}

	slog.Info("refreshing credential", "sub", entry.id)
	refreshed, err := m.client.RefreshAuth(ctx, cred)
	if err != nil {
		slog.Error("refresh failed, evicting credential", "sub", entry.id, "error", err)
		if err := m.storage.Remove(entry.id); err != nil {
			slog.Error("failed to remove credential", "sub", entry.id, "error", err)
		}
		m.publish(events.EventEvict, entry.id, "refresh failed")
		return
	}
	// Sub is immutable on our side; a divergent upstream answer is stored
	// under the original key.
	if refreshed.Sub != entry.id {
		slog.Warn("refreshed credential reports a different sub, keeping original key",
			"sub", entry.id, "reported", refreshed.Sub)
	}

	at := time.Now().Add(refreshed.ExpiresIn - RefreshBuffer)
	refreshed.RefreshAt = &at
	if err := m.storage.Insert(entry.id, refreshed); err != nil {
		slog.Error("failed to store refreshed credential, removing", "sub", entry.id, "error", err)
		if err := m.storage.Remove(entry.id); err != nil {
			slog.Error("failed to remove credential", "sub", entry.id, "error", err)
		}
		return
	}
	heap.Push(&m.heap, refreshEntry{id: entry.id, refreshAt: at})
	slog.Info("credential refreshed", "auth", refreshed)
	m.publish(events.EventRefresh, entry.id, "credential refreshed")
}

func (m *Manager) publish(t events.EventType, id uuid.UUID, msg string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{Type: t, AccountID: id.String(), Message: msg})
}

// Handle is the read view request handlers use to reach credentials. Reads
// go straight to storage; writes are expressed as commands on the
// manager's inbox.
type Handle struct {
	storage Storage
	inbox   chan<- command
	stopped <-chan struct{}
}

func (h *Handle) Get(id uuid.UUID) (*api.Auth, error) { return h.storage.Get(id) }

func (h *Handle) GetSingle() (uuid.UUID, bool, error) { return h.storage.GetSingle() }

func (h *Handle) Contains(id uuid.UUID) (bool, error) { return h.storage.Contains(id) }

func (h *Handle) Ping() error { return h.storage.Ping() }

// AddAuth queues a credential for ingestion. It blocks while the inbox is
// full and fails once the manager has stopped.
func (h *Handle) AddAuth(cred *api.Auth) error {
	select {
	case <-h.stopped:
		return ErrStopped
	default:
	}
	select {
	case h.inbox <- command{cred: cred}:
		return nil
	case <-h.stopped:
		return ErrStopped
	}
}
