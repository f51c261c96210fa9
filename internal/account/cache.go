package account

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreymor/dtfetch/internal/api"
)

// Bundle is the cached upstream state for one account. Each field carries
// its own lock so summary readers never contend with store writers; never
// hold two of these locks at once.
type Bundle struct {
	tsMu        sync.RWMutex
	lastUpdated time.Time

	summaryMu sync.RWMutex
	summary   *api.Summary

	marksMu sync.RWMutex
	marks   map[uuid.UUID]*api.Store

	creditsMu sync.RWMutex
	credits   map[uuid.UUID]*api.Store

	masterMu sync.RWMutex
	master   *api.MasterData
}

func NewBundle(summary *api.Summary, marks, credits map[uuid.UUID]*api.Store, master *api.MasterData) *Bundle {
	if marks == nil {
		marks = make(map[uuid.UUID]*api.Store)
	}
	if credits == nil {
		credits = make(map[uuid.UUID]*api.Store)
	}
	return &Bundle{
		lastUpdated: time.Now(),
		summary:     summary,
		marks:       marks,
		credits:     credits,
		master:      master,
	}
}

func (b *Bundle) Summary() *api.Summary {
	b.summaryMu.RLock()
	defer b.summaryMu.RUnlock()
	return b.summary
}

func (b *Bundle) SetSummary(s *api.Summary) {
	b.summaryMu.Lock()
	b.summary = s
	b.summaryMu.Unlock()
}

// Store returns the cached storefront for a character, per currency.
func (b *Bundle) Store(currency api.CurrencyType, character uuid.UUID) (*api.Store, bool) {
	mu, stores := b.currency(currency)
	mu.RLock()
	defer mu.RUnlock()
	s, ok := stores[character]
	return s, ok
}

func (b *Bundle) SetStore(currency api.CurrencyType, character uuid.UUID, s *api.Store) {
	mu, stores := b.currency(currency)
	mu.Lock()
	stores[character] = s
	mu.Unlock()
}

func (b *Bundle) currency(currency api.CurrencyType) (*sync.RWMutex, map[uuid.UUID]*api.Store) {
	if currency == api.CurrencyCredits {
		return &b.creditsMu, b.credits
	}
	return &b.marksMu, b.marks
}

func (b *Bundle) MasterData() *api.MasterData {
	b.masterMu.RLock()
	defer b.masterMu.RUnlock()
	return b.master
}

func (b *Bundle) LastUpdated() time.Time {
	b.tsMu.RLock()
	defer b.tsMu.RUnlock()
	return b.lastUpdated
}

// Cache maps account ids to their bundles. It never evicts; the population
// is bounded by the number of known accounts.
type Cache struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*Bundle
}

func NewCache() *Cache {
	return &Cache{accounts: make(map[uuid.UUID]*Bundle)}
}

// Get returns the live bundle for id, or nil. Callers share the bundle and
// synchronize through its field locks.
func (c *Cache) Get(id uuid.UUID) *Bundle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accounts[id]
}

// Insert replaces any prior bundle for id.
func (c *Cache) Insert(id uuid.UUID, b *Bundle) {
	c.mu.Lock()
	c.accounts[id] = b
	c.mu.Unlock()
}

// Touch bumps the bundle's last-updated time, if the account is known.
func (c *Cache) Touch(id uuid.UUID) {
	c.mu.RLock()
	b := c.accounts[id]
	c.mu.RUnlock()
	if b == nil {
		return
	}
	b.tsMu.Lock()
	b.lastUpdated = time.Now()
	b.tsMu.Unlock()
}

// Timestamp returns the bundle's last-updated time, if the account is known.
func (c *Cache) Timestamp(id uuid.UUID) (time.Time, bool) {
	c.mu.RLock()
	b := c.accounts[id]
	c.mu.RUnlock()
	if b == nil {
		return time.Time{}, false
	}
	return b.LastUpdated(), true
}
