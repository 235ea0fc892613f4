// Package store provides in-memory ledger.Store implementations for
// testing and development.
package store

import (
	"context"
	"sync"

	"github.com/warp/wallet-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	entries     map[ledger.AccountID][]ledger.LedgerEntry
	byID        map[ledger.EntryID]ledger.LedgerEntry
	reversals   map[ledger.EntryID]bool // original entry ID -> has compensating entry
	keys        map[keyID]ledger.IdempotencyRecord
	projections map[ledger.AccountID]ledger.ProjectionRecord
}

type keyID struct {
	AccountID ledger.AccountID
	Key       string
}

func NewMemory() *Memory {
	return &Memory{
		entries:     make(map[ledger.AccountID][]ledger.LedgerEntry),
		byID:        make(map[ledger.EntryID]ledger.LedgerEntry),
		reversals:   make(map[ledger.EntryID]bool),
		keys:        make(map[keyID]ledger.IdempotencyRecord),
		projections: make(map[ledger.AccountID]ledger.ProjectionRecord),
	}
}

// Append adds a single entry. Append-only: insertion order is creation order.
func (m *Memory) Append(_ context.Context, e ledger.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(e)
}

func (m *Memory) appendLocked(e ledger.LedgerEntry) error {
	m.entries[e.AccountID] = append(m.entries[e.AccountID], e)
	m.byID[e.ID] = e
	if e.Supersedes != "" {
		m.reversals[e.Supersedes] = true
	}
	return nil
}

func (m *Memory) Entries(_ context.Context, accountID ledger.AccountID) ([]ledger.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.LedgerEntry, len(m.entries[accountID]))
	copy(result, m.entries[accountID])
	return result, nil
}

func (m *Memory) Entry(_ context.Context, entryID ledger.EntryID) (ledger.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byID[entryID]
	if !ok {
		return ledger.LedgerEntry{}, ledger.ErrEntryNotFound
	}
	return e, nil
}

func (m *Memory) HasReversal(_ context.Context, entryID ledger.EntryID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reversals[entryID], nil
}

func (m *Memory) LookupKey(_ context.Context, accountID ledger.AccountID, key string) (*ledger.IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.keys[keyID{AccountID: accountID, Key: key}]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (m *Memory) SaveKey(_ context.Context, rec ledger.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveKeyLocked(rec)
}

func (m *Memory) saveKeyLocked(rec ledger.IdempotencyRecord) error {
	k := keyID{AccountID: rec.AccountID, Key: rec.Key}
	if _, exists := m.keys[k]; exists {
		return ledger.ErrDuplicateIdempotencyKey
	}
	m.keys[k] = rec
	return nil
}

func (m *Memory) SaveProjection(_ context.Context, rec ledger.ProjectionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projections[rec.AccountID] = rec
	return nil
}

func (m *Memory) Projection(_ context.Context, accountID ledger.AccountID) (*ledger.ProjectionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.projections[accountID]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (m *Memory) Accounts(_ context.Context) ([]ledger.AccountID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]ledger.AccountID, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support, simulated with a
// snapshot + rollback on error.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn against the store; on error (or context expiry
// observed by fn) the pre-transaction state is restored.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snap := tm.snapshot()
	view := &txMemoryView{parent: tm}

	err := fn(view)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		tm.restore(snap)
		return err
	}
	return nil
}

func (tm *TxMemory) snapshot() memorySnapshot {
	entriesCopy := make(map[ledger.AccountID][]ledger.LedgerEntry, len(tm.entries))
	for k, v := range tm.entries {
		entriesCopy[k] = append([]ledger.LedgerEntry{}, v...)
	}
	byIDCopy := make(map[ledger.EntryID]ledger.LedgerEntry, len(tm.byID))
	for k, v := range tm.byID {
		byIDCopy[k] = v
	}
	revCopy := make(map[ledger.EntryID]bool, len(tm.reversals))
	for k, v := range tm.reversals {
		revCopy[k] = v
	}
	keysCopy := make(map[keyID]ledger.IdempotencyRecord, len(tm.keys))
	for k, v := range tm.keys {
		keysCopy[k] = v
	}
	projCopy := make(map[ledger.AccountID]ledger.ProjectionRecord, len(tm.projections))
	for k, v := range tm.projections {
		projCopy[k] = v
	}
	return memorySnapshot{
		entries:     entriesCopy,
		byID:        byIDCopy,
		reversals:   revCopy,
		keys:        keysCopy,
		projections: projCopy,
	}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.entries = s.entries
	tm.byID = s.byID
	tm.reversals = s.reversals
	tm.keys = s.keys
	tm.projections = s.projections
}

type memorySnapshot struct {
	entries     map[ledger.AccountID][]ledger.LedgerEntry
	byID        map[ledger.EntryID]ledger.LedgerEntry
	reversals   map[ledger.EntryID]bool
	keys        map[keyID]ledger.IdempotencyRecord
	projections map[ledger.AccountID]ledger.ProjectionRecord
}

// txMemoryView exposes the parent's state without re-acquiring its
// mutex; WithTx already holds it.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) Append(_ context.Context, e ledger.LedgerEntry) error {
	return tv.parent.appendLocked(e)
}

func (tv *txMemoryView) Entries(_ context.Context, accountID ledger.AccountID) ([]ledger.LedgerEntry, error) {
	result := make([]ledger.LedgerEntry, len(tv.parent.entries[accountID]))
	copy(result, tv.parent.entries[accountID])
	return result, nil
}

func (tv *txMemoryView) Entry(_ context.Context, entryID ledger.EntryID) (ledger.LedgerEntry, error) {
	e, ok := tv.parent.byID[entryID]
	if !ok {
		return ledger.LedgerEntry{}, ledger.ErrEntryNotFound
	}
	return e, nil
}

func (tv *txMemoryView) HasReversal(_ context.Context, entryID ledger.EntryID) (bool, error) {
	return tv.parent.reversals[entryID], nil
}

func (tv *txMemoryView) LookupKey(_ context.Context, accountID ledger.AccountID, key string) (*ledger.IdempotencyRecord, error) {
	rec, ok := tv.parent.keys[keyID{AccountID: accountID, Key: key}]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (tv *txMemoryView) SaveKey(_ context.Context, rec ledger.IdempotencyRecord) error {
	return tv.parent.saveKeyLocked(rec)
}

func (tv *txMemoryView) SaveProjection(_ context.Context, rec ledger.ProjectionRecord) error {
	tv.parent.projections[rec.AccountID] = rec
	return nil
}

func (tv *txMemoryView) Projection(_ context.Context, accountID ledger.AccountID) (*ledger.ProjectionRecord, error) {
	rec, ok := tv.parent.projections[accountID]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (tv *txMemoryView) Accounts(_ context.Context) ([]ledger.AccountID, error) {
	ids := make([]ledger.AccountID, 0, len(tv.parent.entries))
	for id := range tv.parent.entries {
		ids = append(ids, id)
	}
	return ids, nil
}
