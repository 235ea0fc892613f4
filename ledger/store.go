/*
store.go - Persistence interface for entries, idempotency keys, and the
projection cache

PURPOSE:
  Defines the interface between the engine and the database. The Store
  maintains append-only semantics for entries; the only rows that are
  ever overwritten are the projection cache (which is re-derivable by
  replay) and nothing else.

KEY INTERFACES:
  Store:   Entry persistence plus idempotency and projection records
  TxStore: Store with WithTx for atomic multi-table writes

APPEND-ONLY CONTRACT:
  Entries have Append() and reads only. No Update() or Delete() methods
  exist. Corrections are reversal entries.

ATOMICITY:
  The gateway writes the entry, the idempotency record, and the
  projection cache inside one WithTx call. Either all three land or
  none do; a reader never observes a partially-committed mutation.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite (WAL)
  - ledger/store: In-memory for testing/dev

SEE ALSO:
  - gateway.go: The only writer
  - store/sqlite/sqlite.go: Concrete implementation
*/
package ledger

import "context"

// =============================================================================
// STORE - Entry persistence (append-only) + idempotency + projections
// =============================================================================

// Store handles persistence. Entries are APPEND-ONLY: no update, no
// delete, ever. Corrections are made via reversal entries.
type Store interface {
	// Append persists an entry. Duplicate-key detection lives in SaveKey;
	// a single mutation may append several entries under one key.
	Append(ctx context.Context, e LedgerEntry) error

	// Entries returns all entries for an account in creation order.
	// A fresh, finite slice each call; not a live view.
	Entries(ctx context.Context, accountID AccountID) ([]LedgerEntry, error)

	// Entry returns one entry by ID, or ErrEntryNotFound.
	Entry(ctx context.Context, entryID EntryID) (LedgerEntry, error)

	// HasReversal reports whether any entry supersedes entryID.
	HasReversal(ctx context.Context, entryID EntryID) (bool, error)

	// LookupKey returns the idempotency record for (account, key),
	// or nil if the key has not been used.
	LookupKey(ctx context.Context, accountID AccountID, key string) (*IdempotencyRecord, error)

	// SaveKey persists an idempotency record. Fails with
	// ErrDuplicateIdempotencyKey if (account, key) already exists.
	SaveKey(ctx context.Context, rec IdempotencyRecord) error

	// SaveProjection upserts the projection cache for an account.
	// The cache is never authoritative; Projector.Recompute repairs it.
	SaveProjection(ctx context.Context, rec ProjectionRecord) error

	// Projection returns the cached projection, or nil if none is stored.
	Projection(ctx context.Context, accountID AccountID) (*ProjectionRecord, error)

	// Accounts returns every account that has at least one entry.
	Accounts(ctx context.Context) ([]AccountID, error)
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic multi-table writes
// =============================================================================

// TxStore wraps Store with transaction support.
//
// WithTx executes fn against a transactional view of the store. If fn
// returns an error or the context is cancelled before commit, every
// write made inside fn is rolled back and no reader ever sees it.
type TxStore interface {
	Store

	WithTx(ctx context.Context, fn func(Store) error) error
}
