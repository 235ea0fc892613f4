/*
Package sqlite provides a SQLite-backed implementation of the ledger
storage interfaces.

PURPOSE:
  Implements ledger.Store and ledger.TxStore using SQLite. In
  production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements touch ledger_entries
  - Corrections happen via reversal rows only
  - The only overwritten rows live in the projections cache, which is
    re-derivable from the ledger by full replay

KEY TABLES:
  ledger_entries:   Immutable ledger of all balance/point changes.
                    The seq rowid gives total creation order per account.
  idempotency_keys: (account, key) -> entry + result snapshot. Written
                    in the same transaction as the entry it records.
  projections:      Cached (balance, points, badges). NEVER authoritative.

CONCURRENCY:
  Uses sync.RWMutex for the single-writer discipline SQLite wants; the
  gateway's per-account lock provides request ordering above this. WAL
  mode keeps readers unblocked.

USAGE:
  st, err := sqlite.New("./data/wallet.db")
  if err != nil { ... }
  defer st.Close()
  gw := ledger.NewGateway(st, evaluator, policy)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/wallet-engine/badges"
	"github.com/warp/wallet-engine/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and migrates the
// schema. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: SQLite allows a single writer, and a pooled
	// ":memory:" path would otherwise give each connection its own
	// empty database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Append-only ledger. seq gives total creation order.
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		id              TEXT NOT NULL UNIQUE,
		account_id      TEXT NOT NULL,
		amount          TEXT NOT NULL,
		category        TEXT NOT NULL,
		point_delta     INTEGER NOT NULL,
		kind            TEXT NOT NULL,
		supersedes      TEXT,
		idempotency_key TEXT,
		created_at      TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_account
		ON ledger_entries(account_id, seq);
	CREATE INDEX IF NOT EXISTS idx_entries_supersedes
		ON ledger_entries(supersedes) WHERE supersedes IS NOT NULL;

	-- One committed result per (account, key). The snapshot columns let
	-- a replay return the ORIGINAL result, not the current state.
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		account_id      TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		entry_id        TEXT NOT NULL,
		balance         TEXT NOT NULL,
		points          INTEGER NOT NULL,
		badges_json     TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		PRIMARY KEY (account_id, idempotency_key)
	);

	-- Projection cache. Re-derivable; repaired by Projector.Recompute.
	CREATE TABLE IF NOT EXISTS projections (
		account_id  TEXT PRIMARY KEY,
		balance     TEXT NOT NULL,
		points      INTEGER NOT NULL,
		badges_json TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ENTRIES (append-only)
// =============================================================================

func (s *Store) Append(ctx context.Context, e ledger.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEntry(ctx, s.db, e)
}

func appendEntry(ctx context.Context, db dbtx, e ledger.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries
		(id, account_id, amount, category, point_delta, kind, supersedes, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		string(e.ID),
		string(e.AccountID),
		e.Amount.String(),
		string(e.Category),
		e.PointDelta,
		string(e.Kind),
		nullString(string(e.Supersedes)),
		nullString(e.IdempotencyKey),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return persistErr("append entry", err)
	}
	return nil
}

func (s *Store) Entries(ctx context.Context, accountID ledger.AccountID) ([]ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadEntries(ctx, s.db, accountID)
}

func loadEntries(ctx context.Context, db dbtx, accountID ledger.AccountID) ([]ledger.LedgerEntry, error) {
	query := `
		SELECT id, account_id, amount, category, point_delta, kind, supersedes, idempotency_key, created_at
		FROM ledger_entries
		WHERE account_id = ?
		ORDER BY seq ASC
	`
	rows, err := db.QueryContext(ctx, query, string(accountID))
	if err != nil {
		return nil, persistErr("query entries", err)
	}
	defer rows.Close()

	var entries []ledger.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate entries", err)
	}
	return entries, nil
}

func (s *Store) Entry(ctx context.Context, entryID ledger.EntryID) (ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadEntry(ctx, s.db, entryID)
}

func loadEntry(ctx context.Context, db dbtx, entryID ledger.EntryID) (ledger.LedgerEntry, error) {
	query := `
		SELECT id, account_id, amount, category, point_delta, kind, supersedes, idempotency_key, created_at
		FROM ledger_entries
		WHERE id = ?
	`
	rows, err := db.QueryContext(ctx, query, string(entryID))
	if err != nil {
		return ledger.LedgerEntry{}, persistErr("query entry", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ledger.LedgerEntry{}, persistErr("query entry", err)
		}
		return ledger.LedgerEntry{}, ledger.ErrEntryNotFound
	}
	return scanEntry(rows)
}

func (s *Store) HasReversal(ctx context.Context, entryID ledger.EntryID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return hasReversal(ctx, s.db, entryID)
}

func hasReversal(ctx context.Context, db dbtx, entryID ledger.EntryID) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger_entries WHERE supersedes = ?",
		string(entryID),
	).Scan(&count)
	if err != nil {
		return false, persistErr("query reversal", err)
	}
	return count > 0, nil
}

func (s *Store) Accounts(ctx context.Context) ([]ledger.AccountID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadAccounts(ctx, s.db)
}

func loadAccounts(ctx context.Context, db dbtx) ([]ledger.AccountID, error) {
	rows, err := db.QueryContext(ctx, "SELECT DISTINCT account_id FROM ledger_entries")
	if err != nil {
		return nil, persistErr("query accounts", err)
	}
	defer rows.Close()

	var ids []ledger.AccountID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, persistErr("scan account", err)
		}
		ids = append(ids, ledger.AccountID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate accounts", err)
	}
	return ids, nil
}

func scanEntry(rows *sql.Rows) (ledger.LedgerEntry, error) {
	var (
		e          ledger.LedgerEntry
		id         string
		accountID  string
		amount     string
		category   string
		kind       string
		supersedes sql.NullString
		idemKey    sql.NullString
		createdAt  string
	)
	err := rows.Scan(&id, &accountID, &amount, &category, &e.PointDelta, &kind, &supersedes, &idemKey, &createdAt)
	if err != nil {
		return e, persistErr("scan entry", err)
	}

	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return e, persistErr("parse amount", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return e, persistErr("parse created_at", err)
	}

	e.ID = ledger.EntryID(id)
	e.AccountID = ledger.AccountID(accountID)
	e.Amount = amt
	e.Category = ledger.Category(category)
	e.Kind = ledger.EntryKind(kind)
	e.Supersedes = ledger.EntryID(supersedes.String)
	e.IdempotencyKey = idemKey.String
	e.CreatedAt = ts
	return e, nil
}

// =============================================================================
// IDEMPOTENCY KEYS
// =============================================================================

func (s *Store) LookupKey(ctx context.Context, accountID ledger.AccountID, key string) (*ledger.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lookupKey(ctx, s.db, accountID, key)
}

func lookupKey(ctx context.Context, db dbtx, accountID ledger.AccountID, key string) (*ledger.IdempotencyRecord, error) {
	query := `
		SELECT entry_id, balance, points, badges_json, created_at
		FROM idempotency_keys
		WHERE account_id = ? AND idempotency_key = ?
	`
	var (
		entryID    string
		balance    string
		points     int64
		badgesJSON string
		createdAt  string
	)
	err := db.QueryRowContext(ctx, query, string(accountID), key).
		Scan(&entryID, &balance, &points, &badgesJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("query idempotency key", err)
	}

	bal, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, persistErr("parse balance", err)
	}
	ts, _ := time.Parse(time.RFC3339Nano, createdAt)

	return &ledger.IdempotencyRecord{
		AccountID: accountID,
		Key:       key,
		EntryID:   ledger.EntryID(entryID),
		Balance:   bal,
		Points:    points,
		Badges:    decodeBadges(badgesJSON),
		CreatedAt: ts,
	}, nil
}

func (s *Store) SaveKey(ctx context.Context, rec ledger.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveKey(ctx, s.db, rec)
}

func saveKey(ctx context.Context, db dbtx, rec ledger.IdempotencyRecord) error {
	query := `
		INSERT INTO idempotency_keys
		(account_id, idempotency_key, entry_id, balance, points, badges_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		string(rec.AccountID),
		rec.Key,
		string(rec.EntryID),
		rec.Balance.String(),
		rec.Points,
		encodeBadges(rec.Badges),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return persistErr("save idempotency key", err)
	}
	return nil
}

// =============================================================================
// PROJECTION CACHE
// =============================================================================

func (s *Store) SaveProjection(ctx context.Context, rec ledger.ProjectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveProjection(ctx, s.db, rec)
}

func saveProjection(ctx context.Context, db dbtx, rec ledger.ProjectionRecord) error {
	query := `
		INSERT INTO projections (account_id, balance, points, badges_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			balance = excluded.balance,
			points = excluded.points,
			badges_json = excluded.badges_json,
			updated_at = excluded.updated_at
	`
	_, err := db.ExecContext(ctx, query,
		string(rec.AccountID),
		rec.Balance.String(),
		rec.Points,
		encodeBadges(rec.Badges),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return persistErr("save projection", err)
	}
	return nil
}

func (s *Store) Projection(ctx context.Context, accountID ledger.AccountID) (*ledger.ProjectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadProjection(ctx, s.db, accountID)
}

func loadProjection(ctx context.Context, db dbtx, accountID ledger.AccountID) (*ledger.ProjectionRecord, error) {
	query := `
		SELECT balance, points, badges_json, updated_at
		FROM projections
		WHERE account_id = ?
	`
	var (
		balance    string
		points     int64
		badgesJSON string
		updatedAt  string
	)
	err := db.QueryRowContext(ctx, query, string(accountID)).
		Scan(&balance, &points, &badgesJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("query projection", err)
	}

	bal, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, persistErr("parse balance", err)
	}
	ts, _ := time.Parse(time.RFC3339Nano, updatedAt)

	return &ledger.ProjectionRecord{
		AccountID: accountID,
		Balance:   bal,
		Points:    points,
		Badges:    decodeBadges(badgesJSON),
		UpdatedAt: ts,
	}, nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. Reads inside fn go
// through the same transaction, so fn observes its own writes.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return persistErr("commit transaction", err)
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Append(ctx context.Context, e ledger.LedgerEntry) error {
	return appendEntry(ctx, ts.tx, e)
}

func (ts *txStore) Entries(ctx context.Context, accountID ledger.AccountID) ([]ledger.LedgerEntry, error) {
	return loadEntries(ctx, ts.tx, accountID)
}

func (ts *txStore) Entry(ctx context.Context, entryID ledger.EntryID) (ledger.LedgerEntry, error) {
	return loadEntry(ctx, ts.tx, entryID)
}

func (ts *txStore) HasReversal(ctx context.Context, entryID ledger.EntryID) (bool, error) {
	return hasReversal(ctx, ts.tx, entryID)
}

func (ts *txStore) LookupKey(ctx context.Context, accountID ledger.AccountID, key string) (*ledger.IdempotencyRecord, error) {
	return lookupKey(ctx, ts.tx, accountID, key)
}

func (ts *txStore) SaveKey(ctx context.Context, rec ledger.IdempotencyRecord) error {
	return saveKey(ctx, ts.tx, rec)
}

func (ts *txStore) SaveProjection(ctx context.Context, rec ledger.ProjectionRecord) error {
	return saveProjection(ctx, ts.tx, rec)
}

func (ts *txStore) Projection(ctx context.Context, accountID ledger.AccountID) (*ledger.ProjectionRecord, error) {
	return loadProjection(ctx, ts.tx, accountID)
}

func (ts *txStore) Accounts(ctx context.Context) ([]ledger.AccountID, error) {
	return loadAccounts(ctx, ts.tx)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func encodeBadges(ids []badges.ID) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

func decodeBadges(s string) []badges.ID {
	var ids []badges.ID
	if s != "" {
		json.Unmarshal([]byte(s), &ids)
	}
	return ids
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ledger.ErrPersistenceFailure, op, err)
}
