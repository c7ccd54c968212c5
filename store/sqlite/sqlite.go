/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Persists users, events and transactions with the same contract as the
  in-memory store: optimistic versions on users and events, insert-only
  transactions, idempotency keys unique per emitter, all-or-nothing WithTx.

KEY TABLES:
  users:         personal balances, case-insensitive unique email
  events:        pooled balances, guests stored inline as JSON
  transactions:  insert-only ledger entries, idempotency_key unique per emitter

VERSIONING:
  Updates run as UPDATE ... WHERE id = ? AND version = ?. Zero affected rows
  means another writer got there first: ErrConcurrentModification.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time (WithTx serializes writers in-process)

MIGRATION:
  Schema changes are versioned SQL files under migrations/, embedded and
  applied by golang-migrate on New().

USAGE:
  store, err := sqlite.New("./data/pool.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store, ledger.Options{})

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/pool-ledger/ledger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements ledger.TxStore using SQLite.
type Store struct {
	repo
	db *sql.DB
	mu sync.Mutex
}

// New opens (or creates) the database at dbPath and applies pending
// migrations. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{repo: repo{q: db}, db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// runMigrations applies embedded migrations on db itself, so ":memory:"
// databases are migrated on the connection they are used from.
func runMigrations(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	// m.Close would also close db.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&repo{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// Reset clears all data (demo/testing).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"transactions", "events", "users"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// REPOSITORY - shared by the plain store and transactions
// =============================================================================

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type repo struct {
	q querier
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// -----------------------------------------------------------------------------
// Users
// -----------------------------------------------------------------------------

const userColumns = `id, email, first_name, last_name, password_hash, session_id,
	balance, event_ids_json, transaction_ids_json, created_at, version`

func (r *repo) GetUser(ctx context.Context, id ledger.UserID) (*ledger.User, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Kind: "user", ID: string(id)}
	}
	return u, err
}

func (r *repo) FindUserByEmail(ctx context.Context, email string) (*ledger.User, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE email = ?", email)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Kind: "user", ID: email}
	}
	return u, err
}

func (r *repo) PutUser(ctx context.Context, u *ledger.User) error {
	eventIDs, err := json.Marshal(nonNil(u.EventIDs))
	if err != nil {
		return fmt.Errorf("failed to marshal event ids: %w", err)
	}
	txIDs, err := json.Marshal(nonNil(u.TransactionIDs))
	if err != nil {
		return fmt.Errorf("failed to marshal transaction ids: %w", err)
	}

	var res sql.Result
	if u.Version == 0 {
		res, err = r.q.ExecContext(ctx, `
			INSERT INTO users (`+userColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			u.ID, u.Email, u.FirstName, u.LastName, u.PasswordHash, u.SessionID,
			u.Balance.String(), string(eventIDs), string(txIDs), formatTime(u.CreatedAt),
		)
	} else {
		res, err = r.q.ExecContext(ctx, `
			UPDATE users SET email = ?, first_name = ?, last_name = ?, password_hash = ?,
				session_id = ?, balance = ?, event_ids_json = ?, transaction_ids_json = ?,
				version = version + 1
			WHERE id = ? AND version = ?`,
			u.Email, u.FirstName, u.LastName, u.PasswordHash, u.SessionID,
			u.Balance.String(), string(eventIDs), string(txIDs),
			u.ID, u.Version,
		)
	}
	if err := classifyWrite(res, err, "users.email", ledger.ErrDuplicateEmail); err != nil {
		return err
	}
	u.Version++
	return nil
}

func (r *repo) DeleteUser(ctx context.Context, id ledger.UserID) error {
	res, err := r.q.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.NotFoundError{Kind: "user", ID: string(id)}
	}
	return nil
}

func scanUser(row scanner) (*ledger.User, error) {
	var (
		u               ledger.User
		balance         string
		eventIDs, txIDs string
		createdAt       string
	)
	err := row.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.PasswordHash, &u.SessionID,
		&balance, &eventIDs, &txIDs, &createdAt, &u.Version)
	if err != nil {
		return nil, err
	}
	if u.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("user %s: bad balance %q: %w", u.ID, balance, err)
	}
	if err := json.Unmarshal([]byte(eventIDs), &u.EventIDs); err != nil {
		return nil, fmt.Errorf("user %s: bad event ids: %w", u.ID, err)
	}
	if err := json.Unmarshal([]byte(txIDs), &u.TransactionIDs); err != nil {
		return nil, fmt.Errorf("user %s: bad transaction ids: %w", u.ID, err)
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

// -----------------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------------

const eventColumns = `id, unique_id, organizer, name, description, event_date, payment_date,
	total_sum, share_amount, guests_json, transaction_ids_json, created_at, version`

func (r *repo) GetEvent(ctx context.Context, id ledger.EventID) (*ledger.Event, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM events WHERE id = ?", id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Kind: "event", ID: string(id)}
	}
	return e, err
}

func (r *repo) FindEventByUniqueID(ctx context.Context, uniqueID string) (*ledger.Event, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM events WHERE unique_id = ?", uniqueID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Kind: "event", ID: uniqueID}
	}
	return e, err
}

func (r *repo) PutEvent(ctx context.Context, e *ledger.Event) error {
	guests, err := json.Marshal(nonNil(e.Guests))
	if err != nil {
		return fmt.Errorf("failed to marshal guests: %w", err)
	}
	txIDs, err := json.Marshal(nonNil(e.TransactionIDs))
	if err != nil {
		return fmt.Errorf("failed to marshal transaction ids: %w", err)
	}

	var res sql.Result
	if e.Version == 0 {
		res, err = r.q.ExecContext(ctx, `
			INSERT INTO events (`+eventColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			e.ID, e.UniqueID, e.Organizer, e.Name, e.Description,
			formatTime(e.EventDate), formatTime(e.PaymentDate),
			e.TotalSum.String(), e.ShareAmount.String(), string(guests), string(txIDs),
			formatTime(e.CreatedAt),
		)
	} else {
		res, err = r.q.ExecContext(ctx, `
			UPDATE events SET name = ?, description = ?, event_date = ?, payment_date = ?,
				total_sum = ?, share_amount = ?, guests_json = ?, transaction_ids_json = ?,
				version = version + 1
			WHERE id = ? AND version = ?`,
			e.Name, e.Description, formatTime(e.EventDate), formatTime(e.PaymentDate),
			e.TotalSum.String(), e.ShareAmount.String(), string(guests), string(txIDs),
			e.ID, e.Version,
		)
	}
	if err := classifyWrite(res, err, "", nil); err != nil {
		return err
	}
	e.Version++
	return nil
}

func (r *repo) DeleteEvent(ctx context.Context, id ledger.EventID) error {
	res, err := r.q.ExecContext(ctx, "DELETE FROM events WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.NotFoundError{Kind: "event", ID: string(id)}
	}
	return nil
}

func (r *repo) ListEvents(ctx context.Context) ([]ledger.Event, error) {
	rows, err := r.q.QueryContext(ctx, "SELECT "+eventColumns+" FROM events ORDER BY created_at ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func scanEvent(row scanner) (*ledger.Event, error) {
	var (
		e                        ledger.Event
		eventDate, paymentDate   string
		totalSum, shareAmount    string
		guests, txIDs, createdAt string
	)
	err := row.Scan(&e.ID, &e.UniqueID, &e.Organizer, &e.Name, &e.Description,
		&eventDate, &paymentDate, &totalSum, &shareAmount, &guests, &txIDs, &createdAt, &e.Version)
	if err != nil {
		return nil, err
	}
	if e.TotalSum, err = decimal.NewFromString(totalSum); err != nil {
		return nil, fmt.Errorf("event %s: bad total sum %q: %w", e.ID, totalSum, err)
	}
	if e.ShareAmount, err = decimal.NewFromString(shareAmount); err != nil {
		return nil, fmt.Errorf("event %s: bad share amount %q: %w", e.ID, shareAmount, err)
	}
	if err := json.Unmarshal([]byte(guests), &e.Guests); err != nil {
		return nil, fmt.Errorf("event %s: bad guests: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(txIDs), &e.TransactionIDs); err != nil {
		return nil, fmt.Errorf("event %s: bad transaction ids: %w", e.ID, err)
	}
	e.EventDate = parseTime(eventDate)
	e.PaymentDate = parseTime(paymentDate)
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// -----------------------------------------------------------------------------
// Transactions (insert-only)
// -----------------------------------------------------------------------------

const transactionColumns = `id, tx_type, amount, tx_date, emitter, recipient, event_id,
	name, category, invoice, idempotency_key, created_at`

func (r *repo) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = ?", id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Kind: "transaction", ID: string(id)}
	}
	return tx, err
}

func (r *repo) FindTransactionByIdempotencyKey(ctx context.Context, emitter, key string) (*ledger.Transaction, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE emitter = ? AND idempotency_key = ?", emitter, key)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Kind: "transaction", ID: key}
	}
	return tx, err
}

// PutTransaction inserts tx. There is no UPDATE path.
func (r *repo) PutTransaction(ctx context.Context, tx *ledger.Transaction) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.Type, tx.Amount.String(), formatTime(tx.Date), tx.Emitter,
		nullString(tx.Recipient), nullString(string(tx.EventID)),
		nullString(tx.Name), nullString(tx.Category), nullString(tx.Invoice),
		nullString(tx.IdempotencyKey), formatTime(tx.CreatedAt),
	)
	return classifyWrite(nil, err, "transactions.idempotency_key", ledger.ErrDuplicateIdempotencyKey)
}

func (r *repo) ListTransactions(ctx context.Context, ids []ledger.TransactionID) ([]ledger.Transaction, error) {
	if len(ids) == 0 {
		return []ledger.Transaction{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := r.q.QueryContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	byID := make(map[ledger.TransactionID]ledger.Transaction, len(ids))
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		byID[tx.ID] = *tx
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ledger.Transaction, 0, len(ids))
	for _, id := range ids {
		if tx, ok := byID[id]; ok {
			out = append(out, tx)
		}
	}
	return out, nil
}

func scanTransaction(row scanner) (*ledger.Transaction, error) {
	var (
		tx                                 ledger.Transaction
		amount, date, createdAt            string
		recipient, eventID, name, category sql.NullString
		invoice, idempotencyKey            sql.NullString
	)
	err := row.Scan(&tx.ID, &tx.Type, &amount, &date, &tx.Emitter, &recipient, &eventID,
		&name, &category, &invoice, &idempotencyKey, &createdAt)
	if err != nil {
		return nil, err
	}
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("transaction %s: bad amount %q: %w", tx.ID, amount, err)
	}
	tx.Date = parseTime(date)
	tx.Recipient = recipient.String
	tx.EventID = ledger.EventID(eventID.String)
	tx.Name = name.String
	tx.Category = category.String
	tx.Invoice = invoice.String
	tx.IdempotencyKey = idempotencyKey.String
	tx.CreatedAt = parseTime(createdAt)
	return &tx, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// classifyWrite maps driver errors onto the ledger's store errors. A unique
// violation on uniqueIndex becomes uniqueErr; any other unique violation (a
// primary key) or an UPDATE that matched no row is a version conflict.
func classifyWrite(res sql.Result, err error, uniqueIndex string, uniqueErr error) error {
	if err != nil {
		if isUniqueConstraintError(err) {
			if uniqueIndex != "" && strings.Contains(err.Error(), uniqueIndex) {
				return uniqueErr
			}
			return ledger.ErrConcurrentModification
		}
		return fmt.Errorf("failed to write: %w", err)
	}
	if res != nil {
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			return ledger.ErrConcurrentModification
		}
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// nonNil makes empty lists encode as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
