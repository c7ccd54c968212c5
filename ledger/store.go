/*
store.go - Persistence contracts for the ledger

PURPOSE:
  The core depends only on these interfaces, never on a database's query
  language. Implementations:
    - ledger/store.Memory:  in-memory (tests, dev)
    - store/sqlite.Store:    SQLite with versioned migrations

CONTRACT:
  - Get* / Find* return a *NotFoundError (errors.Is ErrNotFound) when the
    entity is absent.
  - PutUser / PutEvent insert when Version == 0, otherwise update only if the
    stored version still equals Version. On success Version is incremented
    in place; on mismatch ErrConcurrentModification is returned.
  - PutTransaction is insert-only. Idempotency keys are scoped to the
    emitter; reusing one for the same emitter yields
    ErrDuplicateIdempotencyKey.
  - WithTx runs fn against a transactional view. If fn returns an error,
    nothing fn wrote is visible afterwards.

SEE ALSO:
  - ledger.go: Serializes callers per entity before calling WithTx
*/
package ledger

import "context"

// Store is the entity repository used inside and outside transactions.
type Store interface {
	GetUser(ctx context.Context, id UserID) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	PutUser(ctx context.Context, u *User) error
	DeleteUser(ctx context.Context, id UserID) error

	GetEvent(ctx context.Context, id EventID) (*Event, error)
	FindEventByUniqueID(ctx context.Context, uniqueID string) (*Event, error)
	PutEvent(ctx context.Context, e *Event) error
	DeleteEvent(ctx context.Context, id EventID) error
	ListEvents(ctx context.Context) ([]Event, error)

	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)
	FindTransactionByIdempotencyKey(ctx context.Context, emitter, key string) (*Transaction, error)
	PutTransaction(ctx context.Context, tx *Transaction) error
	// ListTransactions returns the transactions for ids, in the order given.
	// Unknown ids are skipped.
	ListTransactions(ctx context.Context, ids []TransactionID) ([]Transaction, error)
}

// TxStore is a Store that can apply several writes atomically.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
