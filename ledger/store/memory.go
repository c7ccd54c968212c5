// Package store provides in-memory ledger.Store implementations.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/warp/pool-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// idempotencyKey scopes a client key to its emitter.
type idempotencyKey struct {
	emitter, key string
}

// Memory keeps entities in maps. Reads return copies, so callers may mutate
// what they get back.
type Memory struct {
	mu           sync.RWMutex
	users        map[ledger.UserID]ledger.User
	events       map[ledger.EventID]ledger.Event
	transactions map[ledger.TransactionID]ledger.Transaction
	emails       map[string]ledger.UserID
	uniqueIDs    map[string]ledger.EventID
	idempotency  map[idempotencyKey]ledger.TransactionID
}

func NewMemory() *Memory {
	return &Memory{
		users:        make(map[ledger.UserID]ledger.User),
		events:       make(map[ledger.EventID]ledger.Event),
		transactions: make(map[ledger.TransactionID]ledger.Transaction),
		emails:       make(map[string]ledger.UserID),
		uniqueIDs:    make(map[string]ledger.EventID),
		idempotency:  make(map[idempotencyKey]ledger.TransactionID),
	}
}

func (m *Memory) GetUser(_ context.Context, id ledger.UserID) (*ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getUserLocked(id)
}

func (m *Memory) FindUserByEmail(_ context.Context, email string) (*ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findUserByEmailLocked(email)
}

func (m *Memory) PutUser(_ context.Context, u *ledger.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putUserLocked(u)
}

func (m *Memory) DeleteUser(_ context.Context, id ledger.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteUserLocked(id)
}

func (m *Memory) GetEvent(_ context.Context, id ledger.EventID) (*ledger.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getEventLocked(id)
}

func (m *Memory) FindEventByUniqueID(_ context.Context, uniqueID string) (*ledger.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findEventByUniqueIDLocked(uniqueID)
}

func (m *Memory) PutEvent(_ context.Context, e *ledger.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putEventLocked(e)
}

func (m *Memory) DeleteEvent(_ context.Context, id ledger.EventID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteEventLocked(id)
}

func (m *Memory) ListEvents(_ context.Context) ([]ledger.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listEventsLocked(), nil
}

func (m *Memory) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTransactionLocked(id)
}

func (m *Memory) FindTransactionByIdempotencyKey(_ context.Context, emitter, key string) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findByKeyLocked(emitter, key)
}

func (m *Memory) PutTransaction(_ context.Context, tx *ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putTransactionLocked(tx)
}

func (m *Memory) ListTransactions(_ context.Context, ids []ledger.TransactionID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listTransactionsLocked(ids), nil
}

// =============================================================================
// LOCKED OPERATIONS - caller holds mu
// =============================================================================

func (m *Memory) getUserLocked(id ledger.UserID) (*ledger.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "user", ID: string(id)}
	}
	return cloneUser(u), nil
}

func (m *Memory) findUserByEmailLocked(email string) (*ledger.User, error) {
	id, ok := m.emails[strings.ToLower(email)]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "user", ID: email}
	}
	return m.getUserLocked(id)
}

func (m *Memory) putUserLocked(u *ledger.User) error {
	key := strings.ToLower(u.Email)
	if owner, ok := m.emails[key]; ok && owner != u.ID {
		return ledger.ErrDuplicateEmail
	}
	stored, exists := m.users[u.ID]
	switch {
	case u.Version == 0 && exists:
		return ledger.ErrConcurrentModification
	case u.Version != 0 && (!exists || stored.Version != u.Version):
		return ledger.ErrConcurrentModification
	}
	if exists && !strings.EqualFold(stored.Email, u.Email) {
		delete(m.emails, strings.ToLower(stored.Email))
	}
	u.Version++
	m.users[u.ID] = *cloneUser(*u)
	m.emails[key] = u.ID
	return nil
}

func (m *Memory) deleteUserLocked(id ledger.UserID) error {
	u, ok := m.users[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "user", ID: string(id)}
	}
	delete(m.emails, strings.ToLower(u.Email))
	delete(m.users, id)
	return nil
}

func (m *Memory) getEventLocked(id ledger.EventID) (*ledger.Event, error) {
	e, ok := m.events[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "event", ID: string(id)}
	}
	return cloneEvent(e), nil
}

func (m *Memory) findEventByUniqueIDLocked(uniqueID string) (*ledger.Event, error) {
	id, ok := m.uniqueIDs[uniqueID]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "event", ID: uniqueID}
	}
	return m.getEventLocked(id)
}

func (m *Memory) putEventLocked(e *ledger.Event) error {
	stored, exists := m.events[e.ID]
	switch {
	case e.Version == 0 && exists:
		return ledger.ErrConcurrentModification
	case e.Version != 0 && (!exists || stored.Version != e.Version):
		return ledger.ErrConcurrentModification
	}
	e.Version++
	m.events[e.ID] = *cloneEvent(*e)
	if e.UniqueID != "" {
		m.uniqueIDs[e.UniqueID] = e.ID
	}
	return nil
}

func (m *Memory) deleteEventLocked(id ledger.EventID) error {
	e, ok := m.events[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "event", ID: string(id)}
	}
	delete(m.uniqueIDs, e.UniqueID)
	delete(m.events, id)
	return nil
}

func (m *Memory) listEventsLocked() []ledger.Event {
	out := make([]ledger.Event, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, *cloneEvent(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Memory) getTransactionLocked(id ledger.TransactionID) (*ledger.Transaction, error) {
	tx, ok := m.transactions[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "transaction", ID: string(id)}
	}
	return &tx, nil
}

func (m *Memory) findByKeyLocked(emitter, key string) (*ledger.Transaction, error) {
	id, ok := m.idempotency[idempotencyKey{emitter: emitter, key: key}]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "transaction", ID: key}
	}
	return m.getTransactionLocked(id)
}

// putTransactionLocked is insert-only.
func (m *Memory) putTransactionLocked(tx *ledger.Transaction) error {
	if _, exists := m.transactions[tx.ID]; exists {
		return ledger.ErrConcurrentModification
	}
	if tx.IdempotencyKey != "" {
		k := idempotencyKey{emitter: tx.Emitter, key: tx.IdempotencyKey}
		if _, dup := m.idempotency[k]; dup {
			return ledger.ErrDuplicateIdempotencyKey
		}
		m.idempotency[k] = tx.ID
	}
	m.transactions[tx.ID] = *tx
	return nil
}

func (m *Memory) listTransactionsLocked(ids []ledger.TransactionID) []ledger.Transaction {
	out := make([]ledger.Transaction, 0, len(ids))
	for _, id := range ids {
		if tx, ok := m.transactions[id]; ok {
			out = append(out, tx)
		}
	}
	return out
}

// Reset clears all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = make(map[ledger.UserID]ledger.User)
	m.events = make(map[ledger.EventID]ledger.Event)
	m.transactions = make(map[ledger.TransactionID]ledger.Transaction)
	m.emails = make(map[string]ledger.UserID)
	m.uniqueIDs = make(map[string]ledger.EventID)
	m.idempotency = make(map[idempotencyKey]ledger.TransactionID)
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snap := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	users        map[ledger.UserID]ledger.User
	events       map[ledger.EventID]ledger.Event
	transactions map[ledger.TransactionID]ledger.Transaction
	emails       map[string]ledger.UserID
	uniqueIDs    map[string]ledger.EventID
	idempotency  map[idempotencyKey]ledger.TransactionID
}

// snapshot copies the maps. Stored values are never mutated in place, so a
// shallow copy of each map is enough.
func (tm *TxMemory) snapshot() memorySnapshot {
	return memorySnapshot{
		users:        copyMap(tm.users),
		events:       copyMap(tm.events),
		transactions: copyMap(tm.transactions),
		emails:       copyMap(tm.emails),
		uniqueIDs:    copyMap(tm.uniqueIDs),
		idempotency:  copyMap(tm.idempotency),
	}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.users = s.users
	tm.events = s.events
	tm.transactions = s.transactions
	tm.emails = s.emails
	tm.uniqueIDs = s.uniqueIDs
	tm.idempotency = s.idempotency
}

// txMemoryView serves a transaction; the parent lock is already held.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) GetUser(_ context.Context, id ledger.UserID) (*ledger.User, error) {
	return tv.parent.getUserLocked(id)
}

func (tv *txMemoryView) FindUserByEmail(_ context.Context, email string) (*ledger.User, error) {
	return tv.parent.findUserByEmailLocked(email)
}

func (tv *txMemoryView) PutUser(_ context.Context, u *ledger.User) error {
	return tv.parent.putUserLocked(u)
}

func (tv *txMemoryView) DeleteUser(_ context.Context, id ledger.UserID) error {
	return tv.parent.deleteUserLocked(id)
}

func (tv *txMemoryView) GetEvent(_ context.Context, id ledger.EventID) (*ledger.Event, error) {
	return tv.parent.getEventLocked(id)
}

func (tv *txMemoryView) FindEventByUniqueID(_ context.Context, uniqueID string) (*ledger.Event, error) {
	return tv.parent.findEventByUniqueIDLocked(uniqueID)
}

func (tv *txMemoryView) PutEvent(_ context.Context, e *ledger.Event) error {
	return tv.parent.putEventLocked(e)
}

func (tv *txMemoryView) DeleteEvent(_ context.Context, id ledger.EventID) error {
	return tv.parent.deleteEventLocked(id)
}

func (tv *txMemoryView) ListEvents(_ context.Context) ([]ledger.Event, error) {
	return tv.parent.listEventsLocked(), nil
}

func (tv *txMemoryView) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	return tv.parent.getTransactionLocked(id)
}

func (tv *txMemoryView) FindTransactionByIdempotencyKey(_ context.Context, emitter, key string) (*ledger.Transaction, error) {
	return tv.parent.findByKeyLocked(emitter, key)
}

func (tv *txMemoryView) PutTransaction(_ context.Context, tx *ledger.Transaction) error {
	return tv.parent.putTransactionLocked(tx)
}

func (tv *txMemoryView) ListTransactions(_ context.Context, ids []ledger.TransactionID) ([]ledger.Transaction, error) {
	return tv.parent.listTransactionsLocked(ids), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func cloneUser(u ledger.User) *ledger.User {
	u.EventIDs = append([]ledger.EventID(nil), u.EventIDs...)
	u.TransactionIDs = append([]ledger.TransactionID(nil), u.TransactionIDs...)
	return &u
}

func cloneEvent(e ledger.Event) *ledger.Event {
	e.Guests = append([]ledger.Guest(nil), e.Guests...)
	e.TransactionIDs = append([]ledger.TransactionID(nil), e.TransactionIDs...)
	return &e
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
