package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zjoart/go-payment-ledger/internal/gateway"
	"github.com/zjoart/go-payment-ledger/internal/payment"
	"github.com/zjoart/go-payment-ledger/internal/wallet"
	"github.com/zjoart/go-payment-ledger/pkg/id"
)

// Memory is a Store held in process. It enforces the same uniqueness rules
// as the Postgres schema and runs Atomic callbacks serially, restoring a
// snapshot when the callback fails. It is the unit of work the tests run
// against.
type Memory struct {
	mu  sync.Mutex
	st  *memState
	Now func() time.Time
}

type memState struct {
	txns        map[uuid.UUID]payment.Transaction
	transitions []payment.Transition
	reviews     []payment.Review
	wallets     map[uuid.UUID]wallet.Wallet
	entries     []wallet.LedgerEntry
}

func NewMemory() *Memory {
	return &Memory{
		st: &memState{
			txns:    make(map[uuid.UUID]payment.Transaction),
			wallets: make(map[uuid.UUID]wallet.Wallet),
		},
		Now: time.Now,
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		txns:        make(map[uuid.UUID]payment.Transaction, len(s.txns)),
		transitions: append([]payment.Transition(nil), s.transitions...),
		reviews:     append([]payment.Review(nil), s.reviews...),
		wallets:     make(map[uuid.UUID]wallet.Wallet, len(s.wallets)),
		entries:     append([]wallet.LedgerEntry(nil), s.entries...),
	}
	for k, v := range s.txns {
		c.txns[k] = v
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	return c
}

func (m *Memory) locked(fn func(st *memState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.st)
}

func (m *Memory) Payments() payment.Repository {
	return &memPayments{run: m.locked, now: m.now}
}

func (m *Memory) Wallets() wallet.Repository {
	return &memWallets{run: m.locked, now: m.now}
}

func (m *Memory) Atomic(ctx context.Context, fn func(s Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{m: m}).Atomic(ctx, fn)
}

func (m *Memory) now() time.Time {
	return m.Now().UTC()
}

// memTx is the Store seen inside Atomic. The lock is already held.
type memTx struct {
	m *Memory
}

func (t *memTx) direct(fn func(st *memState) error) error {
	return fn(t.m.st)
}

func (t *memTx) Payments() payment.Repository {
	return &memPayments{run: t.direct, now: t.m.now}
}

func (t *memTx) Wallets() wallet.Repository {
	return &memWallets{run: t.direct, now: t.m.now}
}

func (t *memTx) Atomic(ctx context.Context, fn func(s Store) error) error {
	snapshot := t.m.st.clone()
	if err := fn(t); err != nil {
		t.m.st = snapshot
		return err
	}
	return nil
}

type runner func(fn func(st *memState) error) error

type memPayments struct {
	run runner
	now func() time.Time
}

func (r *memPayments) Create(ctx context.Context, txn *payment.Transaction) error {
	return r.run(func(st *memState) error {
		for _, t := range st.txns {
			if t.ID == txn.ID || t.MerchantReference == txn.MerchantReference ||
				(t.Gateway == txn.Gateway && t.ExternalReference == txn.ExternalReference) {
				return payment.ErrDuplicateTransaction
			}
		}
		now := r.now()
		if txn.CreatedAt.IsZero() {
			txn.CreatedAt = now
		}
		txn.UpdatedAt = now
		st.txns[txn.ID] = *txn
		st.transitions = append(st.transitions, payment.Transition{
			ID:            id.Generate(),
			TransactionID: txn.ID,
			ToStatus:      txn.Status,
			Source:        payment.SourceInitiate,
			CreatedAt:     now,
		})
		return nil
	})
}

func (r *memPayments) FindByID(ctx context.Context, txID uuid.UUID) (*payment.Transaction, error) {
	var out *payment.Transaction
	err := r.run(func(st *memState) error {
		t, ok := st.txns[txID]
		if !ok {
			return payment.ErrTransactionNotFound
		}
		out = &t
		return nil
	})
	return out, err
}

func (r *memPayments) FindByReference(ctx context.Context, gw gateway.Name, externalReference string) (*payment.Transaction, error) {
	var out *payment.Transaction
	err := r.run(func(st *memState) error {
		for _, t := range st.txns {
			if t.Gateway == gw && t.ExternalReference == externalReference {
				t := t
				out = &t
				return nil
			}
		}
		return payment.ErrTransactionNotFound
	})
	return out, err
}

func (r *memPayments) UpdateStatus(ctx context.Context, txID uuid.UUID, from, to payment.Status, change payment.Change) (bool, error) {
	var updated bool
	err := r.run(func(st *memState) error {
		t, ok := st.txns[txID]
		if !ok || t.Status != from {
			return nil
		}
		now := r.now()
		t.Status = to
		t.UpdatedAt = now
		if len(change.Raw) > 0 {
			t.RawGatewayState = payment.RawJSON(change.Raw)
		}
		st.txns[txID] = t
		st.transitions = append(st.transitions, payment.Transition{
			ID:            id.Generate(),
			TransactionID: txID,
			FromStatus:    from,
			ToStatus:      to,
			Source:        change.Source,
			Reason:        change.Reason,
			CreatedAt:     now,
		})
		updated = true
		return nil
	})
	return updated, err
}

func (r *memPayments) Transitions(ctx context.Context, txID uuid.UUID) ([]payment.Transition, error) {
	var out []payment.Transition
	err := r.run(func(st *memState) error {
		for _, tr := range st.transitions {
			if tr.TransactionID == txID {
				out = append(out, tr)
			}
		}
		return nil
	})
	return out, err
}

func (r *memPayments) ListByStatus(ctx context.Context, status payment.Status, before time.Time, after *payment.Cursor, limit int) ([]payment.Transaction, error) {
	return r.list(limit, func(st *memState, t payment.Transaction) bool {
		return t.Status == status && t.UpdatedAt.Before(before) && after.After(&t)
	})
}

func (r *memPayments) ListUncredited(ctx context.Context, before time.Time, after *payment.Cursor, limit int) ([]payment.Transaction, error) {
	return r.list(limit, func(st *memState, t payment.Transaction) bool {
		if t.Status != payment.StatusCompleted || !t.UpdatedAt.Before(before) || !after.After(&t) {
			return false
		}
		for _, e := range st.entries {
			if e.Direction == wallet.DirectionCredit && e.TransactionID != nil && *e.TransactionID == t.ID {
				return false
			}
		}
		return true
	})
}

func (r *memPayments) list(limit int, match func(st *memState, t payment.Transaction) bool) ([]payment.Transaction, error) {
	var out []payment.Transaction
	err := r.run(func(st *memState) error {
		for _, t := range st.txns {
			if match(st, t) {
				out = append(out, t)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Cursor().After(&out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r *memPayments) Flag(ctx context.Context, review *payment.Review) (bool, error) {
	var created bool
	err := r.run(func(st *memState) error {
		for _, rv := range st.reviews {
			if rv.TransactionID == review.TransactionID && rv.Reason == review.Reason {
				return nil
			}
		}
		if review.CreatedAt.IsZero() {
			review.CreatedAt = r.now()
		}
		st.reviews = append(st.reviews, *review)
		created = true
		return nil
	})
	return created, err
}

func (r *memPayments) Reviews(ctx context.Context, txID uuid.UUID) ([]payment.Review, error) {
	var out []payment.Review
	err := r.run(func(st *memState) error {
		for _, rv := range st.reviews {
			if rv.TransactionID == txID {
				out = append(out, rv)
			}
		}
		return nil
	})
	return out, err
}

type memWallets struct {
	run runner
	now func() time.Time
}

func (r *memWallets) FindByUserID(ctx context.Context, userID string) (*wallet.Wallet, error) {
	var out *wallet.Wallet
	err := r.run(func(st *memState) error {
		w, ok := findWallet(st, userID)
		if !ok {
			return wallet.ErrWalletNotFound
		}
		out = &w
		return nil
	})
	return out, err
}

func (r *memWallets) GetOrCreate(ctx context.Context, userID, currency string) (*wallet.Wallet, error) {
	var out *wallet.Wallet
	err := r.run(func(st *memState) error {
		w, ok := findWallet(st, userID)
		if !ok {
			now := r.now()
			w = wallet.Wallet{ID: id.Generate(), UserID: userID, Currency: currency, CreatedAt: now, UpdatedAt: now}
			st.wallets[w.ID] = w
		}
		out = &w
		return nil
	})
	return out, err
}

func findWallet(st *memState, userID string) (wallet.Wallet, bool) {
	for _, w := range st.wallets {
		if w.UserID == userID {
			return w, true
		}
	}
	return wallet.Wallet{}, false
}

func (r *memWallets) FindEntry(ctx context.Context, walletID, transactionID uuid.UUID, direction wallet.Direction) (*wallet.LedgerEntry, error) {
	return r.findEntry(func(e wallet.LedgerEntry) bool {
		return e.WalletID == walletID && e.Direction == direction && e.TransactionID != nil && *e.TransactionID == transactionID
	})
}

func (r *memWallets) FindEntryByReference(ctx context.Context, walletID uuid.UUID, reference string) (*wallet.LedgerEntry, error) {
	return r.findEntry(func(e wallet.LedgerEntry) bool {
		return e.WalletID == walletID && e.Reference != nil && *e.Reference == reference
	})
}

func (r *memWallets) findEntry(match func(e wallet.LedgerEntry) bool) (*wallet.LedgerEntry, error) {
	var out *wallet.LedgerEntry
	err := r.run(func(st *memState) error {
		for _, e := range st.entries {
			if match(e) {
				e := e
				out = &e
				return nil
			}
		}
		return wallet.ErrEntryNotFound
	})
	return out, err
}

func (r *memWallets) Apply(ctx context.Context, w *wallet.Wallet, entry *wallet.LedgerEntry) error {
	err := r.run(func(st *memState) error {
		for _, e := range st.entries {
			if collides(e, *entry) {
				return wallet.ErrDuplicateEntry
			}
		}

		current, ok := st.wallets[w.ID]
		if !ok || current.Version != w.Version {
			return wallet.ErrVersionConflict
		}
		if entry.BalanceAfter < 0 {
			return wallet.ErrInsufficientBalance
		}

		now := r.now()
		entry.CreatedAt = now
		st.entries = append(st.entries, *entry)

		current.Balance = entry.BalanceAfter
		current.Version++
		current.UpdatedAt = now
		st.wallets[w.ID] = current
		return nil
	})
	if err != nil {
		return err
	}

	w.Balance = entry.BalanceAfter
	w.Version++
	return nil
}

// collides mirrors the partial unique indexes on wallet_ledger_entries.
func collides(a, b wallet.LedgerEntry) bool {
	if a.WalletID != b.WalletID {
		return false
	}
	if a.TransactionID != nil && b.TransactionID != nil && *a.TransactionID == *b.TransactionID && a.Direction == b.Direction {
		return true
	}
	return a.Reference != nil && b.Reference != nil && *a.Reference == *b.Reference
}

func (r *memWallets) ListEntries(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]wallet.LedgerEntry, int64, error) {
	var all []wallet.LedgerEntry
	err := r.run(func(st *memState) error {
		for i := len(st.entries) - 1; i >= 0; i-- {
			if st.entries[i].WalletID == walletID {
				all = append(all, st.entries[i])
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	total := int64(len(all))
	if offset >= len(all) {
		return []wallet.LedgerEntry{}, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (r *memWallets) SumEntries(ctx context.Context, walletID uuid.UUID) (int64, error) {
	var sum int64
	err := r.run(func(st *memState) error {
		for _, e := range st.entries {
			if e.WalletID == walletID {
				sum += e.Signed()
			}
		}
		return nil
	})
	return sum, err
}

func (r *memWallets) ListWallets(ctx context.Context, limit, offset int) ([]wallet.Wallet, error) {
	var out []wallet.Wallet
	err := r.run(func(st *memState) error {
		for _, w := range st.wallets {
			out = append(out, w)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, err
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}
