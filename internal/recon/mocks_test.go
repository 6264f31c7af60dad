package recon

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/payment-recon/internal/credential"
	"github.com/example/payment-recon/internal/store"
	apperr "github.com/example/payment-recon/pkg/errors"
)

// memStore is an in-memory stand-in for the Postgres store. MarkSuccess
// keeps the same compare-and-set contract under a mutex, so concurrency
// tests exercise the real race semantics.
type memStore struct {
	mu      sync.Mutex
	nextID  int64
	txs     map[int64]*store.Transaction
	retries []store.CallbackRetry
}

func newMemStore() *memStore {
	return &memStore{txs: make(map[int64]*store.Transaction), nextID: 1}
}

func (m *memStore) add(tx store.Transaction) *store.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx.ID = m.nextID
	m.nextID++
	cp := tx
	m.txs[cp.ID] = &cp
	return &cp
}

func (m *memStore) get(id int64) store.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.txs[id]
}

func (m *memStore) Create(_ context.Context, tx *store.Transaction) error {
	*tx = *m.add(*tx)
	return nil
}

func (m *memStore) GetByOrderID(_ context.Context, orderID string) (*store.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs {
		if tx.OrderID == orderID {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, apperr.New(apperr.CodeTxNotFound, "transaction not found")
}

func (m *memStore) GetByPaymentRef(_ context.Context, gw, ref string) (*store.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs {
		if tx.Gateway == gw && tx.PaymentRef == ref {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, apperr.New(apperr.CodeTxNotFound, "transaction not found")
}

func (m *memStore) ListPending(_ context.Context, gw string, lookback time.Duration) ([]store.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-lookback)
	var out []store.Transaction
	for _, tx := range m.txs {
		if tx.Gateway == gw && tx.Status == store.StatusPending && !tx.CreatedAt.Before(cutoff) {
			out = append(out, *tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) AnyPending(ctx context.Context, gw string, lookback time.Duration) (bool, error) {
	pending, err := m.ListPending(ctx, gw, lookback)
	return len(pending) > 0, err
}

func (m *memStore) ExternalIDInUse(_ context.Context, gw, externalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs {
		if tx.Gateway == gw && tx.ExternalMutationID == externalID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) MarkSuccess(_ context.Context, id int64, paidAt time.Time, externalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok || tx.Status != store.StatusPending {
		return false, nil
	}
	tx.Status = store.StatusSuccess
	tx.PaidAt = &paidAt
	tx.ExternalMutationID = externalID
	return true, nil
}

func (m *memStore) ExpireOverdue(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, tx := range m.txs {
		if tx.Status == store.StatusPending && tx.ExpiresAt.Before(now) {
			tx.Status = store.StatusExpired
			n++
		}
	}
	return n, nil
}

func (m *memStore) EnqueueCallbackRetry(_ context.Context, r *store.CallbackRetry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = int64(len(m.retries) + 1)
	m.retries = append(m.retries, *r)
	return nil
}

func (m *memStore) DueCallbackRetries(_ context.Context, now time.Time, limit int) ([]store.CallbackRetry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.CallbackRetry
	for _, r := range m.retries {
		if !r.NextAttemptAt.After(now) && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ResolveCallbackRetry(_ context.Context, id int64, delivered bool, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.retries {
		if m.retries[i].ID == id {
			if delivered {
				m.retries = append(m.retries[:i], m.retries[i+1:]...)
			} else {
				m.retries[i].Attempts++
				m.retries[i].NextAttemptAt = next
			}
			return nil
		}
	}
	return nil
}

// recordingNotifier counts fanout invocations per order id.
type recordingNotifier struct {
	mu    sync.Mutex
	calls map[string]int
	last  *store.Transaction
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{calls: make(map[string]int)}
}

func (n *recordingNotifier) PaymentConfirmed(_ context.Context, tx *store.Transaction, _ *credential.Credential) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[tx.OrderID]++
	cp := *tx
	n.last = &cp
}

func (n *recordingNotifier) count(orderID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[orderID]
}
