package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/example/payment-recon/internal/credential"
	"github.com/example/payment-recon/internal/store"
)

func TestSign(t *testing.T) {
	body := []byte(`{"order_id":"ORD-1","status":"success"}`)
	sig := Sign(body, "topsecret")

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(body)
	if want := hex.EncodeToString(mac.Sum(nil)); sig != want {
		t.Fatalf("Sign = %s, want %s", sig, want)
	}
	if Sign(body, "othersecret") == sig {
		t.Fatal("different secrets must produce different signatures")
	}
	if Sign([]byte(`{}`), "topsecret") == sig {
		t.Fatal("different bodies must produce different signatures")
	}
}

func TestDeliverSignsBody(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	body := []byte(`{"order_id":"ORD-1"}`)
	c := NewCallbackClient(5 * time.Second)
	if err := c.Deliver(context.Background(), srv.URL, "s3cret", body); err != nil {
		t.Fatal(err)
	}
	if gotSig != Sign(body, "s3cret") {
		t.Fatalf("signature header = %s, want %s", gotSig, Sign(body, "s3cret"))
	}
	if string(gotBody) != string(body) {
		t.Fatalf("delivered body = %s", gotBody)
	}
}

func TestDeliverRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewCallbackClient(5 * time.Second)
	if err := c.Deliver(context.Background(), srv.URL, "s", []byte(`{}`)); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

// retryStore records enqueued callback retries and stubs out the rest of
// the store interface.
type retryStore struct {
	mu      sync.Mutex
	retries []store.CallbackRetry
}

func (s *retryStore) Create(context.Context, *store.Transaction) error { return nil }
func (s *retryStore) GetByOrderID(context.Context, string) (*store.Transaction, error) {
	return nil, nil
}
func (s *retryStore) GetByPaymentRef(context.Context, string, string) (*store.Transaction, error) {
	return nil, nil
}
func (s *retryStore) ListPending(context.Context, string, time.Duration) ([]store.Transaction, error) {
	return nil, nil
}
func (s *retryStore) AnyPending(context.Context, string, time.Duration) (bool, error) {
	return false, nil
}
func (s *retryStore) ExternalIDInUse(context.Context, string, string) (bool, error) {
	return false, nil
}
func (s *retryStore) MarkSuccess(context.Context, int64, time.Time, string) (bool, error) {
	return false, nil
}
func (s *retryStore) ExpireOverdue(context.Context, time.Time) (int64, error) { return 0, nil }
func (s *retryStore) EnqueueCallbackRetry(_ context.Context, r *store.CallbackRetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries = append(s.retries, *r)
	return nil
}
func (s *retryStore) DueCallbackRetries(context.Context, time.Time, int) ([]store.CallbackRetry, error) {
	return nil, nil
}
func (s *retryStore) ResolveCallbackRetry(context.Context, int64, bool, time.Time) error {
	return nil
}

func confirmedTx() *store.Transaction {
	paid := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	return &store.Transaction{
		ID:      1,
		OrderID: "ORD-1",
		BotID:   7,
		Amount:  50000,
		Status:  store.StatusSuccess,
		Gateway: "pakasir",
		PaidAt:  &paid,
	}
}

func TestFanoutChannelsAreIndependent(t *testing.T) {
	var callbackHit bool
	cb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		callbackHit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer cb.Close()

	f := &Fanout{
		// Unreachable hub: the broadcast fails, the callback must not.
		Hub:       NewHubClient("http://127.0.0.1:1", "hubsecret", time.Second),
		Callbacks: NewCallbackClient(5 * time.Second),
		Retries:   &retryStore{},
	}
	cred := &credential.Credential{CallbackURL: cb.URL, CallbackSecret: "s"}
	f.PaymentConfirmed(context.Background(), confirmedTx(), cred)

	if !callbackHit {
		t.Fatal("callback must be delivered even when the hub is down")
	}
}

func TestFanoutFailedCallbackQueuesRetry(t *testing.T) {
	cb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer cb.Close()

	rs := &retryStore{}
	f := &Fanout{
		Callbacks:    NewCallbackClient(5 * time.Second),
		Retries:      rs,
		RetryBackoff: 2 * time.Minute,
	}
	cred := &credential.Credential{CallbackURL: cb.URL, CallbackSecret: "s"}
	f.PaymentConfirmed(context.Background(), confirmedTx(), cred)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.retries) != 1 {
		t.Fatalf("expected 1 queued retry, got %d", len(rs.retries))
	}
	r := rs.retries[0]
	if r.OrderID != "ORD-1" || r.URL != cb.URL || r.Attempts != 1 {
		t.Fatalf("unexpected retry: %+v", r)
	}
	if got := r.NextAttemptAt.Sub(r.FirstFailedAt); got != 2*time.Minute {
		t.Fatalf("next attempt delay = %s, want 2m", got)
	}

	var payload StatusPayload
	if err := json.Unmarshal(r.Body, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.OrderID != "ORD-1" || payload.Status != "success" || payload.Amount != 50000 {
		t.Fatalf("unexpected retry payload: %+v", payload)
	}
	if payload.PaidAt != "2025-03-14T09:30:00Z" {
		t.Fatalf("paid_at = %q", payload.PaidAt)
	}
}

func TestFanoutSkipsCallbackWithoutURL(t *testing.T) {
	rs := &retryStore{}
	f := &Fanout{Callbacks: NewCallbackClient(time.Second), Retries: rs}
	f.PaymentConfirmed(context.Background(), confirmedTx(), &credential.Credential{})

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.retries) != 0 {
		t.Fatalf("no retry should be queued without a callback URL, got %d", len(rs.retries))
	}
}
