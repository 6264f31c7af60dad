package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/payment-recon/internal/credential"
	"github.com/example/payment-recon/internal/gateway"
	"github.com/example/payment-recon/internal/recon"
	"github.com/example/payment-recon/internal/store"
	apperr "github.com/example/payment-recon/pkg/errors"
)

// webhookStore keeps transactions by order id, enough to drive the
// handler paths end to end.
type webhookStore struct {
	mu  sync.Mutex
	txs map[string]*store.Transaction
}

func newWebhookStore(txs ...store.Transaction) *webhookStore {
	s := &webhookStore{txs: make(map[string]*store.Transaction)}
	for i := range txs {
		cp := txs[i]
		s.txs[cp.OrderID] = &cp
	}
	return s
}

func (s *webhookStore) Create(_ context.Context, tx *store.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tx
	s.txs[cp.OrderID] = &cp
	return nil
}

func (s *webhookStore) GetByOrderID(_ context.Context, orderID string) (*store.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.txs[orderID]; ok {
		cp := *tx
		return &cp, nil
	}
	return nil, apperr.New(apperr.CodeTxNotFound, "transaction not found")
}

func (s *webhookStore) GetByPaymentRef(_ context.Context, gw, ref string) (*store.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.txs {
		if tx.Gateway == gw && tx.PaymentRef == ref {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, apperr.New(apperr.CodeTxNotFound, "transaction not found")
}

func (s *webhookStore) ListPending(_ context.Context, gw string, _ time.Duration) ([]store.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Transaction
	for _, tx := range s.txs {
		if tx.Gateway == gw && tx.Status == store.StatusPending {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (s *webhookStore) AnyPending(ctx context.Context, gw string, lookback time.Duration) (bool, error) {
	pending, err := s.ListPending(ctx, gw, lookback)
	return len(pending) > 0, err
}

func (s *webhookStore) ExternalIDInUse(_ context.Context, gw, externalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.txs {
		if tx.Gateway == gw && tx.ExternalMutationID == externalID {
			return true, nil
		}
	}
	return false, nil
}

func (s *webhookStore) MarkSuccess(_ context.Context, id int64, paidAt time.Time, externalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.txs {
		if tx.ID == id && tx.Status == store.StatusPending {
			tx.Status = store.StatusSuccess
			tx.PaidAt = &paidAt
			tx.ExternalMutationID = externalID
			return true, nil
		}
	}
	return false, nil
}

func (s *webhookStore) ExpireOverdue(context.Context, time.Time) (int64, error) { return 0, nil }
func (s *webhookStore) EnqueueCallbackRetry(context.Context, *store.CallbackRetry) error {
	return nil
}
func (s *webhookStore) DueCallbackRetries(context.Context, time.Time, int) ([]store.CallbackRetry, error) {
	return nil, nil
}
func (s *webhookStore) ResolveCallbackRetry(context.Context, int64, bool, time.Time) error {
	return nil
}

func (s *webhookStore) status(orderID string) store.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txs[orderID].Status
}

type staticCreds struct {
	byBot map[int64]*credential.Credential
}

func (c *staticCreds) ActiveForBot(_ context.Context, botID int64) (*credential.Credential, error) {
	if cred, ok := c.byBot[botID]; ok {
		return cred, nil
	}
	return nil, credential.ErrNotConfigured
}

func newTestServer(st store.Store, creds credential.Source) *Server {
	engine := &recon.Engine{Store: st, Creds: creds, Lookback: 2 * time.Hour}
	adapters := map[string]gateway.Adapter{
		"pakasir":  gateway.NewPakasir("https://example.invalid", time.Second),
		"atlantic": gateway.NewAtlantic("https://example.invalid", time.Second),
		"qiospay":  gateway.NewQiosPay(15 * time.Minute),
	}
	return New(engine, st, creds, adapters)
}

func postWebhook(t *testing.T, s *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestWebhookConfirmsPendingTransaction(t *testing.T) {
	st := newWebhookStore(store.Transaction{
		ID: 1, OrderID: "ORD-1", BotID: 7, Amount: 50000,
		Status: store.StatusPending, Gateway: "pakasir",
		CreatedAt: time.Now().Add(-time.Minute),
	})
	creds := &staticCreds{byBot: map[int64]*credential.Credential{
		7: {BotID: 7, Gateway: "pakasir", ProjectSlug: "myshop"},
	}}
	s := newTestServer(st, creds)

	body := `{"project":"myshop","order_id":"ORD-1","amount":50000,"status":"completed","completed_at":"2025-03-14T09:26:53+07:00"}`
	rr := postWebhook(t, s, "/payments/webhook/pakasir", body)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("unexpected response: %v", resp)
	}
	if st.status("ORD-1") != store.StatusSuccess {
		t.Fatal("transaction should be success after webhook")
	}
}

func TestWebhookUnknownGateway(t *testing.T) {
	s := newTestServer(newWebhookStore(), &staticCreds{})
	rr := postWebhook(t, s, "/payments/webhook/nope", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "unknown gateway") {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestWebhookInvalidPayload(t *testing.T) {
	s := newTestServer(newWebhookStore(), &staticCreds{})
	rr := postWebhook(t, s, "/payments/webhook/pakasir", `not json at all`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "invalid payload") {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestWebhookWrongProjectSlugRejected(t *testing.T) {
	st := newWebhookStore(store.Transaction{
		ID: 1, OrderID: "ORD-1", BotID: 7, Amount: 50000,
		Status: store.StatusPending, Gateway: "pakasir",
	})
	creds := &staticCreds{byBot: map[int64]*credential.Credential{
		7: {BotID: 7, Gateway: "pakasir", ProjectSlug: "myshop"},
	}}
	s := newTestServer(st, creds)

	body := `{"project":"evilshop","order_id":"ORD-1","amount":50000,"status":"completed"}`
	rr := postWebhook(t, s, "/payments/webhook/pakasir", body)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "validation failed") {
		t.Fatalf("body = %s", rr.Body.String())
	}
	if st.status("ORD-1") != store.StatusPending {
		t.Fatal("transaction must stay pending after rejected webhook")
	}
}

func TestWebhookUnmatchedOrder(t *testing.T) {
	// Atlantic validates on payload shape alone, so an unknown reff_id gets
	// past validation and must be rejected by the engine lookup instead.
	s := newTestServer(newWebhookStore(), &staticCreds{})
	body := `{"id":"DEP9","reff_id":"ORD-MISSING","status":"success","nominal":10000}`
	rr := postWebhook(t, s, "/payments/webhook/atlantic", body)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "unmatched webhook") {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestWebhookReplayIsAccepted(t *testing.T) {
	paid := time.Now().Add(-time.Minute)
	st := newWebhookStore(store.Transaction{
		ID: 1, OrderID: "ORD-1", BotID: 7, Amount: 50000,
		Status: store.StatusSuccess, Gateway: "pakasir", PaidAt: &paid,
	})
	creds := &staticCreds{byBot: map[int64]*credential.Credential{
		7: {BotID: 7, Gateway: "pakasir", ProjectSlug: "myshop"},
	}}
	s := newTestServer(st, creds)

	body := `{"project":"myshop","order_id":"ORD-1","amount":50000,"status":"completed"}`
	rr := postWebhook(t, s, "/payments/webhook/pakasir", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("replay should be a 200 no-op, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCreatePaymentIssuesLocalQR(t *testing.T) {
	st := newWebhookStore()
	staticQR := "00020101021126570011ID.TEST.WWW0215ID10200110714503UMI5204481453033605802ID5909Toko Test6007Jakarta63040000"
	creds := &staticCreds{byBot: map[int64]*credential.Credential{
		7: {BotID: 7, Gateway: "qiospay", StaticQRIS: staticQR},
	}}
	s := newTestServer(st, creds)

	rr := postWebhook(t, s, "/payments", `{"bot_id":7,"amount":50000}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		OrderID  string `json:"order_id"`
		Status   string `json:"status"`
		QRString string `json:"qr_string"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "pending" || !strings.HasPrefix(resp.OrderID, "ORD-") {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !strings.Contains(resp.QRString, "540550000") {
		t.Fatalf("dynamic QR missing amount TLV: %s", resp.QRString)
	}
	if st.status(resp.OrderID) != store.StatusPending {
		t.Fatal("created transaction should be pending")
	}
}

func TestCreatePaymentRejectsUnknownBot(t *testing.T) {
	s := newTestServer(newWebhookStore(), &staticCreds{})
	rr := postWebhook(t, s, "/payments", `{"bot_id":99,"amount":50000}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestCreatePaymentRejectsMissingFields(t *testing.T) {
	s := newTestServer(newWebhookStore(), &staticCreds{})
	for _, body := range []string{`{}`, `{"bot_id":7}`, `{"amount":100}`, `garbage`} {
		rr := postWebhook(t, s, "/payments", body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d", body, rr.Code)
		}
	}
}

func TestGetPayment(t *testing.T) {
	paid := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	st := newWebhookStore(store.Transaction{
		ID: 1, OrderID: "ORD-1", BotID: 7, Amount: 50000,
		Status: store.StatusSuccess, Gateway: "pakasir", PaidAt: &paid,
		ExpiresAt: paid.Add(15 * time.Minute),
	})
	s := newTestServer(st, &staticCreds{})

	req := httptest.NewRequest(http.MethodGet, "/payments/ORD-1", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		Status string `json:"status"`
		PaidAt string `json:"paid_at"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "success" || resp.PaidAt != "2025-03-14T09:30:00Z" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	req = httptest.NewRequest(http.MethodGet, "/payments/ORD-NOPE", nil)
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown order: status = %d", rr.Code)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(newWebhookStore(), &staticCreds{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("unexpected response: %v", resp)
	}
}
