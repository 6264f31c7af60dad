// Package httpapi exposes the payment creation/lookup API and the
// inbound webhook endpoint, one webhook route per gateway. Handlers are
// stateless; everything they mutate goes through the engine and its
// store.
package httpapi

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/example/payment-recon/internal/credential"
	"github.com/example/payment-recon/internal/gateway"
	"github.com/example/payment-recon/internal/recon"
	"github.com/example/payment-recon/internal/store"
	apperr "github.com/example/payment-recon/pkg/errors"
	"github.com/example/payment-recon/pkg/metrics"
)

const maxWebhookBody = 1 << 20

type Server struct {
	Engine   *recon.Engine
	Store    store.Store
	Creds    credential.Source
	Adapters map[string]gateway.Adapter

	router http.Handler
}

func New(engine *recon.Engine, st store.Store, creds credential.Source,
	adapters map[string]gateway.Adapter) *Server {

	s := &Server{Engine: engine, Store: st, Creds: creds, Adapters: adapters}

	r := mux.NewRouter()
	r.HandleFunc("/payments", s.createPaymentHandler).Methods(http.MethodPost)
	r.HandleFunc("/payments/{order_id}", s.getPaymentHandler).Methods(http.MethodGet)
	r.HandleFunc("/payments/webhook/{gateway}", s.webhookHandler).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())

	s.router = cors.Default().Handler(r)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

type createPaymentRequest struct {
	BotID  int64 `json:"bot_id"`
	Amount int64 `json:"amount"`
}

type paymentResponse struct {
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
	Gateway   string `json:"gateway"`
	Amount    int64  `json:"amount"`
	QRString  string `json:"qr_string,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
	PaidAt    string `json:"paid_at,omitempty"`
}

func (s *Server) createPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var in createPaymentRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if in.BotID <= 0 || in.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bot_id and amount are required"})
		return
	}

	cred, err := s.Creds.ActiveForBot(r.Context(), in.BotID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no active gateway credential for bot"})
		return
	}
	adapter, ok := s.Adapters[cred.Gateway]
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown gateway"})
		return
	}

	orderID := "ORD-" + uuid.NewString()
	res, err := adapter.CreatePayment(r.Context(), cred, gateway.CreateRequest{
		OrderID: orderID,
		Amount:  in.Amount,
	})
	if err != nil {
		log.Printf("[payments] create via %s for bot %d: %v", cred.Gateway, in.BotID, err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "gateway rejected payment creation"})
		return
	}

	now := time.Now()
	expires := res.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(15 * time.Minute)
	}
	tx := &store.Transaction{
		OrderID:    orderID,
		BotID:      in.BotID,
		Amount:     in.Amount,
		Status:     store.StatusPending,
		Gateway:    cred.Gateway,
		PaymentRef: res.PaymentID,
		CreatedAt:  now,
		ExpiresAt:  expires,
	}
	if err := s.Store.Create(r.Context(), tx); err != nil {
		log.Printf("[payments] persist %s: %v", orderID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not persist transaction"})
		return
	}

	writeJSON(w, http.StatusCreated, paymentResponse{
		OrderID:   tx.OrderID,
		Status:    string(tx.Status),
		Gateway:   tx.Gateway,
		Amount:    tx.Amount,
		QRString:  res.QRString,
		ExpiresAt: expires.UTC().Format(time.RFC3339),
	})
}

func (s *Server) getPaymentHandler(w http.ResponseWriter, r *http.Request) {
	tx, err := s.Store.GetByOrderID(r.Context(), mux.Vars(r)["order_id"])
	if err != nil {
		if apperr.HasCode(err, apperr.CodeTxNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "transaction not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	out := paymentResponse{
		OrderID:   tx.OrderID,
		Status:    string(tx.Status),
		Gateway:   tx.Gateway,
		Amount:    tx.Amount,
		ExpiresAt: tx.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if tx.PaidAt != nil {
		out.PaidAt = tx.PaidAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["gateway"]
	adapter, ok := s.Adapters[name]
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown gateway"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		metrics.IncWebhook(name, "rejected")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	ev, err := adapter.ParseWebhook(body)
	if err != nil {
		metrics.IncWebhook(name, "rejected")
		log.Printf("[webhook] %s parse: %v", name, err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	// The credential is only known once the event points at a transaction
	// (and through it a bot). Id-less events validate without one.
	cred := s.credentialFor(r, name, ev)

	signature := r.Header.Get("X-Signature")
	if signature == "" {
		signature = r.Header.Get("X-Callback-Signature")
	}
	if !adapter.ValidateWebhook(body, signature, cred) {
		metrics.IncWebhook(name, "rejected")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation failed"})
		return
	}

	if err := s.Engine.ApplyWebhook(r.Context(), adapter, cred, ev); err != nil {
		switch apperr.Code(err) {
		case apperr.CodeTxNotFound, apperr.CodeInvalidPayload:
			metrics.IncWebhook(name, "unmatched")
			log.Printf("[webhook] %s unmatched delivery: %v", name, err)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unmatched webhook"})
		default:
			metrics.IncWebhook(name, "error")
			log.Printf("[webhook] %s apply: %v", name, err)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "processing failed"})
		}
		return
	}

	metrics.IncWebhook(name, "ok")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) credentialFor(r *http.Request, name string, ev *gateway.WebhookEvent) *credential.Credential {
	var tx *store.Transaction
	var err error
	if ev.OrderID != "" {
		tx, err = s.Store.GetByOrderID(r.Context(), ev.OrderID)
	} else if ev.PaymentID != "" {
		tx, err = s.Store.GetByPaymentRef(r.Context(), name, ev.PaymentID)
	}
	if err != nil || tx == nil {
		return nil
	}
	cred, err := s.Creds.ActiveForBot(r.Context(), tx.BotID)
	if err != nil {
		return nil
	}
	return cred
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
