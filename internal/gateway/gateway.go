// Package gateway normalizes the four supported QRIS/bank providers
// behind one adapter interface. Atlantic issues QR codes remotely and
// confirms over webhook plus a two-phase trigger call; QiosPay and
// OrderKuota build the dynamic QR locally and are confirmed purely by
// polling their mutation feeds; Pakasir is a conventional webhook
// provider with project-slug validation.
package gateway

import (
	"context"
	"time"

	"github.com/example/payment-recon/internal/credential"
)

type PaymentStatus string

const (
	StatusPending    PaymentStatus = "pending"
	StatusProcessing PaymentStatus = "processing"
	StatusSuccess    PaymentStatus = "success"
	StatusExpired    PaymentStatus = "expired"
	StatusFailed     PaymentStatus = "failed"
)

type CreateRequest struct {
	Amount       int64
	OrderID      string
	CustomerName string
}

type CreateResult struct {
	PaymentID string
	QRString  string
	ExpiresAt time.Time
}

type StatusResult struct {
	Status PaymentStatus
	PaidAt *time.Time
}

// WebhookEvent is a provider webhook normalized for the engine. ExternalID
// may be empty (QiosPay's legacy payloads), which forces the engine onto
// the amount+FIFO fallback path.
type WebhookEvent struct {
	PaymentID  string
	OrderID    string
	ExternalID string
	Status     PaymentStatus
	Amount     int64
	PaidAt     *time.Time
}

type Adapter interface {
	Name() string
	CreatePayment(ctx context.Context, cred *credential.Credential, req CreateRequest) (*CreateResult, error)
	CheckStatus(ctx context.Context, cred *credential.Credential, paymentID string) (*StatusResult, error)
	ParseWebhook(raw []byte) (*WebhookEvent, error)
	ValidateWebhook(raw []byte, signature string, cred *credential.Credential) bool

	// Tolerance is the backward clock allowance applied when matching this
	// gateway's mutations against a transaction's creation time. Non-zero
	// only for feeds with minute-precision timestamps.
	Tolerance() time.Duration
}

// InstantTrigger is implemented by adapters whose "processing" state needs
// an explicit settlement call before it may be treated as success.
type InstantTrigger interface {
	TriggerInstant(ctx context.Context, cred *credential.Credential, paymentID string) error
}
