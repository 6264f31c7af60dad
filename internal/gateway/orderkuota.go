package gateway

import (
	"context"
	"time"

	"github.com/example/payment-recon/internal/credential"
	"github.com/example/payment-recon/internal/qris"
	apperr "github.com/example/payment-recon/pkg/errors"
)

// OrderKuota issues nothing remotely and has no webhook channel at all:
// the dynamic QR is built locally and confirmation comes exclusively from
// polling the account mutation feed. The feed timestamps have minute
// precision only, hence the backward matching tolerance.
type OrderKuota struct {
	codec  func(string, int64) (string, error)
	Expiry time.Duration
}

func NewOrderKuota(expiry time.Duration) *OrderKuota {
	return &OrderKuota{codec: qris.MakeDynamic, Expiry: expiry}
}

func (o *OrderKuota) Name() string { return "orderkuota" }

// Tolerance absorbs the feed's minute-only timestamps: a payment made at
// 10:00:45 against a transaction created 10:00:30 reports occurred_at
// 10:00:00, which without the allowance would look like the past.
func (o *OrderKuota) Tolerance() time.Duration { return time.Minute }

func (o *OrderKuota) CreatePayment(_ context.Context, cred *credential.Credential, req CreateRequest) (*CreateResult, error) {
	if cred.StaticQRIS == "" {
		return nil, apperr.New(apperr.CodeInvalidPayload, "orderkuota credential has no static QRIS payload")
	}
	qr, err := o.codec(cred.StaticQRIS, req.Amount)
	if err != nil {
		return nil, err
	}
	return &CreateResult{
		PaymentID: req.OrderID,
		QRString:  qr,
		ExpiresAt: time.Now().Add(o.Expiry),
	}, nil
}

func (o *OrderKuota) CheckStatus(context.Context, *credential.Credential, string) (*StatusResult, error) {
	return &StatusResult{Status: StatusPending}, nil
}

func (o *OrderKuota) ParseWebhook([]byte) (*WebhookEvent, error) {
	return nil, apperr.New(apperr.CodeInvalidPayload, "orderkuota has no webhook channel")
}

func (o *OrderKuota) ValidateWebhook([]byte, string, *credential.Credential) bool {
	return false
}
