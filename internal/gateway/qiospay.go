package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/example/payment-recon/internal/credential"
	"github.com/example/payment-recon/internal/qris"
	apperr "github.com/example/payment-recon/pkg/errors"
)

// QiosPay has no remote QR issuance and no reliable webhook. The dynamic
// QR is built locally from the merchant's static payload, and settlement
// is detected by polling the mutation feed. A best-effort webhook exists
// but many payloads carry no transaction id at all, which pushes the
// engine onto the amount+FIFO fallback.
type QiosPay struct {
	codec  func(string, int64) (string, error)
	Expiry time.Duration
}

func NewQiosPay(expiry time.Duration) *QiosPay {
	return &QiosPay{codec: qris.MakeDynamic, Expiry: expiry}
}

func (q *QiosPay) Name() string             { return "qiospay" }
func (q *QiosPay) Tolerance() time.Duration { return 0 }

func (q *QiosPay) CreatePayment(_ context.Context, cred *credential.Credential, req CreateRequest) (*CreateResult, error) {
	if cred.StaticQRIS == "" {
		return nil, apperr.New(apperr.CodeInvalidPayload, "qiospay credential has no static QRIS payload")
	}
	qr, err := q.codec(cred.StaticQRIS, req.Amount)
	if err != nil {
		return nil, err
	}
	return &CreateResult{
		PaymentID: req.OrderID,
		QRString:  qr,
		ExpiresAt: time.Now().Add(q.Expiry),
	}, nil
}

// CheckStatus has no upstream to ask; settlement only ever arrives via
// the mutation feed, so a pending answer here is authoritative.
func (q *QiosPay) CheckStatus(context.Context, *credential.Credential, string) (*StatusResult, error) {
	return &StatusResult{Status: StatusPending}, nil
}

type qiospayWebhook struct {
	TrxID  string          `json:"qiospay_trx_id"`
	Amount json.Number     `json:"amount"`
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func (q *QiosPay) ParseWebhook(raw []byte) (*WebhookEvent, error) {
	var wh qiospayWebhook
	if err := json.Unmarshal(raw, &wh); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidPayload, "qiospay webhook", err)
	}
	if len(wh.Data) > 0 && wh.Amount == "" {
		if err := json.Unmarshal(wh.Data, &wh); err != nil {
			return nil, apperr.Wrap(apperr.CodeInvalidPayload, "qiospay webhook data", err)
		}
	}
	amount, err := wh.Amount.Int64()
	if err != nil || amount <= 0 {
		return nil, apperr.New(apperr.CodeInvalidPayload, "qiospay webhook has no usable amount")
	}
	status := StatusSuccess
	if wh.Status != "" && wh.Status != "success" && wh.Status != "paid" {
		status = StatusPending
	}
	return &WebhookEvent{
		ExternalID: wh.TrxID, // frequently empty; engine must tolerate it
		Status:     status,
		Amount:     amount,
	}, nil
}

func (q *QiosPay) ValidateWebhook(raw []byte, _ string, _ *credential.Credential) bool {
	_, err := q.ParseWebhook(raw)
	return err == nil
}
