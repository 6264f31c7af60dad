package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/payment-recon/internal/credential"
	apperr "github.com/example/payment-recon/pkg/errors"
)

// Pakasir is the one conventional provider: QR issuance over its API and
// a webhook validated by matching the project slug in the payload against
// the merchant's configured slug.
type Pakasir struct {
	BaseURL string
	hc      *http.Client
}

func NewPakasir(baseURL string, timeout time.Duration) *Pakasir {
	return &Pakasir{BaseURL: baseURL, hc: newHTTPClient(timeout)}
}

func (p *Pakasir) Name() string             { return "pakasir" }
func (p *Pakasir) Tolerance() time.Duration { return 0 }

type pakasirTransaction struct {
	Project     string `json:"project"`
	OrderID     string `json:"order_id"`
	Amount      int64  `json:"amount"`
	Status      string `json:"status"`
	PaymentURL  string `json:"payment_url"`
	QRString    string `json:"qr_string"`
	CompletedAt string `json:"completed_at"`
	ExpiredAt   string `json:"expired_at"`
}

func (p *Pakasir) CreatePayment(ctx context.Context, cred *credential.Credential, req CreateRequest) (*CreateResult, error) {
	in := map[string]any{
		"project":  cred.ProjectSlug,
		"api_key":  cred.APIKey,
		"order_id": req.OrderID,
		"amount":   req.Amount,
	}
	var out pakasirTransaction
	if err := PostJSON(ctx, p.hc, p.BaseURL+"/api/transactioncreate", in, &out); err != nil {
		return nil, err
	}
	if out.OrderID == "" {
		return nil, apperr.New(apperr.CodeInvalidPayload, "pakasir create returned no transaction")
	}
	expires, _ := time.Parse(time.RFC3339, out.ExpiredAt)
	qr := out.QRString
	if qr == "" {
		qr = out.PaymentURL
	}
	return &CreateResult{PaymentID: out.OrderID, QRString: qr, ExpiresAt: expires}, nil
}

func (p *Pakasir) CheckStatus(ctx context.Context, cred *credential.Credential, paymentID string) (*StatusResult, error) {
	endpoint := fmt.Sprintf("%s/api/transactiondetail?project=%s&order_id=%s&api_key=%s",
		p.BaseURL, cred.ProjectSlug, paymentID, cred.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeGatewayUnavailable, "build request", err)
	}
	var out struct {
		Transaction pakasirTransaction `json:"transaction"`
	}
	if err := doDecode(p.hc, req, &out); err != nil {
		return nil, err
	}
	res := &StatusResult{Status: mapPakasirStatus(out.Transaction.Status)}
	if res.Status == StatusSuccess {
		if t, err := time.Parse(time.RFC3339, out.Transaction.CompletedAt); err == nil {
			res.PaidAt = &t
		}
	}
	return res, nil
}

func (p *Pakasir) ParseWebhook(raw []byte) (*WebhookEvent, error) {
	var wh pakasirTransaction
	if err := json.Unmarshal(raw, &wh); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidPayload, "pakasir webhook", err)
	}
	if wh.OrderID == "" {
		return nil, apperr.New(apperr.CodeInvalidPayload, "pakasir webhook missing order_id")
	}
	ev := &WebhookEvent{
		PaymentID:  wh.OrderID,
		OrderID:    wh.OrderID,
		ExternalID: wh.OrderID,
		Status:     mapPakasirStatus(wh.Status),
		Amount:     wh.Amount,
	}
	if ev.Status == StatusSuccess {
		if t, err := time.Parse(time.RFC3339, wh.CompletedAt); err == nil {
			ev.PaidAt = &t
		}
	}
	return ev, nil
}

func (p *Pakasir) ValidateWebhook(raw []byte, _ string, cred *credential.Credential) bool {
	var wh pakasirTransaction
	if err := json.Unmarshal(raw, &wh); err != nil {
		return false
	}
	return wh.Project != "" && cred != nil && wh.Project == cred.ProjectSlug
}

func mapPakasirStatus(s string) PaymentStatus {
	switch s {
	case "completed", "success", "paid":
		return StatusSuccess
	case "pending", "waiting":
		return StatusPending
	case "expired":
		return StatusExpired
	default:
		return StatusFailed
	}
}
