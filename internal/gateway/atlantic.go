package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/example/payment-recon/internal/credential"
	apperr "github.com/example/payment-recon/pkg/errors"
)

// Atlantic is the only provider with real remote QRIS issuance. Its quirk
// is the two-phase settlement: a deposit can sit in "processing" and must
// be forced through the instant-trigger endpoint before it counts as paid.
type Atlantic struct {
	BaseURL string
	hc      *http.Client
}

func NewAtlantic(baseURL string, timeout time.Duration) *Atlantic {
	return &Atlantic{BaseURL: baseURL, hc: newHTTPClient(timeout)}
}

func (a *Atlantic) Name() string             { return "atlantic" }
func (a *Atlantic) Tolerance() time.Duration { return 0 }

type atlanticEnvelope struct {
	Status bool            `json:"status"`
	Data   json.RawMessage `json:"data"`
}

type atlanticDeposit struct {
	ID        string `json:"id"`
	ReffID    string `json:"reff_id"`
	Status    string `json:"status"`
	Nominal   int64  `json:"nominal"`
	QRString  string `json:"qr_string"`
	ExpiredAt string `json:"expired_at"`
	CreatedAt string `json:"created_at"`
}

func (a *Atlantic) CreatePayment(ctx context.Context, cred *credential.Credential, req CreateRequest) (*CreateResult, error) {
	form := url.Values{
		"api_key": {cred.APIKey},
		"reff_id": {req.OrderID},
		"nominal": {strconv.FormatInt(req.Amount, 10)},
		"type":    {"ewallet"},
		"metode":  {"qris"},
	}
	var env atlanticEnvelope
	if err := PostForm(ctx, a.hc, a.BaseURL+"/deposit/create", form, &env); err != nil {
		return nil, err
	}
	var dep atlanticDeposit
	if !env.Status || json.Unmarshal(env.Data, &dep) != nil || dep.ID == "" {
		return nil, apperr.New(apperr.CodeInvalidPayload, "atlantic create returned no deposit")
	}
	expires, _ := time.Parse("2006-01-02 15:04:05", dep.ExpiredAt)
	return &CreateResult{PaymentID: dep.ID, QRString: dep.QRString, ExpiresAt: expires}, nil
}

func (a *Atlantic) CheckStatus(ctx context.Context, cred *credential.Credential, paymentID string) (*StatusResult, error) {
	form := url.Values{"api_key": {cred.APIKey}, "id": {paymentID}}
	var env atlanticEnvelope
	if err := PostForm(ctx, a.hc, a.BaseURL+"/deposit/status", form, &env); err != nil {
		return nil, err
	}
	var dep atlanticDeposit
	if json.Unmarshal(env.Data, &dep) != nil || dep.Status == "" {
		return nil, apperr.New(apperr.CodeInvalidPayload, "atlantic status returned no deposit")
	}
	res := &StatusResult{Status: mapAtlanticStatus(dep.Status)}
	if res.Status == StatusSuccess {
		if t, err := time.Parse("2006-01-02 15:04:05", dep.CreatedAt); err == nil {
			res.PaidAt = &t
		}
	}
	return res, nil
}

// TriggerInstant forces settlement of a deposit stuck in "processing".
// This is a side-effecting call, not a read; the engine must only treat
// processing as success after it returns cleanly.
func (a *Atlantic) TriggerInstant(ctx context.Context, cred *credential.Credential, paymentID string) error {
	form := url.Values{"api_key": {cred.APIKey}, "id": {paymentID}, "action": {"instant"}}
	var env atlanticEnvelope
	if err := PostForm(ctx, a.hc, a.BaseURL+"/deposit/instant", form, &env); err != nil {
		return err
	}
	if !env.Status {
		return apperr.New(apperr.CodeGatewayUnavailable, "atlantic instant trigger refused")
	}
	return nil
}

// ParseWebhook accepts both the bare deposit shape and the {"data": ...}
// envelope Atlantic wraps some deliveries in.
func (a *Atlantic) ParseWebhook(raw []byte) (*WebhookEvent, error) {
	var env atlanticEnvelope
	payload := raw
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		payload = env.Data
	}
	var dep atlanticDeposit
	if err := json.Unmarshal(payload, &dep); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidPayload, "atlantic webhook", err)
	}
	if dep.ID == "" && dep.ReffID == "" {
		return nil, apperr.New(apperr.CodeInvalidPayload, "atlantic webhook missing deposit id")
	}
	ev := &WebhookEvent{
		PaymentID:  dep.ID,
		OrderID:    dep.ReffID,
		ExternalID: dep.ID,
		Status:     mapAtlanticStatus(dep.Status),
		Amount:     dep.Nominal,
	}
	if ev.Status == StatusSuccess {
		if t, err := time.Parse("2006-01-02 15:04:05", dep.CreatedAt); err == nil {
			ev.PaidAt = &t
		}
	}
	return ev, nil
}

// ValidateWebhook is presence-based only: Atlantic signs nothing, so the
// best available check is that an id-like field exists. Known weak point.
func (a *Atlantic) ValidateWebhook(raw []byte, _ string, _ *credential.Credential) bool {
	ev, err := a.ParseWebhook(raw)
	return err == nil && (ev.PaymentID != "" || ev.OrderID != "")
}

func mapAtlanticStatus(s string) PaymentStatus {
	switch s {
	case "pending":
		return StatusPending
	case "processing":
		return StatusProcessing
	case "success":
		return StatusSuccess
	case "expired":
		return StatusExpired
	default:
		return StatusFailed
	}
}
