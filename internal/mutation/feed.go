// Package mutation fetches a gateway's incoming-funds events through the
// mutation-feed proxy and normalizes the wildly different field names and
// encodings into one record shape the engine can match against.
package mutation

import (
	"context"
	"net/http"
	"time"

	"github.com/example/payment-recon/internal/credential"
	"github.com/example/payment-recon/internal/gateway"
	apperr "github.com/example/payment-recon/pkg/errors"
)

type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// Record is ephemeral: produced fresh each poll and never persisted.
// ExternalID may be empty on legacy QiosPay feeds.
type Record struct {
	ExternalID string
	Amount     int64
	OccurredAt time.Time
	Direction  Direction
}

type Feed interface {
	Fetch(ctx context.Context, cred *credential.Credential, window time.Duration) ([]Record, error)
}

// ProxyFeed talks to the third-party-fronting proxy that shields us from
// upstream IP blocking. One POST per credential scope serves every pending
// transaction in that scope.
type ProxyFeed struct {
	ProxyURL string
	hc       *http.Client
}

func NewProxyFeed(proxyURL string, timeout time.Duration) *ProxyFeed {
	if timeout <= 0 {
		timeout = gateway.DefaultTimeout
	}
	return &ProxyFeed{ProxyURL: proxyURL, hc: &http.Client{Timeout: timeout}}
}

type proxyRequest struct {
	Gateway      string `json:"gateway"`
	MerchantCode string `json:"merchant_code,omitempty"`
	Username     string `json:"username,omitempty"`
	APIKey       string `json:"api_key,omitempty"`
	Token        string `json:"token,omitempty"`
	WindowMins   int    `json:"window_minutes"`
}

type proxyResponse struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message"`
	Mutations []rawEntry `json:"mutations"`
}

func (f *ProxyFeed) Fetch(ctx context.Context, cred *credential.Credential, window time.Duration) ([]Record, error) {
	req := proxyRequest{
		Gateway:      cred.Gateway,
		MerchantCode: cred.MerchantCode,
		Username:     cred.Username,
		APIKey:       cred.APIKey,
		Token:        cred.Token,
		WindowMins:   int(window / time.Minute),
	}
	var res proxyResponse
	if err := gateway.PostJSON(ctx, f.hc, f.ProxyURL, req, &res); err != nil {
		return nil, err
	}
	if !res.Success {
		// The proxy reports upstream blocks explicitly; surface them the
		// same way a challenge page would be.
		return nil, apperr.New(apperr.CodeGatewayBlocked, "proxy refused: "+res.Message)
	}

	out := make([]Record, 0, len(res.Mutations))
	for _, e := range res.Mutations {
		rec, err := normalize(cred.Gateway, e)
		if err != nil {
			// One malformed entry must not sink the whole batch.
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
