package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperr "github.com/example/payment-recon/pkg/errors"
)

// DefaultTimeout bounds every upstream call so a slow provider can never
// stall a poll cycle past its sleep.
const DefaultTimeout = 15 * time.Second

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// LooksBlocked detects the anti-bot challenge pages some providers serve
// instead of JSON. Those cycles yield zero progress rather than an error
// loop against a body that will never parse.
func LooksBlocked(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return false
	}
	lower := strings.ToLower(trimmed)
	return strings.HasPrefix(lower, "<!doctype") ||
		strings.HasPrefix(lower, "<html") ||
		strings.Contains(lower, "cf-challenge") ||
		strings.Contains(lower, "just a moment")
}

// PostJSON posts a JSON body and decodes a JSON response into out,
// classifying transport failures as GATEWAY_UNAVAILABLE and challenge
// pages or undecodable bodies as GATEWAY_BLOCKED.
func PostJSON(ctx context.Context, hc *http.Client, endpoint string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return apperr.Wrap(apperr.CodeInvalidPayload, "marshal request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return apperr.Wrap(apperr.CodeGatewayUnavailable, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return doDecode(hc, req, out)
}

// PostForm posts form-encoded values (the Atlantic API convention) and
// decodes the JSON response into out.
func PostForm(ctx context.Context, hc *http.Client, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return apperr.Wrap(apperr.CodeGatewayUnavailable, "build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return doDecode(hc, req, out)
}

func doDecode(hc *http.Client, req *http.Request, out any) error {
	res, err := hc.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeGatewayUnavailable, "call "+req.URL.Host, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return apperr.Wrap(apperr.CodeGatewayUnavailable, "read response", err)
	}
	if LooksBlocked(body) {
		return apperr.New(apperr.CodeGatewayBlocked, "challenge page from "+req.URL.Host)
	}
	if res.StatusCode >= 500 {
		return apperr.New(apperr.CodeGatewayUnavailable, res.Status+" from "+req.URL.Host)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperr.Wrap(apperr.CodeGatewayBlocked, "non-JSON response from "+req.URL.Host, err)
	}
	return nil
}
