package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"
)

// CallbackClient delivers the signed status callback to a user-configured
// URL. The signature covers the exact JSON bytes sent, so receivers can
// verify before parsing.
type CallbackClient struct {
	hc *http.Client
}

func NewCallbackClient(timeout time.Duration) *CallbackClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CallbackClient{hc: &http.Client{Timeout: timeout}}
}

func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *CallbackClient) Deliver(ctx context.Context, url, secret string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", Sign(body, secret))

	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("callback returned %s", res.Status)
	}
	return nil
}
