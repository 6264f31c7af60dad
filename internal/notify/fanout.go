// Package notify carries the side effects of a confirmed payment. Every
// channel is best-effort: a failed broadcast or callback is logged and,
// for callbacks only, queued for the retry sweep. Nothing here may undo
// or block the committed status transition.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/example/payment-recon/internal/credential"
	"github.com/example/payment-recon/internal/store"
	"github.com/example/payment-recon/pkg/metrics"
)

const EventStatusUpdated = "payment.status.updated"

// StatusPayload is what subscribers see on both the hub channel and the
// signed callback body.
type StatusPayload struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Amount  int64  `json:"amount"`
	PaidAt  string `json:"paid_at"`
}

type Fanout struct {
	Hub       *HubClient
	Callbacks *CallbackClient
	Journal   *Journal
	Retries   store.Store

	// RetryBackoff is the delay before the sweep first re-attempts a
	// failed callback.
	RetryBackoff time.Duration
}

// PaymentConfirmed runs after the caller has won the pending->success
// compare-and-set. The channels are independent; one failing never stops
// the others.
func (f *Fanout) PaymentConfirmed(ctx context.Context, tx *store.Transaction, cred *credential.Credential) {
	payload := StatusPayload{
		OrderID: tx.OrderID,
		Status:  string(tx.Status),
		Amount:  tx.Amount,
	}
	if tx.PaidAt != nil {
		payload.PaidAt = tx.PaidAt.UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[fanout] marshal payload for %s: %v", tx.OrderID, err)
		return
	}

	if f.Hub != nil {
		channel := f.Hub.BotChannel(tx.BotID)
		if clients, err := f.Hub.Broadcast(ctx, channel, EventStatusUpdated, body); err != nil {
			metrics.IncFanoutFailure("hub")
			log.Printf("[fanout] hub broadcast %s for %s: %v", channel, tx.OrderID, err)
		} else {
			log.Printf("[fanout] broadcast %s to %d clients on %s", EventStatusUpdated, clients, channel)
		}
	}

	if f.Journal != nil {
		if err := f.Journal.Publish(ctx, tx.OrderID, body); err != nil {
			metrics.IncFanoutFailure("journal")
			log.Printf("[fanout] journal publish for %s: %v", tx.OrderID, err)
		}
	}

	if f.Callbacks != nil && cred != nil && cred.CallbackURL != "" {
		if err := f.Callbacks.Deliver(ctx, cred.CallbackURL, cred.CallbackSecret, body); err != nil {
			metrics.IncFanoutFailure("callback")
			log.Printf("[fanout] callback to %s for %s: %v", cred.CallbackURL, tx.OrderID, err)
			f.enqueueRetry(ctx, tx.OrderID, cred, body)
		}
	}
}

func (f *Fanout) enqueueRetry(ctx context.Context, orderID string, cred *credential.Credential, body []byte) {
	if f.Retries == nil {
		return
	}
	backoff := f.RetryBackoff
	if backoff <= 0 {
		backoff = time.Minute
	}
	now := time.Now()
	retry := &store.CallbackRetry{
		OrderID:       orderID,
		URL:           cred.CallbackURL,
		Secret:        cred.CallbackSecret,
		Body:          body,
		Attempts:      1,
		FirstFailedAt: now,
		NextAttemptAt: now.Add(backoff),
	}
	if err := f.Retries.EnqueueCallbackRetry(ctx, retry); err != nil {
		log.Printf("[fanout] enqueue callback retry for %s: %v", orderID, err)
	}
}
