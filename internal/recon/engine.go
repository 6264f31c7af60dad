// Package recon holds the matching core: it correlates gateway-reported
// payment events (webhooks or polled mutation feeds) with pending local
// transactions and owns the single pending->success transition. All
// cross-goroutine coordination happens through the transaction store's
// conditional update; losing that compare-and-set means another path
// already credited the payment and this caller must stay silent.
package recon

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/example/payment-recon/internal/credential"
	"github.com/example/payment-recon/internal/gateway"
	"github.com/example/payment-recon/internal/mutation"
	"github.com/example/payment-recon/internal/store"
	apperr "github.com/example/payment-recon/pkg/errors"
	"github.com/example/payment-recon/pkg/metrics"
)

type Notifier interface {
	PaymentConfirmed(ctx context.Context, tx *store.Transaction, cred *credential.Credential)
}

type Engine struct {
	Store    store.Store
	Notifier Notifier

	// Creds resolves the bot credential when the caller could not supply
	// one (the id-less webhook fallback matches a transaction first and
	// only then knows which bot it belongs to).
	Creds credential.Source

	// Lookback bounds how old a pending transaction may be and still get
	// matched by the id-less webhook fallback.
	Lookback time.Duration

	// Now is swappable for tests.
	Now func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// MatchBatch runs one reconciliation pass: pending transactions of a
// single credential scope against a freshly fetched mutation list. It
// returns how many transactions were transitioned to success.
//
// The order of the guards mirrors the invariants: credits only, FIFO
// oldest-first over pending, exact amount, occurred_at no earlier than
// created_at minus the gateway tolerance, and external ids not consumed
// in this batch nor persisted by any earlier cycle.
func (e *Engine) MatchBatch(ctx context.Context, cred *credential.Credential, tolerance time.Duration,
	pending []store.Transaction, muts []mutation.Record) (int, error) {

	credits := make([]mutation.Record, 0, len(muts))
	for _, m := range muts {
		if m.Direction == mutation.Credit {
			credits = append(credits, m)
		}
	}
	if len(credits) == 0 || len(pending) == 0 {
		return 0, nil
	}

	// The store already returns FIFO order; sorting again keeps the
	// tie-break correct for callers that assembled the slice themselves.
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	// Consumed ids for this pass only. Distinct from the persisted check:
	// this one stops two transactions in the same batch from sharing a
	// mutation before either write lands.
	consumed := make(map[string]bool, len(credits))

	matched := 0
	for i := range pending {
		tx := &pending[i]
		for _, m := range credits {
			ok, err := e.qualifies(ctx, tx, m, tolerance, consumed)
			if err != nil {
				return matched, err
			}
			if !ok {
				continue
			}
			won, err := e.confirm(ctx, tx, cred, m.ExternalID, m.OccurredAt, "poll")
			if err != nil {
				return matched, err
			}
			if won {
				matched++
				// Only a winning write consumes the mutation. A lost
				// compare-and-set means the transaction settled elsewhere,
				// possibly against a different mutation, and this one must
				// stay available for younger transactions in the batch.
				if m.ExternalID != "" {
					consumed[m.ExternalID] = true
				}
			}
			break // first match wins, stop scanning for this transaction
		}
	}
	return matched, nil
}

func (e *Engine) qualifies(ctx context.Context, tx *store.Transaction, m mutation.Record,
	tolerance time.Duration, consumed map[string]bool) (bool, error) {

	if m.Amount != tx.Amount {
		return false, nil
	}
	if m.OccurredAt.Before(tx.CreatedAt.Add(-tolerance)) {
		return false, nil
	}
	if m.ExternalID == "" {
		// Legacy QiosPay feed shape: no stable id, so no dedup guard.
		// Known double-matching risk, preserved deliberately.
		log.Printf("[engine] id-less mutation matched by amount+FIFO only (gateway=%s amount=%d)",
			tx.Gateway, m.Amount)
		return true, nil
	}
	if consumed[m.ExternalID] {
		return false, nil
	}
	used, err := e.Store.ExternalIDInUse(ctx, tx.Gateway, m.ExternalID)
	if err != nil {
		return false, err
	}
	return !used, nil
}

// confirm applies the pending->success transition. The conditional update
// is the only synchronization point: a false return means a concurrent
// webhook or poll cycle got there first, and no side effects fire.
func (e *Engine) confirm(ctx context.Context, tx *store.Transaction, cred *credential.Credential,
	externalID string, paidAt time.Time, source string) (bool, error) {

	if paidAt.IsZero() {
		paidAt = e.now()
	}
	won, err := e.Store.MarkSuccess(ctx, tx.ID, paidAt, externalID)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}

	tx.Status = store.StatusSuccess
	tx.PaidAt = &paidAt
	tx.ExternalMutationID = externalID

	metrics.IncMatch(tx.Gateway, source)
	log.Printf("[engine] %s confirmed via %s (gateway=%s amount=%d mutation=%q)",
		tx.OrderID, source, tx.Gateway, tx.Amount, externalID)

	if cred == nil && e.Creds != nil {
		if c, err := e.Creds.ActiveForBot(ctx, tx.BotID); err == nil {
			cred = c
		}
	}
	if e.Notifier != nil {
		e.Notifier.PaymentConfirmed(ctx, tx, cred)
	}
	return true, nil
}

// ApplyWebhook handles one parsed webhook delivery. Deliveries that
// reference a known transaction go through the direct path; id-less
// payloads (QiosPay) fall back to matching the event as a singleton
// mutation against the pending set.
func (e *Engine) ApplyWebhook(ctx context.Context, adapter gateway.Adapter,
	cred *credential.Credential, ev *gateway.WebhookEvent) error {

	tx, err := e.lookup(ctx, adapter.Name(), ev)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeTxNotFound) && ev.OrderID == "" && ev.PaymentID == "" {
			return e.webhookFallback(ctx, adapter, cred, ev)
		}
		return err
	}

	if tx.Status != store.StatusPending {
		// Replay of an already-settled delivery: paid_at stays, no fanout.
		return nil
	}

	switch ev.Status {
	case gateway.StatusSuccess:
		if ev.Amount > 0 && ev.Amount != tx.Amount {
			return apperr.New(apperr.CodeInvalidPayload, "webhook amount does not match transaction")
		}
		if ev.ExternalID != "" {
			used, err := e.Store.ExternalIDInUse(ctx, tx.Gateway, ev.ExternalID)
			if err != nil {
				return err
			}
			if used {
				// Race loser: the mutation already credited another
				// transaction. Silently skip per contract.
				log.Printf("[engine] %s webhook skipped: %s (mutation %q)",
					tx.OrderID, apperr.CodeAlreadyConsumed, ev.ExternalID)
				return nil
			}
		}
		paidAt := e.now()
		if ev.PaidAt != nil {
			paidAt = *ev.PaidAt
		}
		_, err := e.confirm(ctx, tx, cred, ev.ExternalID, paidAt, "webhook")
		return err

	case gateway.StatusProcessing:
		_, err := e.settleProcessing(ctx, adapter, cred, tx, ev.PaymentID)
		return err

	default:
		// pending/expired/failed: the expiry sweep owns every transition
		// except the match, so these are accepted no-ops.
		return nil
	}
}

// settleProcessing collapses Atlantic's two-phase flow: trigger-instant
// must succeed before processing may be treated as settled, and then the
// success transition happens immediately with paid_at = now.
func (e *Engine) settleProcessing(ctx context.Context, adapter gateway.Adapter,
	cred *credential.Credential, tx *store.Transaction, paymentID string) (bool, error) {

	trigger, ok := adapter.(gateway.InstantTrigger)
	if !ok {
		return false, nil // no two-phase flow for this provider
	}
	if paymentID == "" {
		paymentID = tx.PaymentRef
	}
	if err := trigger.TriggerInstant(ctx, cred, paymentID); err != nil {
		return false, err
	}
	return e.confirm(ctx, tx, cred, paymentID, e.now(), "trigger-instant")
}

func (e *Engine) lookup(ctx context.Context, gatewayName string, ev *gateway.WebhookEvent) (*store.Transaction, error) {
	if ev.OrderID != "" {
		if tx, err := e.Store.GetByOrderID(ctx, ev.OrderID); err == nil {
			return tx, nil
		} else if !apperr.HasCode(err, apperr.CodeTxNotFound) {
			return nil, err
		}
	}
	if ev.PaymentID != "" {
		return e.Store.GetByPaymentRef(ctx, gatewayName, ev.PaymentID)
	}
	return nil, apperr.New(apperr.CodeTxNotFound, "webhook carries no transaction reference")
}

func (e *Engine) webhookFallback(ctx context.Context, adapter gateway.Adapter,
	cred *credential.Credential, ev *gateway.WebhookEvent) error {

	if ev.Status != gateway.StatusSuccess || ev.Amount <= 0 {
		return apperr.New(apperr.CodeTxNotFound, "unmatched webhook")
	}
	pending, err := e.Store.ListPending(ctx, adapter.Name(), e.Lookback)
	if err != nil {
		return err
	}
	occurred := e.now()
	if ev.PaidAt != nil {
		occurred = *ev.PaidAt
	}
	single := []mutation.Record{{
		ExternalID: ev.ExternalID,
		Amount:     ev.Amount,
		OccurredAt: occurred,
		Direction:  mutation.Credit,
	}}
	matched, err := e.MatchBatch(ctx, cred, adapter.Tolerance(), pending, single)
	if err != nil {
		return err
	}
	if matched == 0 {
		return apperr.New(apperr.CodeTxNotFound, "no pending transaction matches webhook amount")
	}
	return nil
}

// PollStatuses reconciles providers that expose per-payment status reads
// instead of a mutation feed (Atlantic). Processing payments are pushed
// through trigger-instant inside the same pass.
func (e *Engine) PollStatuses(ctx context.Context, adapter gateway.Adapter,
	cred *credential.Credential, pending []store.Transaction) (int, error) {

	matched := 0
	for i := range pending {
		tx := &pending[i]
		if tx.PaymentRef == "" {
			continue
		}
		res, err := adapter.CheckStatus(ctx, cred, tx.PaymentRef)
		if err != nil {
			// Adapter errors never cross the engine boundary as failures
			// of the whole cycle; log and let the next cycle retry.
			log.Printf("[engine] status check %s (gateway=%s): %v", tx.OrderID, tx.Gateway, err)
			if apperr.HasCode(err, apperr.CodeGatewayBlocked) {
				return matched, err // blocked means zero further progress this cycle
			}
			continue
		}
		switch res.Status {
		case gateway.StatusSuccess:
			paidAt := e.now()
			if res.PaidAt != nil {
				paidAt = *res.PaidAt
			}
			won, err := e.confirm(ctx, tx, cred, tx.PaymentRef, paidAt, "status-poll")
			if err != nil {
				return matched, err
			}
			if won {
				matched++
			}
		case gateway.StatusProcessing:
			won, err := e.settleProcessing(ctx, adapter, cred, tx, tx.PaymentRef)
			if err != nil {
				log.Printf("[engine] trigger-instant %s: %v", tx.OrderID, err)
				continue
			}
			if won {
				matched++
			}
		}
	}
	return matched, nil
}
