package recon

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/example/payment-recon/internal/credential"
	"github.com/example/payment-recon/internal/gateway"
	"github.com/example/payment-recon/internal/mutation"
	"github.com/example/payment-recon/internal/notify"
	"github.com/example/payment-recon/internal/store"
	apperr "github.com/example/payment-recon/pkg/errors"
	"github.com/example/payment-recon/pkg/metrics"
)

// Scheduler drives one polling loop per gateway family plus the sweeps.
// The interval adapts: burst while pending work exists in the lookback
// window, idle otherwise, to bound load on the third-party APIs.
type Scheduler struct {
	Store    store.Store
	Creds    credential.Source
	Engine   *Engine
	Adapters map[string]gateway.Adapter
	Feeds    map[string]mutation.Feed // gateways confirmed via mutation polling

	Callbacks *notify.CallbackClient

	Burst       time.Duration // e.g. 10s
	Idle        time.Duration // e.g. 45s
	Lookback    time.Duration // pending older than this is no longer polled
	SweepEvery  time.Duration
	RetryWindow time.Duration // callbacks are re-attempted within this window
}

// Run blocks until ctx is cancelled. Cancellation stops scheduling new
// cycles; an in-flight cycle drains on its own (cycles are short and each
// upstream call carries its own timeout).
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for name := range s.Adapters {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			s.loop(ctx, name)
		}(name)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sweepLoop(ctx)
	}()
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string) {
	log.Printf("[scheduler] %s loop started (burst=%s idle=%s)", name, s.Burst, s.Idle)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[scheduler] %s loop stopped", name)
			return
		case <-timer.C:
		}
		busy := s.cycle(ctx, name)
		next := s.Idle
		if busy {
			next = s.Burst
		}
		timer.Reset(next)
	}
}

// cycle runs one reconciliation pass for a gateway family and reports
// whether pending work remains (which keeps the loop in burst mode).
func (s *Scheduler) cycle(ctx context.Context, name string) bool {
	start := time.Now()
	defer func() { metrics.ObserveCycle(name, time.Since(start).Seconds()) }()

	// Cheap existence probe before any per-bot work.
	any, err := s.Store.AnyPending(ctx, name, s.Lookback)
	if err != nil {
		log.Printf("[scheduler] %s pending probe: %v", name, err)
		metrics.IncCycle(name, "error")
		return false
	}
	if !any {
		metrics.IncCycle(name, "idle")
		return false
	}

	pending, err := s.Store.ListPending(ctx, name, s.Lookback)
	if err != nil {
		log.Printf("[scheduler] %s list pending: %v", name, err)
		metrics.IncCycle(name, "error")
		return true
	}

	// One credential lookup and one upstream call per bot scope, however
	// many transactions that scope holds.
	for botID, txs := range groupByBot(pending) {
		cred, err := s.Creds.ActiveForBot(ctx, botID)
		if err != nil {
			log.Printf("[scheduler] %s bot %d credential: %v", name, botID, err)
			continue
		}
		if cred.Gateway != name {
			// Bot switched gateways after these transactions were created;
			// leave them for the expiry sweep.
			continue
		}
		s.reconcileScope(ctx, name, cred, txs)
	}
	metrics.IncCycle(name, "ok")
	return true
}

func (s *Scheduler) reconcileScope(ctx context.Context, name string,
	cred *credential.Credential, txs []store.Transaction) {

	adapter := s.Adapters[name]
	var matched int
	var err error
	if feed, ok := s.Feeds[name]; ok {
		var muts []mutation.Record
		muts, err = feed.Fetch(ctx, cred, s.Lookback)
		if err == nil {
			matched, err = s.Engine.MatchBatch(ctx, cred, adapter.Tolerance(), txs, muts)
		}
	} else {
		matched, err = s.Engine.PollStatuses(ctx, adapter, cred, txs)
	}

	switch {
	case err == nil:
		if matched > 0 {
			log.Printf("[scheduler] %s bot %d: %d transaction(s) confirmed", name, cred.BotID, matched)
		}
	case apperr.HasCode(err, apperr.CodeGatewayBlocked):
		// Zero progress this cycle; nothing was mutated.
		log.Printf("[scheduler] %s bot %d blocked upstream: %v", name, cred.BotID, err)
		metrics.IncCycle(name, "blocked")
	case apperr.HasCode(err, apperr.CodeGatewayUnavailable):
		log.Printf("[scheduler] %s bot %d unavailable, retrying next cycle: %v", name, cred.BotID, err)
	default:
		log.Printf("[scheduler] %s bot %d reconcile: %v", name, cred.BotID, err)
	}
}

func groupByBot(txs []store.Transaction) map[int64][]store.Transaction {
	out := make(map[int64][]store.Transaction)
	for _, tx := range txs {
		out[tx.BotID] = append(out[tx.BotID], tx)
	}
	return out
}

// sweepLoop owns the two background chores: expiring overdue pending
// transactions and re-attempting failed callback deliveries.
func (s *Scheduler) sweepLoop(ctx context.Context) {
	every := s.SweepEvery
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		if n, err := s.Store.ExpireOverdue(ctx, now); err != nil {
			log.Printf("[sweep] expire overdue: %v", err)
		} else if n > 0 {
			log.Printf("[sweep] expired %d overdue transaction(s)", n)
		}
		s.retryCallbacks(ctx, now)
	}
}

func (s *Scheduler) retryCallbacks(ctx context.Context, now time.Time) {
	if s.Callbacks == nil {
		return
	}
	window := s.RetryWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	due, err := s.Store.DueCallbackRetries(ctx, now, 50)
	if err != nil {
		log.Printf("[sweep] list callback retries: %v", err)
		return
	}
	for _, r := range due {
		if now.Sub(r.FirstFailedAt) > window {
			// Past the retry window: give up for good.
			if err := s.Store.ResolveCallbackRetry(ctx, r.ID, true, time.Time{}); err != nil {
				log.Printf("[sweep] drop stale retry %d: %v", r.ID, err)
			}
			continue
		}
		err := s.Callbacks.Deliver(ctx, r.URL, r.Secret, r.Body)
		if err == nil {
			if err := s.Store.ResolveCallbackRetry(ctx, r.ID, true, time.Time{}); err != nil {
				log.Printf("[sweep] resolve retry %d: %v", r.ID, err)
			}
			log.Printf("[sweep] callback for %s delivered after %d attempt(s)", r.OrderID, r.Attempts)
			continue
		}
		// Exponential backoff, capped at an hour.
		backoff := time.Minute << uint(min(r.Attempts, 6))
		if backoff > time.Hour {
			backoff = time.Hour
		}
		if err := s.Store.ResolveCallbackRetry(ctx, r.ID, false, now.Add(backoff)); err != nil {
			log.Printf("[sweep] reschedule retry %d: %v", r.ID, err)
		}
	}
}
