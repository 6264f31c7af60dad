// Package store owns the persisted transaction state. The database is the
// single synchronization point between the polling loops and the webhook
// handler: the pending->success transition is a conditional update and the
// caller must treat a zero-row result as having lost the race.
package store

import (
	"context"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusExpired   Status = "expired"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

type Transaction struct {
	ID                 int64
	OrderID            string
	BotID              int64
	Amount             int64
	Status             Status
	Gateway            string
	PaymentRef         string
	ExternalMutationID string // empty until a mutation is credited
	CreatedAt          time.Time
	ExpiresAt          time.Time
	PaidAt             *time.Time
}

// CallbackRetry is a failed signed-callback delivery queued for the retry
// sweep. Entries older than the retry window are dropped, not retried.
type CallbackRetry struct {
	ID            int64
	OrderID       string
	URL           string
	Secret        string
	Body          []byte
	Attempts      int
	FirstFailedAt time.Time
	NextAttemptAt time.Time
}

type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	GetByOrderID(ctx context.Context, orderID string) (*Transaction, error)
	GetByPaymentRef(ctx context.Context, gateway, ref string) (*Transaction, error)

	// ListPending returns pending transactions for one gateway inside the
	// lookback window, oldest first. The order is load-bearing: the engine
	// matches FIFO.
	ListPending(ctx context.Context, gateway string, lookback time.Duration) ([]Transaction, error)
	AnyPending(ctx context.Context, gateway string, lookback time.Duration) (bool, error)

	// ExternalIDInUse reports whether a mutation id has already been
	// credited to any transaction of this gateway.
	ExternalIDInUse(ctx context.Context, gateway, externalID string) (bool, error)

	// MarkSuccess transitions id to success iff it is still pending, and
	// reports whether this caller won the transition. Losers must skip
	// notification fanout.
	MarkSuccess(ctx context.Context, id int64, paidAt time.Time, externalID string) (bool, error)

	// ExpireOverdue marks pending transactions past their expiry horizon.
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)

	EnqueueCallbackRetry(ctx context.Context, r *CallbackRetry) error
	DueCallbackRetries(ctx context.Context, now time.Time, limit int) ([]CallbackRetry, error)
	ResolveCallbackRetry(ctx context.Context, id int64, delivered bool, nextAttempt time.Time) error
}
