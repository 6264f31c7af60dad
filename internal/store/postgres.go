package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperr "github.com/example/payment-recon/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id                   BIGSERIAL PRIMARY KEY,
	order_id             TEXT NOT NULL UNIQUE,
	bot_id               BIGINT NOT NULL,
	amount               BIGINT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'pending',
	payment_gateway      TEXT NOT NULL,
	payment_ref          TEXT NOT NULL DEFAULT '',
	external_mutation_id TEXT,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at           TIMESTAMPTZ NOT NULL,
	paid_at              TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tx_gateway_mutation
	ON transactions (payment_gateway, external_mutation_id)
	WHERE external_mutation_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_tx_pending
	ON transactions (payment_gateway, created_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS callback_retries (
	id              BIGSERIAL PRIMARY KEY,
	order_id        TEXT NOT NULL,
	url             TEXT NOT NULL,
	secret          TEXT NOT NULL,
	body            BYTEA NOT NULL,
	attempts        INT NOT NULL DEFAULT 1,
	first_failed_at TIMESTAMPTZ NOT NULL,
	next_attempt_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_retry_due ON callback_retries (next_attempt_at);
`

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schema)
	return err
}

func (p *Postgres) Close() { p.pool.Close() }

// Pool exposes the underlying pool for read-only collaborators that share
// the same database (the credential source).
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

const txColumns = `id, order_id, bot_id, amount, status, payment_gateway,
	payment_ref, COALESCE(external_mutation_id, ''), created_at, expires_at, paid_at`

func scanTx(row pgx.Row) (*Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.OrderID, &t.BotID, &t.Amount, &t.Status, &t.Gateway,
		&t.PaymentRef, &t.ExternalMutationID, &t.CreatedAt, &t.ExpiresAt, &t.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeTxNotFound, "transaction not found")
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *Postgres) Create(ctx context.Context, t *Transaction) error {
	return p.pool.QueryRow(ctx, `
		INSERT INTO transactions
			(order_id, bot_id, amount, status, payment_gateway, payment_ref, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		t.OrderID, t.BotID, t.Amount, t.Status, t.Gateway, t.PaymentRef,
		t.CreatedAt, t.ExpiresAt,
	).Scan(&t.ID)
}

func (p *Postgres) GetByOrderID(ctx context.Context, orderID string) (*Transaction, error) {
	return scanTx(p.pool.QueryRow(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE order_id = $1`, orderID))
}

func (p *Postgres) GetByPaymentRef(ctx context.Context, gateway, ref string) (*Transaction, error) {
	return scanTx(p.pool.QueryRow(ctx,
		`SELECT `+txColumns+` FROM transactions
		 WHERE payment_gateway = $1 AND payment_ref = $2`, gateway, ref))
}

func (p *Postgres) ListPending(ctx context.Context, gateway string, lookback time.Duration) ([]Transaction, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+txColumns+` FROM transactions
		 WHERE payment_gateway = $1 AND status = 'pending' AND created_at >= $2
		 ORDER BY created_at ASC, id ASC`,
		gateway, time.Now().Add(-lookback))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (p *Postgres) AnyPending(ctx context.Context, gateway string, lookback time.Duration) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE payment_gateway = $1 AND status = 'pending' AND created_at >= $2)`,
		gateway, time.Now().Add(-lookback)).Scan(&exists)
	return exists, err
}

func (p *Postgres) ExternalIDInUse(ctx context.Context, gateway, externalID string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE payment_gateway = $1 AND external_mutation_id = $2)`,
		gateway, externalID).Scan(&exists)
	return exists, err
}

func (p *Postgres) MarkSuccess(ctx context.Context, id int64, paidAt time.Time, externalID string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE transactions
		 SET status = 'success', paid_at = $2, external_mutation_id = NULLIF($3, '')
		 WHERE id = $1 AND status = 'pending'`,
		id, paidAt, externalID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE transactions SET status = 'expired'
		 WHERE status = 'pending' AND expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) EnqueueCallbackRetry(ctx context.Context, r *CallbackRetry) error {
	return p.pool.QueryRow(ctx, `
		INSERT INTO callback_retries
			(order_id, url, secret, body, attempts, first_failed_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		r.OrderID, r.URL, r.Secret, r.Body, r.Attempts, r.FirstFailedAt, r.NextAttemptAt,
	).Scan(&r.ID)
}

func (p *Postgres) DueCallbackRetries(ctx context.Context, now time.Time, limit int) ([]CallbackRetry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, order_id, url, secret, body, attempts, first_failed_at, next_attempt_at
		 FROM callback_retries
		 WHERE next_attempt_at <= $1
		 ORDER BY next_attempt_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallbackRetry
	for rows.Next() {
		var r CallbackRetry
		if err := rows.Scan(&r.ID, &r.OrderID, &r.URL, &r.Secret, &r.Body,
			&r.Attempts, &r.FirstFailedAt, &r.NextAttemptAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) ResolveCallbackRetry(ctx context.Context, id int64, delivered bool, nextAttempt time.Time) error {
	if delivered {
		_, err := p.pool.Exec(ctx, `DELETE FROM callback_retries WHERE id = $1`, id)
		return err
	}
	_, err := p.pool.Exec(ctx,
		`UPDATE callback_retries
		 SET attempts = attempts + 1, next_attempt_at = $2
		 WHERE id = $1`, id, nextAttempt)
	return err
}
