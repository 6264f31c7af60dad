// Package credential reads the per-bot gateway configuration. The core
// never writes credentials; lifecycle is owned by the dashboard side.
package credential

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Credential is the opaque per-bot, per-gateway credential bag. Which
// fields are populated depends on the gateway: Atlantic uses APIKey,
// QiosPay and OrderKuota use Username+Token plus the merchant's static
// QRIS payload, Pakasir uses ProjectSlug+APIKey.
type Credential struct {
	BotID          int64  `json:"bot_id"`
	Gateway        string `json:"gateway"`
	MerchantCode   string `json:"merchant_code"`
	Username       string `json:"username"`
	APIKey         string `json:"api_key"`
	Token          string `json:"token"`
	ProjectSlug    string `json:"project_slug"`
	StaticQRIS     string `json:"static_qris"`
	CallbackURL    string `json:"callback_url"`
	CallbackSecret string `json:"callback_secret"`
}

var ErrNotConfigured = errors.New("credential: no active gateway for bot")

type Source interface {
	// ActiveForBot returns the bot's active gateway credential, or
	// ErrNotConfigured when the bot has no gateway set up.
	ActiveForBot(ctx context.Context, botID int64) (*Credential, error)
}

type PostgresSource struct {
	pool *pgxpool.Pool
}

func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

func (s *PostgresSource) ActiveForBot(ctx context.Context, botID int64) (*Credential, error) {
	var c Credential
	err := s.pool.QueryRow(ctx, `
		SELECT bot_id, gateway, merchant_code, username, api_key, token,
		       project_slug, static_qris, callback_url, callback_secret
		FROM gateway_credentials
		WHERE bot_id = $1 AND active = TRUE`, botID,
	).Scan(&c.BotID, &c.Gateway, &c.MerchantCode, &c.Username, &c.APIKey,
		&c.Token, &c.ProjectSlug, &c.StaticQRIS, &c.CallbackURL, &c.CallbackSecret)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
