// cmd/webhookd/main.go
//
// webhookd receives provider webhooks and feeds them to the same engine
// the polling daemon uses. Both processes coordinate only through the
// transaction store's conditional update.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/payment-recon/internal/config"
	"github.com/example/payment-recon/internal/credential"
	"github.com/example/payment-recon/internal/gateway"
	"github.com/example/payment-recon/internal/httpapi"
	"github.com/example/payment-recon/internal/notify"
	"github.com/example/payment-recon/internal/recon"
	"github.com/example/payment-recon/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		log.Fatalf("migrate schema: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	creds := credential.NewCachedSource(
		credential.NewPostgresSource(pg.Pool()), rdb, cfg.CredentialTTL)

	journal := notify.NewJournal(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer journal.Close()

	fanout := &notify.Fanout{
		Hub:       notify.NewHubClient(cfg.HubURL, cfg.HubSecret, 10*time.Second),
		Callbacks: notify.NewCallbackClient(10 * time.Second),
		Journal:   journal,
		Retries:   pg,
	}

	engine := &recon.Engine{
		Store:    pg,
		Notifier: fanout,
		Creds:    creds,
		Lookback: cfg.Lookback,
	}

	adapters := map[string]gateway.Adapter{
		"atlantic":   gateway.NewAtlantic(cfg.AtlanticBaseURL, cfg.GatewayTimeout),
		"qiospay":    gateway.NewQiosPay(cfg.PaymentExpiry),
		"orderkuota": gateway.NewOrderKuota(cfg.PaymentExpiry),
		"pakasir":    gateway.NewPakasir(cfg.PakasirBaseURL, cfg.GatewayTimeout),
	}

	api := httpapi.New(engine, pg, creds, adapters)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("[webhookd] shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[webhookd] shutdown: %v", err)
		}
	}()

	log.Printf("[webhookd] listening at %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[webhookd] server error: %v", err)
	}
}
