// cmd/recond/main.go
//
// recond is the reconciliation daemon: one adaptive polling loop per
// gateway family plus the expiry and callback-retry sweeps.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/payment-recon/internal/config"
	"github.com/example/payment-recon/internal/credential"
	"github.com/example/payment-recon/internal/gateway"
	"github.com/example/payment-recon/internal/mutation"
	"github.com/example/payment-recon/internal/notify"
	"github.com/example/payment-recon/internal/recon"
	"github.com/example/payment-recon/internal/store"
)

func main() {
	interval := flag.Duration("interval", 0, "override burst polling interval (e.g. 5s)")
	flag.Parse()

	cfg := config.Load()
	if *interval > 0 {
		cfg.BurstInterval = *interval
	}

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

	callbacks := notify.NewCallbackClient(10 * time.Second)
	fanout := &notify.Fanout{
		Hub:       notify.NewHubClient(cfg.HubURL, cfg.HubSecret, 10*time.Second),
		Callbacks: callbacks,
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
	proxy := mutation.NewProxyFeed(cfg.ProxyURL, cfg.GatewayTimeout)
	feeds := map[string]mutation.Feed{
		"qiospay":    proxy,
		"orderkuota": proxy,
	}

	sched := &recon.Scheduler{
		Store:     pg,
		Creds:     creds,
		Engine:    engine,
		Adapters:  adapters,
		Feeds:     feeds,
		Callbacks: callbacks,
		Burst:     cfg.BurstInterval,
		Idle:      cfg.IdleInterval,
		Lookback:  cfg.Lookback,
	}

	go serveMetrics(cfg.MetricsAddr)

	log.Printf("[recond] started (burst=%s idle=%s lookback=%s)",
		cfg.BurstInterval, cfg.IdleInterval, cfg.Lookback)
	sched.Run(ctx)
	log.Println("[recond] shut down")
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	log.Printf("[recond] metrics listening at %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("[recond] metrics server: %v", err)
	}
}
