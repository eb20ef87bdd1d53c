// Command signalrouter is the process entrypoint: it wires every
// component this module builds (C1-C9) into one running service,
// following the teacher's own main.go wiring order (config -> storage
// -> credential/gateway pool -> pricing/sizing -> execution -> HTTP ->
// graceful shutdown) generalized from a single-user Binance bot to a
// multi-account, multi-exchange router.
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

	"signalrouter/internal/dispatcher"
	"signalrouter/internal/events"
	"signalrouter/internal/gateway"
	"signalrouter/internal/notifier"
	"signalrouter/internal/pricecache"
	"signalrouter/internal/queue/memqueue"
	"signalrouter/internal/reconciler"
	"signalrouter/internal/registry"
	"signalrouter/internal/sizer"
	"signalrouter/internal/store"
	"signalrouter/internal/webhook"
	"signalrouter/pkg/config"
	"signalrouter/pkg/crypto"
	"signalrouter/pkg/exchange/common"
	"signalrouter/pkg/exchange/mock"
	"signalrouter/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ load config: %v", err)
	}
	log.Printf("📊 signalrouter starting (http=%s metrics=%s db=%s mock=%v)",
		cfg.HTTPAddr, cfg.MetricsAddr, cfg.DBPath, cfg.UseMockExchange)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("❌ open store: %v", err)
	}
	defer st.Close()

	reg := registry.New()
	if path := os.Getenv("INSTRUMENTS_PATH"); path != "" {
		if err := reg.LoadYAML(path); err != nil {
			log.Fatalf("❌ load instrument registry: %v", err)
		}
	} else {
		log.Printf("⚠️ INSTRUMENTS_PATH not set, registry seeded empty")
	}

	prices := pricecache.New()

	keyMgr := buildKeyManager(cfg)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}

	factory := gateway.NewDefaultFactory(redisClient)
	if cfg.UseMockExchange {
		factory = mockGatewayFactory
	}
	gwCfg := gateway.DefaultConfig()
	gwMgr := gateway.NewManager(keyMgr, factory, gwCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gwMgr.Start(ctx)
	defer gwMgr.Stop()

	priceFetcher := gateway.PriceFetcherProvider{Manager: gwMgr, Store: st}
	sz := sizer.New(reg, prices, priceFetcher)

	slowQueue := memqueue.New(cfg.DispatchFanout * 4)
	defer slowQueue.Close()

	dispatchProvider := gateway.DispatcherProvider{Manager: gwMgr}
	disp := dispatcher.New(st, sz, reg, dispatchProvider, slowQueue, dispatcher.Config{
		Fanout:             cfg.DispatchFanout,
		MarketOrderTimeout: cfg.MarketOrderTimeout,
	})

	bus := events.NewBus()

	recGatewayProvider := gateway.ReconcilerProvider{Manager: gwMgr}
	recCfg := reconciler.Config{
		PollInterval:     cfg.PollInterval,
		CancelInterval:   cfg.CancelQueueInterval,
		SweepInterval:    cfg.SweepInterval,
		OrphanAge:        cfg.OrphanTimeout,
		MaxCancelRetries: cfg.MaxCancelRetries,
		CancelBatchSize:  50,
		RebalanceEpsilon: reconciler.DefaultConfig().RebalanceEpsilon,
		ReconnectMinDelay: reconciler.DefaultConfig().ReconnectMinDelay,
		ReconnectMaxDelay: reconciler.DefaultConfig().ReconnectMaxDelay,
	}
	rec := reconciler.New(st, recGatewayProvider, recCfg)
	rec.SetBus(bus)
	rec.Start(ctx)

	var sink notifier.Sink = notifier.NoopSink{}
	if cfg.NotifierWebhookURL != "" {
		sink = notifier.NewHTTPSink(cfg.NotifierWebhookURL)
	}
	notif := notifier.New(bus, sink)
	notif.Start(ctx)

	srv := webhook.NewServer(st, disp, reg)
	if redisClient != nil {
		srv.SetDedup(webhook.NewRedisDedupFromClient(redisClient))
	}

	metrics.New()
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("❌ metrics server: %v", err)
		}
	}()

	go func() {
		if err := srv.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ webhook server: %v", err)
		}
	}()

	log.Printf("✅ signalrouter ready")
	<-ctx.Done()
	log.Printf("🔄 shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}

// mockGatewayFactory ignores every credential and returns a fresh
// in-memory mock.Gateway per account, used when USE_MOCK_EXCHANGE=true.
func mockGatewayFactory(account store.Account, apiKey, apiSecret, passphrase string) (common.Gateway, error) {
	return mock.New(), nil
}

// buildKeyManager wires pkg/crypto.KeyManager from cfg.EncryptionKey,
// matching the teacher's own "fallback to plaintext (legacy)" path: a
// Manager built with a nil KeyManager treats Account.SecretKeyEnc as
// plaintext instead of refusing to start, so a fresh deployment can run
// before an operator has provisioned a key.
func buildKeyManager(cfg *config.Config) *crypto.KeyManager {
	if cfg.EncryptionKey == "" {
		log.Printf("⚠️ ENCRYPTION_KEY not set, account secrets treated as plaintext")
		return nil
	}
	if os.Getenv("MASTER_ENCRYPTION_KEY") == "" {
		os.Setenv("MASTER_ENCRYPTION_KEY", cfg.EncryptionKey)
	}
	km, err := crypto.NewKeyManager()
	if err != nil {
		log.Printf("⚠️ key manager init failed, falling back to plaintext secrets: %v", err)
		return nil
	}
	return km
}
