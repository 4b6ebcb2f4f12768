package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"kasseledger/backend/internal/breaker"
	"kasseledger/backend/internal/cache"
	"kasseledger/backend/internal/config"
	"kasseledger/backend/internal/domain"
	"kasseledger/backend/internal/fiscal"
	"kasseledger/backend/internal/giftcard"
	"kasseledger/backend/internal/hardware"
	"kasseledger/backend/internal/httpapi"
	"kasseledger/backend/internal/metrics"
	"kasseledger/backend/internal/payment"
	"kasseledger/backend/internal/purchase"
	"kasseledger/backend/internal/receipt"
	"kasseledger/backend/internal/report"
	"kasseledger/backend/internal/session"
	"kasseledger/backend/internal/store"
	"kasseledger/backend/internal/store/memory"
	pgstore "kasseledger/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg)
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid security configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startCtx, startCancel := context.WithTimeout(ctx, 10*time.Second)
	defer startCancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(startCtx, cfg.DatabaseURL, cfg.LockTimeout())
		if err != nil {
			log.Fatal().Err(err).Msg("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		if err := pg.Migrate(startCtx); err != nil {
			log.Fatal().Err(err).Msg("schema migration failed")
		}
		if err := bootstrapTenant(startCtx, pg, cfg.StoreDefaults()); err != nil {
			log.Fatal().Err(err).Str("store_id", cfg.StoreID).Msg("failed to bootstrap default store")
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info().Msg("repository: postgres")
	} else {
		if cfg.IsProduction() {
			log.Fatal().Msg("DATABASE_URL is required in production")
		}
		repo = memory.NewSeeded(memory.WithLockTimeout(cfg.LockTimeout()))
		log.Info().Msg("repository: in-memory")
	}

	var (
		gate cache.EventGate = cache.NoopEventGate{}
		rdb  *redis.Client
	)
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisGate := cache.NewRedisEventGate(client)
		if err := redisGate.Ping(startCtx); err != nil {
			log.Warn().Err(err).Msg("redis unavailable, using store-only event dedupe and in-process hardware dispatch")
			_ = client.Close()
		} else {
			gate = redisGate
			rdb = client
			closers = append(closers, client.Close)
			log.Info().Msg("cache: redis")
		}
	}

	transport, err := hardwareTransport(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid printer configuration")
	}
	var dispatcher hardware.Dispatcher
	if rdb != nil {
		hardware.StartWorkerPool(ctx, rdb, transport, cfg.WorkerPoolSize)
		dispatcher = hardware.NewRedisDispatcher(rdb)
	} else {
		dispatcher = hardware.NewAsyncDispatcher(transport, 5*time.Second)
	}

	gateway, err := paymentGateway(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid payment gateway configuration")
	}

	defaults := cfg.StoreDefaults()
	fiscalLog := fiscal.NewLog(repo, gate, cfg.FiscalDedupeWindow())
	sessions := session.NewManager(repo, fiscalLog, dispatcher)
	book := giftcard.NewBook(fiscalLog, cfg.GiftCardValidity())
	router := payment.NewRouter(gateway, breaker.New(breaker.Config{Name: "payment-gateway"}), payment.Options{
		MaxAttempts: cfg.SettlementMaxAttempts,
		Backoff:     cfg.SettlementBackoff(),
		Timeout:     cfg.SettlementTimeout(),
		Redeemer:    book,
	})
	renderer := receipt.Guarded(receipt.ESCPOSRenderer{}, breaker.New(breaker.Config{Name: "receipt-renderer"}))
	orders := purchase.NewOrchestrator(repo, sessions, router, renderer, fiscalLog, dispatcher, defaults)

	services := httpapi.Services{
		Repo:      repo,
		Sessions:  sessions,
		Orders:    orders,
		GiftCards: giftcard.NewLedger(repo, book, orders),
		Reports:   report.NewAggregator(repo, sessions, fiscalLog, defaults),
		Fiscal:    fiscalLog,
	}
	if cfg.MetricsEnabled {
		metrics.Register()
		services.Metrics = promhttp.Handler()
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)
	api := httpapi.New(services, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	hostname, _ := os.Hostname()
	recordLifecycle(ctx, fiscalLog, cfg.StoreID, hostname, domain.FiscalAppStarted)

	go func() {
		log.Info().Str("addr", cfg.Address()).Msg("ledger backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	recordLifecycle(shutdownCtx, fiscalLog, cfg.StoreID, hostname, domain.FiscalAppShutdown)
	if async, ok := dispatcher.(*hardware.AsyncDispatcher); ok {
		async.Wait()
	}
	cancel()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error().Err(err).Msg("close error")
		}
	}

	log.Info().Msg("server stopped")
}

func setupLogger(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if !cfg.IsProduction() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func hardwareTransport(cfg config.Config) (hardware.Transport, error) {
	printers, err := cfg.Printers()
	if err != nil {
		return nil, err
	}
	if len(printers) == 0 {
		log.Info().Msg("no printers configured, hardware jobs are logged only")
		return hardware.LogTransport{}, nil
	}
	return hardware.NewNetworkTransport(printers, 3*time.Second), nil
}

// paymentGateway picks the settlement backend. The auto-confirming memory
// gateway is a dev convenience and is refused in production.
func paymentGateway(cfg config.Config) (payment.Gateway, error) {
	if cfg.PaymentGatewayURL != "" {
		return payment.NewHTTPGateway(cfg.PaymentGatewayURL), nil
	}
	if cfg.IsProduction() {
		return nil, errors.New("PAYMENT_GATEWAY_URL is required in production")
	}
	log.Warn().Msg("PAYMENT_GATEWAY_URL not set, electronic payments settle against the in-memory gateway")
	return payment.NewMemoryGateway(true), nil
}

// tenantWriter is the slice of the postgres store used to seed the default
// tenant on an empty database.
type tenantWriter interface {
	GetStoreProfile(ctx context.Context, storeID string) (*domain.StoreProfile, error)
	PutStoreProfile(ctx context.Context, p domain.StoreProfile) error
	PutPaymentMethod(ctx context.Context, m domain.PaymentMethod) error
}

// bootstrapTenant creates the default store with cash and card methods when
// it does not exist yet. Existing configuration is left untouched.
func bootstrapTenant(ctx context.Context, w tenantWriter, profile domain.StoreProfile) error {
	_, err := w.GetStoreProfile(ctx, profile.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if err := w.PutStoreProfile(ctx, profile); err != nil {
		return err
	}
	for _, m := range []domain.PaymentMethod{
		{ID: "cash", Name: "Kontant", Provider: domain.ProviderCash, Enabled: true},
		{ID: "card", Name: "Bankkort", Provider: domain.ProviderCard, Enabled: true},
		{ID: "gift-card", Name: "Gavekort", Provider: domain.ProviderGiftCard, Enabled: true},
	} {
		m.StoreID = profile.ID
		if err := w.PutPaymentMethod(ctx, m); err != nil {
			return err
		}
	}
	log.Info().Str("store_id", profile.ID).Msg("bootstrapped default store")
	return nil
}

func recordLifecycle(ctx context.Context, l *fiscal.Log, storeID, deviceID string, code domain.FiscalCode) {
	if _, _, err := l.RecordStandalone(ctx, fiscal.Entry{StoreID: storeID, DeviceID: deviceID, Code: code}); err != nil {
		log.Warn().Err(err).Str("code", string(code)).Msg("lifecycle event not recorded")
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true, "696969": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
