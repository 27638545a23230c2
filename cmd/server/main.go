package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"retailpos/internal/alert"
	"retailpos/internal/config"
	"retailpos/internal/httpapi"
	"retailpos/internal/ledger"
	"retailpos/internal/sales"
	"retailpos/internal/store"
	"retailpos/internal/store/memory"
	"retailpos/internal/store/postgres"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("[server] %v", err)
	}
	secret := cfg.AuthSecret
	if secret == "" {
		secret = randomSecret()
		log.Printf("[server] WARN: AUTH_SECRET not set, using an ephemeral secret; tokens will not survive a restart")
	}

	var repo store.Repository
	var closers []func() error

	if cfg.DatabaseURL != "" {
		pg, err := postgres.New(ctx, cfg.DatabaseURL, time.Duration(cfg.LockTimeoutSeconds)*time.Second)
		if err != nil {
			log.Fatalf("[server] postgres: %v", err)
		}
		closers = append(closers, pg.Close)
		repo = pg
		log.Printf("[server] using postgres store")
	} else {
		repo = memory.NewSeeded()
		log.Printf("[server] WARN: DATABASE_URL not set, using in-memory store with demo data")
	}

	var notifier alert.Notifier = alert.Noop{}
	if cfg.RedisAddr != "" {
		rn, err := alert.NewRedisNotifier(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.AlertChannel)
		if err != nil {
			log.Printf("[server] WARN: redis unavailable, stock alerts disabled: %v", err)
		} else {
			notifier = rn
			closers = append(closers, rn.Close)
			log.Printf("[server] publishing stock alerts to %s on %q", cfg.RedisAddr, cfg.AlertChannel)
		}
	}

	auth := httpapi.NewAuthManager(repo, secret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute)
	api := httpapi.NewServer(repo, ledger.New(repo), sales.New(repo, notifier), auth, cfg.AllowedOrigin, secret)

	srv := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[server] listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[server] listen: %v", err)
		}
	case <-ctx.Done():
		log.Printf("[server] shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[server] WARN: shutdown: %v", err)
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("[server] WARN: close: %v", err)
		}
	}
}

// validateSecurityConfig refuses a configured-but-weak auth secret. An
// empty secret is allowed and replaced with an ephemeral one, which only
// suits local development.
func validateSecurityConfig(cfg config.Config) error {
	if cfg.AuthSecret != "" && len(cfg.AuthSecret) < 32 {
		return errors.New("AUTH_SECRET must be at least 32 characters")
	}
	return nil
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		log.Fatalf("[server] random secret: %v", err)
	}
	return hex.EncodeToString(buf)
}
