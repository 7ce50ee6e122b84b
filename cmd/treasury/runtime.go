package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/audit"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/config"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/engine"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/identity"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/ledger"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/observability"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/spending"
)

const tokenTTL = time.Hour

// runtime is an engine wired to the backends selected by configuration.
type runtime struct {
	engine  *engine.Engine
	clock   *engine.FixedClock
	issuer  *identity.TokenIssuer
	logger  *slog.Logger
	closers []func() error
}

type runtimeOptions struct {
	auditPath string
	stdout    io.Writer
}

func newRuntime(ctx context.Context, cfg *config.Config, clock *engine.FixedClock, logger *slog.Logger, opts runtimeOptions) (_ *runtime, err error) {
	rt := &runtime{clock: clock, logger: logger}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	store, err := rt.spendingStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	db, err := ledger.OpenSQLite(cfg.JournalPath)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, db.Close)
	journal, err := ledger.NewSQLJournal(db)
	if err != nil {
		return nil, err
	}
	journal.WithClock(clock.Now)

	e, err := engine.New(engine.Options{
		Store:  store,
		Ledger: ledger.NewBreaker(journal, ledger.DefaultBreakerSettings(), logger),
		Clock:  clock,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	rt.engine = e

	if cfg.OTLPEndpoint != "" {
		oc := observability.DefaultConfig()
		oc.Enabled = true
		oc.Insecure = true
		oc.OTLPEndpoint = cfg.OTLPEndpoint
		telemetry, err := observability.New(ctx, oc)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() error {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return telemetry.Shutdown(sctx)
		})
		e.SetTelemetry(telemetry)
	}

	switch opts.auditPath {
	case "":
	case "-":
		e.SetAuditLogger(audit.NewLoggerWithWriter(opts.stdout))
	default:
		f, err := os.OpenFile(opts.auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		rt.closers = append(rt.closers, f.Close)
		e.SetAuditLogger(audit.NewLoggerWithWriter(f))
	}

	if cfg.TokenSecret != "" {
		issuer, err := identity.NewTokenIssuer([]byte(cfg.TokenSecret))
		if err != nil {
			return nil, err
		}
		rt.issuer = issuer.WithClock(clock.Now)
		e.SetAuthority(identity.NewTokenAuthority(rt.issuer))
	}
	return rt, nil
}

func (rt *runtime) spendingStore(ctx context.Context, cfg *config.Config) (spending.Store, error) {
	switch {
	case cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		rt.closers = append(rt.closers, db.Close)
		store := spending.NewPostgresStore(db)
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		rt.logger.Info("spending store", "backend", "postgres")
		return store, nil
	case cfg.RedisAddr != "":
		store := spending.NewRedisStoreAddr(cfg.RedisAddr, "", 0)
		rt.closers = append(rt.closers, store.Close)
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		rt.logger.Info("spending store", "backend", "redis", "addr", cfg.RedisAddr)
		return store, nil
	}
	return spending.NewMemoryStore(), nil
}

// as returns a context acting for owner. With token auth enabled a fresh
// token is issued at the current simulated time.
func (rt *runtime) as(ctx context.Context, owner, treasuryID string) (context.Context, error) {
	if rt.issuer == nil || owner == "" {
		return ctx, nil
	}
	token, err := rt.issuer.Issue(owner, tokenTTL, treasuryID)
	if err != nil {
		return nil, err
	}
	return identity.WithToken(ctx, token), nil
}

func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}
