// main wires the gateway: configuration, upstream clients, shared stores,
// and the HTTP surface. Business logic lives in the internal packages.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"gatekeeper/internal/federation"
	"gatekeeper/internal/idm"
	"gatekeeper/internal/oidc"
	"gatekeeper/internal/platform/config"
	"gatekeeper/internal/platform/httpserver"
	"gatekeeper/internal/platform/logger"
	platformredis "gatekeeper/internal/platform/redis"
	"gatekeeper/internal/throttle"
	"gatekeeper/internal/token"
	httptransport "gatekeeper/internal/transport/http"
	"gatekeeper/pkg/platform/audit"
	"gatekeeper/pkg/platform/audit/publisher"
	auditkafka "gatekeeper/pkg/platform/audit/store/kafka"
	auditmemory "gatekeeper/pkg/platform/audit/store/memory"
	auditpostgres "gatekeeper/pkg/platform/audit/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level)

	rdb, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	if rdb == nil {
		log.Error("redis is required for throttling and federated login state")
		os.Exit(1)
	}
	defer rdb.Close()

	upstream := oidc.New(cfg.Upstream,
		oidc.WithLogger(log),
		oidc.WithKeyTTL(cfg.Verifier.JWKSTTL),
	)

	verifierOpts := []token.Option{token.WithLeeway(cfg.Verifier.Leeway)}
	if !cfg.Verifier.CheckAudience {
		verifierOpts = append(verifierOpts, token.WithoutAudienceCheck())
	}
	verifier := token.NewVerifier(upstream, cfg.Upstream.ClientID, verifierOpts...)

	admin := idm.New(cfg.Upstream, upstream, idm.WithLogger(log))

	auditStore, closeAudit, err := buildAuditStore(cfg.Audit)
	if err != nil {
		log.Error("audit store init failed", "error", err)
		os.Exit(1)
	}
	defer closeAudit()

	auditPub := publisher.NewPublisher(auditStore,
		publisher.WithAsyncBuffer(1024),
		publisher.WithLogger(log),
	)
	defer auditPub.Close()

	broker := federation.New(cfg.Federation,
		federation.NewRedisStateStore(rdb.Client),
		admin,
		upstream,
		federation.WithLogger(log),
		federation.WithAuditEmitter(auditPub),
	)

	router := httptransport.NewRouter(httptransport.Deps{
		Tokens:     upstream,
		Admin:      admin,
		Federation: broker,
		Verifier:   verifier,
		Throttle:   throttle.New(rdb.Client, int64(cfg.Throttle.Limit), throttle.WithLogger(log)),
		Audit:      auditPub,
		Health: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
			defer cancel()
			return rdb.Health(ctx)
		},
		Logger: log,
	})

	srv := httpserver.New(cfg.Server.Addr, router)

	go func() {
		log.Info("gateway listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}

// buildAuditStore picks the configured sink: kafka when brokers are set,
// postgres when a DSN is set, in-memory otherwise.
func buildAuditStore(cfg config.AuditConfig) (audit.Store, func(), error) {
	switch {
	case len(cfg.Brokers) > 0:
		store, err := auditkafka.New(cfg.Brokers, cfg.Topic)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case cfg.PostgresDSN != "":
		store, err := auditpostgres.New(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return auditmemory.New(), func() {}, nil
	}
}
