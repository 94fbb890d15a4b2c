package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"movara.org/internal/access"
	"movara.org/internal/approval"
	"movara.org/internal/audit"
	"movara.org/internal/grant"
	"movara.org/internal/httpapi"
	"movara.org/internal/mfa"
	"movara.org/internal/obs"
	"movara.org/internal/risk"
	"movara.org/internal/session"
	"movara.org/internal/store"
	"movara.org/internal/store/pg"
)

var version = "0.3.0"

const sweepInterval = time.Minute

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("MOVARA_COMMIT"))

	// Storage: Postgres when a DSN is configured, in-memory otherwise
	// (local runs and smoke tests).
	var gateway store.Gateway
	if dsn := os.Getenv("MOVARA_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		gateway = pgStore
	} else {
		log.Println("MOVARA_PG_DSN not set, using in-memory storage")
		gateway = store.NewMemory()
	}

	sink, err := audit.NewSink(gateway.Audit())
	if err != nil {
		log.Fatalf("audit sink: %v", err)
	}
	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	go sink.Run(sinkCtx)

	catalog := access.NewCatalog(access.DefaultRoles)
	policies := access.DefaultPolicies

	// Role assignments are the authentication source of truth; without
	// at least one seeded assignment nobody can log in. Format:
	// "user-1:security_admin,user-2:ops_admin".
	for _, pair := range strings.Split(os.Getenv("MOVARA_BOOTSTRAP_ASSIGNMENTS"), ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		userID, role, ok := strings.Cut(pair, ":")
		if !ok {
			log.Fatalf("MOVARA_BOOTSTRAP_ASSIGNMENTS: malformed entry %q", pair)
		}
		if err := catalog.Assign(strings.TrimSpace(userID), strings.TrimSpace(role)); err != nil {
			log.Fatalf("bootstrap assignment %q: %v", pair, err)
		}
	}

	validator, err := session.NewValidator(gateway.Sessions(), sink)
	if err != nil {
		log.Fatalf("session validator: %v", err)
	}

	var scorerOpts []risk.ScorerOption
	if raw := os.Getenv("MOVARA_RISK_CEILING"); raw != "" {
		ceiling, err := strconv.Atoi(raw)
		if err != nil {
			log.Fatalf("MOVARA_RISK_CEILING: %v", err)
		}
		scorerOpts = append(scorerOpts, risk.WithCeiling(ceiling))
	}
	scorer := risk.NewScorer(scorerOpts...)

	challenges, err := mfa.NewManager(gateway.Challenges(), sink)
	if err != nil {
		log.Fatalf("mfa manager: %v", err)
	}

	grants, err := grant.NewIssuer(gateway.Grants())
	if err != nil {
		log.Fatalf("grant issuer: %v", err)
	}

	engine, err := approval.NewEngine(gateway.Approvals(), grants, sink,
		approval.WithWorkflows(access.Workflows(policies)),
		approval.WithApplier(access.NewCatalogApplier(catalog)),
	)
	if err != nil {
		log.Fatalf("approval engine: %v", err)
	}

	evaluator, err := access.NewEvaluator(catalog, scorer, validator, challenges, engine, grants, sink,
		access.WithPolicies(policies),
	)
	if err != nil {
		log.Fatalf("evaluator: %v", err)
	}

	// Expired pending requests are also settled lazily on read; the
	// sweeper just keeps the backlog bounded.
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if n, err := engine.SweepExpired(sweepCtx); err != nil {
					log.Printf("sweep expired: %v", err)
				} else if n > 0 {
					log.Printf("swept %d expired approval requests", n)
				}
			}
		}
	}()

	api := httpapi.New(catalog, evaluator, engine, challenges, grants, gateway.Sessions(), sink,
		httpapi.ReadyProbe{Check: gateway.Ping}, version)

	addr := os.Getenv("MOVARA_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting movara-access %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	sweepCancel()
	sinkCancel()
	sink.Close()
	if err := gateway.Close(); err != nil {
		log.Printf("storage close: %v", err)
	}
	log.Println("Stopped")
}
