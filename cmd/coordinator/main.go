package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/troop/coordinator/internal/app/httpapi/coordinator"
	"github.com/troop/coordinator/internal/app/metrics"
	"github.com/troop/coordinator/internal/app/services/audit"
	"github.com/troop/coordinator/internal/app/services/credit"
	"github.com/troop/coordinator/internal/app/services/fleet"
	"github.com/troop/coordinator/internal/app/services/placement"
	"github.com/troop/coordinator/internal/app/services/poh"
	"github.com/troop/coordinator/internal/app/services/ratelimit"
	"github.com/troop/coordinator/internal/app/services/ticket"
	"github.com/troop/coordinator/internal/app/storage"
	"github.com/troop/coordinator/internal/app/storage/postgres"
	"github.com/troop/coordinator/internal/app/system"
	"github.com/troop/coordinator/internal/config"
	"github.com/troop/coordinator/internal/platform/database"
	"github.com/troop/coordinator/internal/platform/ephemeral"
	"github.com/troop/coordinator/internal/platform/keys"
	"github.com/troop/coordinator/internal/platform/migrations"
	"github.com/troop/coordinator/pkg/logger"
)

func main() {
	cfg, err := config.LoadCoordinatorConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLog := logger.New(cfg.Logging)

	keyMgr, err := keys.Load(cfg.Security.KeyDir)
	if err != nil {
		appLog.Fatalf("load signing key: %v", err)
	}

	rootCtx := context.Background()

	db, err := database.Open(rootCtx, cfg.Database.URL)
	if err != nil {
		appLog.Fatalf("connect to postgres: %v", err)
	}
	defer db.Close()

	if err := migrations.Apply(db, migrations.DefaultDir); err != nil {
		appLog.Fatalf("apply migrations: %v", err)
	}

	var store storage.LedgerStore = postgres.New(db)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Host})
	if err := rdb.Ping(rootCtx).Err(); err != nil {
		appLog.Fatalf("connect to redis: %v", err)
	}
	defer rdb.Close()
	ephemeralStore := ephemeral.New(rdb)

	creditSvc, err := credit.New(store, cfg.Security.ReceiptSecret)
	if err != nil {
		appLog.Fatalf("initialise credit service: %v", err)
	}
	creditSvc.WithObservationHooks(metrics.CoordinatorSettlementHooks())

	fleetSvc := fleet.New(ephemeralStore)
	poHSvc := poh.New(ephemeralStore, store)
	poHSvc.WithObservationHooks(metrics.CoordinatorBenchmarkHooks())
	placementSvc := placement.New(fleetSvc)
	ticketSvc := ticket.New(keyMgr.PrivateKey(), &keyMgr.PrivateKey().PublicKey)
	rateLimitSvc := ratelimit.New(ephemeralStore)

	auditPath := os.Getenv("AUDIT_LOG_PATH")
	if auditPath == "" {
		auditPath = "logs/audit.log"
	}
	auditSink, err := audit.New(auditPath, store, appLog)
	if err != nil {
		appLog.Fatalf("initialise audit sink: %v", err)
	}
	defer auditSink.Close()

	descriptors := system.CollectDescriptors([]system.DescriptorProvider{
		system.StaticDescriptor(coordinator.ServiceDescriptor()),
	})

	handler := coordinator.New(coordinator.Deps{
		Keys:          keyMgr,
		Fleet:         fleetSvc,
		PoH:           poHSvc,
		Placement:     placementSvc,
		Credit:        creditSvc,
		Tickets:       ticketSvc,
		Audit:         auditSink,
		Store:         store,
		AdminPassword: cfg.Security.AdminPassword,
		Descriptors:   descriptors,
		Log:           appLog,
	})

	httpService := coordinator.NewService(handler, rateLimitSvc, auditSink, cfg.CORS, cfg.Server.Addr, appLog)

	ctx := context.Background()
	if err := httpService.Start(ctx); err != nil {
		appLog.Fatalf("start http service: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpService.Stop(shutdownCtx); err != nil {
		appLog.Fatalf("shutdown: %v", err)
	}
}
