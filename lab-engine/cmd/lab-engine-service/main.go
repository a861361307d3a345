package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"github.com/labsphere/platform/lab-engine/internal/config"
	"github.com/labsphere/platform/lab-engine/internal/engine"
	"github.com/labsphere/platform/lab-engine/internal/events"
	"github.com/labsphere/platform/lab-engine/internal/httpserver"
	"github.com/labsphere/platform/lab-engine/internal/inventory"
	"github.com/labsphere/platform/lab-engine/internal/matching"
	"github.com/labsphere/platform/lab-engine/internal/metrics"
	"github.com/labsphere/platform/lab-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	ctx := context.Background()

	var (
		inv     inventory.Store
		records store.Store
	)
	switch cfg.Store {
	case config.StorePostgres:
		db, err := sql.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			log.Fatalf("ping db: %v", err)
		}
		pgInventory := inventory.NewPGStore(db)
		if err := pgInventory.EnsureSchema(ctx); err != nil {
			log.Fatalf("inventory schema: %v", err)
		}
		pgRecords := store.NewPGStore(db)
		if err := pgRecords.EnsureSchema(ctx); err != nil {
			log.Fatalf("record schema: %v", err)
		}
		inv, records = pgInventory, pgRecords
	default:
		var catalog inventory.Catalog
		if cfg.CatalogPath != "" {
			sqliteCatalog, err := inventory.NewSQLiteCatalog(cfg.CatalogPath)
			if err != nil {
				log.Fatalf("open catalog: %v", err)
			}
			defer sqliteCatalog.Close()
			catalog = sqliteCatalog
		}
		mem := inventory.NewMemoryStore(catalog)
		n, err := mem.LoadCatalog(ctx)
		if err != nil {
			log.Fatalf("load catalog: %v", err)
		}
		if n > 0 {
			log.Printf("restored %d labs from %s", n, cfg.CatalogPath)
		}
		inv, records = mem, store.NewMemoryStore()
	}

	if cfg.CatalogFile != "" {
		labs, err := inventory.ReadCatalogFile(cfg.CatalogFile)
		if err != nil {
			log.Fatalf("catalog file: %v", err)
		}
		if err := inventory.Seed(ctx, inv, labs); err != nil {
			log.Fatalf("seed catalog: %v", err)
		}
		log.Printf("seeded %d labs from %s", len(labs), cfg.CatalogFile)
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			log.Fatalf("kafka publisher: %v", err)
		}
		defer kp.Close()
		publisher = kp
	}
	var archiver events.Archiver = events.Nop{}
	if cfg.ArchiveBucket != "" {
		s3Archiver, err := events.NewS3Archiver(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			log.Fatalf("s3 archiver: %v", err)
		}
		archiver = s3Archiver
	}

	service := engine.New(engine.Deps{
		Inventory: inv,
		Records:   records,
		Publisher: publisher,
		Archiver:  archiver,
		Metrics:   metrics.New(),
		Matching: matching.Options{
			IncludeZeroMatches: cfg.IncludeZeroMatches,
			MinScore:           cfg.MinScore,
		},
	})
	server := httpserver.New(service)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Lab Engine listening on %s (store=%s)", cfg.Addr, cfg.Store)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("lab engine server error: %v", err)
		}
	}()

	waitForShutdown(httpServer)
}

func waitForShutdown(srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("lab engine graceful shutdown: %v", err)
	}
}
