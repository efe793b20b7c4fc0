package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/crm-sync/internal/api"
	"github.com/ignite/crm-sync/internal/archive"
	"github.com/ignite/crm-sync/internal/config"
	"github.com/ignite/crm-sync/internal/crm"
	"github.com/ignite/crm-sync/internal/orchestrator"
	"github.com/ignite/crm-sync/internal/pkg/logger"
	"github.com/ignite/crm-sync/internal/progress"
	"github.com/ignite/crm-sync/internal/ratelimit"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func logLevel(name string) logger.Level {
	switch strings.ToLower(name) {
	case "debug":
		return logger.DEBUG
	case "warn":
		return logger.WARN
	case "error":
		return logger.ERROR
	default:
		return logger.INFO
	}
}

func main() {
	configPath := "config/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		configPath = v
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger.SetLevel(logLevel(cfg.Logging.Level))
	if cfg.Logging.RedactPII != nil {
		logger.SetRedactPII(*cfg.Logging.RedactPII)
	}

	if err := checkPortAvailable(cfg.Server.Host, cfg.Server.Port); err != nil {
		log.Fatalf("Pre-flight check failed: %v", err)
	}

	// Postgres: durable job records.
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancelPing()
		log.Fatalf("Database unreachable at %s: %v", extractHost(cfg.Database.URL), err)
	}
	cancelPing()
	log.Printf("[server] connected to Postgres at %s", extractHost(cfg.Database.URL))

	// Redis: rate limiting, live snapshots, account locks.
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Invalid REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	pingCtx, cancelPing = context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Fatalf("Redis unreachable: %v", err)
	}
	cancelPing()
	log.Printf("[server] connected to Redis")

	// Optional S3 archival of terminal job records.
	var archiver orchestrator.Archiver
	if cfg.Archive.Enabled {
		s3a, err := archive.NewS3Archiver(context.Background(), archive.Config{
			Bucket:    cfg.Archive.S3Bucket,
			Region:    cfg.Archive.S3Region,
			Prefix:    cfg.Archive.Prefix,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
		})
		if err != nil {
			log.Printf("[server] archive disabled: %v", err)
		} else {
			archiver = s3a
		}
	}

	upserter := crm.WithCallTimeout(crm.NewClient(cfg.CRM), cfg.CRM.Timeout())
	limiter := ratelimit.New(rdb, cfg.RateLimit.DailyLimit)
	hub := progress.NewHub()
	store := orchestrator.NewJobStore(db, rdb, cfg.Sync.SnapshotTTL())

	orch := orchestrator.New(store, hub, limiter, upserter, rdb, archiver, orchestrator.Options{
		Workers:       cfg.Sync.Workers,
		MaxBatchSize:  cfg.Sync.MaxBatchSize,
		EmitThreshold: cfg.Sync.EmitThreshold,
		EmitInterval:  cfg.Sync.EmitInterval(),
	})

	handlers := api.NewHandlers(orch, hub, db, rdb)
	server := api.NewServer(cfg.Server, handlers)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("Server error: %v", err)
	case sig := <-stop:
		log.Printf("[server] received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[server] shutdown error: %v", err)
	}
	log.Printf("[server] stopped")
}
