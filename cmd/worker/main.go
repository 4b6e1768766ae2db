package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"

	"github.com/kazibase/import-engine/internal/config"
	"github.com/kazibase/import-engine/internal/importengine/coordinator"
	"github.com/kazibase/import-engine/internal/importengine/lock"
	"github.com/kazibase/import-engine/internal/importengine/progress"
	"github.com/kazibase/import-engine/internal/pkg/distlock"
	"github.com/kazibase/import-engine/internal/pkg/logger"
	"github.com/kazibase/import-engine/internal/repository/postgres"
	"github.com/kazibase/import-engine/internal/repository/rediscache"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	jobID := flag.String("job", "", "import job id to start or resume")
	flag.Parse()

	if *jobID == "" {
		log.Fatal("-job is required")
	}

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log.Println("Starting employee import worker...")

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("ping database: %v", err)
	}
	log.Println("Connected to database")

	var redisClient *redis.Client
	var cache progress.SnapshotCache
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Fatalf("ping redis: %v", err)
		}
		cache = rediscache.NewProgressCache(redisClient)
		log.Println("Connected to Redis")
	} else {
		log.Println("Redis not configured, falling back to PostgreSQL advisory locks and uncached progress")
	}

	jobs := postgres.NewJobRepo(db)
	employees := postgres.NewEmployeeRepo(db)
	ledger := postgres.NewProcessedRecordRepo(db)
	errorRepo := postgres.NewImportErrorRepo(db)
	resumeLog := postgres.NewResumptionLogRepo(db)

	lockFactory := func(jobID string) distlock.DistLock {
		lockKey, _ := lock.KeyLayout(jobID)
		return distlock.NewLock(redisClient, db, lockKey, cfg.Lock.MinTTL)
	}

	coord := coordinator.New(jobs, employees, ledger, errorRepo, resumeLog, cache, db, lockFactory, coordinator.Config{
		StorageRoot:               cfg.Storage.Root,
		InitialChunkSize:          cfg.Import.DefaultChunkSize,
		MinChunkSize:              cfg.Import.MinChunkSize,
		MaxChunkSize:              cfg.Import.MaxChunkSize,
		MemoryLimitBytes:          cfg.Import.MemoryLimitBytes,
		ValidatorCacheTTL:         cfg.Validator.CacheTTL,
		UpdateExistingOnDuplicate: cfg.Import.UpdateExistingOnDuplicate,
		ProgressCacheTTL:          cfg.Import.ProgressCacheTTL,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- coord.StartOrResume(ctx, *jobID)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-done:
		if err != nil {
			logger.Error("import job failed", "job_id", *jobID, "error", err.Error())
			os.Exit(1)
		}
		logger.Info("import job finished", "job_id", *jobID)
	case <-quit:
		log.Println("Shutdown signal received, cancelling in-flight chunk and waiting for it to stop at the next boundary...")
		cancel()
		if err := <-done; err != nil {
			logger.Error("import job stopped after shutdown signal", "job_id", *jobID, "error", err.Error())
		}
	}

	log.Println("Worker stopped")
}
