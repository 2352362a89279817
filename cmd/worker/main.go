package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/learnverse/backend/internal/config"
	"github.com/learnverse/backend/internal/db"
	"github.com/learnverse/backend/internal/repositories"
	"github.com/learnverse/backend/internal/services"
	"go.uber.org/zap"
)

// challengeRetention — сколько держать использованные и просроченные challenge.
const challengeRetention = 24 * time.Hour

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, 4, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repos
	challengeRepo := repositories.NewChallengeRepo(pool)
	rewardRepo := repositories.NewRewardRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Services
	rewardService, err := services.NewRewardService(rewardRepo, auditRepo, nil, cfg, log)
	if err != nil {
		log.Fatal("failed to init reward service", zap.Error(err))
	}

	log.Info("worker started")

	challengeTicker := time.NewTicker(10 * time.Minute)
	rewardTicker := time.NewTicker(30 * time.Minute)
	defer challengeTicker.Stop()
	defer rewardTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-challengeTicker.C:
			runChallengePurge(ctx, challengeRepo, log)
		case <-rewardTicker.C:
			runRewardExpiry(ctx, rewardService, log)
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

func runChallengePurge(ctx context.Context, repo *repositories.ChallengeRepo, log *zap.Logger) {
	n, err := repo.PurgeStale(ctx, challengeRetention)
	if err != nil {
		log.Error("failed to purge challenges", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("stale challenges purged", zap.Int64("count", n))
	}
}

func runRewardExpiry(ctx context.Context, svc *services.RewardService, log *zap.Logger) {
	n, err := svc.ExpireStale(ctx)
	if err != nil {
		log.Error("failed to expire reward authorizations", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("reward authorizations expired", zap.Int64("count", n))
	}
}
