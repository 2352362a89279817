package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/learnverse/backend/internal/config"
	"github.com/learnverse/backend/internal/db"
	"github.com/learnverse/backend/internal/events"
	"github.com/learnverse/backend/internal/indexer"
	"github.com/learnverse/backend/internal/ledger"
	"github.com/learnverse/backend/internal/repositories"
	"github.com/learnverse/backend/internal/services"
	"go.uber.org/zap"
)

const (
	redisCursor    = "ledger-indexer:cursor"
	redisProcessed = "ledger-indexer:log:"
	processedTTL   = 7 * 24 * time.Hour
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !common.IsHexAddress(cfg.LedgerContractAddress) {
		log.Fatal("LEDGER_CONTRACT_ADDRESS is required", zap.String("addr", cfg.LedgerContractAddress))
	}
	contract, err := ledger.NewContract(common.HexToAddress(cfg.LedgerContractAddress))
	if err != nil {
		log.Fatal("failed to load ledger abi", zap.Error(err))
	}

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

	client, err := ethclient.DialContext(ctx, cfg.EthRPCURL)
	if err != nil {
		log.Fatal("failed to connect to rpc", zap.String("url", cfg.EthRPCURL), zap.Error(err))
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		log.Fatal("failed to read chain id", zap.Error(err))
	}
	if chainID.Int64() != cfg.LedgerChainID {
		log.Fatal("rpc chain does not match LEDGER_CHAIN_ID",
			zap.Int64("rpc", chainID.Int64()),
			zap.Int64("configured", cfg.LedgerChainID),
		)
	}

	rewardRepo := repositories.NewRewardRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)
	publisher := events.NewRedisPublisher(rdb, log)

	rewardService, err := services.NewRewardService(rewardRepo, auditRepo, publisher, cfg, log)
	if err != nil {
		log.Fatal("failed to init reward service", zap.Error(err))
	}

	ix := indexer.New(
		client,
		contract,
		db.NewBlockCursor(rdb, redisCursor),
		db.NewProcessedSet(rdb, redisProcessed, processedTTL),
		indexer.NewSink(rewardService, auditRepo, publisher, log),
		indexer.Options{
			StartBlock:    cfg.IndexerStartBlock,
			BatchSize:     cfg.IndexerBatchSize,
			Confirmations: cfg.IndexerConfirmations,
		},
		log,
	)

	log.Info("ledger indexer started",
		zap.String("contract", contract.Address.Hex()),
		zap.Int64("chain_id", cfg.LedgerChainID),
		zap.Uint64("start_block", cfg.IndexerStartBlock),
	)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down ledger indexer")
		cancel()
	}()

	ix.Run(ctx, cfg.IndexerPollInterval)
}
