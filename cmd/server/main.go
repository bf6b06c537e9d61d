// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"withdrawal-service/internal/chains/ethereum"
	"withdrawal-service/internal/config"
	"withdrawal-service/internal/events"
	"withdrawal-service/internal/handler"
	"withdrawal-service/internal/metrics"
	"withdrawal-service/internal/repository"
	"withdrawal-service/internal/router"
	"withdrawal-service/internal/server"
	"withdrawal-service/internal/usecase"
	"withdrawal-service/internal/worker"
	"withdrawal-service/pkg/cache"
	"withdrawal-service/pkg/logger"
	"withdrawal-service/pkg/utils"
)

func main() {
	// Load .env
	_ = godotenv.Load()

	bootLogger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	cfg, err := config.Load(bootLogger)
	if err != nil {
		bootLogger.Fatal("failed to load configuration", zap.Error(err))
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		bootLogger.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer log.Sync()

	log.Info("starting withdrawal service",
		zap.String("network", cfg.Ethereum.Network),
		zap.Uint64("chain_id", cfg.Ethereum.ChainID),
		zap.String("mode", cfg.Settlement.Mode),
		zap.String("storage", cfg.StorageDriver),
		zap.String("events", cfg.EventsBackend))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.Default()

	// ============================================
	// CHAIN
	// ============================================
	readGateway, broadcastGateway := mustGateways(ctx, cfg, m, log)
	defer readGateway.Close()
	defer broadcastGateway.Close()

	chainID, err := readGateway.ChainID(ctx)
	if err != nil {
		log.Fatal("failed to read chain id", zap.Error(err))
	}
	if chainID.Uint64() != cfg.Ethereum.ChainID {
		log.Fatal("rpc endpoints serve a different chain",
			zap.Uint64("configured", cfg.Ethereum.ChainID),
			zap.String("reported", chainID.String()))
	}

	signer := mustSigner(cfg, chainID, log)

	var hotWallet common.Address
	var builder usecase.TransferBuilder
	if signer != nil {
		hotWallet = signer.Address()
		builder = ethereum.NewBuilder(readGateway, signer, ethereum.BuilderConfig{
			MaxGasPrice:      utils.GweiToWei(cfg.Ethereum.MaxGasPriceGwei),
			GasLimitCeiling:  cfg.Ethereum.GasLimitCeiling,
			GasMarginPercent: cfg.Ethereum.GasMarginPercent,
			PayoutRate:       cfg.Settlement.PayoutRate,
			PayoutDecimals:   cfg.Settlement.PayoutDecimals,
		}, log)
		log.Info("hot wallet loaded", zap.String("address", hotWallet.Hex()))
	}
	nonces := ethereum.NewNonceAllocator(cfg.Ethereum.ChainID, readGateway, nil, log)

	// ============================================
	// STORAGE
	// ============================================
	var store repository.Store
	switch cfg.StorageDriver {
	case config.StoragePostgres:
		pool := mustPostgres(ctx, cfg, log)
		defer pool.Close()
		store = repository.NewPostgresStore(pool, log)
	default:
		log.Warn("using in-memory storage; withdrawals do not survive a restart")
		store = repository.NewMemoryStore(log)
	}

	// ============================================
	// CACHE + EVENTS
	// ============================================
	var redisCache *cache.Cache
	if len(cfg.Redis.Addrs) > 0 {
		redisCache = cache.NewCache(cfg.Redis.Addrs, cfg.Redis.Password, cfg.Redis.Cluster)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn("redis unreachable; submit throttling fails open", zap.Error(err))
		}
		defer redisCache.Close()
	}

	var counter usecase.SubmitCounter
	if redisCache != nil {
		counter = redisCache
	}

	publisher := newPublisher(cfg, redisCache, log)
	defer publisher.Close()

	// ============================================
	// USECASES
	// ============================================
	settlement := usecase.NewSettlementUsecase(
		store,
		readGateway,
		broadcastGateway,
		nonces,
		builder,
		publisher,
		usecase.SettlementConfig{
			Mode:             cfg.Settlement.Mode,
			ChainID:          cfg.Ethereum.ChainID,
			HotWallet:        hotWallet,
			BatchSize:        cfg.Settlement.BatchSize,
			RebroadcastAfter: cfg.Settlement.RebroadcastAfter,
			MinConfirmations: cfg.Ethereum.MinConfirmations,
			InlineTimeout:    cfg.Settlement.InlineTimeout,
			PublishTimeout:   cfg.Settlement.PublishTimeout,
		},
		log,
		usecase.WithSettlementMetrics(m),
	)

	var contracts usecase.ContractChecker
	if !cfg.Withdrawal.AllowContracts {
		contracts = readGateway
	}

	intake := usecase.NewWithdrawalUsecase(
		store,
		store,
		contracts,
		counter,
		settlement,
		publisher,
		m,
		usecase.WithdrawalConfig{
			Mode:               cfg.Settlement.Mode,
			MinAmount:          cfg.Withdrawal.MinAmount,
			MaxAmount:          cfg.Withdrawal.MaxAmount,
			AllowContracts:     cfg.Withdrawal.AllowContracts,
			HotWallet:          hotWallet,
			SubmitLimitPerHour: cfg.Withdrawal.SubmitLimitPerHour,
		},
		log,
	)

	reconciler := worker.NewReconciler(settlement, cfg.Settlement.ReconcileInterval, m, log)
	if cfg.Settlement.Mode == config.ModeAutomatic {
		go reconciler.Start(ctx)
	}

	// ============================================
	// SERVERS
	// ============================================
	r := router.SetupRoutes(
		handler.NewWithdrawalHandler(intake, log),
		handler.NewSettlementHandler(settlement, reconciler, log),
		cfg.AdminToken,
		prometheus.DefaultGatherer,
		log,
	)
	if cfg.AdminToken == "" {
		log.Warn("ADMIN_TOKEN is empty; admin routes are disabled")
	}

	httpServer := server.NewHTTPServer(cfg.HTTPAddr, r, log)
	go func() {
		if err := httpServer.Start(); err != nil {
			log.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, settlement, log)
	go func() {
		if err := grpcServer.Start(5 * time.Second); err != nil {
			log.Error("grpc server failed", zap.Error(err))
			stop()
		}
	}()

	log.Info("withdrawal service started",
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("grpc_addr", cfg.GRPCAddr))

	<-ctx.Done()
	log.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server forced to shutdown", zap.Error(err))
	}
	grpcServer.Stop()

	// Stop scheduling new work, then drain what is in flight.
	reconciler.Stop()
	settlement.Wait()

	log.Info("withdrawal service stopped")
}

func mustGateways(ctx context.Context, cfg *config.Config, m *metrics.Settlement, log *zap.Logger) (*ethereum.Gateway, *ethereum.Gateway) {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	readEndpoints, err := ethereum.DialEndpoints(dialCtx, cfg.Ethereum.ReadEndpoints, log)
	if err != nil {
		log.Fatal("failed to dial read endpoints", zap.Error(err))
	}
	broadcastEndpoints, err := ethereum.DialEndpoints(dialCtx, cfg.Ethereum.BroadcastEndpoints, log)
	if err != nil {
		log.Fatal("failed to dial broadcast endpoints", zap.Error(err))
	}

	readGateway, err := ethereum.NewGateway(ethereum.RoleRead, readEndpoints, cfg.Ethereum.CallTimeout, log, m)
	if err != nil {
		log.Fatal("failed to create read gateway", zap.Error(err))
	}
	broadcastGateway, err := ethereum.NewGateway(ethereum.RoleBroadcast, broadcastEndpoints, cfg.Ethereum.CallTimeout, log, m)
	if err != nil {
		log.Fatal("failed to create broadcast gateway", zap.Error(err))
	}

	log.Info("rpc gateways ready",
		zap.Strings("read", readGateway.URLs()),
		zap.Strings("broadcast", broadcastGateway.URLs()))
	return readGateway, broadcastGateway
}

// mustSigner loads the hot wallet key. Manual mode runs without one; automatic
// mode over in-memory storage gets a throwaway key for local chains.
func mustSigner(cfg *config.Config, chainID *big.Int, log *zap.Logger) *ethereum.Signer {
	if cfg.Ethereum.HotWalletKey == "" {
		if cfg.Settlement.Mode == config.ModeManual {
			log.Info("no hot wallet key configured; settlement is manual only")
			return nil
		}
		key, err := crypto.GenerateKey()
		if err != nil {
			log.Fatal("failed to generate hot wallet key", zap.Error(err))
		}
		log.Warn("HOT_WALLET_PRIVATE_KEY not set; using an ephemeral key")
		return ethereum.NewSignerFromKey(key, chainID)
	}
	signer, err := ethereum.NewSigner(cfg.Ethereum.HotWalletKey, chainID)
	if err != nil {
		log.Fatal("failed to load hot wallet key", zap.Error(err))
	}
	return signer
}

func mustPostgres(ctx context.Context, cfg *config.Config, log *zap.Logger) *pgxpool.Pool {
	pool, err := config.ConnectDB(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := repository.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		log.Fatal("failed to apply schema", zap.Error(err))
	}
	log.Info("connected to database", zap.String("database", cfg.Database.Name))
	return pool
}

func newPublisher(cfg *config.Config, redisCache *cache.Cache, log *zap.Logger) events.Publisher {
	switch cfg.EventsBackend {
	case config.EventsRedis:
		if redisCache == nil {
			log.Fatal("EVENTS_BACKEND=redis needs REDIS_ADDRS")
		}
		return events.NewRedisPublisher(redisCache.Client(), log)
	case config.EventsKafka:
		writer := events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		return events.NewKafkaPublisher(writer, log)
	default:
		return events.NoopPublisher{}
	}
}
