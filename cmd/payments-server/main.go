package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agent-wallet-core/internal/handler"
	"agent-wallet-core/internal/model"
	"agent-wallet-core/internal/server"
	"agent-wallet-core/internal/service"
	"agent-wallet-core/internal/service/chain"
	"agent-wallet-core/internal/service/credits"
	"agent-wallet-core/internal/service/mq"
	"agent-wallet-core/internal/service/txqueue"
	"agent-wallet-core/pkg/cache"
	"agent-wallet-core/pkg/config"
	"agent-wallet-core/pkg/database"
	"agent-wallet-core/pkg/erc8128"
	"agent-wallet-core/pkg/kms"
	"agent-wallet-core/pkg/logger"
	"agent-wallet-core/pkg/utils/lock"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	// 0. Config
	config.Init()
	cfg := config.Global

	// 1. Logger
	logger.Init(cfg.App.Env)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Signing capability; the server still starts without one, but
	// submissions fail with WalletUnavailable
	var wallet kms.Wallet
	if w, err := kms.FromConfig(cfg.Wallet); err != nil {
		if !errors.Is(err, kms.ErrNoWallet) {
			logger.Fatal("wallet init failed", zap.Error(err))
		}
		logger.Warn("no wallet configured, running read-only", zap.Error(err))
	} else {
		wallet = w
		logger.Info("wallet loaded", zap.String("address", w.Address()), zap.String("custody", w.CustodyMode()))
	}

	// 3. Redis, when anything needs it. A shared postgres store implies
	// several instances, so the driver lease needs Redis too.
	var rdb *redis.Client
	if cfg.Redis.MQType == "redis" || cfg.Credits.SessionStore == "redis" || cfg.TxQueue.Store == "postgres" {
		client, err := database.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Redis connect failed", zap.Error(err))
		}
		rdb = client
		defer rdb.Close()
	}

	// 4. Credits session cache
	var sessions *credits.Client
	if wallet != nil {
		sessions = credits.NewClient(wallet, credits.Options{
			BaseURL: cfg.Credits.BaseURL,
			ChainID: cfg.Credits.ChainID,
			Timeout: cfg.Credits.RequestTimeout,
			TTL:     cfg.Credits.SignatureTTL,
			Store:   sessionStore(cfg.Credits, rdb),
		})
	}

	// 5. Queue store
	var store txqueue.Store = txqueue.NewMemoryStore()
	var db *gorm.DB
	if cfg.TxQueue.Store == "postgres" {
		var err error
		db, err = database.ConnectPostgres(cfg.DB.DSN(), cfg.App.Env == "development")
		if err != nil {
			logger.Fatal("PostgreSQL connect failed", zap.Error(err))
		}
		if cfg.App.Env == "development" {
			logger.Info("development: running GORM AutoMigrate")
			if err := db.AutoMigrate(model.AllModels()...); err != nil {
				logger.Fatal("AutoMigrate failed", zap.Error(err))
			}
		}
		store = txqueue.NewGormStore(db)
	}

	// 6. Chain client
	var chainClient txqueue.ChainClient
	if wallet != nil && cfg.Wallet.RpcUrl != "" {
		ec, err := chain.Dial(ctx, cfg.Wallet.RpcUrl, wallet, cfg.Wallet.ChainID, cfg.TxQueue.Confirmations)
		if err != nil {
			logger.Fatal("chain client init failed", zap.Error(err))
		}
		defer ec.Close()
		chainClient = ec
	}

	// 7. MQ
	producer, consumer := messaging(cfg, rdb)
	defer producer.Close()

	// 8. Transaction queue
	qcfg := txqueue.ConfigFrom(cfg.TxQueue)
	qcfg.ChainLabel = fmt.Sprint(cfg.Wallet.ChainID)
	queue := txqueue.New(store, chainClient, wallet, qcfg, txqueue.WithProducer(producer))
	if err := queue.Recover(ctx); err != nil {
		logger.Fatal("queue recovery failed", zap.Error(err))
	}

	var workers []server.Worker
	var locker lock.DistributedLock
	if rdb != nil {
		l, err := lock.NewRedisLock(rdb)
		if err != nil {
			logger.Fatal("lock init failed", zap.Error(err))
		}
		locker = l
	}
	if chainClient != nil {
		var opts []txqueue.DriverOption
		// a memory store is private to this process, so it always drives
		if locker != nil && cfg.TxQueue.Store == "postgres" {
			opts = append(opts, txqueue.WithLock(locker, "txqueue:driver", cfg.TxQueue.LockTTL))
		}
		driver := txqueue.NewDriver(queue, cfg.TxQueue.PollInterval, opts...)
		workers = append(workers, server.Worker{Name: "txqueue-driver", Run: driver.Run})
	} else {
		logger.Warn("no chain client, queued transactions will not be broadcast")
	}
	if consumer != nil && cfg.TxQueue.SubmitTopic != "" {
		intake := txqueue.NewIntake(queue, consumer, cfg.TxQueue.SubmitTopic)
		workers = append(workers, server.Worker{Name: "txqueue-intake", Run: intake.Run})
		defer consumer.Close()
	}

	// 9. Cron
	var warmer service.SessionWarmer
	if sessions != nil && cfg.Credits.PaymentMode != "custom" {
		warmer = sessions
	}
	cronService := service.NewCronService(locker, queue, warmer)
	cronService.Start()
	defer cronService.Stop()

	// 10. HTTP
	r := server.NewHTTPRouter(server.RouterDeps{
		Health:          handler.NewHealthHandler(wallet, cfg.Wallet.ChainID, cfg.Credits.PaymentMode, sessions),
		TxQueue:         handler.NewTxQueueHandler(queue),
		Verifier:        erc8128.NewVerifier(cfg.Wallet.ChainID, nonceCache(rdb)),
		SubmitAllowlist: cfg.App.SubmitAllowlist,
		SubmitOpen:      cfg.App.SubmitOpen,
	})

	app := server.New(server.Config{HttpPort: cfg.App.HttpPort}, r, workers...)
	if err := app.Run(ctx); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
	}

	if db != nil {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	logger.Info("payments server exited")
}

func sessionStore(c config.CreditsConfig, rdb *redis.Client) credits.SessionStore {
	switch c.SessionStore {
	case "memory":
		return credits.NewCacheStore(cache.NewMemoryCache(time.Hour, 10*time.Minute), c.BaseURL)
	case "redis":
		l1 := cache.NewMemoryCache(time.Hour, 10*time.Minute)
		l2 := cache.NewRedisCache(rdb, "agent-wallet:")
		return credits.NewCacheStore(cache.NewMultiLevelCache(l1, l2), c.BaseURL)
	default:
		return nil
	}
}

func nonceCache(rdb *redis.Client) cache.Cache {
	if rdb != nil {
		return cache.NewRedisCache(rdb, "agent-wallet:")
	}
	return cache.NewMemoryCache(10*time.Minute, time.Minute)
}

func messaging(cfg config.Config, rdb *redis.Client) (mq.Producer, mq.Consumer) {
	host, _ := os.Hostname()
	switch cfg.Redis.MQType {
	case "kafka":
		logger.Info("MQ: kafka", zap.Strings("brokers", cfg.Kafka.Brokers))
		return mq.NewKafkaProducer(cfg.Kafka.Brokers), mq.NewKafkaConsumer(cfg.Kafka.Brokers, "agent-wallet-txqueue")
	case "redis":
		logger.Info("MQ: redis streams")
		return mq.NewRedisProducer(rdb, 100000), mq.NewRedisConsumer(rdb, "agent-wallet-txqueue", host)
	default:
		return mq.NopProducer{}, nil
	}
}
