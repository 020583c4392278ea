package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	ledgerapp "github.com/wyfcoding/ledgerr/internal/ledger/application"
	ledgerdomain "github.com/wyfcoding/ledgerr/internal/ledger/domain"
	"github.com/wyfcoding/ledgerr/internal/ledger/infrastructure/persistence"
	ledgermysql "github.com/wyfcoding/ledgerr/internal/ledger/infrastructure/persistence/mysql"
	ledgerredis "github.com/wyfcoding/ledgerr/internal/ledger/infrastructure/persistence/redis"
	ledgerhttp "github.com/wyfcoding/ledgerr/internal/ledger/interfaces/http"
	reconapp "github.com/wyfcoding/ledgerr/internal/reconciliation/application"
	recondomain "github.com/wyfcoding/ledgerr/internal/reconciliation/domain"
	reconmysql "github.com/wyfcoding/ledgerr/internal/reconciliation/infrastructure/persistence/mysql"
	reconconsumer "github.com/wyfcoding/ledgerr/internal/reconciliation/interfaces/consumer"
	reconhttp "github.com/wyfcoding/ledgerr/internal/reconciliation/interfaces/http"
	"github.com/wyfcoding/ledgerr/pkg/config"
	"github.com/wyfcoding/ledgerr/pkg/db"
	"github.com/wyfcoding/ledgerr/pkg/idgen"
	"github.com/wyfcoding/ledgerr/pkg/logger"
	"github.com/wyfcoding/ledgerr/pkg/metrics"
	"github.com/wyfcoding/ledgerr/pkg/mq"
)

var configPath = flag.String("config", "configs/ledger/config.toml", "config file path")

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 2. 日志
	if err := logger.Init(cfg.ServiceName, cfg.Logger); err != nil {
		panic(fmt.Sprintf("failed to init logger: %v", err))
	}
	logger.Info(ctx, "service starting",
		"service", cfg.ServiceName, "version", cfg.Version, "environment", cfg.Environment)

	// 3. 指标
	m := metrics.New(cfg.ServiceName)
	if cfg.Metrics.Enabled {
		go m.ExposeHTTP(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	// 4. 数据库
	database, err := db.Init(db.Config{
		Driver:             cfg.Database.Driver,
		DSN:                cfg.Database.DSN,
		MaxOpenConns:       cfg.Database.MaxOpenConns,
		MaxIdleConns:       cfg.Database.MaxIdleConns,
		ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
		LogEnabled:         cfg.Database.LogEnabled,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
	})
	if err != nil {
		logger.Error(ctx, "failed to connect database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	if cfg.Environment == "dev" {
		err := database.AutoMigrate(
			&ledgerdomain.Account{}, &ledgerdomain.Transaction{}, &ledgerdomain.LedgerEntry{},
			&ledgerdomain.Hold{}, &ledgerdomain.LedgerEvent{},
			&recondomain.ExternalTransaction{}, &recondomain.Reconciliation{},
		)
		if err != nil {
			logger.Error(ctx, "failed to migrate database", "error", err)
		}
	}

	// 5. 余额读缓存
	balanceCache := persistence.NewNoopBalanceCache()
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.MaxPoolSize,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn(ctx, "redis unreachable, balance cache disabled", "error", err)
		} else {
			balanceCache = ledgerredis.NewBalanceCache(client)
		}
	}

	// 6. Kafka & Outbox
	producer := mq.NewProducer(mq.KafkaConfig{
		Brokers:      cfg.Kafka.Brokers,
		MaxRetries:   cfg.Kafka.MaxRetries,
		RetryBackoff: cfg.Kafka.RetryBackoff,
	})
	defer producer.Close()
	pusher := func(ctx context.Context, key string, value []byte) error {
		return producer.Publish(ctx, cfg.Outbox.Topic, []byte(key), value)
	}

	// 7. 仓储
	gdb := database.DB
	uow := ledgermysql.NewUnitOfWork(gdb)
	accountRepo := ledgermysql.NewAccountRepository(gdb)
	txnRepo := ledgermysql.NewTransactionRepository(gdb)
	holdRepo := ledgermysql.NewHoldRepository(gdb)
	eventRepo := ledgermysql.NewEventRepository(gdb)
	externalRepo := reconmysql.NewExternalTransactionRepository(gdb)
	reconRepo := reconmysql.NewReconciliationRepository(gdb)

	// 8. 应用服务
	gen := idgen.NewSnowflake(1)
	postingSvc := ledgerapp.NewPostingService(uow, accountRepo, txnRepo, eventRepo, balanceCache, gen, m,
		ledgerapp.PostingConfig{
			MaxEntriesPerTransaction: cfg.Ledger.MaxEntriesPerTransaction,
			MaxRetryAttempts:         cfg.Ledger.MaxRetryAttempts,
			RetryBackoff:             time.Duration(cfg.Ledger.RetryBackoffMs) * time.Millisecond,
		})
	holdSvc := ledgerapp.NewHoldService(uow, accountRepo, txnRepo, holdRepo, eventRepo, balanceCache, gen, m,
		ledgerapp.HoldConfig{
			MaxRetryAttempts: cfg.Ledger.MaxRetryAttempts,
			RetryBackoff:     time.Duration(cfg.Ledger.RetryBackoffMs) * time.Millisecond,
			SweepInterval:    time.Duration(cfg.Ledger.HoldSweepIntervalSec) * time.Second,
		})
	accountSvc := ledgerapp.NewAccountService(accountRepo, balanceCache)
	querySvc := ledgerapp.NewQueryService(accountRepo, txnRepo, balanceCache)
	outboxProcessor := ledgerapp.NewOutboxProcessor(eventRepo, pusher, m, ledgerapp.OutboxConfig{
		PollInterval: time.Duration(cfg.Outbox.PollIntervalMs) * time.Millisecond,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxRetries:   cfg.Outbox.MaxRetries,
	})
	reconSvc := reconapp.NewService(uow, externalRepo, reconRepo, txnRepo, postingSvc, eventRepo, gen, m,
		reconapp.Config{
			MatchWindow: time.Duration(cfg.Reconciliation.MatchWindowHours) * time.Hour,
			Interval:    time.Duration(cfg.Reconciliation.IntervalMinutes) * time.Minute,
			Providers:   cfg.Reconciliation.Providers,
		})

	// 9. 接口层
	if cfg.Environment != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestMetrics(m))
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"service": cfg.ServiceName, "version": cfg.Version})
	})
	router.GET("/healthz", func(c *gin.Context) {
		sqlDB, err := gdb.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	ledgerhttp.NewLedgerHandler(accountSvc, postingSvc, holdSvc, querySvc).RegisterRoutes(router)
	reconhttp.NewReconciliationHandler(reconSvc).RegisterRoutes(router)

	// 10. 启动
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Outbox.Enabled {
		g.Go(func() error {
			outboxProcessor.Start(gctx)
			<-gctx.Done()
			outboxProcessor.Stop()
			return nil
		})
	}

	g.Go(func() error {
		holdSvc.StartSweeper(gctx)
		<-gctx.Done()
		holdSvc.StopSweeper()
		return nil
	})

	if cfg.Reconciliation.Enabled {
		g.Go(func() error {
			reconSvc.StartScheduler(gctx)
			<-gctx.Done()
			reconSvc.StopScheduler()
			return nil
		})
		if cfg.Reconciliation.FeedTopic != "" && len(cfg.Kafka.Brokers) > 0 {
			feedConsumer := reconconsumer.NewFeedConsumer(
				mq.NewConsumer(mq.KafkaConfig{
					Brokers:        cfg.Kafka.Brokers,
					GroupID:        cfg.Kafka.GroupID,
					SessionTimeout: cfg.Kafka.SessionTimeout,
				}, cfg.Reconciliation.FeedTopic),
				reconSvc,
			)
			g.Go(func() error {
				defer feedConsumer.Close()
				return feedConsumer.Run(gctx)
			})
		}
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}
	g.Go(func() error {
		logger.Info(gctx, "HTTP server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info(ctx, "shutting down servers...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error(ctx, "server exited with error", "error", err)
	}
}

// requestMetrics HTTP 请求计数与耗时
func requestMetrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.HTTPRequestsTotal.Inc()
		m.HTTPRequestDuration.Observe(time.Since(start).Seconds())
	}
}
