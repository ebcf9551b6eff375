package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	appinventory "github.com/xiebiao/marketplace/internal/application/inventory"
	"github.com/xiebiao/marketplace/internal/domain/inventory"
	"github.com/xiebiao/marketplace/internal/infrastructure/config"
	inframq "github.com/xiebiao/marketplace/internal/infrastructure/mq"
	"github.com/xiebiao/marketplace/internal/infrastructure/persistence/mysql"
	"github.com/xiebiao/marketplace/internal/infrastructure/persistence/redis"
	"github.com/xiebiao/marketplace/pkg/metrics"
	pkgmq "github.com/xiebiao/marketplace/pkg/mq"
	"github.com/xiebiao/marketplace/pkg/tracing"
)

// main 库存服务守护进程入口
// 职责：装配库存引擎、启动过期预留清扫器、暴露Prometheus指标
// 说明：手动依赖注入（wire.go声明了等价的Provider链，可用wire gen生成）
func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	initLogger(cfg)

	log.Info().
		Int("metrics_port", cfg.Server.MetricsPort).
		Str("database", fmt.Sprintf("%s:%d/%s", cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName)).
		Str("redis", cfg.Redis.Addr()).
		Bool("mq_enabled", cfg.MQ.Enabled).
		Msg("配置加载成功")

	// 3. 初始化链路追踪（可选）
	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracerProvider(cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
		if err != nil {
			log.Fatal().Err(err).Msg("初始化链路追踪失败")
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("关闭链路追踪失败")
			}
		}()
	}

	// 4. 初始化数据库与Redis
	db, err := mysql.NewDB(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化数据库失败")
	}

	redisClient, err := redis.NewClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化Redis失败")
	}
	defer redisClient.Close()

	// 5. 初始化事件发布（可选）
	// 注意：必须用接口变量承接，把nil的具体指针塞进接口会得到
	// 非nil接口，引擎的nil判断会失效
	var eventSink inventory.EventPublisher
	if cfg.MQ.Enabled {
		mqPublisher, err := pkgmq.NewPublisher(cfg.MQ.URL, cfg.MQ.Exchange, "topic")
		if err != nil {
			log.Fatal().Err(err).Msg("初始化MQ失败")
		}
		defer mqPublisher.Close()
		eventSink = inframq.NewEventPublisher(mqPublisher)
	}

	// 6. 依赖注入（手动组装）
	// Repository/Locker/TxManager ← Engine ← Sweeper/Reconciler
	inventoryRepo := mysql.NewInventoryRepository(db)
	ledgerRepo := mysql.NewLedgerRepository(db)
	reservationRepo := mysql.NewReservationRepository(db)
	txManager := mysql.NewTxManager(db)
	locker := redis.NewLocker(redisClient)

	engine := appinventory.NewEngine(inventoryRepo, ledgerRepo, reservationRepo, txManager, locker, eventSink, cfg.Inventory.LockTTL)
	sweeper := appinventory.NewSweeper(reservationRepo, cfg.Inventory.SweepInterval, cfg.Inventory.SweepBatchSize)
	reconciler := appinventory.NewReconciler(engine, inventoryRepo, cfg.Inventory.ReconcileInterval, cfg.Inventory.SweepBatchSize)

	// 7. 启动后台任务
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweeper.Run(ctx)
	go reconciler.Run(ctx)

	// 事件审计：消费自己发布的事件流落日志，便于排查（可选）
	if cfg.MQ.Enabled {
		go runEventAudit(ctx, cfg)
	}

	// 8. 启动指标服务
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: mux,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("指标服务启动")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("指标服务异常退出")
		}
	}()

	// 9. 等待退出信号，优雅停机
	<-ctx.Done()
	log.Info().Msg("收到退出信号,开始停机")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("指标服务停机失败")
	}

	log.Info().Msg("库存服务已退出")
}

// initLogger 按配置初始化zerolog全局日志
func initLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || cfg.Log.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Log.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// runEventAudit 消费库存事件流并落审计日志
// 消费失败只影响审计可观测性，不影响主流程
func runEventAudit(ctx context.Context, cfg *config.Config) {
	consumer, err := pkgmq.NewConsumer(cfg.MQ.URL, cfg.MQ.Exchange, "topic", "inventory.audit", []string{"inventory.#"})
	if err != nil {
		log.Error().Err(err).Msg("初始化事件审计消费者失败")
		return
	}
	defer consumer.Close()

	err = consumer.Consume(ctx, func(routingKey string, body []byte) error {
		log.Debug().
			Str("routing_key", routingKey).
			RawJSON("event", body).
			Msg("库存事件")
		return nil
	})
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("事件审计消费中断")
	}
}
