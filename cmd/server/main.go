package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mrbabu07/HnilaBazar-sub000/internal/config"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/consumer"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/handler"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/infrastructure/cache"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/infrastructure/database"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/infrastructure/lock"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/infrastructure/logger"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/infrastructure/mq"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/job"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/repository"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/service"
	"github.com/mrbabu07/HnilaBazar-sub000/pkg/idgen"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	workerID := flag.Int64("worker-id", 1, "雪花算法机器ID")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := idgen.Init(*workerID); err != nil {
		log.Fatal("初始化 ID 生成器失败", zap.Error(err))
	}

	db, err := database.Open(&cfg.Database)
	if err != nil {
		log.Fatal("初始化数据库失败", zap.Error(err))
	}

	// 账户锁：多实例部署必须使用 redis
	var locker lock.AccountLocker
	switch cfg.Lock.Mode {
	case "local":
		log.Warn("使用进程内账户锁，仅适用于单实例部署")
		locker = lock.NewLocalAccountLocker()
	default:
		rdb, err := cache.NewRedis(&cfg.Redis)
		if err != nil {
			log.Fatal("初始化 Redis 失败", zap.Error(err))
		}
		defer rdb.Close()
		locker = lock.NewRedisAccountLocker(rdb, cfg.Lock.TTL(), cfg.Lock.RetryInterval(), cfg.Lock.MaxRetries, log)
	}

	var coupons service.CouponValidator
	if cfg.Coupon.BaseURL != "" {
		coupons = service.NewCouponClient(cfg.Coupon)
	}

	ledger := service.NewLedgerService(db, locker, cfg, log)
	redemption := service.NewRedemptionService(db, ledger, service.NewDiscountReconciler(coupons), cfg, log)
	referral := service.NewReferralService(db, ledger, cfg, log)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	run := func(start func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start(ctx)
		}()
	}

	// 启动后台任务
	run(job.NewHoldSweeper(redemption, cfg, log).Start)
	run(job.NewPointsExpiryJob(db, ledger, cfg, log).Start)

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewKafkaProducer(&cfg.Kafka)
		if err != nil {
			log.Fatal("初始化 Kafka 生产者失败", zap.Error(err))
		}
		defer producer.Close()
		run(job.NewOutboxSender(db, producer, cfg, log).Start)

		group, err := mq.NewConsumerGroup(&cfg.Kafka)
		if err != nil {
			log.Fatal("初始化 Kafka 消费组失败", zap.Error(err))
		}
		defer group.Close()
		orderConsumer := consumer.NewOrderConsumer(ledger, redemption, repository.NewDeferredEventRepository(db), log)
		run(job.NewDeferredReplayJob(orderConsumer, cfg, log).Start)
		run(func(ctx context.Context) {
			topics := []string{cfg.Kafka.Topic.OrderEvents}
			for ctx.Err() == nil {
				// rebalance 后 Consume 返回，需要循环调用
				if err := group.Consume(ctx, topics, orderConsumer); err != nil {
					if errors.Is(err, sarama.ErrClosedConsumerGroup) {
						return
					}
					log.Error("消费订单事件失败", zap.Error(err))
					time.Sleep(time.Second)
				}
			}
		})
	} else {
		log.Warn("未配置 Kafka，积分事件暂存在本地消息表")
	}

	router := handler.SetupRouter(handler.NewHandler(ledger, redemption, referral, log), cfg.Server.Mode, log)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// 在 goroutine 中启动服务器
	go func() {
		log.Info("服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("服务启动失败", zap.Error(err))
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在关闭服务...")

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服务关闭异常", zap.Error(err))
	}

	// 取消上下文，停止后台任务
	cancel()
	wg.Wait()

	log.Info("服务已关闭")
}
