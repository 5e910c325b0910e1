// 文件: cmd/exchange/main.go
// 撮合结算一体服务入口
//
// 组件拓扑:
//   Kafka (order_requests) → Intake → Service
//     Service → Resolver/Collateral → Router → 每市场撮合引擎 → Pebble
//   撮合事件 → NATS 行情推送
//   Pebble 结算队列 → Pipeline → 链上提交器
//   到期扫描 → ExpiryProcessor → 仓位交割

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"dex.com/pkg/alert"
	"dex.com/pkg/fund"
	"dex.com/pkg/market"
	"dex.com/pkg/match"
	natsx "dex.com/pkg/nats"
	"dex.com/pkg/order"
	"dex.com/pkg/settle"
)

// Config 进程配置，全部来自环境变量
type Config struct {
	Mode         string
	NodeID       int64
	MySQLDSN     string
	RedisAddr    string
	KafkaBrokers []string
	NatsURL      string
	BookDir      string
}

func loadConfig() Config {
	cfg := Config{
		Mode:         envOr("EXCHANGE_MODE", "mainnet"),
		NodeID:       envInt("EXCHANGE_NODE_ID", 1),
		MySQLDSN:     envOr("MYSQL_DSN", "root:root@tcp(127.0.0.1:3306)/exchange?charset=utf8mb4&parseTime=True"),
		RedisAddr:    envOr("REDIS_ADDR", "127.0.0.1:6379"),
		KafkaBrokers: strings.Split(envOr("KAFKA_BROKERS", "127.0.0.1:9092"), ","),
		NatsURL:      envOr("NATS_URL", "nats://127.0.0.1:4222"),
		BookDir:      envOr("BOOK_DIR", "./data/book"),
	}
	return cfg
}

func main() {
	cfg := loadConfig()
	log.Printf("[Main] starting exchange core: mode=%s node=%d", cfg.Mode, cfg.NodeID)

	if err := match.InitSnowflake(cfg.NodeID); err != nil {
		log.Fatalf("[Main] init snowflake: %v", err)
	}

	// ===== 存储层 =====
	db, err := gorm.Open(mysql.Open(cfg.MySQLDSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("[Main] open mysql: %v", err)
	}
	if err := db.AutoMigrate(&market.Meta{}, &fund.BalanceRecord{}, &fund.JournalRecord{}, &order.OrderRecord{}); err != nil {
		log.Fatalf("[Main] migrate: %v", err)
	}

	rds := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	alert.SetSink(alert.NewRedisSink(rds))

	store, err := match.OpenStore(cfg.BookDir)
	if err != nil {
		log.Fatalf("[Main] open book store: %v", err)
	}
	defer store.Close()

	// ===== 市场与资金 =====
	marketRepo := market.NewCachedRepository(market.NewMySQLRepository(db), rds)
	resolver := market.NewResolver(marketRepo, cfg.Mode)
	balances := fund.NewBalanceRepo(db)

	journal, err := fund.NewEventPublisher(cfg.KafkaBrokers)
	if err != nil {
		log.Fatalf("[Main] kafka publisher: %v", err)
	}
	defer journal.Close()

	// ===== 撮合 =====
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router := match.NewRouter(ctx, store)
	defer router.Stop()

	natsPub, err := natsx.NewPublisher(cfg.NatsURL)
	if err != nil {
		log.Fatalf("[Main] nats: %v", err)
	}
	defer natsPub.Close()
	router.OnEvent(natsx.NewMarketDataFeed(natsPub).Handler())

	// ===== 订单入口 =====
	oracle := settle.NewRedisOracle(rds)
	svc := order.NewService(cfg.Mode, resolver, marketRepo, balances, journal,
		router, store, oracle, order.NewRepo(db))

	intake, err := order.NewIntake(cfg.KafkaBrokers, "exchange-core", svc)
	if err != nil {
		log.Fatalf("[Main] order intake: %v", err)
	}
	intake.Start()
	defer intake.Stop()

	// ===== 结算与交割 =====
	pipeline := settle.NewPipeline(settle.DefaultPipelineConfig(), store, settle.DryRunSubmitter{})
	pipeline.Start(ctx)
	defer pipeline.Stop()

	expiry := settle.NewExpiryProcessor(settle.DefaultExpiryConfig(cfg.Mode), store, marketRepo, oracle, balances)
	expiry.Start(ctx)
	defer expiry.Stop()

	log.Printf("[Main] exchange core up")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("[Main] shutting down")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
