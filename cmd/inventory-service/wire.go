//go:build wireinject
// +build wireinject

// Wire依赖注入配置文件
//
// 教学说明：
// 1. Wire在编译期生成依赖组装代码，零运行时开销、类型安全
// 2. 本文件声明Provider链；运行 `wire gen ./cmd/inventory-service`
//    生成wire_gen.go后，main.go可改为调用InitializeEngine()
// 3. 当前main.go采用手动注入，两者的依赖链完全等价
package main

import (
	"time"

	"github.com/google/wire"

	appinventory "github.com/xiebiao/marketplace/internal/application/inventory"
	"github.com/xiebiao/marketplace/internal/domain/inventory"
	"github.com/xiebiao/marketplace/internal/infrastructure/config"
	inframq "github.com/xiebiao/marketplace/internal/infrastructure/mq"
	"github.com/xiebiao/marketplace/internal/infrastructure/persistence/mysql"
	"github.com/xiebiao/marketplace/internal/infrastructure/persistence/redis"
	pkgmq "github.com/xiebiao/marketplace/pkg/mq"
)

// infrastructureSet 基础设施层依赖
// 包含：配置加载、数据库连接、Redis连接
var infrastructureSet = wire.NewSet(
	config.Load,
	mysql.NewDB,
	redis.NewClient,
)

// repositorySet 仓储层依赖
// 接口绑定：Wire按类型匹配，具体实现需要显式绑定到领域端口
var repositorySet = wire.NewSet(
	mysql.NewInventoryRepository,
	mysql.NewLedgerRepository,
	mysql.NewReservationRepository,
	mysql.NewTxManager,
	wire.Bind(new(inventory.TransactionManager), new(*mysql.TxManager)),
	redis.NewLocker,
	wire.Bind(new(inventory.Locker), new(*redis.Locker)),
)

// applicationSet 应用层依赖
var applicationSet = wire.NewSet(
	appinventory.NewEngine,
)

// provideEventPublisher 从配置创建事件发布器
// MQ未启用时返回nil接口，引擎静默跳过事件发布
func provideEventPublisher(cfg *config.Config) (inventory.EventPublisher, error) {
	if !cfg.MQ.Enabled {
		return nil, nil
	}

	publisher, err := pkgmq.NewPublisher(cfg.MQ.URL, cfg.MQ.Exchange, "topic")
	if err != nil {
		return nil, err
	}

	return inframq.NewEventPublisher(publisher), nil
}

// provideLockTTL 从配置提取分布式锁TTL
// 教学要点：time.Duration是普通类型，Wire无法从Config自动提取，
// 需要手动编写Provider
func provideLockTTL(cfg *config.Config) time.Duration {
	return cfg.Inventory.LockTTL
}

// InitializeEngine 初始化库存引擎
//
// 依赖链：
// *Engine ← Repository/LedgerRepository/ReservationRepository ← *gorm.DB
//         ← Locker ← *redis.Client
//         ← EventPublisher ← *config.Config
func InitializeEngine() (*appinventory.Engine, error) {
	wire.Build(
		infrastructureSet,
		repositorySet,
		applicationSet,
		provideEventPublisher,
		provideLockTTL,
	)

	return nil, nil
}
