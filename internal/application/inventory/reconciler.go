package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xiebiao/marketplace/internal/domain/inventory"
	"github.com/xiebiao/marketplace/pkg/metrics"
)

// Reconciler 周期性对账任务
//
// 设计说明：
// 1. 台账是事实来源，库存记录只是投影；对账重放台账还原数量，
//    与投影比对，发现漂移只告警不自动修复——修复需要人工判断
//    是台账缺失还是投影被绕过引擎直接写坏
// 2. 无锁遍历：对账读到的是某一时刻的快照，正在进行的操作可能
//    造成瞬时不一致，所以单次漂移只计数，持续漂移才值得介入
type Reconciler struct {
	engine   *Engine
	records  inventory.Repository
	interval time.Duration
	pageSize int
}

// NewReconciler 创建对账任务
func NewReconciler(engine *Engine, records inventory.Repository, interval time.Duration, pageSize int) *Reconciler {
	if pageSize <= 0 {
		pageSize = 200
	}
	return &Reconciler{
		engine:   engine,
		records:  records,
		interval: interval,
		pageSize: pageSize,
	}
}

// Run 周期性对账，直到ctx取消
// interval<=0表示禁用，直接返回
func (r *Reconciler) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}

	log.Info().Dur("interval", r.interval).Msg("库存对账任务启动")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("库存对账任务停止")
			return
		case <-ticker.C:
			drifted, checked, err := r.ReconcileAll(ctx)
			if err != nil {
				log.Error().Err(err).Msg("对账失败,等待下个周期重试")
				continue
			}
			if drifted > 0 {
				log.Warn().Int("drifted", drifted).Int("checked", checked).Msg("对账发现不一致")
			}
		}
	}
}

// ReconcileAll 遍历全部库存记录逐条对账
// 返回(发现漂移的记录数, 检查过的记录数)
func (r *Reconciler) ReconcileAll(ctx context.Context) (drifted, checked int, err error) {
	offset := 0
	for {
		recs, err := r.records.List(ctx, offset, r.pageSize)
		if err != nil {
			return drifted, checked, err
		}
		if len(recs) == 0 {
			return drifted, checked, nil
		}

		for _, rec := range recs {
			checked++
			err := r.engine.Reconcile(ctx, rec.VariantID, rec.SellerID)
			if err == nil {
				continue
			}
			if errors.Is(err, inventory.ErrInconsistentInventory) {
				drifted++
				metrics.ReconcileDriftTotal.Inc()
				log.Warn().Err(err).
					Uint("variant_id", rec.VariantID).
					Uint("seller_id", rec.SellerID).
					Msg("库存投影与台账不一致")
				continue
			}
			// 基础设施错误中断本轮,下个周期重来
			return drifted, checked, err
		}

		offset += len(recs)
	}
}
