package inventory

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xiebiao/marketplace/internal/domain/inventory"
	"github.com/xiebiao/marketplace/pkg/metrics"
)

// Sweeper 过期预留清扫器
//
// 设计说明：
// 1. 只做状态流转（ACTIVE -> EXPIRED），不释放预留量——过期的预留
//    仍占用库存，需要后续显式Release归还，避免清扫器与订单流程
//    并发修改同一库存记录
// 2. MarkExpired是条件更新：与提交/释放并发竞争时落空是正常现象，
//    计数时只统计真正流转成功的预留
// 3. 单次清扫失败只记日志，下个周期自然重试
type Sweeper struct {
	reservations inventory.ReservationRepository
	interval     time.Duration
	batchSize    int
}

// NewSweeper 创建清扫器
func NewSweeper(reservations inventory.ReservationRepository, interval time.Duration, batchSize int) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		reservations: reservations,
		interval:     interval,
		batchSize:    batchSize,
	}
}

// Run 周期性清扫，直到ctx取消
// 通常在独立goroutine中启动
func (s *Sweeper) Run(ctx context.Context) {
	log.Info().
		Dur("interval", s.interval).
		Int("batch_size", s.batchSize).
		Msg("预留清扫器启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("预留清扫器停止")
			return
		case <-ticker.C:
			swept, err := s.SweepExpired(ctx, time.Now())
			if err != nil {
				log.Error().Err(err).Msg("清扫过期预留失败,等待下个周期重试")
				continue
			}
			if swept > 0 {
				log.Info().Int("swept", swept).Msg("过期预留清扫完成")
			}
		}
	}
}

// SweepExpired 单次清扫：把到期的ACTIVE预留流转为EXPIRED
// 返回本次真正流转成功的数量
func (s *Sweeper) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.reservations.ListExpired(ctx, now, s.batchSize)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, res := range expired {
		changed, err := s.reservations.MarkExpired(ctx, res.ID, now)
		if err != nil {
			// 单条失败不中断本轮,剩余的继续处理
			log.Error().Err(err).
				Str("reservation_id", res.ID).
				Msg("标记预留过期失败")
			continue
		}
		if changed {
			swept++
			metrics.ReservationsSweptTotal.Inc()
		}
	}

	return swept, nil
}
