package job

import (
	"context"
	"log"
	"time"

	"bookpay/internal/config"
	"bookpay/internal/service"
)

// SyncJob 定时对账任务
// 周期性地跑一轮 SyncPending，把丢失/乱序的网关通知补齐
type SyncJob struct {
	syncService *service.SyncService
	stopCh      chan struct{}
	interval    time.Duration
	passTimeout time.Duration
	minAge      time.Duration
}

func NewSyncJob(syncService *service.SyncService, cfg *config.Config) *SyncJob {
	interval := 60 * time.Second
	if cfg.Business.SyncIntervalSeconds > 0 {
		interval = time.Duration(cfg.Business.SyncIntervalSeconds) * time.Second
	}
	return &SyncJob{
		syncService: syncService,
		stopCh:      make(chan struct{}),
		interval:    interval,
		// 单轮对账的硬上限，网关大面积故障时不让任务无限膨胀
		passTimeout: 5 * time.Minute,
		// 刚下单一分钟内的事务跳过，给用户留出正常支付时间
		minAge: time.Minute,
	}
}

func (j *SyncJob) Start(ctx context.Context) {
	log.Println("[SyncJob] 定时对账任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[SyncJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[SyncJob] 任务停止")
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

func (j *SyncJob) Stop() {
	close(j.stopCh)
}

func (j *SyncJob) runOnce(ctx context.Context) {
	passCtx, cancel := context.WithTimeout(ctx, j.passTimeout)
	defer cancel()

	summary, err := j.syncService.SyncPending(passCtx, j.minAge)
	if err != nil {
		log.Printf("[SyncJob] 对账执行失败: %v", err)
		return
	}
	if summary.Checked > 0 {
		log.Printf("[SyncJob] 对账完成: checked=%d, updated=%d", summary.Checked, summary.Updated)
	}
}
