package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"bookpay/internal/config"
	"bookpay/internal/gateway"
	"bookpay/internal/model"

	"github.com/cenkalti/backoff/v4"
)

// ============================================================================
// 对账引擎（拉取链路）
// ============================================================================
//
// Webhook 丢了、乱序了、根本没发——都不要紧，对账引擎周期性地拿本地
// 待支付事务去问网关，把双方账目收敛到一致。状态写入同样经过账本的
// Resolve 裁决，和推送链路从同一个门进出。
//
// 【并发模型】批量对账用固定大小的协程池并行外呼，池大小来自配置，
// 用来尊重网关限流；每笔事务的更新独立提交，取消批任务不影响已完成
// 的部分。
//
// ============================================================================

type SyncService struct {
	store     TransactionStore
	gateway   PaymentGateway
	workers   int
	maxRetry  int
	batchSize int
	now       func() time.Time
}

func NewSyncService(store TransactionStore, gw PaymentGateway, cfg *config.BusinessConfig) *SyncService {
	workers := cfg.SyncWorkers
	if workers <= 0 {
		workers = 5
	}
	batchSize := cfg.SyncBatchSize
	if batchSize <= 0 {
		batchSize = 200
	}
	return &SyncService{
		store:     store,
		gateway:   gw,
		workers:   workers,
		maxRetry:  cfg.MaxRetryCount,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// SyncSummary 一轮批量对账的结果
type SyncSummary struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
}

// SyncOne 核对单笔事务（用户点"检查支付状态"时触发）
func (s *SyncService) SyncOne(ctx context.Context, code string) (*model.Transaction, bool, error) {
	trx, err := s.store.GetByCode(ctx, code)
	if err != nil {
		return nil, false, err
	}
	return s.syncTransaction(ctx, trx)
}

// SyncPending 批量核对待支付事务
// maxAge 大于零时只处理创建超过该时长的事务，给刚下单的留出支付时间
func (s *SyncService) SyncPending(ctx context.Context, maxAge time.Duration) (*SyncSummary, error) {
	var olderThan time.Time
	if maxAge > 0 {
		olderThan = s.now().Add(-maxAge)
	}
	trxs, err := s.store.ListPending(ctx, olderThan, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("查询待支付事务失败: %w", err)
	}
	return s.syncBatch(ctx, trxs), nil
}

// SyncAll 管理端全量对账，覆盖所有未到 PAID 终态的事务
func (s *SyncService) SyncAll(ctx context.Context) (*SyncSummary, error) {
	trxs, err := s.store.ListNonTerminal(ctx, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("查询未完结事务失败: %w", err)
	}
	return s.syncBatch(ctx, trxs), nil
}

// syncBatch 固定大小协程池并行核对
//
// ctx 取消后停止派发新任务，在途任务自然结束；
// 已提交的单笔更新保持有效（每笔独立落库）。
func (s *SyncService) syncBatch(ctx context.Context, trxs []*model.Transaction) *SyncSummary {
	if len(trxs) == 0 {
		return &SyncSummary{}
	}

	jobs := make(chan *model.Transaction)
	var wg sync.WaitGroup
	var checked, updated atomic.Int64

	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for trx := range jobs {
				if ctx.Err() != nil {
					continue
				}
				checked.Add(1)
				_, changed, err := s.syncTransaction(ctx, trx)
				if err != nil {
					log.Printf("[Sync] 核对失败，保持原状态: code=%s, err=%v", trx.Code, err)
					continue
				}
				if changed {
					updated.Add(1)
				}
			}
		}()
	}

dispatch:
	for _, trx := range trxs {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- trx:
		}
	}
	close(jobs)
	wg.Wait()

	summary := &SyncSummary{
		Checked: int(checked.Load()),
		Updated: int(updated.Load()),
	}
	log.Printf("[Sync] 本轮对账完成: checked=%d, updated=%d", summary.Checked, summary.Updated)
	return summary
}

// syncTransaction 核对一笔事务并应用裁决后的状态
func (s *SyncService) syncTransaction(ctx context.Context, trx *model.Transaction) (*model.Transaction, bool, error) {
	if trx.PaymentStatus.IsTerminal() {
		return trx, false, nil
	}

	deadlinePassed := trx.PaymentStatus == model.StatusPending && trx.DeadlinePassed(s.now())

	result, err := s.queryWithBackoff(ctx, trx, deadlinePassed)
	if err != nil {
		// 过期扫描：截止时间已过的事务不等网关恢复，本地直接置 EXPIRED。
		// 就算网关那边其实已支付，迟到的 settlement 信号之后仍会经
		// Resolve 把状态推进到 PAID（PAID 永远赢）。
		if deadlinePassed {
			return s.store.ApplyStatus(ctx, trx.ID, model.StatusExpired, nil)
		}
		// 双重包装：调用方既能识别"状态未核实"，也能看到网关侧的具体拒绝/故障
		return trx, false, fmt.Errorf("%w: %w", ErrStatusUnverified, err)
	}

	incoming := result.Status
	if deadlinePassed && (incoming == model.StatusPending || incoming == model.StatusUnknown) {
		// 网关仍说"待支付/没记录"且本地截止时间已过 -> 过期
		incoming = model.StatusExpired
	}

	var snap *model.GatewaySnapshot
	if result.GatewayTransactionID != "" || result.RawStatus != "" {
		snap = &model.GatewaySnapshot{
			GatewayTransactionID: result.GatewayTransactionID,
			RawStatus:            result.RawStatus,
		}
	}
	return s.store.ApplyStatus(ctx, trx.ID, incoming, snap)
}

// queryWithBackoff 查询网关状态，临时故障按指数退避重试
//
// 只有 gateway.ErrUnavailable 可重试；其余错误立即终止。
// 截止时间已过的事务只查一次——反正查不到就地过期，不值得等退避。
func (s *SyncService) queryWithBackoff(ctx context.Context, trx *model.Transaction, singleShot bool) (*gateway.StatusResult, error) {
	var result *gateway.StatusResult

	op := func() error {
		r, err := s.gateway.QueryStatus(ctx, trx.GatewayOrderID)
		if err != nil {
			if errors.Is(err, gateway.ErrUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = r
		return nil
	}

	maxRetries := uint64(s.maxRetry)
	if singleShot {
		maxRetries = 0
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0 // 次数由 WithMaxRetries 限制

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}
