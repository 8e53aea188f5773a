package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bookpay/internal/gateway"
	"bookpay/internal/model"
	"bookpay/internal/repository"
)

// 测试替身：内存账本 + 可编排的假网关。
// 账本替身的状态裁决走真实的 model.Resolve，保证测试覆盖的是
// 和生产一致的收敛规则。

type fakeStore struct {
	mu      sync.Mutex
	seq     int64
	byID    map[int64]*model.Transaction
	granted []string // "userID/itemType/itemID"
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: map[int64]*model.Transaction{}}
}

func (s *fakeStore) add(trx *model.Transaction) *model.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	cp := *trx
	if cp.ID == 0 {
		cp.ID = s.seq
	}
	if cp.Code == "" {
		cp.Code = fmt.Sprintf("TRX-%03d", s.seq)
	}
	if cp.GatewayOrderID == "" {
		cp.GatewayOrderID = cp.Code
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.byID[cp.ID] = &cp
	return s.clone(&cp)
}

func (s *fakeStore) clone(trx *model.Transaction) *model.Transaction {
	cp := *trx
	cp.Items = append([]model.TransactionItem(nil), trx.Items...)
	return &cp
}

func (s *fakeStore) Create(ctx context.Context, trx *model.Transaction) error {
	stored := s.add(trx)
	trx.ID = stored.ID
	trx.Code = stored.Code
	trx.GatewayOrderID = stored.GatewayOrderID
	return nil
}

func (s *fakeStore) ApplyStatus(ctx context.Context, id int64, incoming model.PaymentStatus, snap *model.GatewaySnapshot) (*model.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trx, ok := s.byID[id]
	if !ok {
		return nil, false, repository.ErrTransactionNotFound
	}

	next, changed := model.Resolve(trx.PaymentStatus, incoming)
	if !changed {
		return s.clone(trx), false, nil
	}

	trx.PaymentStatus = next
	if snap != nil && snap.GatewayTransactionID != "" {
		trx.GatewayTransactionID = snap.GatewayTransactionID
	}
	if next == model.StatusPaid {
		now := time.Now()
		trx.PaidAt = &now
		for _, it := range trx.Items {
			s.granted = append(s.granted, fmt.Sprintf("%d/%s/%d", trx.UserID, it.ItemType, it.ItemID))
		}
	}
	return s.clone(trx), true, nil
}

func (s *fakeStore) SetGatewayRefs(ctx context.Context, id int64, gatewayOrderID, gatewayTransactionID, paymentToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	trx, ok := s.byID[id]
	if !ok {
		return repository.ErrTransactionNotFound
	}
	trx.GatewayOrderID = gatewayOrderID
	trx.GatewayTransactionID = gatewayTransactionID
	trx.PaymentToken = paymentToken
	return nil
}

func (s *fakeStore) GetByID(ctx context.Context, id int64) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trx, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrTransactionNotFound
	}
	return s.clone(trx), nil
}

func (s *fakeStore) GetByCode(ctx context.Context, code string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, trx := range s.byID {
		if trx.Code == code {
			return s.clone(trx), nil
		}
	}
	return nil, repository.ErrTransactionNotFound
}

func (s *fakeStore) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, trx := range s.byID {
		if trx.GatewayOrderID == gatewayOrderID {
			return s.clone(trx), nil
		}
	}
	return nil, repository.ErrTransactionNotFound
}

func (s *fakeStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Transaction
	for _, trx := range s.byID {
		if trx.PaymentStatus != model.StatusPending {
			continue
		}
		if !olderThan.IsZero() && !trx.CreatedAt.Before(olderThan) {
			continue
		}
		out = append(out, s.clone(trx))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) ListNonTerminal(ctx context.Context, limit int) ([]*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Transaction
	for _, trx := range s.byID {
		if trx.PaymentStatus == model.StatusPaid {
			continue
		}
		out = append(out, s.clone(trx))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) ListForUser(ctx context.Context, userID int64, status model.PaymentStatus, page, pageSize int) ([]*model.Transaction, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Transaction
	for _, trx := range s.byID {
		if trx.UserID != userID {
			continue
		}
		if status != "" && trx.PaymentStatus != status {
			continue
		}
		out = append(out, s.clone(trx))
	}
	return out, int64(len(out)), nil
}

func (s *fakeStore) status(id int64) model.PaymentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[id].PaymentStatus
}

// fakeGateway 可编排的假网关，同时统计并发外呼数
type fakeGateway struct {
	mu          sync.Mutex
	chargeFunc  func(trx *model.Transaction) (*gateway.ChargeResult, error)
	queryFunc   func(gatewayOrderID string) (*gateway.StatusResult, error)
	queryDelay  time.Duration
	inFlight    int
	maxInFlight int
	queryCalls  int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		chargeFunc: func(trx *model.Transaction) (*gateway.ChargeResult, error) {
			return &gateway.ChargeResult{
				GatewayOrderID:       trx.Code,
				GatewayTransactionID: "gw-" + trx.Code,
				PaymentToken:         "token-" + trx.Code,
			}, nil
		},
		queryFunc: func(gatewayOrderID string) (*gateway.StatusResult, error) {
			return &gateway.StatusResult{Status: model.StatusPending, RawStatus: "pending"}, nil
		},
	}
}

func (g *fakeGateway) CreateCharge(ctx context.Context, trx *model.Transaction) (*gateway.ChargeResult, error) {
	return g.chargeFunc(trx)
}

func (g *fakeGateway) QueryStatus(ctx context.Context, gatewayOrderID string) (*gateway.StatusResult, error) {
	g.mu.Lock()
	g.queryCalls++
	g.inFlight++
	if g.inFlight > g.maxInFlight {
		g.maxInFlight = g.inFlight
	}
	delay := g.queryDelay
	g.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()

	return g.queryFunc(gatewayOrderID)
}

// fakeLocker 直通锁，单测里不需要真正的互斥
type fakeLocker struct{}

func (fakeLocker) WithLock(ctx context.Context, transactionCode string, fn func() error) error {
	return fn()
}
