package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"bookpay/internal/config"
	"bookpay/internal/gateway"
	"bookpay/internal/model"
	"bookpay/internal/repository"
	"bookpay/internal/service"
	"bookpay/pkg/response"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStore 内存账本，状态裁决走真实的 model.Resolve
type stubStore struct {
	mu   sync.Mutex
	seq  int64
	byID map[int64]*model.Transaction
}

func newStubStore() *stubStore {
	return &stubStore{byID: map[int64]*model.Transaction{}}
}

func (s *stubStore) Create(ctx context.Context, trx *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	trx.ID = s.seq
	trx.Code = fmt.Sprintf("TRX-%03d", s.seq)
	trx.GatewayOrderID = trx.Code
	trx.CreatedAt = time.Now()
	cp := *trx
	s.byID[cp.ID] = &cp
	return nil
}

func (s *stubStore) ApplyStatus(ctx context.Context, id int64, incoming model.PaymentStatus, snap *model.GatewaySnapshot) (*model.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trx, ok := s.byID[id]
	if !ok {
		return nil, false, repository.ErrTransactionNotFound
	}
	next, changed := model.Resolve(trx.PaymentStatus, incoming)
	if changed {
		trx.PaymentStatus = next
		if next == model.StatusPaid {
			now := time.Now()
			trx.PaidAt = &now
		}
	}
	cp := *trx
	return &cp, changed, nil
}

func (s *stubStore) SetGatewayRefs(ctx context.Context, id int64, gatewayOrderID, gatewayTransactionID, paymentToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if trx, ok := s.byID[id]; ok {
		trx.GatewayOrderID = gatewayOrderID
		trx.GatewayTransactionID = gatewayTransactionID
		trx.PaymentToken = paymentToken
	}
	return nil
}

func (s *stubStore) GetByID(ctx context.Context, id int64) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if trx, ok := s.byID[id]; ok {
		cp := *trx
		return &cp, nil
	}
	return nil, repository.ErrTransactionNotFound
}

func (s *stubStore) GetByCode(ctx context.Context, code string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, trx := range s.byID {
		if trx.Code == code {
			cp := *trx
			return &cp, nil
		}
	}
	return nil, repository.ErrTransactionNotFound
}

func (s *stubStore) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, trx := range s.byID {
		if trx.GatewayOrderID == gatewayOrderID {
			cp := *trx
			return &cp, nil
		}
	}
	return nil, repository.ErrTransactionNotFound
}

func (s *stubStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Transaction
	for _, trx := range s.byID {
		if trx.PaymentStatus == model.StatusPending {
			cp := *trx
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *stubStore) ListNonTerminal(ctx context.Context, limit int) ([]*model.Transaction, error) {
	return s.ListPending(ctx, time.Time{}, limit)
}

func (s *stubStore) ListForUser(ctx context.Context, userID int64, status model.PaymentStatus, page, pageSize int) ([]*model.Transaction, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Transaction
	for _, trx := range s.byID {
		if trx.UserID == userID {
			cp := *trx
			out = append(out, &cp)
		}
	}
	return out, int64(len(out)), nil
}

type stubGateway struct{}

func (stubGateway) CreateCharge(ctx context.Context, trx *model.Transaction) (*gateway.ChargeResult, error) {
	return &gateway.ChargeResult{
		GatewayOrderID:       trx.Code,
		GatewayTransactionID: "gw-" + trx.Code,
		PaymentToken:         "token-" + trx.Code,
	}, nil
}

func (stubGateway) QueryStatus(ctx context.Context, gatewayOrderID string) (*gateway.StatusResult, error) {
	return &gateway.StatusResult{Status: model.StatusPending, RawStatus: "pending"}, nil
}

type passLocker struct{}

func (passLocker) WithLock(ctx context.Context, transactionCode string, fn func() error) error {
	return fn()
}

// newTestRouter 按 main 的方式装配一份服务图，HTTP 层直接拿它注册路由
func newTestRouter() (http.Handler, *stubStore, *gateway.Client) {
	store := newStubStore()
	verifier := gateway.NewClient(&config.GatewayConfig{ServerKey: "secret"})
	bizCfg := &config.BusinessConfig{PaymentTimeoutMinutes: 30, SyncWorkers: 2}

	checkout := service.NewCheckoutService(store, stubGateway{}, bizCfg)
	webhook := service.NewWebhookService(store, verifier)
	syncSvc := service.NewSyncService(store, stubGateway{}, bizCfg)
	retry := service.NewRetryService(store, checkout, passLocker{})

	h := NewHandler(checkout, webhook, syncSvc, retry, store, nil)
	return SetupRouter(h), store, verifier
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) (int, map[string]interface{}) {
	t.Helper()
	var resp response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data, _ := resp.Data.(map[string]interface{})
	return resp.Code, data
}

func TestRouter_EndToEnd(t *testing.T) {
	router, store, verifier := newTestRouter()

	t.Run("health", func(t *testing.T) {
		w := doJSON(t, router, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("checkout then query then sync share one ledger", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/api/v1/checkout", map[string]interface{}{
			"user_id": 7,
			"kind":    model.KindBookPurchase,
			"items": []map[string]interface{}{
				{"item_type": model.ItemTypeBook, "item_id": 10, "title": "Go 程序设计", "price": 10000, "quantity": 1},
			},
		})
		require.Equal(t, http.StatusOK, w.Code)
		code, data := decodeEnvelope(t, w)
		require.Equal(t, response.CodeSuccess, code)
		trxCode := data["code"].(string)
		assert.Equal(t, string(model.StatusPending), data["payment_status"])

		// 详情查询读到同一笔事务
		w = doJSON(t, router, http.MethodGet, "/api/v1/transaction/detail?code="+trxCode, nil)
		code, data = decodeEnvelope(t, w)
		require.Equal(t, response.CodeSuccess, code)
		assert.Equal(t, trxCode, data["code"])

		// 单笔对账：网关仍报 pending，无变化
		w = doJSON(t, router, http.MethodPost, "/api/v1/sync/"+trxCode, nil)
		code, data = decodeEnvelope(t, w)
		require.Equal(t, response.CodeSuccess, code)
		assert.Equal(t, false, data["changed"])

		// 批量对账统计到这笔待支付事务
		w = doJSON(t, router, http.MethodPost, "/api/v1/sync/pending", nil)
		code, data = decodeEnvelope(t, w)
		require.Equal(t, response.CodeSuccess, code)
		assert.Equal(t, float64(1), data["checked"])
	})

	t.Run("webhook answers raw http codes", func(t *testing.T) {
		trx, err := store.GetByCode(context.Background(), "TRX-001")
		require.NoError(t, err)

		notification := map[string]interface{}{
			"order_id":           trx.GatewayOrderID,
			"status_code":        "200",
			"gross_amount":       "10000.00",
			"transaction_status": "settlement",
			"transaction_id":     "gw-1",
			"signature_key":      verifier.Signature(trx.GatewayOrderID, "200", "10000.00"),
		}
		w := doJSON(t, router, http.MethodPost, "/api/v1/payment/notification", notification)
		assert.Equal(t, http.StatusOK, w.Code)

		updated, err := store.GetByCode(context.Background(), trx.Code)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPaid, updated.PaymentStatus)

		// 伪造签名按网关约定回 403
		notification["signature_key"] = "forged"
		w = doJSON(t, router, http.MethodPost, "/api/v1/payment/notification", notification)
		assert.Equal(t, http.StatusForbidden, w.Code)

		// 未知订单号回 404
		notification["order_id"] = "TRX-GONE"
		notification["signature_key"] = verifier.Signature("TRX-GONE", "200", "10000.00")
		w = doJSON(t, router, http.MethodPost, "/api/v1/payment/notification", notification)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("retry of a paid transaction maps to the invalid-state code", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/api/v1/retry/TRX-001", nil)
		require.Equal(t, http.StatusOK, w.Code)
		code, _ := decodeEnvelope(t, w)
		assert.Equal(t, response.CodeInvalidState, code)
	})
}
