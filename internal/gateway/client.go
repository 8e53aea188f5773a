package gateway

import (
	"bytes"
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"bookpay/internal/config"
	"bookpay/internal/model"

	"github.com/google/uuid"
)

// ============================================================================
// 支付网关客户端
// ============================================================================
//
// 对外部支付网关的所有出站调用都收口在这个包里。
//
// 【错误分类】调用方据此决定重试策略：
//   - ErrUnavailable: 网络错误 / 超时 / 5xx，临时故障，调用方可带退避重试
//   - ErrRejected:    4xx，网关明确拒绝，重试没有意义，事务应立即置为 FAILED
//
// 客户端内部不做任何重试，单次调用受 config.GatewayConfig 的固定超时约束。
//
// ============================================================================

var (
	ErrUnavailable = errors.New("支付网关暂时不可用")
	ErrRejected    = errors.New("支付网关拒绝了请求")
)

// ChargeResult 网关受理扣款后的回执
type ChargeResult struct {
	GatewayOrderID       string // 网关侧订单号（即我们传过去的事务编号）
	GatewayTransactionID string
	PaymentToken         string // 支付凭证，前端据此拉起收银台
	RedirectURL          string
}

// StatusResult 状态查询的归一化结果
type StatusResult struct {
	Status               model.PaymentStatus
	GatewayTransactionID string
	RawStatus            string
}

type Client struct {
	baseURL    string
	serverKey  string
	httpClient *http.Client
}

func NewClient(cfg *config.GatewayConfig) *Client {
	return &Client{
		baseURL:   cfg.BaseURL,
		serverKey: cfg.ServerKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout(),
		},
	}
}

type chargeRequest struct {
	TransactionDetails transactionDetails `json:"transaction_details"`
	ItemDetails        []itemDetail       `json:"item_details"`
}

type transactionDetails struct {
	OrderID     string `json:"order_id"`
	GrossAmount int64  `json:"gross_amount"`
}

type itemDetail struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
}

type chargeResponse struct {
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id"`
	Token         string `json:"token"`
	RedirectURL   string `json:"redirect_url"`
	StatusMessage string `json:"status_message"`
}

// CreateCharge 向网关发起一笔扣款
// 事务编号直接作为网关订单号，对账时双方用同一个标识说话
func (c *Client) CreateCharge(ctx context.Context, trx *model.Transaction) (*ChargeResult, error) {
	body := chargeRequest{
		TransactionDetails: transactionDetails{
			OrderID:     trx.Code,
			GrossAmount: trx.TotalAmount,
		},
	}
	for _, it := range trx.Items {
		body.ItemDetails = append(body.ItemDetails, itemDetail{
			ID:       fmt.Sprintf("%s-%d", it.ItemType, it.ItemID),
			Name:     it.Title,
			Price:    it.Price,
			Quantity: it.Quantity,
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化扣款请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/charge", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	// 扣款请求带幂等键，网络超时后的重发不会产生第二笔扣款
	req.Header.Set("Idempotency-Key", uuid.NewString())
	req.SetBasicAuth(c.serverKey, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: 读取响应失败: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var cr chargeResponse
		_ = json.Unmarshal(raw, &cr)
		return nil, fmt.Errorf("%w: HTTP %d %s", ErrRejected, resp.StatusCode, cr.StatusMessage)
	}

	var cr chargeResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("%w: 响应解析失败: %v", ErrUnavailable, err)
	}

	return &ChargeResult{
		GatewayOrderID:       trx.Code,
		GatewayTransactionID: cr.TransactionID,
		PaymentToken:         cr.Token,
		RedirectURL:          cr.RedirectURL,
	}, nil
}

type statusResponse struct {
	OrderID           string `json:"order_id"`
	TransactionID     string `json:"transaction_id"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	StatusCode        string `json:"status_code"`
}

// QueryStatus 查询网关侧的真实支付状态
//
// 网关查不到这笔订单（HTTP 404）返回 StatusUnknown 而不是错误：
// 刚下单的事务可能还没在网关侧落地，查不到不等于失败。
func (c *Client) QueryStatus(ctx context.Context, gatewayOrderID string) (*StatusResult, error) {
	url := fmt.Sprintf("%s/v2/%s/status", c.baseURL, gatewayOrderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.serverKey, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: 读取响应失败: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &StatusResult{Status: model.StatusUnknown, RawStatus: "not_found"}, nil
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: HTTP %d", ErrRejected, resp.StatusCode)
	}

	var sr statusResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, fmt.Errorf("%w: 响应解析失败: %v", ErrUnavailable, err)
	}

	return &StatusResult{
		Status:               MapProviderStatus(sr.TransactionStatus, sr.FraudStatus),
		GatewayTransactionID: sr.TransactionID,
		RawStatus:            sr.TransactionStatus,
	}, nil
}

// MapProviderStatus 网关状态词表 -> 归一化状态
//
// 词表取自 Midtrans 风格网关的全部取值。没有出现在表里的值一律归到
// UNKNOWN（对账时视为无变化），宁可晚一轮收敛也不凭猜测改账。
func MapProviderStatus(transactionStatus, fraudStatus string) model.PaymentStatus {
	switch transactionStatus {
	case "capture":
		// capture 只有在风控放行后才算钱已到账
		if fraudStatus == "" || fraudStatus == "accept" {
			return model.StatusPaid
		}
		return model.StatusPending
	case "settlement":
		return model.StatusPaid
	case "pending", "authorize":
		return model.StatusPending
	case "deny", "cancel", "failure":
		return model.StatusFailed
	case "expire":
		return model.StatusExpired
	default:
		// refund/chargeback 等资金回退状态不在对账范围内，按无变化处理
		return model.StatusUnknown
	}
}

// Signature 计算通知签名
// 算法：sha512(order_id + status_code + gross_amount + server_key)
// gross_amount 使用通知里的原始字符串参与运算，避免数值格式化差异
func (c *Client) Signature(orderID, statusCode, grossAmount string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + c.serverKey))
	return hex.EncodeToString(sum[:])
}

// VerifySignature 校验通知签名，比较使用常数时间算法
func (c *Client) VerifySignature(orderID, statusCode, grossAmount, signature string) bool {
	expected := c.Signature(orderID, statusCode, grossAmount)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
