package handler

import (
	"errors"
	"net/http"
	"strconv"

	"bookpay/internal/gateway"
	"bookpay/internal/model"
	"bookpay/internal/repository"
	"bookpay/internal/service"
	"bookpay/pkg/response"

	"github.com/gin-gonic/gin"
)

// Handler 统一处理器，包含所有服务依赖
// 服务实例由 main 装配一次，HTTP 层和后台任务共用同一套
type Handler struct {
	checkoutService    *service.CheckoutService
	webhookService     *service.WebhookService
	syncService        *service.SyncService
	retryService       *service.RetryService
	store              service.TransactionStore
	entitlementService *service.EntitlementService
}

// NewHandler 创建处理器实例
func NewHandler(
	checkout *service.CheckoutService,
	webhook *service.WebhookService,
	sync *service.SyncService,
	retry *service.RetryService,
	store service.TransactionStore,
	entitlement *service.EntitlementService,
) *Handler {
	return &Handler{
		checkoutService:    checkout,
		webhookService:     webhook,
		syncService:        sync,
		retryService:       retry,
		store:              store,
		entitlementService: entitlement,
	}
}

// ============================================================
// 下单接口
// ============================================================

type CheckoutItemRequest struct {
	ItemType string `json:"item_type" binding:"required"`
	ItemID   int64  `json:"item_id" binding:"required"`
	Title    string `json:"title" binding:"required"`
	Price    int64  `json:"price" binding:"required,gt=0"`
	Quantity int    `json:"quantity" binding:"required,gt=0"`
}

type CheckoutRequest struct {
	UserID int64                 `json:"user_id" binding:"required"`
	Kind   string                `json:"kind" binding:"required"`
	Items  []CheckoutItemRequest `json:"items" binding:"required,dive"`
}

// Checkout 创建购买事务
// POST /api/v1/checkout
func (h *Handler) Checkout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	items := make([]model.PurchaseItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, model.PurchaseItem{
			ItemType: it.ItemType,
			ItemID:   it.ItemID,
			Title:    it.Title,
			Price:    it.Price,
			Quantity: it.Quantity,
		})
	}

	trx, err := h.checkoutService.Checkout(c.Request.Context(), &service.CheckoutRequest{
		UserID: req.UserID,
		Kind:   req.Kind,
		Items:  items,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, trx)
}

// ============================================================
// 网关通知接口（Webhook）
// ============================================================

// PaymentNotification 接收网关的异步支付通知
// POST /api/v1/payment/notification
//
// 响应语义（网关按 HTTP 状态码决定是否重发）：
//   200 已接受（包括幂等空转）
//   403 签名不合法
//   404 订单号无法匹配
func (h *Handler) PaymentNotification(c *gin.Context) {
	var n service.Notification
	if err := c.ShouldBindJSON(&n); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status_message": "通知载荷不合法"})
		return
	}

	trx, changed, err := h.webhookService.HandleNotification(c.Request.Context(), &n)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSignatureInvalid):
			c.JSON(http.StatusForbidden, gin.H{"status_message": "签名校验失败"})
		case errors.Is(err, service.ErrUnknownTransaction):
			c.JSON(http.StatusNotFound, gin.H{"status_message": "订单不存在"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"status_message": "处理通知失败"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status_message": "ok",
		"order_id":       trx.GatewayOrderID,
		"changed":        changed,
	})
}

// ============================================================
// 对账接口
// ============================================================

// SyncOne 核对单笔事务
// POST /api/v1/sync/:code
func (h *Handler) SyncOne(c *gin.Context) {
	code := c.Param("code")

	trx, changed, err := h.syncService.SyncOne(c.Request.Context(), code)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"transaction": trx,
		"changed":     changed,
	})
}

// SyncPending 批量核对待支付事务
// POST /api/v1/sync/pending
func (h *Handler) SyncPending(c *gin.Context) {
	summary, err := h.syncService.SyncPending(c.Request.Context(), 0)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, summary)
}

// SyncAll 全量对账（管理端手动触发）
// POST /api/v1/sync/all
func (h *Handler) SyncAll(c *gin.Context) {
	summary, err := h.syncService.SyncAll(c.Request.Context())
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, summary)
}

// ============================================================
// 重试接口
// ============================================================

// Retry 为失败/过期事务发起新的支付尝试
// POST /api/v1/retry/:code
func (h *Handler) Retry(c *gin.Context) {
	code := c.Param("code")

	trx, err := h.retryService.Retry(c.Request.Context(), code)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, trx)
}

// ============================================================
// 查询接口
// ============================================================

// GetTransaction 查询事务详情
// GET /api/v1/transaction/detail?code=xxx
func (h *Handler) GetTransaction(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		response.ParamError(c, "code 参数不能为空")
		return
	}

	trx, err := h.store.GetByCode(c.Request.Context(), code)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, trx)
}

// ListTransactions 查询用户事务列表
// GET /api/v1/transaction/list?user_id=xxx&status=&page=1&page_size=10
func (h *Handler) ListTransactions(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	status := model.PaymentStatus(c.Query("status"))
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	trxs, total, err := h.store.ListForUser(c.Request.Context(), userID, status, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":      trxs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ListEntitlements 查询用户已解锁的内容
// GET /api/v1/entitlement/list?user_id=xxx
func (h *Handler) ListEntitlements(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	ents, err := h.entitlementService.ListForUser(c.Request.Context(), userID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, ents)
}

// writeError 业务错误 -> 响应码映射
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrValidation):
		response.ParamError(c, err.Error())
	case errors.Is(err, repository.ErrTransactionNotFound):
		response.BusinessError(c, response.CodeTransactionNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidState):
		response.BusinessError(c, response.CodeInvalidState, err.Error())
	case errors.Is(err, gateway.ErrRejected):
		response.BusinessError(c, response.CodeGatewayRejected, err.Error())
	case errors.Is(err, service.ErrStatusUnverified), errors.Is(err, gateway.ErrUnavailable):
		response.BusinessError(c, response.CodeGatewayUnavailable, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}
