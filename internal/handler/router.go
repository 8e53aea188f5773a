package handler

import (
	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 下单
		api.POST("/checkout", h.Checkout)

		// 网关异步通知
		api.POST("/payment/notification", h.PaymentNotification)

		// 对账
		sync := api.Group("/sync")
		{
			sync.POST("/pending", h.SyncPending)
			sync.POST("/all", h.SyncAll)
			sync.POST("/:code", h.SyncOne)
		}

		// 重试
		api.POST("/retry/:code", h.Retry)

		// 查询
		transaction := api.Group("/transaction")
		{
			transaction.GET("/detail", h.GetTransaction)
			transaction.GET("/list", h.ListTransactions)
		}

		entitlement := api.Group("/entitlement")
		{
			entitlement.GET("/list", h.ListEntitlements)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
