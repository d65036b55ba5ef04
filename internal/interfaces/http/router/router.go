package router

import (
	"github.com/gin-gonic/gin"

	"pg_settlement/internal/interfaces/http/handler"
)

func RegisterRoutes(r *gin.Engine, settlement *handler.SettlementHandler, admin *handler.AdminHandler) {
	r.GET("/healthz", admin.Health)

	api := r.Group("/api")
	{
		api.POST("/checkout/sessions", settlement.StartCheckout)
		api.POST("/payments/easypay/return", settlement.Callback)
		api.GET("/orders/:shopOrderNo", settlement.GetOrder)

		adm := api.Group("/admin")
		adm.POST("/orders/:shopOrderNo/revise", settlement.Revise)
		adm.POST("/reconcile", admin.Reconcile)
	}
}
