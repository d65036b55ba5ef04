package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"pg_settlement/internal/application/reconcile"
	"pg_settlement/pkg/logger"
)

type Reconciler interface {
	RunOnce(ctx context.Context) (reconcile.Summary, error)
	ReconcileByShopOrderNo(ctx context.Context, shopOrderNo string) (reconcile.Outcome, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type AdminHandler struct {
	reconciler Reconciler
	db         Pinger
	log        logger.Logger
}

func NewAdminHandler(reconciler Reconciler, db Pinger, log logger.Logger) *AdminHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &AdminHandler{reconciler: reconciler, db: db, log: log}
}

type reconcileRequest struct {
	ShopOrderNo string `json:"shop_order_no"`
}

// Reconcile runs a full pass, or a single order when shop_order_no is given.
func (h *AdminHandler) Reconcile(c *gin.Context) {
	var req reconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if req.ShopOrderNo != "" {
		out, err := h.reconciler.ReconcileByShopOrderNo(ctx, req.ShopOrderNo)
		if err != nil {
			h.log.WithContext(ctx).Warn("Reconcile order failed",
				logger.String("shop_order_no", req.ShopOrderNo),
				logger.Error(err),
			)
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"shop_order_no": out.ShopOrderNo,
			"previous":      out.Previous,
			"status":        out.Status,
			"flag":          out.Flag,
			"changed":       out.Changed,
			"stale":         out.Stale,
		})
		return
	}

	sum, err := h.reconciler.RunOnce(ctx)
	if err != nil {
		h.log.WithContext(ctx).Error("Reconcile run failed", logger.Error(err))
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "summary": sum})
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *AdminHandler) Health(c *gin.Context) {
	if h.db != nil {
		if err := h.db.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
