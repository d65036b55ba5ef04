package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"pg_settlement/internal/application/settlement"
	domain "pg_settlement/internal/domain/order"
	"pg_settlement/pkg/logger"
)

// SettlementService is the part of settlement.Service exposed over HTTP.
type SettlementService interface {
	Start(ctx context.Context, cmd settlement.StartCommand) (*settlement.StartResult, error)
	Callback(ctx context.Context, p settlement.CallbackPayload) (*settlement.CallbackResult, error)
	Revise(ctx context.Context, cmd settlement.ReviseCommand) (*settlement.ReviseResult, error)
	Order(ctx context.Context, shopOrderNo string) (*settlement.OrderView, error)
}

type SettlementHandler struct {
	svc SettlementService
	log logger.Logger
}

func NewSettlementHandler(svc SettlementService, log logger.Logger) *SettlementHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &SettlementHandler{svc: svc, log: log}
}

type checkoutRequest struct {
	UserID      string          `json:"user_id"`
	SessionID   string          `json:"session_id"`
	Buyer       domain.Buyer    `json:"buyer"`
	Shipping    domain.Shipping `json:"shipping"`
	GoodsName   string          `json:"goods_name"`
	DeviceType  string          `json:"device_type"`
	ReturnURL   string          `json:"return_url"`
	ShopOrderNo string          `json:"shop_order_no"`
}

// scope prefers the signed-in user over the anonymous session.
func (r checkoutRequest) scope() domain.CartScope {
	switch {
	case r.UserID != "":
		return domain.ByUser(r.UserID)
	case r.SessionID != "":
		return domain.BySession(r.SessionID)
	default:
		return domain.CartScope{}
	}
}

func (h *SettlementHandler) StartCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.Start(c.Request.Context(), settlement.StartCommand{
		Scope:       req.scope(),
		Buyer:       req.Buyer,
		Shipping:    req.Shipping,
		GoodsName:   req.GoodsName,
		DeviceType:  req.DeviceType,
		ReturnURL:   req.ReturnURL,
		ShopOrderNo: req.ShopOrderNo,
	})
	if err != nil {
		h.fail(c, "start checkout", err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// Callback accepts the payment page's return as a form post or JSON.
func (h *SettlementHandler) Callback(c *gin.Context) {
	var p settlement.CallbackPayload
	if err := c.ShouldBind(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.Callback(c.Request.Context(), p)
	if err != nil {
		h.fail(c, "payment callback", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *SettlementHandler) GetOrder(c *gin.Context) {
	view, err := h.svc.Order(c.Request.Context(), c.Param("shopOrderNo"))
	if err != nil {
		h.fail(c, "get order", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type reviseRequest struct {
	ReviseTypeCode    string          `json:"revise_type_code"`
	ReviseSubTypeCode string          `json:"revise_sub_type_code"`
	Amount            *int64          `json:"amount"`
	RemainAmount      *int64          `json:"remain_amount"`
	Message           string          `json:"message"`
	RefundInfo        json.RawMessage `json:"refund_info"`
	Extra             map[string]any  `json:"extra"`
}

func (h *SettlementHandler) Revise(c *gin.Context) {
	var req reviseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.Revise(c.Request.Context(), settlement.ReviseCommand{
		ShopOrderNo:       c.Param("shopOrderNo"),
		ReviseTypeCode:    req.ReviseTypeCode,
		ReviseSubTypeCode: req.ReviseSubTypeCode,
		Amount:            req.Amount,
		RemainAmount:      req.RemainAmount,
		ClientIP:          c.ClientIP(),
		Message:           req.Message,
		RefundInfo:        req.RefundInfo,
		Extra:             req.Extra,
	})
	if err != nil {
		h.fail(c, "revise order", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *SettlementHandler) fail(c *gin.Context, op string, err error) {
	status := statusFor(err)
	l := h.log.WithContext(c.Request.Context())
	if status >= http.StatusInternalServerError {
		l.Error("Request failed", logger.String("op", op), logger.Error(err))
	} else {
		l.Warn("Request rejected", logger.String("op", op), logger.Int("status", status), logger.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
