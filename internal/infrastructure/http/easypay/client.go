// Package easypay is the protocol client for the card payment gateway.
package easypay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"pg_settlement/internal/config"
	"pg_settlement/internal/domain/order"
	"pg_settlement/internal/infrastructure/msgauth"
	"pg_settlement/pkg/logger"
)

const (
	payMethodCard     = "11"
	currencyKRW       = "00"
	clientTypeDefault = "00"
)

type Client struct {
	transport *transport
	cfg       config.PGConfig
	codec     *msgauth.Codec
	log       logger.Logger
	now       func() time.Time
}

// NewClient validates cfg up front so a misconfigured gateway fails at startup.
func NewClient(cfg config.PGConfig, codec *msgauth.Codec, log logger.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if codec == nil {
		return nil, msgauth.ErrMissingSecret
	}
	if _, err := url.Parse(cfg.BaseURL()); err != nil {
		return nil, fmt.Errorf("%w: invalid pg base url: %v", config.ErrMisconfigured, err)
	}
	if log == nil {
		log = logger.NewNop()
	}

	return &Client{
		transport: newTransport(transportConfig{Timeout: cfg.Timeout}),
		cfg:       cfg,
		codec:     codec,
		log:       log.WithFields(logger.String("component", "easypay"), logger.String("pg_env", string(cfg.Env))),
		now:       time.Now,
	}, nil
}

// Initiate opens a payment session and returns the page the buyer is sent to.
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	if req.Amount <= 0 {
		return nil, &order.ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if req.ReturnURL == "" {
		return nil, order.Required("returnUrl")
	}
	if req.GoodsName == "" {
		return nil, order.Required("goodsName")
	}
	deviceType := strings.ToLower(req.DeviceType)
	if deviceType == "" {
		deviceType = DevicePC
	}
	if deviceType != DevicePC && deviceType != DeviceMobile {
		return nil, &order.ValidationError{Field: "deviceType", Reason: "must be pc or mobile"}
	}

	shopOrderNo := req.ShopOrderNo
	if shopOrderNo == "" {
		shopOrderNo = order.NewShopOrderNo(c.now().In(c.location()))
	}

	body := map[string]any{
		"mallId":            c.cfg.MallID,
		"shopOrderNo":       shopOrderNo,
		"amount":            req.Amount,
		"payMethodTypeCode": payMethodCard,
		"currency":          currencyKRW,
		"returnUrl":         req.ReturnURL,
		"deviceTypeCode":    deviceType,
		"clientTypeCode":    clientTypeDefault,
		"orderInfo": map[string]any{
			"goodsName": req.GoodsName,
			"customerInfo": map[string]string{
				"customerName":      req.CustomerName,
				"customerMail":      req.CustomerEmail,
				"customerContactNo": req.CustomerPhone,
			},
		},
	}

	var out InitiateResponse
	raw, err := c.call(ctx, EndpointWebpay, body, &out)
	if err != nil {
		return nil, err
	}
	out.ShopOrderNo = shopOrderNo
	out.Raw = raw

	c.log.Info("pg session initiated",
		logger.String("shop_order_no", shopOrderNo),
		logger.Int64("amount", req.Amount),
		logger.String("res_cd", out.ResCd),
	)
	return &out, nil
}

// Approve confirms an authorization. The response is untrusted until its
// MsgAuthValue has been verified by the caller.
func (c *Client) Approve(ctx context.Context, req ApproveRequest) (*ApproveResponse, error) {
	switch {
	case req.AuthorizationID == "":
		return nil, order.Required("authorizationId")
	case req.ShopTransactionID == "":
		return nil, order.Required("shopTransactionId")
	case req.ShopOrderNo == "":
		return nil, order.Required("shopOrderNo")
	case req.ApprovalReqDate == "":
		return nil, order.Required("approvalReqDate")
	}

	body := map[string]any{
		"mallId":            c.cfg.MallID,
		"shopTransactionId": req.ShopTransactionID,
		"authorizationId":   req.AuthorizationID,
		"shopOrderNo":       req.ShopOrderNo,
		"approvalReqDate":   req.ApprovalReqDate,
	}

	var out ApproveResponse
	raw, err := c.call(ctx, EndpointApproval, body, &out)
	if err != nil {
		return nil, err
	}
	out.Raw = raw

	c.log.Info("pg approval answered",
		logger.String("shop_order_no", req.ShopOrderNo),
		logger.String("pg_cno", out.PGCno),
		logger.String("res_cd", out.ResCd),
	)
	return &out, nil
}

// RetrieveTransaction reads the gateway's view of a transaction. It never moves money.
func (c *Client) RetrieveTransaction(ctx context.Context, req RetrieveRequest) (*RetrieveResponse, error) {
	if req.ShopTransactionID == "" {
		return nil, order.Required("shopTransactionId")
	}
	if req.TransactionDate == "" {
		return nil, order.Required("transactionDate")
	}

	body := map[string]any{
		"mallId":            c.cfg.MallID,
		"shopTransactionId": req.ShopTransactionID,
		"transactionDate":   req.TransactionDate,
	}
	if req.ShopOrderNo != "" {
		body["shopOrderNo"] = req.ShopOrderNo
	}

	var out RetrieveResponse
	raw, err := c.call(ctx, EndpointRetrieveTransaction, body, &out)
	if err != nil {
		return nil, err
	}
	out.Raw = raw
	return &out, nil
}

// Revise cancels or refunds. The body is signed over [pgCno, shopTransactionId]
// and restricted to the revise allow-list.
func (c *Client) Revise(ctx context.Context, req ReviseRequest) (*ReviseResponse, error) {
	switch {
	case req.ShopTransactionID == "":
		return nil, order.Required("shopTransactionId")
	case req.PGCno == "":
		return nil, order.Required("pgCno")
	case req.ReviseTypeCode == "":
		return nil, order.Required("reviseTypeCode")
	case req.CancelReqDate == "":
		return nil, order.Required("cancelReqDate")
	}

	sig, err := c.codec.Sign(req.PGCno, req.ShopTransactionID)
	if err != nil {
		return nil, fmt.Errorf("sign revise: %w", err)
	}

	fields := make(map[string]any, len(req.Extra)+16)
	for k, v := range req.Extra {
		fields[k] = v
	}
	setIf := func(key, value string) {
		if value != "" {
			fields[key] = value
		}
	}
	fields["mallId"] = c.cfg.MallID
	fields["shopTransactionId"] = req.ShopTransactionID
	fields["pgCno"] = req.PGCno
	fields["reviseTypeCode"] = req.ReviseTypeCode
	fields["cancelReqDate"] = req.CancelReqDate
	fields["msgAuthValue"] = sig
	setIf("cancelPgCno", req.CancelPGCno)
	setIf("reviseSubTypeCode", req.ReviseSubTypeCode)
	setIf("clientIp", req.ClientIP)
	setIf("clientId", req.ClientID)
	setIf("reviseMessage", req.ReviseMessage)
	setIf("refundQueryFlag", req.RefundQueryFlag)
	setIf("basketUsed", req.BasketUsed)
	if req.Amount != nil {
		fields["amount"] = *req.Amount
	}
	if req.RemainAmount != nil {
		fields["remainAmount"] = *req.RemainAmount
	}
	if len(req.TaxInfo) > 0 {
		fields["taxInfo"] = req.TaxInfo
	}
	if len(req.RefundInfo) > 0 {
		fields["refundInfo"] = req.RefundInfo
	}

	var out ReviseResponse
	raw, err := c.call(ctx, EndpointRevise, allowedReviseFields(fields), &out)
	if err != nil {
		return nil, err
	}
	out.Raw = raw

	c.log.Info("pg revise answered",
		logger.String("pg_cno", req.PGCno),
		logger.String("revise_type_code", req.ReviseTypeCode),
		logger.String("res_cd", out.ResCd),
	)
	return &out, nil
}

// Today returns the gateway-local YYYYMMDD date.
func (c *Client) Today() string {
	return order.PGDate(c.now(), c.location())
}

func (c *Client) location() *time.Location {
	if c.cfg.Location != nil {
		return c.cfg.Location
	}
	return time.UTC
}

func (c *Client) endpointURL(endpoint string) string {
	return strings.TrimRight(c.cfg.BaseURL(), "/") + endpointPaths[endpoint]
}

// call posts body and decodes a 2xx JSON answer into out.
func (c *Client) call(ctx context.Context, endpoint string, body any, out any) (json.RawMessage, error) {
	start := time.Now()
	resp, err := c.transport.postJSON(ctx, c.endpointURL(endpoint), body)
	if err != nil {
		c.log.Warn("pg call failed",
			logger.String("endpoint", endpoint),
			logger.Duration("took", time.Since(start)),
			logger.Error(err),
		)
		return nil, fmt.Errorf("pg %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Error("pg returned http error",
			logger.String("endpoint", endpoint),
			logger.Int("status", resp.StatusCode),
		)
		return nil, &GatewayHTTPError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}

	if err := json.Unmarshal(resp.Body, out); err != nil {
		return nil, fmt.Errorf("pg %s: decode response: %w", endpoint, err)
	}
	return json.RawMessage(resp.Body), nil
}
