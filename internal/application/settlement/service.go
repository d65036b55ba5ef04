// Package settlement drives an order from checkout to a settled state against
// the payment gateway.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pg_settlement/internal/config"
	domain "pg_settlement/internal/domain/order"
	"pg_settlement/internal/domain/repository"
	"pg_settlement/internal/infrastructure/http/easypay"
	"pg_settlement/pkg/logger"
)

// Gateway is the part of the PG client the orchestrator uses.
type Gateway interface {
	Initiate(ctx context.Context, req easypay.InitiateRequest) (*easypay.InitiateResponse, error)
	Approve(ctx context.Context, req easypay.ApproveRequest) (*easypay.ApproveResponse, error)
	Revise(ctx context.Context, req easypay.ReviseRequest) (*easypay.ReviseResponse, error)
	Today() string
}

// Verifier checks a gateway msgAuthValue.
type Verifier interface {
	Verify(expected string, parts ...string) (bool, error)
}

type EventPublisher interface {
	PublishEvent(ctx context.Context, e domain.Event) error
}

type CommandPublisher interface {
	PublishCommand(ctx context.Context, cmd domain.Command) error
}

// shopOrderNoAttempts bounds regeneration of colliding generated order numbers.
const shopOrderNoAttempts = 3

type Options struct {
	ShippingFee          int64
	FreeShippingOver     int64
	DefaultGoodsName     string
	DraftWriteAttempts   int
	DraftWriteRetryDelay time.Duration
	Location             *time.Location
}

func OptionsFromConfig(pricing config.PricingConfig, pg config.PGConfig) Options {
	return Options{
		ShippingFee:          pricing.ShippingFee,
		FreeShippingOver:     pricing.FreeShippingOver,
		DefaultGoodsName:     pricing.DefaultGoodsName,
		DraftWriteAttempts:   pricing.DraftWriteAttempts,
		DraftWriteRetryDelay: pricing.DraftWriteRetryDelay,
		Location:             pg.Location,
	}
}

// Deps groups the collaborators of Service. Events and Commands may be nil.
type Deps struct {
	Gateway  Gateway
	Verifier Verifier
	Orders   repository.OrderRepository
	Carts    repository.CartRepository
	Products repository.ProductLookup
	Events   EventPublisher
	Commands CommandPublisher
	Logger   logger.Logger
}

type Service struct {
	gateway  Gateway
	verifier Verifier
	orders   repository.OrderRepository
	carts    repository.CartRepository
	products repository.ProductLookup
	events   EventPublisher
	commands CommandPublisher
	opts     Options
	log      logger.Logger
	now      func() time.Time
}

func NewService(deps Deps, opts Options) *Service {
	if opts.DraftWriteAttempts <= 0 {
		opts.DraftWriteAttempts = 1
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.DefaultGoodsName == "" {
		opts.DefaultGoodsName = "Order"
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}

	return &Service{
		gateway:  deps.Gateway,
		verifier: deps.Verifier,
		orders:   deps.Orders,
		carts:    deps.Carts,
		products: deps.Products,
		events:   deps.Events,
		commands: deps.Commands,
		opts:     opts,
		log:      log.WithFields(logger.String("component", "settlement")),
		now:      time.Now,
	}
}

/* ================= start ================= */

type StartCommand struct {
	Scope       domain.CartScope
	Buyer       domain.Buyer
	Shipping    domain.Shipping
	GoodsName   string
	DeviceType  string
	ReturnURL   string
	ShopOrderNo string
}

type StartResult struct {
	ShopOrderNo string         `json:"shop_order_no"`
	AuthPageURL string         `json:"auth_page_url"`
	ResCd       string         `json:"res_cd"`
	ResMsg      string         `json:"res_msg"`
	Amounts     domain.Amounts `json:"amounts"`
	// DraftSaved is false when the draft write was handed to the command topic.
	DraftSaved bool `json:"draft_saved"`
}

// Start snapshots the cart, opens a PG payment session and writes the pending
// order. A failed draft write never blocks the redirect.
func (s *Service) Start(ctx context.Context, cmd StartCommand) (*StartResult, error) {
	if err := cmd.Scope.Validate(); err != nil {
		return nil, err
	}
	if cmd.ReturnURL == "" {
		return nil, domain.Required("return_url")
	}
	log := s.log.WithContext(ctx).WithFields(logger.String("cart_scope", cmd.Scope.String()))

	items, err := s.carts.ListCartItems(ctx, cmd.Scope)
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}
	if len(items) == 0 {
		return nil, domain.ErrEmptyCart
	}
	snapshot := domain.CartSnapshot{Scope: cmd.Scope, Items: items}

	shopOrderNo, err := s.reserveShopOrderNo(ctx, cmd.ShopOrderNo)
	if err != nil {
		return nil, err
	}

	now := s.now()
	draft, err := domain.NewDraft(domain.DraftInput{
		ID:          uuid.NewString(),
		ShopOrderNo: shopOrderNo,
		Buyer:       cmd.Buyer,
		Shipping:    cmd.Shipping,
		Cart:        snapshot,
		ShippingFee: s.shippingFee(snapshot),
		Now:         now,
	})
	if err != nil {
		return nil, err
	}

	resp, err := s.gateway.Initiate(ctx, easypay.InitiateRequest{
		Amount:        draft.Amounts.Total,
		GoodsName:     s.goodsName(ctx, cmd.GoodsName, snapshot),
		DeviceType:    cmd.DeviceType,
		ReturnURL:     cmd.ReturnURL,
		ShopOrderNo:   shopOrderNo,
		CustomerName:  cmd.Buyer.Name,
		CustomerEmail: cmd.Buyer.Email,
		CustomerPhone: cmd.Buyer.Phone,
	})
	if err != nil {
		return nil, fmt.Errorf("initiate payment: %w", err)
	}
	if !resp.Success() {
		return nil, fmt.Errorf("%w: resCd=%s %s", domain.ErrInitiateRejected, resp.ResCd, resp.ResMsg)
	}

	saved := s.saveDraft(ctx, draft)
	log.Info("Checkout started",
		logger.String("shop_order_no", shopOrderNo),
		logger.Int64("total", draft.Amounts.Total),
		logger.Bool("draft_saved", saved),
	)

	return &StartResult{
		ShopOrderNo: shopOrderNo,
		AuthPageURL: resp.AuthPageURL,
		ResCd:       resp.ResCd,
		ResMsg:      resp.ResMsg,
		Amounts:     draft.Amounts,
		DraftSaved:  saved,
	}, nil
}

// reserveShopOrderNo returns requested when set, else a generated number not
// yet present in the store. A lookup failure does not block checkout; the
// unique constraint still guards the insert.
func (s *Service) reserveShopOrderNo(ctx context.Context, requested string) (string, error) {
	if requested != "" {
		existing, err := s.orders.FindByShopOrderNo(ctx, requested)
		switch {
		case errors.Is(err, domain.ErrOrderNotFound):
			return requested, nil
		case err != nil:
			s.log.Warn("Order number lookup failed", logger.String("shop_order_no", requested), logger.Error(err))
			return requested, nil
		case existing.Status != domain.StatusPending:
			return "", fmt.Errorf("%w: %s is %s", domain.ErrAlreadySettled, requested, existing.Status)
		}
		return requested, nil
	}

	for attempt := 1; attempt <= shopOrderNoAttempts; attempt++ {
		candidate := domain.NewShopOrderNo(s.now().In(s.opts.Location))
		exists, err := s.orders.ExistsShopOrderNo(ctx, candidate)
		if err != nil {
			s.log.Warn("Order number lookup failed", logger.String("shop_order_no", candidate), logger.Error(err))
			return candidate, nil
		}
		if !exists {
			return candidate, nil
		}
		s.log.Warn("Generated order number collided", logger.String("shop_order_no", candidate), logger.Int("attempt", attempt))
	}
	return "", fmt.Errorf("%w: no free order number after %d attempts", domain.ErrAlreadyExists, shopOrderNoAttempts)
}

func (s *Service) shippingFee(snapshot domain.CartSnapshot) int64 {
	var subtotal int64
	for _, it := range snapshot.Items {
		subtotal += it.LineTotal()
	}
	if s.opts.FreeShippingOver > 0 && subtotal >= s.opts.FreeShippingOver {
		return 0
	}
	return s.opts.ShippingFee
}

func (s *Service) goodsName(ctx context.Context, requested string, snapshot domain.CartSnapshot) string {
	if requested != "" {
		return requested
	}
	ids := snapshot.ProductIDs()
	if len(ids) == 0 || s.products == nil {
		return s.opts.DefaultGoodsName
	}
	products, err := s.products.LookupProducts(ctx, ids[:1])
	if err != nil {
		s.log.Warn("Product lookup failed", logger.Error(err))
		return s.opts.DefaultGoodsName
	}
	p, ok := products[ids[0]]
	if !ok || p.Name == "" {
		return s.opts.DefaultGoodsName
	}
	if len(snapshot.Items) > 1 {
		return fmt.Sprintf("%s and %d more", p.Name, len(snapshot.Items)-1)
	}
	return p.Name
}

// saveDraft retries the draft write, then hands it to the command topic.
func (s *Service) saveDraft(ctx context.Context, draft *domain.Order) bool {
	var lastErr error
	for attempt := 1; attempt <= s.opts.DraftWriteAttempts; attempt++ {
		created, err := s.orders.CreateDraft(ctx, draft)
		if err == nil {
			if !created {
				s.log.Info("Draft already exists", logger.String("shop_order_no", draft.ShopOrderNo))
			}
			return true
		}
		lastErr = err
		s.log.Warn("Draft write failed",
			logger.String("shop_order_no", draft.ShopOrderNo),
			logger.Int("attempt", attempt),
			logger.Error(err),
		)
		if attempt < s.opts.DraftWriteAttempts && !sleep(ctx, s.opts.DraftWriteRetryDelay) {
			break
		}
	}

	if s.commands == nil {
		s.log.Error("Draft lost, no command publisher", logger.String("shop_order_no", draft.ShopOrderNo), logger.Error(lastErr))
		return false
	}
	cmd := domain.Command{Type: domain.CommandDraftRetry, ShopOrderNo: draft.ShopOrderNo, Draft: draft, IssuedAt: s.now().UTC()}
	if err := s.commands.PublishCommand(context.WithoutCancel(ctx), cmd); err != nil {
		s.log.Error("Draft retry could not be queued",
			logger.String("shop_order_no", draft.ShopOrderNo),
			logger.Error(err),
		)
	}
	return false
}

// CreateDraft re-drives a draft write queued by Start.
func (s *Service) CreateDraft(ctx context.Context, draft *domain.Order) (bool, error) {
	if draft == nil {
		return false, domain.Required("draft")
	}
	if draft.Status != domain.StatusPending {
		return false, fmt.Errorf("%w: draft must be pending, got %s", domain.ErrInvalidTransition, draft.Status)
	}
	if err := draft.CartScope.Validate(); err != nil {
		return false, err
	}
	created, err := s.orders.CreateDraft(ctx, draft)
	if err != nil {
		return false, fmt.Errorf("create draft %s: %w", draft.ShopOrderNo, err)
	}
	return created, nil
}

/* ================= callback ================= */

// CallbackPayload is what the payment page posts back after authorization.
type CallbackPayload struct {
	ResCd           string `json:"resCd" form:"resCd"`
	ResMsg          string `json:"resMsg" form:"resMsg"`
	AuthorizationID string `json:"authorizationId" form:"authorizationId"`
	ShopOrderNo     string `json:"shopOrderNo" form:"shopOrderNo"`
}

type CallbackResult struct {
	ShopOrderNo string        `json:"shop_order_no"`
	Status      domain.Status `json:"status"`
	PGCno       string        `json:"pg_cno,omitempty"`
	Amount      int64         `json:"amount"`
	// AlreadySettled is true when a previous callback settled the order.
	AlreadySettled bool `json:"already_settled"`
}

// Callback approves the authorization and settles the order exactly once.
func (s *Service) Callback(ctx context.Context, p CallbackPayload) (*CallbackResult, error) {
	if p.ShopOrderNo == "" {
		return nil, domain.Required("shopOrderNo")
	}
	log := s.log.WithContext(ctx).WithFields(logger.String("shop_order_no", p.ShopOrderNo))

	if p.ResCd != domain.ResCdSuccess {
		log.Info("Payment page did not authorize", logger.String("res_cd", p.ResCd), logger.String("res_msg", p.ResMsg))
		return nil, fmt.Errorf("%w: payment page returned resCd=%s %s", domain.ErrApprovalRejected, p.ResCd, p.ResMsg)
	}
	if p.AuthorizationID == "" {
		return nil, domain.Required("authorizationId")
	}

	if existing, err := s.orders.FindByShopOrderNo(ctx, p.ShopOrderNo); err == nil && existing.Status != domain.StatusPending {
		log.Info("Callback for settled order", logger.String("status", existing.Status.String()))
		return settledResult(existing), nil
	}

	resp, err := s.gateway.Approve(ctx, easypay.ApproveRequest{
		AuthorizationID:   p.AuthorizationID,
		ShopTransactionID: uuid.NewString(),
		ShopOrderNo:       p.ShopOrderNo,
		ApprovalReqDate:   s.gateway.Today(),
	})
	if err != nil {
		return nil, fmt.Errorf("approve payment: %w", err)
	}
	if !resp.Success() {
		return nil, fmt.Errorf("%w: resCd=%s %s", domain.ErrApprovalRejected, resp.ResCd, resp.ResMsg)
	}

	ok, err := s.verifier.Verify(resp.MsgAuthValue, resp.SignedParts()...)
	if err != nil {
		return nil, fmt.Errorf("verify approval: %w", err)
	}
	if !ok {
		log.Error("Approval signature mismatch", logger.String("pg_cno", resp.PGCno))
		s.flag(ctx, p.ShopOrderNo, domain.FlagSignatureMismatch, map[string]string{"pg_cno": resp.PGCno})
		return nil, domain.ErrSignatureMismatch
	}

	o, err := s.orders.FindByShopOrderNo(ctx, p.ShopOrderNo)
	if errors.Is(err, domain.ErrOrderNotFound) {
		log.Error("Approved payment has no order", logger.String("pg_cno", resp.PGCno))
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}

	amount, parsed := resp.Amount.Int64()
	if !parsed || amount != o.Amounts.Total {
		log.Error("Approved amount differs from order total",
			logger.String("approved", resp.Amount.String()),
			logger.Int64("total", o.Amounts.Total),
		)
		s.flag(ctx, p.ShopOrderNo, domain.FlagAmountMismatch, map[string]string{"pg_cno": resp.PGCno, "approved_amount": resp.Amount.String()})
		return nil, fmt.Errorf("%w: approved %s, order total %d", domain.ErrAmountMismatch, resp.Amount, o.Amounts.Total)
	}

	paid, err := s.markPaid(ctx, o, p.AuthorizationID, resp.PGCno, resp.Raw)
	if errors.Is(err, domain.ErrAlreadySettled) {
		log.Info("Concurrent callback already settled the order")
		return settledResult(paid), nil
	}
	if errors.Is(err, domain.ErrAuthIDConflict) {
		s.flag(ctx, p.ShopOrderNo, domain.FlagAuthIDMismatch, map[string]string{domain.AttrPGAuthID: p.AuthorizationID})
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	log.Info("Order paid", logger.String("pg_cno", resp.PGCno), logger.Int64("amount", amount))
	s.publish(ctx, domain.NewEvent(domain.EventPaid, paid, domain.StatusPending, domain.FlagNone, s.now()))

	return &CallbackResult{
		ShopOrderNo: paid.ShopOrderNo,
		Status:      paid.Status,
		PGCno:       paid.PGCno,
		Amount:      amount,
	}, nil
}

// markPaid freezes the snapshot into items and moves o to paid.
func (s *Service) markPaid(ctx context.Context, o *domain.Order, authorizationID, pgCno string, payload []byte) (*domain.Order, error) {
	snapshot, err := o.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("decode cart snapshot %s: %w", o.ShopOrderNo, err)
	}
	products, err := s.products.LookupProducts(ctx, snapshot.ProductIDs())
	if err != nil {
		return nil, fmt.Errorf("lookup products: %w", err)
	}
	return s.orders.MaterializeItemsAndMarkPaid(ctx, repository.MarkPaidCommand{
		OrderID:         o.ID,
		Snapshot:        snapshot,
		Products:        products,
		AuthorizationID: authorizationID,
		PGCno:           pgCno,
		PGPayload:       payload,
	})
}

// MarkPaidFromGateway settles a pending order whose callback never arrived.
func (s *Service) MarkPaidFromGateway(ctx context.Context, o *domain.Order, authorizationID, pgCno string, payload []byte) (*domain.Order, error) {
	paid, err := s.markPaid(ctx, o, authorizationID, pgCno, payload)
	if err != nil {
		return paid, err
	}
	s.publish(ctx, domain.NewEvent(domain.EventPaid, paid, domain.StatusPending, domain.FlagStatusSynced, s.now()))
	return paid, nil
}

func settledResult(o *domain.Order) *CallbackResult {
	res := &CallbackResult{AlreadySettled: true}
	if o != nil {
		res.ShopOrderNo = o.ShopOrderNo
		res.Status = o.Status
		res.PGCno = o.PGCno
		res.Amount = o.Amounts.Total
	}
	return res
}

// flag records a diagnostic without touching status. Missing orders are ignored.
func (s *Service) flag(ctx context.Context, shopOrderNo string, flag domain.DiagnosticFlag, attrs map[string]string) {
	o, err := s.orders.FindByShopOrderNo(ctx, shopOrderNo)
	if err != nil {
		return
	}
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrs[domain.AttrReconciledAt] = s.now().UTC().Format(time.RFC3339)
	current, err := s.orders.FlagOrder(ctx, o.ID, flag, attrs)
	if err != nil {
		s.log.Error("Failed to record flag",
			logger.String("shop_order_no", shopOrderNo),
			logger.String("flag", flag.String()),
			logger.Error(err),
		)
		return
	}
	previous := o.Status
	o.Status = current
	o.Attributes[domain.AttrReconcileFlag] = flag.String()
	s.publish(ctx, domain.NewEvent(domain.EventFlagged, o, previous, flag, s.now()))
}

/* ================= revise ================= */

type ReviseCommand struct {
	ShopOrderNo       string
	ReviseTypeCode    string
	ReviseSubTypeCode string
	Amount            *int64
	RemainAmount      *int64
	ClientIP          string
	Message           string
	RefundInfo        []byte
	Extra             map[string]any
}

type ReviseResult struct {
	ShopOrderNo string        `json:"shop_order_no"`
	Status      domain.Status `json:"status"`
	CancelPGCno string        `json:"cancel_pg_cno,omitempty"`
	ResCd       string        `json:"res_cd"`
	ResMsg      string        `json:"res_msg"`
}

// Revise cancels or refunds a paid order. It is never retried here; callers
// re-drive explicitly.
func (s *Service) Revise(ctx context.Context, cmd ReviseCommand) (*ReviseResult, error) {
	if cmd.ShopOrderNo == "" {
		return nil, domain.Required("shop_order_no")
	}
	if cmd.ReviseTypeCode == "" {
		return nil, domain.Required("revise_type_code")
	}

	o, err := s.orders.FindByShopOrderNo(ctx, cmd.ShopOrderNo)
	if err != nil {
		return nil, err
	}
	if !o.CanRevise() {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrInvalidTransition, o.ShopOrderNo, o.Status)
	}
	if o.PGCno == "" {
		return nil, domain.Required("pg_cno")
	}

	resp, err := s.gateway.Revise(ctx, easypay.ReviseRequest{
		ShopTransactionID: uuid.NewString(),
		PGCno:             o.PGCno,
		ReviseTypeCode:    cmd.ReviseTypeCode,
		ReviseSubTypeCode: cmd.ReviseSubTypeCode,
		CancelReqDate:     s.gateway.Today(),
		Amount:            cmd.Amount,
		RemainAmount:      cmd.RemainAmount,
		ClientIP:          cmd.ClientIP,
		ReviseMessage:     cmd.Message,
		RefundInfo:        cmd.RefundInfo,
		Extra:             cmd.Extra,
	})
	if err != nil {
		return nil, fmt.Errorf("revise payment: %w", err)
	}
	if !resp.Success() {
		return nil, fmt.Errorf("%w: resCd=%s %s", domain.ErrReviseRejected, resp.ResCd, resp.ResMsg)
	}

	target := reviseTarget(cmd.ReviseTypeCode, resp)
	if err := s.orders.MarkRevised(ctx, o.ID, target, resp.Raw); err != nil {
		// The gateway has already moved money.
		s.log.Error("Revise accepted by pg but not recorded",
			logger.String("shop_order_no", o.ShopOrderNo),
			logger.String("cancel_pg_cno", resp.CancelPGCno),
			logger.Error(err),
		)
		return nil, fmt.Errorf("record revise %s: %w", o.ShopOrderNo, err)
	}

	previous := o.Status
	o.Status = target
	o.PaymentStatus = target
	s.publish(ctx, domain.NewEvent(domain.EventRevised, o, previous, domain.FlagNone, s.now()))
	s.log.Info("Order revised",
		logger.String("shop_order_no", o.ShopOrderNo),
		logger.String("revise_type_code", cmd.ReviseTypeCode),
		logger.String("status", target.String()),
	)

	return &ReviseResult{
		ShopOrderNo: o.ShopOrderNo,
		Status:      target,
		CancelPGCno: resp.CancelPGCno,
		ResCd:       resp.ResCd,
		ResMsg:      resp.ResMsg,
	}, nil
}

// reviseTarget maps an accepted revise to the order status. A partial cancel
// that leaves a balance keeps the order paid so it can be revised again.
func reviseTarget(code string, resp *easypay.ReviseResponse) domain.Status {
	switch code {
	case easypay.ReviseFullCancel:
		return domain.StatusCancelled
	case easypay.RevisePartialCancel:
		if remain, ok := resp.RemainAmount.Int64(); ok && remain > 0 {
			return domain.StatusPaid
		}
	}
	return domain.StatusRefund
}

/* ================= read ================= */

type OrderView struct {
	Order *domain.Order      `json:"order"`
	Items []domain.OrderItem `json:"items"`
}

func (s *Service) Order(ctx context.Context, shopOrderNo string) (*OrderView, error) {
	if shopOrderNo == "" {
		return nil, domain.Required("shop_order_no")
	}
	o, err := s.orders.FindByShopOrderNo(ctx, shopOrderNo)
	if err != nil {
		return nil, err
	}
	items, err := s.orders.ListItems(ctx, o.ID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return &OrderView{Order: o, Items: items}, nil
}

/* ================= helpers ================= */

func (s *Service) publish(ctx context.Context, e domain.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishEvent(context.WithoutCancel(ctx), e); err != nil {
		s.log.Warn("Failed to publish settlement event",
			logger.String("type", string(e.Type)),
			logger.String("shop_order_no", e.ShopOrderNo),
			logger.Error(err),
		)
	}
}

// sleep waits d or until ctx is done; it reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
