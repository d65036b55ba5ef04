// Package reconcile repairs drift between the gateway's view of a transaction
// and the local order.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pg_settlement/internal/config"
	domain "pg_settlement/internal/domain/order"
	"pg_settlement/internal/domain/repository"
	"pg_settlement/internal/infrastructure/http/easypay"
	"pg_settlement/pkg/logger"
)

// Gateway is the read-only part of the PG client.
type Gateway interface {
	RetrieveTransaction(ctx context.Context, req easypay.RetrieveRequest) (*easypay.RetrieveResponse, error)
}

// Settler settles a pending order the gateway reports as paid.
type Settler interface {
	MarkPaidFromGateway(ctx context.Context, o *domain.Order, authorizationID, pgCno string, payload []byte) (*domain.Order, error)
}

type EventPublisher interface {
	PublishEvent(ctx context.Context, e domain.Event) error
}

type Options struct {
	MinAge     time.Duration
	MaxAge     time.Duration
	Workers    int
	BatchLimit int
	Location   *time.Location
}

func OptionsFromConfig(rc config.ReconcileConfig, pg config.PGConfig) Options {
	return Options{
		MinAge:     rc.MinAge,
		MaxAge:     rc.MaxAge,
		Workers:    rc.Workers,
		BatchLimit: rc.BatchLimit,
		Location:   pg.Location,
	}
}

// Outcome describes what reconciliation did to one order.
type Outcome struct {
	ShopOrderNo string
	Previous    domain.Status
	Status      domain.Status
	Flag        domain.DiagnosticFlag
	Changed     bool
	// Stale is set when another writer changed the order after it was read.
	Stale bool
}

// Summary counts the outcomes of one run.
type Summary struct {
	Scanned   int `json:"scanned"`
	Changed   int `json:"changed"`
	Flagged   int `json:"flagged"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
	// Skipped orders were not dispatched because the run was cancelled.
	Skipped int `json:"skipped"`
}

type Service struct {
	gateway Gateway
	orders  repository.OrderRepository
	settler Settler
	events  EventPublisher
	opts    Options
	log     logger.Logger
	now     func() time.Time
}

// NewService builds the job. events may be nil.
func NewService(gateway Gateway, orders repository.OrderRepository, settler Settler, events EventPublisher, opts Options, log logger.Logger) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		gateway: gateway,
		orders:  orders,
		settler: settler,
		events:  events,
		opts:    opts,
		log:     log.WithFields(logger.String("component", "reconcile")),
		now:     time.Now,
	}
}

// RunOnce reconciles every pending or paid order in the age window. Per-order
// failures are counted, never returned; cancellation stops dispatch between
// orders and is the only error besides a failed listing.
func (s *Service) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	now := s.now()

	q := repository.ReconcileQuery{
		Statuses:  domain.ReconcilableStatuses,
		OlderThan: now.Add(-s.opts.MinAge),
		Limit:     s.opts.BatchLimit,
	}
	if s.opts.MaxAge > 0 {
		q.NewerThan = now.Add(-s.opts.MaxAge)
	}

	orders, err := s.orders.ListForReconciliation(ctx, q)
	if err != nil {
		return sum, fmt.Errorf("list orders for reconciliation: %w", err)
	}
	sum.Scanned = len(orders)
	start := time.Now()

	var mu sync.Mutex
	pool := newWorkerPool(s.opts.Workers, func(o *domain.Order) {
		out, err := s.ReconcileOrder(ctx, o)

		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			sum.Failed++
			s.log.Warn("Reconcile failed",
				logger.String("shop_order_no", o.ShopOrderNo),
				logger.Error(err),
			)
		case out.Changed:
			sum.Changed++
		case out.Flag != domain.FlagNone:
			sum.Flagged++
		default:
			sum.Unchanged++
		}
	})

	dispatched := pool.run(ctx, orders)

	mu.Lock()
	sum.Skipped = len(orders) - dispatched
	result := sum
	mu.Unlock()

	s.log.Info("Reconcile run finished",
		logger.Int("scanned", result.Scanned),
		logger.Int("changed", result.Changed),
		logger.Int("flagged", result.Flagged),
		logger.Int("failed", result.Failed),
		logger.Int("skipped", result.Skipped),
		logger.Duration("took", time.Since(start)),
	)
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, nil
}

// ReconcileByShopOrderNo reconciles a single order on demand.
func (s *Service) ReconcileByShopOrderNo(ctx context.Context, shopOrderNo string) (Outcome, error) {
	if shopOrderNo == "" {
		return Outcome{}, domain.Required("shop_order_no")
	}
	o, err := s.orders.FindByShopOrderNo(ctx, shopOrderNo)
	if err != nil {
		return Outcome{ShopOrderNo: shopOrderNo}, err
	}
	return s.ReconcileOrder(ctx, o)
}

// ReconcileOrder compares o with the gateway and writes the result. A network
// failure leaves the order untouched and is returned for the next run.
func (s *Service) ReconcileOrder(ctx context.Context, o *domain.Order) (Outcome, error) {
	out := Outcome{ShopOrderNo: o.ShopOrderNo, Previous: o.Status, Status: o.Status}
	if !o.Status.Reconcilable() {
		return out, nil
	}

	resp, err := s.gateway.RetrieveTransaction(ctx, easypay.RetrieveRequest{
		ShopTransactionID: o.ShopOrderNo,
		TransactionDate:   domain.PGDate(o.CreatedAt, s.opts.Location),
		ShopOrderNo:       o.ShopOrderNo,
	})
	if err != nil {
		var httpErr *easypay.GatewayHTTPError
		if !errors.As(err, &httpErr) {
			return out, fmt.Errorf("retrieve %s: %w", o.ShopOrderNo, err)
		}
		attrs := s.attrs(map[string]string{"pg_http_status": fmt.Sprintf("%d", httpErr.StatusCode)})
		return s.flagOrder(ctx, o, out, domain.FlagPGHTTPError, attrs)
	}

	resCd := resp.EffectiveResCd()
	statusCode := resp.StatusCode()
	reported := resp.AuthorizationID()
	attrs := s.attrs(map[string]string{
		domain.AttrPGResCd:      resCd,
		domain.AttrPGStatusCode: statusCode,
	})

	if o.ConflictsWithAuthID(reported) {
		attrs[domain.AttrPGAuthID] = reported
		s.log.Error("Gateway authorization id differs from stored value",
			logger.String("shop_order_no", o.ShopOrderNo),
			logger.String("stored", o.PGAuthorizationID),
			logger.String("reported", reported),
		)
		return s.transition(ctx, o, out, domain.StatusPending, domain.FlagAuthIDMismatch, attrs, domain.EventFlagged)
	}

	target, flag, ok := domain.StatusFromPG(resCd, statusCode)
	if !ok {
		return s.flagOrder(ctx, o, out, flag, attrs)
	}
	if target == o.Status {
		return out, nil
	}

	if target == domain.StatusPaid && o.Status == domain.StatusPending {
		return s.settle(ctx, o, out, resp, attrs)
	}
	return s.transition(ctx, o, out, target, domain.FlagStatusSynced, attrs, domain.EventReconciled)
}

// settle materializes a pending order the gateway reports as paid.
func (s *Service) settle(ctx context.Context, o *domain.Order, out Outcome, resp *easypay.RetrieveResponse, attrs map[string]string) (Outcome, error) {
	reported := resp.AuthorizationID()
	pgCno := ""
	if resp.Result != nil {
		pgCno = resp.Result.PGCno
	}

	_, err := s.settler.MarkPaidFromGateway(ctx, o, reported, pgCno, resp.Raw)
	switch {
	case errors.Is(err, domain.ErrAlreadySettled):
		out.Stale = true
		return out, nil
	case errors.Is(err, domain.ErrAuthIDConflict):
		attrs[domain.AttrPGAuthID] = reported
		return s.transition(ctx, o, out, domain.StatusPending, domain.FlagAuthIDMismatch, attrs, domain.EventFlagged)
	case err != nil:
		return out, fmt.Errorf("settle %s from gateway: %w", o.ShopOrderNo, err)
	}

	if _, err := s.orders.FlagOrder(ctx, o.ID, domain.FlagStatusSynced, attrs); err != nil {
		return out, fmt.Errorf("flag %s as synced: %w", o.ShopOrderNo, err)
	}
	out.Status = domain.StatusPaid
	out.Flag = domain.FlagStatusSynced
	out.Changed = true

	s.log.Info("Order settled from gateway",
		logger.String("shop_order_no", o.ShopOrderNo),
		logger.String("pg_cno", pgCno),
	)
	synced := *o
	synced.Status = domain.StatusPaid
	s.publish(ctx, domain.NewEvent(domain.EventReconciled, &synced, out.Previous, domain.FlagStatusSynced, s.now()))
	return out, nil
}

// transition moves o from the status it was read with to status. When a
// concurrent writer got there first nothing is written and the order is left
// for the next run.
func (s *Service) transition(ctx context.Context, o *domain.Order, out Outcome, status domain.Status, flag domain.DiagnosticFlag, attrs map[string]string, typ domain.EventType) (Outcome, error) {
	err := s.orders.SetReconciledStatus(ctx, o.ID, o.Status, status, flag, attrs)
	if errors.Is(err, domain.ErrStatusChanged) {
		s.log.Info("Order changed during reconciliation, left for next run",
			logger.String("shop_order_no", o.ShopOrderNo),
			logger.String("read_status", o.Status.String()),
		)
		out.Stale = true
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("update %s: %w", o.ShopOrderNo, err)
	}
	out.Status = status
	out.Flag = flag
	out.Changed = status != out.Previous

	s.log.Info("Order status written by reconciliation",
		logger.String("shop_order_no", o.ShopOrderNo),
		logger.String("from", out.Previous.String()),
		logger.String("to", status.String()),
		logger.String("flag", flag.String()),
	)
	updated := *o
	updated.Status = status
	s.publish(ctx, domain.NewEvent(typ, &updated, out.Previous, flag, s.now()))
	return out, nil
}

// flagOrder records flag on o and leaves its status alone.
func (s *Service) flagOrder(ctx context.Context, o *domain.Order, out Outcome, flag domain.DiagnosticFlag, attrs map[string]string) (Outcome, error) {
	current, err := s.orders.FlagOrder(ctx, o.ID, flag, attrs)
	if err != nil {
		return out, fmt.Errorf("flag %s as %s: %w", o.ShopOrderNo, flag, err)
	}
	out.Status = current
	out.Flag = flag

	s.log.Warn("Order flagged by reconciliation",
		logger.String("shop_order_no", o.ShopOrderNo),
		logger.String("flag", flag.String()),
		logger.String("status", current.String()),
	)
	flagged := *o
	flagged.Status = current
	s.publish(ctx, domain.NewEvent(domain.EventFlagged, &flagged, out.Previous, flag, s.now()))
	return out, nil
}

func (s *Service) attrs(extra map[string]string) map[string]string {
	out := map[string]string{domain.AttrReconciledAt: s.now().UTC().Format(time.RFC3339)}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func (s *Service) publish(ctx context.Context, e domain.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishEvent(context.WithoutCancel(ctx), e); err != nil {
		s.log.Warn("Failed to publish reconcile event",
			logger.String("shop_order_no", e.ShopOrderNo),
			logger.Error(err),
		)
	}
}
