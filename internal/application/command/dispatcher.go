// Package command executes work queued on the settlement command topic.
package command

import (
	"context"
	"fmt"

	"pg_settlement/internal/application/reconcile"
	domain "pg_settlement/internal/domain/order"
	"pg_settlement/pkg/logger"
)

type DraftWriter interface {
	CreateDraft(ctx context.Context, draft *domain.Order) (bool, error)
}

type OrderReconciler interface {
	ReconcileByShopOrderNo(ctx context.Context, shopOrderNo string) (reconcile.Outcome, error)
}

type Dispatcher struct {
	drafts     DraftWriter
	reconciler OrderReconciler
	log        logger.Logger
}

func NewDispatcher(drafts DraftWriter, reconciler OrderReconciler, log logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewNop()
	}
	return &Dispatcher{drafts: drafts, reconciler: reconciler, log: log}
}

func (d *Dispatcher) HandleCommand(ctx context.Context, cmd domain.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}

	switch cmd.Type {
	case domain.CommandDraftRetry:
		created, err := d.drafts.CreateDraft(ctx, cmd.Draft)
		if err != nil {
			return fmt.Errorf("draft retry %s: %w", cmd.Draft.ShopOrderNo, err)
		}
		d.log.Info("Draft re-driven",
			logger.String("shop_order_no", cmd.Draft.ShopOrderNo),
			logger.Bool("created", created),
		)
		return nil

	case domain.CommandReconcileOrder:
		out, err := d.reconciler.ReconcileByShopOrderNo(ctx, cmd.ShopOrderNo)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", cmd.ShopOrderNo, err)
		}
		d.log.Info("Order reconciled on request",
			logger.String("shop_order_no", cmd.ShopOrderNo),
			logger.String("status", out.Status.String()),
			logger.String("flag", out.Flag.String()),
		)
		return nil
	}
	return fmt.Errorf("unhandled command %s", cmd.Type)
}
