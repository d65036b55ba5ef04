package repository

import (
	"context"
	"encoding/json"
	"time"

	"pg_settlement/internal/domain/order"
)

// MarkPaidCommand is the input of the pending -> paid transition.
type MarkPaidCommand struct {
	OrderID         string
	Snapshot        order.CartSnapshot
	Products        map[string]order.Product
	AuthorizationID string
	PGCno           string
	PGPayload       json.RawMessage
}

// ReconcileQuery selects orders for the reconciliation job.
type ReconcileQuery struct {
	Statuses  []order.Status
	OlderThan time.Time
	NewerThan time.Time
	Limit     int
}

type OrderRepository interface {
	// CreateDraft inserts a pending order. A duplicate shop_order_no is not an
	// error: created is false and the existing row is left untouched.
	CreateDraft(ctx context.Context, o *order.Order) (created bool, err error)
	FindByShopOrderNo(ctx context.Context, shopOrderNo string) (*order.Order, error)
	ExistsShopOrderNo(ctx context.Context, shopOrderNo string) (bool, error)
	ListItems(ctx context.Context, orderID string) ([]order.OrderItem, error)
	ListForReconciliation(ctx context.Context, q ReconcileQuery) ([]*order.Order, error)

	// MaterializeItemsAndMarkPaid copies the snapshot into order items, marks the
	// order paid and clears the originating cart, all or nothing. Returns
	// order.ErrAlreadySettled when the order is no longer pending and
	// order.ErrAuthIDConflict when a different authorization id is stored.
	MaterializeItemsAndMarkPaid(ctx context.Context, cmd MarkPaidCommand) (*order.Order, error)

	// SetReconciledStatus moves the order from expected to status, setting
	// payment_status with it and recording flag in attributes. Returns
	// order.ErrStatusChanged when the stored status is no longer expected. It
	// never writes pg_authorization_id.
	SetReconciledStatus(ctx context.Context, orderID string, expected, status order.Status, flag order.DiagnosticFlag, attrs map[string]string) error

	// FlagOrder records flag and attrs without touching status and returns the
	// stored status.
	FlagOrder(ctx context.Context, orderID string, flag order.DiagnosticFlag, attrs map[string]string) (order.Status, error)

	// MarkRevised moves a paid order to cancelled or refund, or keeps it paid
	// after a partial cancel, and stores the revise payload.
	MarkRevised(ctx context.Context, orderID string, status order.Status, payload json.RawMessage) error
}

type CartRepository interface {
	ListCartItems(ctx context.Context, scope order.CartScope) ([]order.CartItem, error)
}

type ProductLookup interface {
	LookupProducts(ctx context.Context, ids []string) (map[string]order.Product, error)
}
