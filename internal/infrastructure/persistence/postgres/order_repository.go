package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "pg_settlement/internal/domain/order"
	"pg_settlement/internal/domain/repository"
)

const shopOrderNoConstraint = "orders_shop_order_no_key"

const orderColumns = `
	id, shop_order_no, status, payment_status,
	COALESCE(pg_authorization_id, ''), COALESCE(pg_cno, ''),
	subtotal, shipping_fee, total, buyer, shipping,
	cart_scope_kind, cart_scope_id, cart_snapshot, pg_payload, attributes,
	created_at, updated_at`

type OrderRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool, now: time.Now}
}

var _ repository.OrderRepository = (*OrderRepository)(nil)

func (r *OrderRepository) CreateDraft(ctx context.Context, o *domain.Order) (bool, error) {
	if o == nil {
		return false, fmt.Errorf("order is nil")
	}

	buyer, err := json.Marshal(o.Buyer)
	if err != nil {
		return false, fmt.Errorf("encode buyer: %w", err)
	}
	shipping, err := json.Marshal(o.Shipping)
	if err != nil {
		return false, fmt.Errorf("encode shipping: %w", err)
	}
	attrs, err := encodeAttributes(o.Attributes)
	if err != nil {
		return false, err
	}

	const query = `
		INSERT INTO orders (
			id, shop_order_no, status, payment_status, subtotal, shipping_fee, total,
			buyer, shipping, cart_scope_kind, cart_scope_id, cart_snapshot, attributes,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);
	`

	_, err = r.pool.Exec(ctx, query,
		o.ID,
		o.ShopOrderNo,
		string(o.Status),
		string(o.PaymentStatus),
		o.Amounts.Subtotal,
		o.Amounts.ShippingFee,
		o.Amounts.Total,
		buyer,
		shipping,
		string(o.CartScope.Kind),
		o.CartScope.ID,
		nullableJSON(o.CartSnapshot),
		attrs,
		o.CreatedAt,
		o.UpdatedAt,
	)
	if isShopOrderNoConflict(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert order %s: %w", o.ShopOrderNo, err)
	}
	return true, nil
}

func (r *OrderRepository) FindByShopOrderNo(ctx context.Context, shopOrderNo string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE shop_order_no = $1;`

	o, err := scanOrder(r.pool.QueryRow(ctx, query, shopOrderNo))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select order %s: %w", shopOrderNo, err)
	}
	return o, nil
}

func (r *OrderRepository) ExistsShopOrderNo(ctx context.Context, shopOrderNo string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE shop_order_no = $1);`, shopOrderNo).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check shop order no: %w", err)
	}
	return exists, nil
}

func (r *OrderRepository) ListItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	const query = `
		SELECT id, order_id, product_id, product_name, product_slug, selected_options,
			unit_price, quantity, total_price, created_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY created_at, id;
	`
	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items %s: %w", orderID, err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var it domain.OrderItem
		var options []byte
		if err := rows.Scan(
			&it.ID,
			&it.OrderID,
			&it.ProductID,
			&it.ProductName,
			&it.ProductSlug,
			&options,
			&it.UnitPrice,
			&it.Quantity,
			&it.TotalPrice,
			&it.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		it.SelectedOptions = options
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *OrderRepository) ListForReconciliation(ctx context.Context, q repository.ReconcileQuery) ([]*domain.Order, error) {
	statuses := make([]string, 0, len(q.Statuses))
	for _, s := range q.Statuses {
		statuses = append(statuses, string(s))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}

	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE status = ANY($1) AND created_at < $2 AND created_at > $3
		ORDER BY created_at
		LIMIT $4;`

	rows, err := r.pool.Query(ctx, query, statuses, q.OlderThan, q.NewerThan, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders for reconciliation: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *OrderRepository) MaterializeItemsAndMarkPaid(ctx context.Context, cmd repository.MarkPaidCommand) (*domain.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Row lock serializes concurrent callbacks for the same order.
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE;`
	o, err := scanOrder(tx.QueryRow(ctx, query, cmd.OrderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock order %s: %w", cmd.OrderID, err)
	}
	if o.Status != domain.StatusPending {
		return o, domain.ErrAlreadySettled
	}
	if o.ConflictsWithAuthID(cmd.AuthorizationID) {
		return o, domain.ErrAuthIDConflict
	}
	if err := o.CartScope.Validate(); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	items := domain.BuildItems(o.ID, cmd.Snapshot, cmd.Products, uuid.NewString, now)

	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`
			INSERT INTO order_items (
				id, order_id, product_id, product_name, product_slug, selected_options,
				unit_price, quantity, total_price, created_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);`,
			it.ID, it.OrderID, it.ProductID, it.ProductName, it.ProductSlug,
			nullableJSON(it.SelectedOptions), it.UnitPrice, it.Quantity, it.TotalPrice, it.CreatedAt,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return nil, fmt.Errorf("insert order items %s: %w", o.ID, err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = 'paid',
			payment_status = 'paid',
			pg_authorization_id = COALESCE(NULLIF(pg_authorization_id, ''), NULLIF($2, '')),
			pg_cno = COALESCE(NULLIF($3, ''), pg_cno),
			pg_payload = $4,
			updated_at = $5
		WHERE id = $1 AND status = 'pending';`,
		o.ID, cmd.AuthorizationID, cmd.PGCno, nullableJSON(cmd.PGPayload), now,
	)
	if err != nil {
		return nil, fmt.Errorf("mark order %s paid: %w", o.ID, err)
	}
	if tag.RowsAffected() != 1 {
		return o, domain.ErrAlreadySettled
	}

	if ids := snapshotCartIDs(cmd.Snapshot); len(ids) > 0 {
		column := "user_id"
		if o.CartScope.Kind == domain.CartScopeSession {
			column = "session_id"
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM cart_items WHERE `+column+` = $1 AND id = ANY($2);`,
			o.CartScope.ID, ids,
		); err != nil {
			return nil, fmt.Errorf("clear cart %s: %w", o.CartScope, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit mark paid %s: %w", o.ID, err)
	}

	o.Status = domain.StatusPaid
	o.PaymentStatus = domain.StatusPaid
	if o.PGAuthorizationID == "" {
		o.PGAuthorizationID = cmd.AuthorizationID
	}
	if cmd.PGCno != "" {
		o.PGCno = cmd.PGCno
	}
	o.PGPayload = cmd.PGPayload
	o.UpdatedAt = now
	return o, nil
}

func (r *OrderRepository) SetReconciledStatus(ctx context.Context, orderID string, expected, status domain.Status, flag domain.DiagnosticFlag, attrs map[string]string) error {
	if !status.Valid() {
		return &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	patch, err := flagPatch(flag, attrs)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE orders
		SET status = $3, payment_status = $3, attributes = attributes || $4::jsonb, updated_at = $5
		WHERE id = $1 AND status = $2;`,
		orderID, string(expected), string(status), patch, r.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update reconciled status %s: %w", orderID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1);`, orderID).Scan(&exists); err != nil {
		return fmt.Errorf("check order %s: %w", orderID, err)
	}
	if !exists {
		return domain.ErrOrderNotFound
	}
	return fmt.Errorf("%w: %s is no longer %s", domain.ErrStatusChanged, orderID, expected)
}

func (r *OrderRepository) FlagOrder(ctx context.Context, orderID string, flag domain.DiagnosticFlag, attrs map[string]string) (domain.Status, error) {
	patch, err := flagPatch(flag, attrs)
	if err != nil {
		return "", err
	}

	var status string
	err = r.pool.QueryRow(ctx, `
		UPDATE orders
		SET attributes = attributes || $2::jsonb, updated_at = $3
		WHERE id = $1
		RETURNING status;`,
		orderID, patch, r.now().UTC(),
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrOrderNotFound
	}
	if err != nil {
		return "", fmt.Errorf("flag order %s: %w", orderID, err)
	}
	return domain.Status(status), nil
}

func (r *OrderRepository) MarkRevised(ctx context.Context, orderID string, status domain.Status, payload json.RawMessage) error {
	if status != domain.StatusPaid && status != domain.StatusCancelled && status != domain.StatusRefund {
		return domain.ErrInvalidTransition
	}
	patch, err := encodeAttributes(map[string]string{"last_revise": string(payload)})
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE orders
		SET status = $2, payment_status = $2, attributes = attributes || $3::jsonb, updated_at = $4
		WHERE id = $1 AND status = 'paid';`,
		orderID, string(status), patch, r.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark order %s revised: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

/* ================= helpers ================= */

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o                   domain.Order
		status, payStatus   string
		scopeKind           string
		buyer, shipping     []byte
		snapshot, pgPayload []byte
		attrs               []byte
	)
	err := row.Scan(
		&o.ID,
		&o.ShopOrderNo,
		&status,
		&payStatus,
		&o.PGAuthorizationID,
		&o.PGCno,
		&o.Amounts.Subtotal,
		&o.Amounts.ShippingFee,
		&o.Amounts.Total,
		&buyer,
		&shipping,
		&scopeKind,
		&o.CartScope.ID,
		&snapshot,
		&pgPayload,
		&attrs,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = domain.Status(status)
	o.PaymentStatus = domain.Status(payStatus)
	o.CartScope.Kind = domain.CartScopeKind(scopeKind)
	o.CartSnapshot = snapshot
	o.PGPayload = pgPayload

	if len(buyer) > 0 {
		if err := json.Unmarshal(buyer, &o.Buyer); err != nil {
			return nil, fmt.Errorf("decode buyer: %w", err)
		}
	}
	if len(shipping) > 0 {
		if err := json.Unmarshal(shipping, &o.Shipping); err != nil {
			return nil, fmt.Errorf("decode shipping: %w", err)
		}
	}
	o.Attributes = map[string]string{}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &o.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
	}
	return &o, nil
}

func encodeAttributes(attrs map[string]string) ([]byte, error) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	return b, nil
}

func flagPatch(flag domain.DiagnosticFlag, attrs map[string]string) ([]byte, error) {
	merged := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		merged[k] = v
	}
	if flag != domain.FlagNone {
		merged[domain.AttrReconcileFlag] = flag.String()
	}
	return encodeAttributes(merged)
}

// nullableJSON maps an empty payload to SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func isShopOrderNoConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == shopOrderNoConstraint
}

func snapshotCartIDs(s domain.CartSnapshot) []string {
	ids := make([]string, 0, len(s.Items))
	for _, it := range s.Items {
		if it.ID != "" {
			ids = append(ids, it.ID)
		}
	}
	return ids
}
