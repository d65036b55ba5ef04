package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	domain "pg_settlement/internal/domain/order"
	"pg_settlement/internal/domain/repository"
)

type CartRepository struct {
	pool *pgxpool.Pool
}

func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

var _ repository.CartRepository = (*CartRepository)(nil)

func (r *CartRepository) ListCartItems(ctx context.Context, scope domain.CartScope) ([]domain.CartItem, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	column := "user_id"
	if scope.Kind == domain.CartScopeSession {
		column = "session_id"
	}

	query := `
		SELECT id, product_id, quantity, unit_price, total_price, selected_options, created_at
		FROM cart_items
		WHERE ` + column + ` = $1
		ORDER BY created_at, id;`

	rows, err := r.pool.Query(ctx, query, scope.ID)
	if err != nil {
		return nil, fmt.Errorf("query cart %s: %w", scope, err)
	}
	defer rows.Close()

	items := make([]domain.CartItem, 0)
	for rows.Next() {
		it := domain.CartItem{Scope: scope}
		var options []byte
		if err := rows.Scan(
			&it.ID,
			&it.ProductID,
			&it.Quantity,
			&it.UnitPrice,
			&it.TotalPrice,
			&options,
			&it.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		it.SelectedOptions = options
		items = append(items, it)
	}
	return items, rows.Err()
}

type ProductLookup struct {
	pool *pgxpool.Pool
}

func NewProductLookup(pool *pgxpool.Pool) *ProductLookup {
	return &ProductLookup{pool: pool}
}

var _ repository.ProductLookup = (*ProductLookup)(nil)

func (l *ProductLookup) LookupProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := l.pool.Query(ctx, `SELECT id, name, slug FROM products WHERE id = ANY($1);`, ids)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Slug); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}
