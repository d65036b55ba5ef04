// Package memory is an in-process order store with the same transition rules
// as the postgres implementation. It backs local runs and service tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	domain "pg_settlement/internal/domain/order"
	"pg_settlement/internal/domain/repository"
)

type Store struct {
	mu       sync.Mutex
	orders   map[string]*domain.Order // by id
	byNo     map[string]string        // shop_order_no -> id
	items    map[string][]domain.OrderItem
	carts    map[domain.CartScope][]domain.CartItem
	products map[string]domain.Product

	cartClears int
	now        func() time.Time
}

func NewStore() *Store {
	return &Store{
		orders:   make(map[string]*domain.Order),
		byNo:     make(map[string]string),
		items:    make(map[string][]domain.OrderItem),
		carts:    make(map[domain.CartScope][]domain.CartItem),
		products: make(map[string]domain.Product),
		now:      time.Now,
	}
}

var (
	_ repository.OrderRepository = (*Store)(nil)
	_ repository.CartRepository  = (*Store)(nil)
	_ repository.ProductLookup   = (*Store)(nil)
)

/* ================= seeding ================= */

func (s *Store) PutCartItems(scope domain.CartScope, items ...domain.CartItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		it.Scope = scope
		s.carts[scope] = append(s.carts[scope], it)
	}
}

func (s *Store) PutProducts(products ...domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range products {
		s.products[p.ID] = p
	}
}

// CartClears counts successful cart clear operations.
func (s *Store) CartClears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cartClears
}

/* ================= OrderRepository ================= */

func (s *Store) CreateDraft(_ context.Context, o *domain.Order) (bool, error) {
	if o == nil {
		return false, fmt.Errorf("order is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byNo[o.ShopOrderNo]; ok {
		return false, nil
	}
	cp := cloneOrder(o)
	s.orders[cp.ID] = cp
	s.byNo[cp.ShopOrderNo] = cp.ID
	return true, nil
}

func (s *Store) FindByShopOrderNo(_ context.Context, shopOrderNo string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byNo[shopOrderNo]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return cloneOrder(s.orders[id]), nil
}

func (s *Store) ExistsShopOrderNo(_ context.Context, shopOrderNo string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byNo[shopOrderNo]
	return ok, nil
}

func (s *Store) ListItems(_ context.Context, orderID string) ([]domain.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OrderItem(nil), s.items[orderID]...), nil
}

func (s *Store) ListForReconciliation(_ context.Context, q repository.ReconcileQuery) ([]*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[domain.Status]bool, len(q.Statuses))
	for _, st := range q.Statuses {
		wanted[st] = true
	}

	out := make([]*domain.Order, 0)
	for _, o := range s.orders {
		if !wanted[o.Status] {
			continue
		}
		if !q.OlderThan.IsZero() && !o.CreatedAt.Before(q.OlderThan) {
			continue
		}
		if !q.NewerThan.IsZero() && !o.CreatedAt.After(q.NewerThan) {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) MaterializeItemsAndMarkPaid(_ context.Context, cmd repository.MarkPaidCommand) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[cmd.OrderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	if o.Status != domain.StatusPending {
		return cloneOrder(o), domain.ErrAlreadySettled
	}
	if o.ConflictsWithAuthID(cmd.AuthorizationID) {
		return cloneOrder(o), domain.ErrAuthIDConflict
	}
	if err := o.CartScope.Validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	s.items[o.ID] = domain.BuildItems(o.ID, cmd.Snapshot, cmd.Products, uuid.NewString, now)

	o.Status = domain.StatusPaid
	o.PaymentStatus = domain.StatusPaid
	if o.PGAuthorizationID == "" {
		o.PGAuthorizationID = cmd.AuthorizationID
	}
	if cmd.PGCno != "" {
		o.PGCno = cmd.PGCno
	}
	o.PGPayload = append(json.RawMessage(nil), cmd.PGPayload...)
	o.UpdatedAt = now

	s.clearCart(o.CartScope, cmd.Snapshot)
	return cloneOrder(o), nil
}

func (s *Store) SetReconciledStatus(_ context.Context, orderID string, expected, status domain.Status, flag domain.DiagnosticFlag, attrs map[string]string) error {
	if !status.Valid() {
		return &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if o.Status != expected {
		return fmt.Errorf("%w: %s is %s, expected %s", domain.ErrStatusChanged, o.ShopOrderNo, o.Status, expected)
	}
	o.Status = status
	o.PaymentStatus = status
	s.mergeFlag(o, flag, attrs)
	return nil
}

func (s *Store) FlagOrder(_ context.Context, orderID string, flag domain.DiagnosticFlag, attrs map[string]string) (domain.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return "", domain.ErrOrderNotFound
	}
	s.mergeFlag(o, flag, attrs)
	return o.Status, nil
}

// mergeFlag must be called with mu held.
func (s *Store) mergeFlag(o *domain.Order, flag domain.DiagnosticFlag, attrs map[string]string) {
	if o.Attributes == nil {
		o.Attributes = map[string]string{}
	}
	for k, v := range attrs {
		o.Attributes[k] = v
	}
	if flag != domain.FlagNone {
		o.Attributes[domain.AttrReconcileFlag] = flag.String()
	}
	o.UpdatedAt = s.now().UTC()
}

func (s *Store) MarkRevised(_ context.Context, orderID string, status domain.Status, payload json.RawMessage) error {
	if status != domain.StatusPaid && status != domain.StatusCancelled && status != domain.StatusRefund {
		return domain.ErrInvalidTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.Status != domain.StatusPaid {
		return domain.ErrInvalidTransition
	}
	o.Status = status
	o.PaymentStatus = status
	if o.Attributes == nil {
		o.Attributes = map[string]string{}
	}
	o.Attributes["last_revise"] = string(payload)
	o.UpdatedAt = s.now().UTC()
	return nil
}

/* ================= CartRepository / ProductLookup ================= */

func (s *Store) ListCartItems(_ context.Context, scope domain.CartScope) ([]domain.CartItem, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.CartItem(nil), s.carts[scope]...), nil
}

func (s *Store) LookupProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

/* ================= helpers ================= */

// clearCart removes only the snapshot rows from the scope. Caller holds mu.
func (s *Store) clearCart(scope domain.CartScope, snapshot domain.CartSnapshot) {
	drop := make(map[string]bool, len(snapshot.Items))
	for _, it := range snapshot.Items {
		drop[it.ID] = true
	}
	kept := s.carts[scope][:0]
	for _, it := range s.carts[scope] {
		if !drop[it.ID] {
			kept = append(kept, it)
		}
	}
	if len(kept) == 0 {
		delete(s.carts, scope)
	} else {
		s.carts[scope] = kept
	}
	s.cartClears++
}

func cloneOrder(o *domain.Order) *domain.Order {
	cp := *o
	cp.CartSnapshot = append(json.RawMessage(nil), o.CartSnapshot...)
	cp.PGPayload = append(json.RawMessage(nil), o.PGPayload...)
	cp.Attributes = make(map[string]string, len(o.Attributes))
	for k, v := range o.Attributes {
		cp.Attributes[k] = v
	}
	return &cp
}
