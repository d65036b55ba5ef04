package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "pg_settlement/internal/domain/order"
	"pg_settlement/internal/domain/repository"
)

func draft(t *testing.T, id, no string, scope domain.CartScope, items ...domain.CartItem) *domain.Order {
	t.Helper()
	o, err := domain.NewDraft(domain.DraftInput{
		ID:          id,
		ShopOrderNo: no,
		Cart:        domain.CartSnapshot{Scope: scope, Items: items},
		ShippingFee: 3000,
		Now:         time.Now(),
	})
	require.NoError(t, err)
	return o
}

func TestStore_CreateDraftDuplicateIsNoop(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	item := domain.CartItem{ID: "c1", ProductID: "p1", Quantity: 1, UnitPrice: 1000}

	created, err := s.CreateDraft(ctx, draft(t, "o1", "N1", domain.ByUser("u1"), item))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateDraft(ctx, draft(t, "o2", "N1", domain.ByUser("u1"), item))
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.FindByShopOrderNo(ctx, "N1")
	require.NoError(t, err)
	assert.Equal(t, "o1", got.ID)
}

func TestStore_MarkPaidOnceAndClearsScopedCart(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	scope := domain.BySession("s1")
	items := []domain.CartItem{
		{ID: "c1", ProductID: "p1", Quantity: 2, UnitPrice: 500},
		{ID: "c2", ProductID: "p2", Quantity: 1, UnitPrice: 700},
	}
	s.PutCartItems(scope, items...)
	s.PutCartItems(scope, domain.CartItem{ID: "added-later", ProductID: "p3", Quantity: 1, UnitPrice: 1})
	s.PutCartItems(domain.ByUser("s1"), domain.CartItem{ID: "other", ProductID: "p1", Quantity: 1, UnitPrice: 1})
	s.PutProducts(domain.Product{ID: "p1", Name: "Mug", Slug: "mug"})

	o := draft(t, "o1", "N1", scope, items...)
	_, err := s.CreateDraft(ctx, o)
	require.NoError(t, err)
	snapshot, err := o.Snapshot()
	require.NoError(t, err)

	cmd := repository.MarkPaidCommand{OrderID: "o1", Snapshot: snapshot, AuthorizationID: "A1", PGCno: "C1"}
	cmd.Products, _ = s.LookupProducts(ctx, snapshot.ProductIDs())

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.MaterializeItemsAndMarkPaid(ctx, cmd)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, settled int
	for err := range errs {
		if err == nil {
			ok++
		} else if assert.ErrorIs(t, err, domain.ErrAlreadySettled) {
			settled++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 3, settled)
	assert.Equal(t, 1, s.CartClears())

	orderItems, err := s.ListItems(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, orderItems, 2)
	assert.Equal(t, "Mug", orderItems[0].ProductName)
	assert.Equal(t, int64(1000), orderItems[0].TotalPrice)

	left, err := s.ListCartItems(ctx, scope)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "added-later", left[0].ID)

	other, err := s.ListCartItems(ctx, domain.ByUser("s1"))
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestStore_MarkPaidRejectsConflictingAuthID(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	o := draft(t, "o1", "N1", domain.ByUser("u1"), domain.CartItem{ID: "c1", ProductID: "p1", Quantity: 1, UnitPrice: 1})
	o.PGAuthorizationID = "STORED"
	_, err := s.CreateDraft(ctx, o)
	require.NoError(t, err)

	_, err = s.MaterializeItemsAndMarkPaid(ctx, repository.MarkPaidCommand{OrderID: "o1", AuthorizationID: "OTHER"})
	assert.ErrorIs(t, err, domain.ErrAuthIDConflict)

	got, err := s.FindByShopOrderNo(ctx, "N1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, "STORED", got.PGAuthorizationID)
}

func TestStore_ListForReconciliationWindow(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now()

	mk := func(id string, age time.Duration, status domain.Status) {
		o := draft(t, id, "N-"+id, domain.ByUser("u1"), domain.CartItem{ID: id, ProductID: "p", Quantity: 1, UnitPrice: 1})
		o.CreatedAt = now.Add(-age)
		o.Status = status
		_, err := s.CreateDraft(ctx, o)
		require.NoError(t, err)
	}
	mk("fresh", time.Minute, domain.StatusPending)
	mk("due", time.Hour, domain.StatusPending)
	mk("paid", 2*time.Hour, domain.StatusPaid)
	mk("done", time.Hour, domain.StatusRefund)
	mk("ancient", 90*24*time.Hour, domain.StatusPending)

	got, err := s.ListForReconciliation(ctx, repository.ReconcileQuery{
		Statuses:  domain.ReconcilableStatuses,
		OlderThan: now.Add(-30 * time.Minute),
		NewerThan: now.Add(-30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "paid", got[0].ID)
	assert.Equal(t, "due", got[1].ID)
}

func TestStore_MarkRevisedRequiresPaid(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	o := draft(t, "o1", "N1", domain.ByUser("u1"), domain.CartItem{ID: "c1", ProductID: "p1", Quantity: 1, UnitPrice: 1})
	_, err := s.CreateDraft(ctx, o)
	require.NoError(t, err)

	assert.ErrorIs(t, s.MarkRevised(ctx, "o1", domain.StatusCancelled, nil), domain.ErrInvalidTransition)

	require.NoError(t, s.SetReconciledStatus(ctx, "o1", domain.StatusPending, domain.StatusPaid, domain.FlagStatusSynced, nil))
	require.NoError(t, s.MarkRevised(ctx, "o1", domain.StatusCancelled, []byte(`{"resCd":"0000"}`)))

	got, err := s.FindByShopOrderNo(ctx, "N1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, "STATUS_SYNCED", got.Attributes[domain.AttrReconcileFlag])
	assert.Equal(t, `{"resCd":"0000"}`, got.Attributes["last_revise"])
}

func TestStore_SetReconciledStatusRequiresExpectedStatus(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	o := draft(t, "o1", "N1", domain.ByUser("u1"), domain.CartItem{ID: "c1", ProductID: "p1", Quantity: 1, UnitPrice: 1})
	_, err := s.CreateDraft(ctx, o)
	require.NoError(t, err)
	snapshot, err := o.Snapshot()
	require.NoError(t, err)
	_, err = s.MaterializeItemsAndMarkPaid(ctx, repository.MarkPaidCommand{OrderID: "o1", Snapshot: snapshot, AuthorizationID: "A1"})
	require.NoError(t, err)

	err = s.SetReconciledStatus(ctx, "o1", domain.StatusPending, domain.StatusCancelled, domain.FlagStatusSynced, nil)
	assert.ErrorIs(t, err, domain.ErrStatusChanged)

	got, err := s.FindByShopOrderNo(ctx, "N1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, got.Status)
	assert.Empty(t, got.Attributes[domain.AttrReconcileFlag])

	assert.ErrorIs(t, s.SetReconciledStatus(ctx, "missing", domain.StatusPaid, domain.StatusRefund, domain.FlagNone, nil), domain.ErrOrderNotFound)
}

func TestStore_FlagOrderKeepsStatus(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	o := draft(t, "o1", "N1", domain.ByUser("u1"), domain.CartItem{ID: "c1", ProductID: "p1", Quantity: 1, UnitPrice: 1})
	_, err := s.CreateDraft(ctx, o)
	require.NoError(t, err)

	status, err := s.FlagOrder(ctx, "o1", domain.FlagNoStatus, map[string]string{"pg_status_code": "TS99"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, status)

	got, err := s.FindByShopOrderNo(ctx, "N1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, "NO_STATUS", got.Attributes[domain.AttrReconcileFlag])
	assert.Equal(t, "TS99", got.Attributes["pg_status_code"])

	_, err = s.FlagOrder(ctx, "missing", domain.FlagNoStatus, nil)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}
