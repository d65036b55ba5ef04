package command

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pg_settlement/internal/application/reconcile"
	domain "pg_settlement/internal/domain/order"
)

type MockDraftWriter struct {
	mock.Mock
}

func (m *MockDraftWriter) CreateDraft(ctx context.Context, draft *domain.Order) (bool, error) {
	args := m.Called(ctx, draft)
	return args.Bool(0), args.Error(1)
}

type MockReconciler struct {
	mock.Mock
}

func (m *MockReconciler) ReconcileByShopOrderNo(ctx context.Context, shopOrderNo string) (reconcile.Outcome, error) {
	args := m.Called(ctx, shopOrderNo)
	return args.Get(0).(reconcile.Outcome), args.Error(1)
}

func TestDispatcher_DraftRetry(t *testing.T) {
	drafts := new(MockDraftWriter)
	d := NewDispatcher(drafts, new(MockReconciler), nil)
	draft := &domain.Order{ID: "o1", ShopOrderNo: "N1", Status: domain.StatusPending}

	drafts.On("CreateDraft", mock.Anything, draft).Return(true, nil).Once()

	require.NoError(t, d.HandleCommand(context.Background(), domain.Command{Type: domain.CommandDraftRetry, Draft: draft}))
	drafts.AssertExpectations(t)
}

func TestDispatcher_ReconcileOrder(t *testing.T) {
	rec := new(MockReconciler)
	d := NewDispatcher(new(MockDraftWriter), rec, nil)

	rec.On("ReconcileByShopOrderNo", mock.Anything, "N1").
		Return(reconcile.Outcome{ShopOrderNo: "N1", Status: domain.StatusPaid}, nil).Once()

	require.NoError(t, d.HandleCommand(context.Background(), domain.Command{Type: domain.CommandReconcileOrder, ShopOrderNo: "N1"}))
	rec.AssertExpectations(t)
}

func TestDispatcher_Errors(t *testing.T) {
	rec := new(MockReconciler)
	d := NewDispatcher(new(MockDraftWriter), rec, nil)

	err := d.HandleCommand(context.Background(), domain.Command{Type: "bogus"})
	assert.True(t, domain.IsValidation(err))

	rec.On("ReconcileByShopOrderNo", mock.Anything, "N1").Return(reconcile.Outcome{}, errors.New("pg down"))
	err = d.HandleCommand(context.Background(), domain.Command{Type: domain.CommandReconcileOrder, ShopOrderNo: "N1"})
	assert.ErrorContains(t, err, "pg down")
}
