package order

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCart() CartSnapshot {
	return CartSnapshot{
		Scope: ByUser("user-1"),
		Items: []CartItem{
			{ID: "c1", ProductID: "p1", Quantity: 2, UnitPrice: 3000, TotalPrice: 6000},
			{ID: "c2", ProductID: "p2", Quantity: 1, UnitPrice: 4000},
		},
	}
}

func TestNewDraft(t *testing.T) {
	o, err := NewDraft(DraftInput{
		ID:          "o1",
		ShopOrderNo: "20250101000000001",
		Cart:        sampleCart(),
		ShippingFee: 3000,
		Now:         time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, StatusPending, o.PaymentStatus)
	assert.Equal(t, Amounts{Subtotal: 10000, ShippingFee: 3000, Total: 13000}, o.Amounts)
	assert.Equal(t, ByUser("user-1"), o.CartScope)

	snap, err := o.Snapshot()
	require.NoError(t, err)
	assert.Len(t, snap.Items, 2)
}

func TestNewDraft_Rejects(t *testing.T) {
	_, err := NewDraft(DraftInput{ID: "o1", ShopOrderNo: "x", Cart: CartSnapshot{Scope: ByUser("u")}})
	assert.True(t, errors.Is(err, ErrEmptyCart))

	_, err = NewDraft(DraftInput{ID: "o1", ShopOrderNo: "x", Cart: CartSnapshot{Items: sampleCart().Items}})
	assert.True(t, IsValidation(err))

	_, err = NewDraft(DraftInput{ID: "o1", Cart: sampleCart()})
	assert.True(t, IsValidation(err))

	bad := sampleCart()
	bad.Items[0].Quantity = 0
	_, err = NewDraft(DraftInput{ID: "o1", ShopOrderNo: "x", Cart: bad})
	assert.True(t, IsValidation(err))
}

func TestBuildItems(t *testing.T) {
	snap := sampleCart()
	snap.Items[0].SelectedOptions = json.RawMessage(`{"size":"L"}`)
	products := map[string]Product{
		"p1": {ID: "p1", Name: "Mug", Slug: "mug"},
	}
	n := 0
	newID := func() string { n++; return "item-" + string(rune('0'+n)) }

	items := BuildItems("o1", snap, products, newID, time.Unix(0, 0))
	require.Len(t, items, 2)

	assert.Equal(t, "Mug", items[0].ProductName)
	assert.Equal(t, "mug", items[0].ProductSlug)
	assert.JSONEq(t, `{"size":"L"}`, string(items[0].SelectedOptions))
	assert.Equal(t, int64(4000), items[1].TotalPrice)
	assert.Equal(t, "", items[1].ProductName)
	assert.Equal(t, "o1", items[1].OrderID)
}

func TestConflictsWithAuthID(t *testing.T) {
	o := &Order{}
	assert.False(t, o.ConflictsWithAuthID("A"))

	o.PGAuthorizationID = "A"
	assert.False(t, o.ConflictsWithAuthID("A"))
	assert.False(t, o.ConflictsWithAuthID(""))
	assert.True(t, o.ConflictsWithAuthID("B"))
}

func TestSnapshot_ProductIDsDistinct(t *testing.T) {
	snap := sampleCart()
	snap.Items = append(snap.Items, CartItem{ProductID: "p1", Quantity: 1})
	assert.Equal(t, []string{"p1", "p2"}, snap.ProductIDs())
}
