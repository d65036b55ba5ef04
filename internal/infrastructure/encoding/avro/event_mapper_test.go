package avro

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pg_settlement/internal/domain/order"
)

func TestSettlementEvent_EncodeDecode(t *testing.T) {
	enc, err := NewSettlementEventEncoder()
	require.NoError(t, err)

	at := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	in := order.Event{
		ID:              "evt-1",
		Type:            order.EventReconciled,
		OrderID:         "o-1",
		ShopOrderNo:     "20240501000000001",
		Status:          order.StatusRefund,
		PreviousStatus:  order.StatusPaid,
		Flag:            order.FlagStatusSynced,
		Total:           53000,
		AuthorizationID: "AUTH-1",
		OccurredAt:      at,
	}

	binary, err := enc.EncodeNative(ToSettlementEventNative(in))
	require.NoError(t, err)

	native, err := enc.DecodeNative(binary)
	require.NoError(t, err)

	out, err := FromSettlementEventNative(native)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSettlementEvent_OptionalFieldsAreNull(t *testing.T) {
	enc, err := NewSettlementEventEncoder()
	require.NoError(t, err)

	in := order.Event{
		ID:          "evt-2",
		Type:        order.EventPaid,
		OrderID:     "o-2",
		ShopOrderNo: "N2",
		Status:      order.StatusPaid,
		Total:       1000,
		OccurredAt:  time.Unix(1700000000, 0).UTC(),
	}

	native := ToSettlementEventNative(in)
	assert.Nil(t, native["flag"])
	assert.Nil(t, native["previous_status"])

	binary, err := enc.EncodeNative(native)
	require.NoError(t, err)

	decoded, err := enc.DecodeNative(binary)
	require.NoError(t, err)
	out, err := FromSettlementEventNative(decoded)
	require.NoError(t, err)
	assert.Empty(t, out.Flag)
	assert.Empty(t, out.AuthorizationID)
	assert.Equal(t, in.OccurredAt, out.OccurredAt)
}

func TestNewEncoder_InvalidSchema(t *testing.T) {
	_, err := NewEncoder(`{"type": "record"}`)
	assert.Error(t, err)
}
