package avro

import (
	"fmt"
	"time"

	"github.com/linkedin/goavro/v2"

	"pg_settlement/internal/domain/order"
)

// ToSettlementEventNative converts an event to the goavro native form of
// SettlementEventSchema. Empty optional fields become null.
func ToSettlementEventNative(e order.Event) map[string]interface{} {
	optional := func(v string) interface{} {
		if v == "" {
			return nil
		}
		return goavro.Union("string", v)
	}

	return map[string]interface{}{
		"event_id":            e.ID,
		"event_type":          string(e.Type),
		"order_id":            e.OrderID,
		"shop_order_no":       e.ShopOrderNo,
		"status":              string(e.Status),
		"previous_status":     optional(string(e.PreviousStatus)),
		"flag":                optional(string(e.Flag)),
		"total":               e.Total,
		"pg_authorization_id": optional(e.AuthorizationID),
		"occurred_at":         e.OccurredAt.UTC(),
	}
}

// FromSettlementEventNative is the inverse of ToSettlementEventNative.
func FromSettlementEventNative(data map[string]interface{}) (order.Event, error) {
	var e order.Event

	getString := func(key string) (string, error) {
		v, ok := data[key].(string)
		if !ok {
			return "", fmt.Errorf("field %s: expected string, got %T", key, data[key])
		}
		return v, nil
	}
	getOptional := func(key string) string {
		if u, ok := data[key].(map[string]interface{}); ok {
			if s, ok := u["string"].(string); ok {
				return s
			}
		}
		return ""
	}

	var err error
	if e.ID, err = getString("event_id"); err != nil {
		return e, err
	}
	typ, err := getString("event_type")
	if err != nil {
		return e, err
	}
	e.Type = order.EventType(typ)
	if e.OrderID, err = getString("order_id"); err != nil {
		return e, err
	}
	if e.ShopOrderNo, err = getString("shop_order_no"); err != nil {
		return e, err
	}
	status, err := getString("status")
	if err != nil {
		return e, err
	}
	e.Status = order.Status(status)

	e.PreviousStatus = order.Status(getOptional("previous_status"))
	e.Flag = order.DiagnosticFlag(getOptional("flag"))
	e.AuthorizationID = getOptional("pg_authorization_id")

	total, ok := data["total"].(int64)
	if !ok {
		return e, fmt.Errorf("field total: expected long, got %T", data["total"])
	}
	e.Total = total

	at, ok := data["occurred_at"].(time.Time)
	if !ok {
		return e, fmt.Errorf("field occurred_at: expected timestamp, got %T", data["occurred_at"])
	}
	e.OccurredAt = at.UTC()

	return e, nil
}
