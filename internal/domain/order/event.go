package order

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a settlement fact published for downstream consumers.
type EventType string

const (
	EventPaid       EventType = "order.paid"
	EventRevised    EventType = "order.revised"
	EventReconciled EventType = "order.reconciled"
	EventFlagged    EventType = "order.flagged"
)

// Event is a settlement fact about one order.
type Event struct {
	ID              string
	Type            EventType
	OrderID         string
	ShopOrderNo     string
	Status          Status
	PreviousStatus  Status
	Flag            DiagnosticFlag
	Total           int64
	AuthorizationID string
	OccurredAt      time.Time
}

// NewEvent captures the current state of o.
func NewEvent(typ EventType, o *Order, previous Status, flag DiagnosticFlag, at time.Time) Event {
	return Event{
		ID:              uuid.NewString(),
		Type:            typ,
		OrderID:         o.ID,
		ShopOrderNo:     o.ShopOrderNo,
		Status:          o.Status,
		PreviousStatus:  previous,
		Flag:            flag,
		Total:           o.Amounts.Total,
		AuthorizationID: o.PGAuthorizationID,
		OccurredAt:      at.UTC(),
	}
}

// CommandType names work handed to the asynchronous command topic.
type CommandType string

const (
	// CommandDraftRetry re-drives a draft write that failed during checkout.
	CommandDraftRetry CommandType = "draft.retry"
	// CommandReconcileOrder reconciles a single order against the gateway.
	CommandReconcileOrder CommandType = "reconcile.order"
)

type Command struct {
	Type        CommandType `json:"type"`
	ShopOrderNo string      `json:"shop_order_no"`
	Draft       *Order      `json:"draft,omitempty"`
	IssuedAt    time.Time   `json:"issued_at"`
}

func (c Command) Validate() error {
	switch c.Type {
	case CommandDraftRetry:
		if c.Draft == nil {
			return Required("draft")
		}
	case CommandReconcileOrder:
		if c.ShopOrderNo == "" {
			return Required("shop_order_no")
		}
	default:
		return &ValidationError{Field: "type", Reason: "unknown command " + string(c.Type)}
	}
	return nil
}
