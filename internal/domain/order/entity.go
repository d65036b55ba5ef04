package order

import (
	"encoding/json"
	"time"
)

type Amounts struct {
	Subtotal    int64 `json:"subtotal"`
	ShippingFee int64 `json:"shipping_fee"`
	Total       int64 `json:"total"`
}

type Buyer struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

type Shipping struct {
	Recipient string `json:"recipient"`
	Phone     string `json:"phone"`
	Postcode  string `json:"postcode"`
	Address1  string `json:"address1"`
	Address2  string `json:"address2"`
	Memo      string `json:"memo"`
}

// Order is one checkout attempt.
type Order struct {
	ID                string            `json:"id"`
	ShopOrderNo       string            `json:"shop_order_no"`
	Status            Status            `json:"status"`
	PaymentStatus     Status            `json:"payment_status"`
	PGAuthorizationID string            `json:"pg_authorization_id,omitempty"`
	PGCno             string            `json:"pg_cno,omitempty"`
	Amounts           Amounts           `json:"amounts"`
	Buyer             Buyer             `json:"buyer"`
	Shipping          Shipping          `json:"shipping"`
	CartScope         CartScope         `json:"cart_scope"`
	CartSnapshot      json.RawMessage   `json:"cart_snapshot,omitempty"`
	PGPayload         json.RawMessage   `json:"pg_payload,omitempty"`
	Attributes        map[string]string `json:"attributes,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// OrderItem is a line frozen when the order becomes paid.
type OrderItem struct {
	ID              string          `json:"id"`
	OrderID         string          `json:"order_id"`
	ProductID       string          `json:"product_id"`
	ProductName     string          `json:"product_name"`
	ProductSlug     string          `json:"product_slug"`
	SelectedOptions json.RawMessage `json:"selected_options,omitempty"`
	UnitPrice       int64           `json:"unit_price"`
	Quantity        int             `json:"quantity"`
	TotalPrice      int64           `json:"total_price"`
	CreatedAt       time.Time       `json:"created_at"`
}

// CartItem is a pending selection owned by a user or a session.
type CartItem struct {
	ID              string          `json:"id"`
	Scope           CartScope       `json:"scope"`
	ProductID       string          `json:"product_id"`
	Quantity        int             `json:"quantity"`
	UnitPrice       int64           `json:"unit_price"`
	TotalPrice      int64           `json:"total_price"`
	SelectedOptions json.RawMessage `json:"selected_options,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// LineTotal is TotalPrice, or UnitPrice*Quantity when the cart row left it empty.
func (c CartItem) LineTotal() int64 {
	if c.TotalPrice != 0 {
		return c.TotalPrice
	}
	return c.UnitPrice * int64(c.Quantity)
}

// CartSnapshot is what gets captured into Order.CartSnapshot at draft time.
type CartSnapshot struct {
	Scope CartScope  `json:"scope"`
	Items []CartItem `json:"items"`
}

// Product is the catalog data copied onto order items.
type Product struct {
	ID   string
	Name string
	Slug string
}

// DraftInput carries everything needed to create a pending order.
type DraftInput struct {
	ID          string
	ShopOrderNo string
	Buyer       Buyer
	Shipping    Shipping
	Cart        CartSnapshot
	ShippingFee int64
	Now         time.Time
}

// NewDraft builds a pending order from a cart snapshot.
func NewDraft(in DraftInput) (*Order, error) {
	if in.ID == "" {
		return nil, Required("id")
	}
	if in.ShopOrderNo == "" {
		return nil, Required("shop_order_no")
	}
	if err := in.Cart.Scope.Validate(); err != nil {
		return nil, err
	}
	if len(in.Cart.Items) == 0 {
		return nil, ErrEmptyCart
	}
	if in.ShippingFee < 0 {
		return nil, &ValidationError{Field: "shipping_fee", Reason: "must not be negative"}
	}

	var subtotal int64
	for _, it := range in.Cart.Items {
		if it.Quantity <= 0 {
			return nil, &ValidationError{Field: "cart.quantity", Reason: "must be greater than zero"}
		}
		if it.TotalPrice < 0 {
			return nil, &ValidationError{Field: "cart.total_price", Reason: "must not be negative"}
		}
		subtotal += it.LineTotal()
	}

	snapshot, err := json.Marshal(in.Cart)
	if err != nil {
		return nil, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	return &Order{
		ID:            in.ID,
		ShopOrderNo:   in.ShopOrderNo,
		Status:        StatusPending,
		PaymentStatus: StatusPending,
		Amounts: Amounts{
			Subtotal:    subtotal,
			ShippingFee: in.ShippingFee,
			Total:       subtotal + in.ShippingFee,
		},
		Buyer:        in.Buyer,
		Shipping:     in.Shipping,
		CartScope:    in.Cart.Scope,
		CartSnapshot: snapshot,
		Attributes:   map[string]string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Snapshot decodes the cart captured at draft time.
func (o *Order) Snapshot() (CartSnapshot, error) {
	var s CartSnapshot
	if len(o.CartSnapshot) == 0 {
		return s, nil
	}
	err := json.Unmarshal(o.CartSnapshot, &s)
	return s, err
}

// ConflictsWithAuthID reports whether reported differs from a stored, non-empty
// authorization id.
func (o *Order) ConflictsWithAuthID(reported string) bool {
	return o.PGAuthorizationID != "" && reported != "" && o.PGAuthorizationID != reported
}

// CanRevise reports whether the order is in a state a revise can act on.
func (o *Order) CanRevise() bool {
	return o.Status == StatusPaid
}

// BuildItems turns the snapshot into order items using the product catalog.
// Missing products keep their id and an empty name/slug.
func BuildItems(orderID string, snapshot CartSnapshot, products map[string]Product, newID func() string, now time.Time) []OrderItem {
	items := make([]OrderItem, 0, len(snapshot.Items))
	for _, ci := range snapshot.Items {
		p := products[ci.ProductID]
		items = append(items, OrderItem{
			ID:              newID(),
			OrderID:         orderID,
			ProductID:       ci.ProductID,
			ProductName:     p.Name,
			ProductSlug:     p.Slug,
			SelectedOptions: ci.SelectedOptions,
			UnitPrice:       ci.UnitPrice,
			Quantity:        ci.Quantity,
			TotalPrice:      ci.LineTotal(),
			CreatedAt:       now,
		})
	}
	return items
}

// ProductIDs returns the distinct product ids of the snapshot.
func (s CartSnapshot) ProductIDs() []string {
	seen := make(map[string]struct{}, len(s.Items))
	ids := make([]string, 0, len(s.Items))
	for _, it := range s.Items {
		if _, ok := seen[it.ProductID]; ok {
			continue
		}
		seen[it.ProductID] = struct{}{}
		ids = append(ids, it.ProductID)
	}
	return ids
}
