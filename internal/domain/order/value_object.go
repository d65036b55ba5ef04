package order

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Status is the settlement state of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
	StatusRefund    Status = "refund"
)

func (s Status) String() string {
	return string(s)
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusCancelled, StatusRefund:
		return true
	}
	return false
}

// Reconcilable reports whether the reconciliation job looks at orders in this state.
func (s Status) Reconcilable() bool {
	return s == StatusPending || s == StatusPaid
}

// ReconcilableStatuses lists the states scanned by reconciliation.
var ReconcilableStatuses = []Status{StatusPending, StatusPaid}

// DiagnosticFlag is written into order attributes for operator visibility.
// The string values are part of the stored data and must not change.
type DiagnosticFlag string

const (
	FlagNone              DiagnosticFlag = ""
	FlagNoStatus          DiagnosticFlag = "NO_STATUS"
	FlagPGNotFoundOrError DiagnosticFlag = "PG_NOT_FOUND_OR_ERROR"
	FlagPGHTTPError       DiagnosticFlag = "PG_HTTP_ERROR"
	FlagAuthIDMismatch    DiagnosticFlag = "AUTH_ID_MISMATCH"
	FlagStatusSynced      DiagnosticFlag = "STATUS_SYNCED"
	FlagSignatureMismatch DiagnosticFlag = "SIGNATURE_MISMATCH"
	FlagAmountMismatch    DiagnosticFlag = "AMOUNT_MISMATCH"
)

func (f DiagnosticFlag) String() string {
	return string(f)
}

// Attribute keys used in Order.Attributes.
const (
	AttrReconcileFlag = "reconcile_flag"
	AttrReconciledAt  = "reconciled_at"
	AttrPGStatusCode  = "pg_status_code"
	AttrPGResCd       = "pg_res_cd"
	AttrPGAuthID      = "pg_reported_authorization_id"
)

// Gateway result and status codes.
const (
	ResCdSuccess        = "0000"
	PGStatusApproved    = "TS01"
	PGStatusCancelled   = "TS02"
	PGStatusRefundGroup = "RF"
)

// StatusFromPG maps a retrieveTransaction result onto a local status.
// ok is false when the result does not determine a status; flag explains why.
func StatusFromPG(resCd, statusCode string) (status Status, flag DiagnosticFlag, ok bool) {
	if resCd != ResCdSuccess {
		return "", FlagPGNotFoundOrError, false
	}
	switch {
	case statusCode == PGStatusApproved:
		return StatusPaid, FlagNone, true
	case statusCode == PGStatusCancelled:
		return StatusCancelled, FlagNone, true
	case strings.HasPrefix(statusCode, PGStatusRefundGroup):
		return StatusRefund, FlagNone, true
	default:
		return "", FlagNoStatus, false
	}
}

// CartScopeKind tells which key a cart belongs to.
type CartScopeKind string

const (
	CartScopeUser    CartScopeKind = "user"
	CartScopeSession CartScopeKind = "session"
)

// CartScope identifies the owner of a set of cart items. The zero value is
// invalid so that it can never select every cart row.
type CartScope struct {
	Kind CartScopeKind `json:"kind"`
	ID   string        `json:"id"`
}

func ByUser(id string) CartScope {
	return CartScope{Kind: CartScopeUser, ID: id}
}

func BySession(id string) CartScope {
	return CartScope{Kind: CartScopeSession, ID: id}
}

func (c CartScope) Validate() error {
	if c.Kind != CartScopeUser && c.Kind != CartScopeSession {
		return &ValidationError{Field: "cart_scope.kind", Reason: "must be user or session"}
	}
	if strings.TrimSpace(c.ID) == "" {
		return &ValidationError{Field: "cart_scope.id", Reason: "is required"}
	}
	return nil
}

func (c CartScope) String() string {
	return fmt.Sprintf("%s:%s", c.Kind, c.ID)
}

// shopOrderNoSuffix is 9 digits: 10^9 values per day. Not collision free; the
// unique constraint on shop_order_no is the backstop.
const shopOrderNoSuffix = 1_000_000_000

// NewShopOrderNo returns YYYYMMDD followed by a random 9 digit suffix.
func NewShopOrderNo(now time.Time) string {
	return fmt.Sprintf("%s%09d", now.Format("20060102"), rand.Intn(shopOrderNoSuffix))
}

// IsGeneratedShopOrderNo reports whether s has the YYYYMMDD + 9 digits shape.
func IsGeneratedShopOrderNo(s string) bool {
	if len(s) != 17 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	_, err := time.Parse("20060102", s[:8])
	return err == nil
}

// PGDate formats t as the gateway's YYYYMMDD date in loc.
func PGDate(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format("20060102")
}
