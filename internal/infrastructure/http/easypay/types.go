package easypay

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Endpoint names, also used in errors and logs.
const (
	EndpointWebpay              = "webpay"
	EndpointApproval            = "approval"
	EndpointRetrieveTransaction = "retrieveTransaction"
	EndpointRevise              = "revise"
)

var endpointPaths = map[string]string{
	EndpointWebpay:              "/api/ep9/trades/webpay",
	EndpointApproval:            "/api/ep9/trades/approval",
	EndpointRetrieveTransaction: "/api/trades/retrieveTransaction",
	EndpointRevise:              "/api/trades/revise",
}

// Device types accepted by webpay.
const (
	DevicePC     = "pc"
	DeviceMobile = "mobile"
)

// Revise type codes.
const (
	ReviseFullCancel    = "40"
	RevisePartialCancel = "32"
	ReviseRefund        = "33"
)

// Text holds a gateway value that may arrive as a JSON string or number.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*t = Text(n.String())
	return nil
}

func (t Text) String() string {
	return string(t)
}

// Int64 parses the value; ok is false for empty or non-numeric text.
func (t Text) Int64() (int64, bool) {
	n, err := strconv.ParseInt(string(t), 10, 64)
	return n, err == nil
}

type InitiateRequest struct {
	Amount        int64
	GoodsName     string
	DeviceType    string
	ReturnURL     string
	ShopOrderNo   string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
}

type InitiateResponse struct {
	ResCd       string `json:"resCd"`
	ResMsg      string `json:"resMsg"`
	AuthPageURL string `json:"authPageUrl"`
	// ShopOrderNo is the order number sent to the gateway, generated when the
	// request left it empty.
	ShopOrderNo string          `json:"-"`
	Raw         json.RawMessage `json:"-"`
}

func (r *InitiateResponse) Success() bool { return r.ResCd == "0000" }

type ApproveRequest struct {
	AuthorizationID   string
	ShopTransactionID string
	ShopOrderNo       string
	ApprovalReqDate   string
}

type ApproveResponse struct {
	ResCd             string          `json:"resCd"`
	ResMsg            string          `json:"resMsg"`
	MallID            string          `json:"mallId"`
	PGCno             string          `json:"pgCno"`
	ShopTransactionID string          `json:"shopTransactionId"`
	ShopOrderNo       string          `json:"shopOrderNo"`
	Amount            Text            `json:"amount"`
	TransactionDate   string          `json:"transactionDate"`
	StatusCode        string          `json:"statusCode"`
	MsgAuthValue      string          `json:"msgAuthValue"`
	PaymentInfo       json.RawMessage `json:"paymentInfo,omitempty"`
	Raw               json.RawMessage `json:"-"`
}

func (r *ApproveResponse) Success() bool { return r.ResCd == "0000" }

// SignedParts are the values covered by MsgAuthValue, in order.
func (r *ApproveResponse) SignedParts() []string {
	return []string{r.PGCno, r.Amount.String(), r.TransactionDate}
}

type RetrieveRequest struct {
	ShopTransactionID string
	TransactionDate   string
	ShopOrderNo       string
}

type RetrieveResult struct {
	ResCd           string `json:"resCd"`
	ResMsg          string `json:"resMsg"`
	StatusCode      string `json:"statusCode"`
	StatusMessage   string `json:"statusMessage"`
	AuthorizationID string `json:"authorizationId"`
	PGCno           string `json:"pgCno"`
	ShopOrderNo     string `json:"shopOrderNo"`
	Amount          Text   `json:"amount"`
	TransactionDate string `json:"transactionDate"`
}

type RetrieveResponse struct {
	ResCd  string          `json:"resCd"`
	ResMsg string          `json:"resMsg"`
	Result *RetrieveResult `json:"result"`
	Raw    json.RawMessage `json:"-"`
}

// EffectiveResCd is the outer result code, narrowed by the inner one when the
// outer call itself succeeded.
func (r *RetrieveResponse) EffectiveResCd() string {
	if r.ResCd != "0000" {
		return r.ResCd
	}
	if r.Result != nil && r.Result.ResCd != "" {
		return r.Result.ResCd
	}
	return r.ResCd
}

func (r *RetrieveResponse) StatusCode() string {
	if r.Result == nil {
		return ""
	}
	return r.Result.StatusCode
}

func (r *RetrieveResponse) AuthorizationID() string {
	if r.Result == nil {
		return ""
	}
	return r.Result.AuthorizationID
}

// ReviseRequest carries a cancel/refund. Extra lets callers pass additional
// gateway fields; only allow-listed keys are ever sent.
type ReviseRequest struct {
	ShopTransactionID string
	PGCno             string
	ReviseTypeCode    string
	CancelReqDate     string

	CancelPGCno       string
	ReviseSubTypeCode string
	Amount            *int64
	RemainAmount      *int64
	ClientIP          string
	ClientID          string
	ReviseMessage     string
	RefundQueryFlag   string
	BasketUsed        string
	TaxInfo           json.RawMessage
	RefundInfo        json.RawMessage

	Extra map[string]any
}

type ReviseResponse struct {
	ResCd             string          `json:"resCd"`
	ResMsg            string          `json:"resMsg"`
	MallID            string          `json:"mallId"`
	ShopTransactionID string          `json:"shopTransactionId"`
	ShopOrderNo       string          `json:"shopOrderNo"`
	OriPGCno          string          `json:"oriPgCno"`
	CancelPGCno       string          `json:"cancelPgCno"`
	TransactionDate   string          `json:"transactionDate"`
	CancelAmount      Text            `json:"cancelAmount"`
	RemainAmount      Text            `json:"remainAmount"`
	StatusCode        string          `json:"statusCode"`
	Raw               json.RawMessage `json:"-"`
}

func (r *ReviseResponse) Success() bool { return r.ResCd == "0000" }

// reviseAllowList is the complete set of keys a revise body may contain.
var reviseAllowList = map[string]struct{}{
	"mallId":            {},
	"shopTransactionId": {},
	"pgCno":             {},
	"cancelPgCno":       {},
	"reviseTypeCode":    {},
	"reviseSubTypeCode": {},
	"amount":            {},
	"remainAmount":      {},
	"clientIp":          {},
	"clientId":          {},
	"cancelReqDate":     {},
	"msgAuthValue":      {},
	"reviseMessage":     {},
	"refundQueryFlag":   {},
	"basketUsed":        {},
	"taxInfo":           {},
	"refundInfo":        {},
}

// allowedReviseFields drops every key not on the allow-list.
func allowedReviseFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if _, ok := reviseAllowList[k]; ok {
			out[k] = v
		}
	}
	return out
}
