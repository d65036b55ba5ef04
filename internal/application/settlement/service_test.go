package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	domain "pg_settlement/internal/domain/order"
	"pg_settlement/internal/domain/repository"
	"pg_settlement/internal/infrastructure/http/easypay"
	"pg_settlement/internal/infrastructure/msgauth"
	"pg_settlement/internal/infrastructure/persistence/memory"
)

const testSecret = "secret-key"

// fakeGateway answers like the PG and signs approvals with signer.
type fakeGateway struct {
	mu sync.Mutex

	signer      *msgauth.Codec
	approvedAmt int64
	approveCd   string

	initiateErr error
	initiated   []easypay.InitiateRequest
	approvals   []easypay.ApproveRequest
	revisions   []easypay.ReviseRequest
	reviseCd    string
	remain      easypay.Text
}

func newFakeGateway(signer *msgauth.Codec) *fakeGateway {
	return &fakeGateway{signer: signer, approveCd: "0000", reviseCd: "0000"}
}

func (g *fakeGateway) Initiate(_ context.Context, req easypay.InitiateRequest) (*easypay.InitiateResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initiated = append(g.initiated, req)
	if g.initiateErr != nil {
		return nil, g.initiateErr
	}
	return &easypay.InitiateResponse{
		ResCd:       "0000",
		AuthPageURL: "https://pg.example/auth/" + req.ShopOrderNo,
		ShopOrderNo: req.ShopOrderNo,
	}, nil
}

func (g *fakeGateway) Approve(_ context.Context, req easypay.ApproveRequest) (*easypay.ApproveResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.approvals = append(g.approvals, req)

	resp := &easypay.ApproveResponse{
		ResCd:           g.approveCd,
		PGCno:           "P1",
		ShopOrderNo:     req.ShopOrderNo,
		Amount:          easypay.Text(strconv.FormatInt(g.approvedAmt, 10)),
		TransactionDate: "20250101",
		Raw:             json.RawMessage(`{"resCd":"0000","pgCno":"P1"}`),
	}
	sig, err := g.signer.Sign(resp.SignedParts()...)
	if err != nil {
		return nil, err
	}
	resp.MsgAuthValue = sig
	return resp, nil
}

func (g *fakeGateway) Revise(_ context.Context, req easypay.ReviseRequest) (*easypay.ReviseResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.revisions = append(g.revisions, req)
	return &easypay.ReviseResponse{
		ResCd:        g.reviseCd,
		ResMsg:       "ok",
		CancelPGCno:  "C1",
		RemainAmount: g.remain,
		Raw:          json.RawMessage(`{"resCd":"` + g.reviseCd + `"}`),
	}, nil
}

func (g *fakeGateway) Today() string { return "20250101" }

func (g *fakeGateway) approveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.approvals)
}

// MockPublisher records events and commands.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishEvent(ctx context.Context, e domain.Event) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func (m *MockPublisher) PublishCommand(ctx context.Context, cmd domain.Command) error {
	args := m.Called(ctx, cmd)
	return args.Error(0)
}

// failingDrafts fails every CreateDraft call.
type failingDrafts struct {
	*memory.Store
	calls int
}

func (f *failingDrafts) CreateDraft(context.Context, *domain.Order) (bool, error) {
	f.calls++
	return false, errors.New("db unavailable")
}

type fixture struct {
	store   *memory.Store
	gateway *fakeGateway
	pub     *MockPublisher
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	gw := newFakeGateway(msgauth.NewCodec(testSecret))
	pub := new(MockPublisher)
	pub.On("PublishEvent", mock.Anything, mock.Anything).Return(nil).Maybe()

	svc := NewService(Deps{
		Gateway:  gw,
		Verifier: msgauth.NewCodec(testSecret),
		Orders:   store,
		Carts:    store,
		Products: store,
		Events:   pub,
		Commands: pub,
	}, Options{ShippingFee: 3000, FreeShippingOver: 50000, DraftWriteAttempts: 2, Location: time.UTC})

	return &fixture{store: store, gateway: gw, pub: pub, svc: svc}
}

func (f *fixture) seedCart(scope domain.CartScope) {
	f.store.PutProducts(
		domain.Product{ID: "p1", Name: "Mug", Slug: "mug"},
		domain.Product{ID: "p2", Name: "Plate", Slug: "plate"},
	)
	f.store.PutCartItems(scope,
		domain.CartItem{ID: "c1", ProductID: "p1", Quantity: 2, UnitPrice: 2500, TotalPrice: 5000},
		domain.CartItem{ID: "c2", ProductID: "p2", Quantity: 1, UnitPrice: 5000, TotalPrice: 5000},
	)
}

// startOrder runs Start and primes the gateway to approve the order total.
func (f *fixture) startOrder(t *testing.T, scope domain.CartScope) *StartResult {
	t.Helper()
	f.seedCart(scope)
	res, err := f.svc.Start(context.Background(), StartCommand{
		Scope:     scope,
		Buyer:     domain.Buyer{Name: "Kim", Email: "kim@example.com", Phone: "01012345678"},
		ReturnURL: "https://shop.example/return",
	})
	require.NoError(t, err)
	f.gateway.approvedAmt = res.Amounts.Total
	return res
}

func TestService_Start_GeneratesOrderAndDraft(t *testing.T) {
	f := newFixture(t)
	res := f.startOrder(t, domain.ByUser("u1"))

	assert.True(t, domain.IsGeneratedShopOrderNo(res.ShopOrderNo), res.ShopOrderNo)
	assert.True(t, res.DraftSaved)
	assert.Equal(t, domain.Amounts{Subtotal: 10000, ShippingFee: 3000, Total: 13000}, res.Amounts)
	assert.Equal(t, "https://pg.example/auth/"+res.ShopOrderNo, res.AuthPageURL)

	require.Len(t, f.gateway.initiated, 1)
	assert.Equal(t, int64(13000), f.gateway.initiated[0].Amount)
	assert.Equal(t, "Mug and 1 more", f.gateway.initiated[0].GoodsName)

	o, err := f.store.FindByShopOrderNo(context.Background(), res.ShopOrderNo)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, o.Status)
	assert.Equal(t, domain.ByUser("u1"), o.CartScope)
}

func TestService_Start_FreeShipping(t *testing.T) {
	f := newFixture(t)
	scope := domain.BySession("s1")
	f.store.PutCartItems(scope, domain.CartItem{ID: "c1", ProductID: "p1", Quantity: 1, UnitPrice: 60000})

	res, err := f.svc.Start(context.Background(), StartCommand{Scope: scope, ReturnURL: "https://shop.example/return", GoodsName: "Gift"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Amounts.ShippingFee)
	assert.Equal(t, int64(60000), res.Amounts.Total)
	assert.Equal(t, "Gift", f.gateway.initiated[0].GoodsName)
}

func TestService_Start_EmptyCartBeforeNetwork(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Start(context.Background(), StartCommand{Scope: domain.ByUser("nobody"), ReturnURL: "https://shop.example/return"})
	assert.ErrorIs(t, err, domain.ErrEmptyCart)

	_, err = f.svc.Start(context.Background(), StartCommand{ReturnURL: "https://shop.example/return"})
	assert.True(t, domain.IsValidation(err))
	assert.Empty(t, f.gateway.initiated)
}

func TestService_Start_InitiateFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.seedCart(domain.ByUser("u1"))
	f.gateway.initiateErr = &easypay.GatewayHTTPError{Endpoint: easypay.EndpointWebpay, StatusCode: 502}

	_, err := f.svc.Start(context.Background(), StartCommand{Scope: domain.ByUser("u1"), ReturnURL: "https://shop.example/return"})
	assert.True(t, easypay.IsGatewayHTTPError(err))

	orders, err := f.store.ListForReconciliation(context.Background(), repository.ReconcileQuery{Statuses: domain.ReconcilableStatuses})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestService_Start_DraftFailureQueuesRetry(t *testing.T) {
	f := newFixture(t)
	f.seedCart(domain.ByUser("u1"))
	drafts := &failingDrafts{Store: f.store}
	f.svc.orders = drafts

	f.pub.On("PublishCommand", mock.Anything, mock.MatchedBy(func(cmd domain.Command) bool {
		return cmd.Type == domain.CommandDraftRetry && cmd.Draft != nil && cmd.Draft.ShopOrderNo == cmd.ShopOrderNo
	})).Return(nil).Once()

	res, err := f.svc.Start(context.Background(), StartCommand{Scope: domain.ByUser("u1"), ReturnURL: "https://shop.example/return"})
	require.NoError(t, err)
	assert.False(t, res.DraftSaved)
	assert.NotEmpty(t, res.AuthPageURL)
	assert.Equal(t, 2, drafts.calls)
	f.pub.AssertExpectations(t)

	created, err := f.svc.CreateDraft(context.Background(), f.pub.Calls[len(f.pub.Calls)-1].Arguments.Get(1).(domain.Command).Draft)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestService_Start_RejectsSettledShopOrderNo(t *testing.T) {
	f := newFixture(t)
	res := f.startOrder(t, domain.ByUser("u1"))
	_, err := f.svc.Callback(context.Background(), CallbackPayload{ResCd: "0000", AuthorizationID: "A1", ShopOrderNo: res.ShopOrderNo})
	require.NoError(t, err)

	f.seedCart(domain.ByUser("u1"))
	_, err = f.svc.Start(context.Background(), StartCommand{Scope: domain.ByUser("u1"), ReturnURL: "https://shop.example/return", ShopOrderNo: res.ShopOrderNo})
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)
}

func TestService_Callback_MarksPaid(t *testing.T) {
	f := newFixture(t)
	res := f.startOrder(t, domain.ByUser("u1"))

	out, err := f.svc.Callback(context.Background(), CallbackPayload{ResCd: "0000", AuthorizationID: "A1", ShopOrderNo: res.ShopOrderNo})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, out.Status)
	assert.Equal(t, "P1", out.PGCno)
	assert.False(t, out.AlreadySettled)

	require.Len(t, f.gateway.approvals, 1)
	approval := f.gateway.approvals[0]
	assert.Equal(t, "A1", approval.AuthorizationID)
	assert.Equal(t, "20250101", approval.ApprovalReqDate)
	assert.NotEmpty(t, approval.ShopTransactionID)

	view, err := f.svc.Order(context.Background(), res.ShopOrderNo)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, view.Order.Status)
	assert.Equal(t, "A1", view.Order.PGAuthorizationID)
	require.Len(t, view.Items, 2)
	assert.Equal(t, "Mug", view.Items[0].ProductName)

	cart, err := f.store.ListCartItems(context.Background(), domain.ByUser("u1"))
	require.NoError(t, err)
	assert.Empty(t, cart)

	f.pub.AssertCalled(t, "PublishEvent", mock.Anything, mock.MatchedBy(func(e domain.Event) bool {
		return e.Type == domain.EventPaid && e.ShopOrderNo == res.ShopOrderNo
	}))
}

func TestService_Callback_SignatureMismatch(t *testing.T) {
	f := newFixture(t)
	res := f.startOrder(t, domain.ByUser("u1"))
	f.gateway.signer = msgauth.NewCodec("a-different-secret")

	_, err := f.svc.Callback(context.Background(), CallbackPayload{ResCd: "0000", AuthorizationID: "A1", ShopOrderNo: res.ShopOrderNo})
	assert.ErrorIs(t, err, domain.ErrSignatureMismatch)

	o, err := f.store.FindByShopOrderNo(context.Background(), res.ShopOrderNo)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, o.Status)
	assert.Equal(t, "SIGNATURE_MISMATCH", o.Attributes[domain.AttrReconcileFlag])

	items, err := f.store.ListItems(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestService_Callback_ConcurrentDuplicatesSettleOnce(t *testing.T) {
	f := newFixture(t)
	res := f.startOrder(t, domain.BySession("s1"))

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan *CallbackResult, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.svc.Callback(context.Background(), CallbackPayload{ResCd: "0000", AuthorizationID: "A1", ShopOrderNo: res.ShopOrderNo})
			if assert.NoError(t, err) {
				results <- out
			}
		}()
	}
	wg.Wait()
	close(results)

	fresh := 0
	for out := range results {
		assert.Equal(t, domain.StatusPaid, out.Status)
		if !out.AlreadySettled {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, 1, f.store.CartClears())

	o, err := f.store.FindByShopOrderNo(context.Background(), res.ShopOrderNo)
	require.NoError(t, err)
	items, err := f.store.ListItems(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestService_Callback_SettledOrderSkipsApproval(t *testing.T) {
	f := newFixture(t)
	res := f.startOrder(t, domain.ByUser("u1"))
	payload := CallbackPayload{ResCd: "0000", AuthorizationID: "A1", ShopOrderNo: res.ShopOrderNo}

	_, err := f.svc.Callback(context.Background(), payload)
	require.NoError(t, err)

	out, err := f.svc.Callback(context.Background(), payload)
	require.NoError(t, err)
	assert.True(t, out.AlreadySettled)
	assert.Equal(t, 1, f.gateway.approveCount())
}

func TestService_Callback_OrderNotFound(t *testing.T) {
	f := newFixture(t)
	f.gateway.approvedAmt = 1000

	_, err := f.svc.Callback(context.Background(), CallbackPayload{ResCd: "0000", AuthorizationID: "A1", ShopOrderNo: "20250101000000001"})
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	_, err = f.store.FindByShopOrderNo(context.Background(), "20250101000000001")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestService_Callback_AmountMismatch(t *testing.T) {
	f := newFixture(t)
	res := f.startOrder(t, domain.ByUser("u1"))
	f.gateway.approvedAmt = 1

	_, err := f.svc.Callback(context.Background(), CallbackPayload{ResCd: "0000", AuthorizationID: "A1", ShopOrderNo: res.ShopOrderNo})
	assert.ErrorIs(t, err, domain.ErrAmountMismatch)

	o, err := f.store.FindByShopOrderNo(context.Background(), res.ShopOrderNo)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, o.Status)
	assert.Equal(t, "AMOUNT_MISMATCH", o.Attributes[domain.AttrReconcileFlag])
}

func TestService_Callback_Rejections(t *testing.T) {
	f := newFixture(t)
	res := f.startOrder(t, domain.ByUser("u1"))

	_, err := f.svc.Callback(context.Background(), CallbackPayload{ResCd: "W002", ResMsg: "cancelled by buyer", ShopOrderNo: res.ShopOrderNo})
	assert.ErrorIs(t, err, domain.ErrApprovalRejected)

	_, err = f.svc.Callback(context.Background(), CallbackPayload{ResCd: "0000", ShopOrderNo: res.ShopOrderNo})
	assert.True(t, domain.IsValidation(err))

	f.gateway.approveCd = "E101"
	_, err = f.svc.Callback(context.Background(), CallbackPayload{ResCd: "0000", AuthorizationID: "A1", ShopOrderNo: res.ShopOrderNo})
	assert.ErrorIs(t, err, domain.ErrApprovalRejected)

	o, err := f.store.FindByShopOrderNo(context.Background(), res.ShopOrderNo)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, o.Status)
}

func TestService_Revise(t *testing.T) {
	tests := []struct {
		name string
		code string
		want domain.Status
	}{
		{name: "full cancel", code: easypay.ReviseFullCancel, want: domain.StatusCancelled},
		{name: "refund", code: easypay.ReviseRefund, want: domain.StatusRefund},
		{name: "partial cancel of the whole balance", code: easypay.RevisePartialCancel, want: domain.StatusRefund},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			res := f.startOrder(t, domain.ByUser("u1"))
			_, err := f.svc.Callback(context.Background(), CallbackPayload{ResCd: "0000", AuthorizationID: "A1", ShopOrderNo: res.ShopOrderNo})
			require.NoError(t, err)

			out, err := f.svc.Revise(context.Background(), ReviseCommand{
				ShopOrderNo:    res.ShopOrderNo,
				ReviseTypeCode: tt.code,
				Extra:          map[string]any{"foo": "bar"},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Status)

			require.Len(t, f.gateway.revisions, 1)
			assert.Equal(t, "P1", f.gateway.revisions[0].PGCno)
			assert.Equal(t, "20250101", f.gateway.revisions[0].CancelReqDate)

			o, err := f.store.FindByShopOrderNo(context.Background(), res.ShopOrderNo)
			require.NoError(t, err)
			assert.Equal(t, tt.want, o.Status)
			assert.Equal(t, tt.want, o.PaymentStatus)
		})
	}
}

func TestService_Revise_Guards(t *testing.T) {
	f := newFixture(t)
	res := f.startOrder(t, domain.ByUser("u1"))

	_, err := f.svc.Revise(context.Background(), ReviseCommand{ShopOrderNo: res.ShopOrderNo, ReviseTypeCode: easypay.ReviseFullCancel})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.svc.Revise(context.Background(), ReviseCommand{ShopOrderNo: res.ShopOrderNo})
	assert.True(t, domain.IsValidation(err))

	_, err = f.svc.Callback(context.Background(), CallbackPayload{ResCd: "0000", AuthorizationID: "A1", ShopOrderNo: res.ShopOrderNo})
	require.NoError(t, err)

	f.gateway.reviseCd = "R999"
	_, err = f.svc.Revise(context.Background(), ReviseCommand{ShopOrderNo: res.ShopOrderNo, ReviseTypeCode: easypay.ReviseFullCancel})
	assert.ErrorIs(t, err, domain.ErrReviseRejected)

	o, err := f.store.FindByShopOrderNo(context.Background(), res.ShopOrderNo)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, o.Status)
	assert.Len(t, f.gateway.revisions, 1)
}

func TestService_Revise_PartialCancelKeepsPaid(t *testing.T) {
	f := newFixture(t)
	res := f.startOrder(t, domain.ByUser("u1"))
	_, err := f.svc.Callback(context.Background(), CallbackPayload{ResCd: "0000", AuthorizationID: "A1", ShopOrderNo: res.ShopOrderNo})
	require.NoError(t, err)

	amount := int64(1000)
	f.gateway.remain = "9000"
	out, err := f.svc.Revise(context.Background(), ReviseCommand{
		ShopOrderNo:    res.ShopOrderNo,
		ReviseTypeCode: easypay.RevisePartialCancel,
		Amount:         &amount,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, out.Status)

	o, err := f.store.FindByShopOrderNo(context.Background(), res.ShopOrderNo)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, o.Status)
	assert.NotEmpty(t, o.Attributes["last_revise"])

	f.gateway.remain = "0"
	out, err = f.svc.Revise(context.Background(), ReviseCommand{
		ShopOrderNo:    res.ShopOrderNo,
		ReviseTypeCode: easypay.RevisePartialCancel,
		Amount:         &amount,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefund, out.Status)
	assert.Len(t, f.gateway.revisions, 2)
}
