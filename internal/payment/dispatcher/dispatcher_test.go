package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/shopspring/decimal"
	commissiondomain "github.com/smallbiznis/storefront/internal/commission/domain"
	"github.com/smallbiznis/storefront/internal/config"
	fulfillmentdomain "github.com/smallbiznis/storefront/internal/fulfillment/domain"
	inventorydomain "github.com/smallbiznis/storefront/internal/inventory/domain"
	"github.com/smallbiznis/storefront/internal/notification"
	orderdomain "github.com/smallbiznis/storefront/internal/order/domain"
	paymentdomain "github.com/smallbiznis/storefront/internal/payment/domain"
	"github.com/smallbiznis/storefront/internal/payment/statemachine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) SendOrderConfirmation(ctx context.Context, order *orderdomain.Order) error {
	return m.Called(ctx, order).Error(0)
}

func (m *mockNotifier) SendPaymentFailure(ctx context.Context, order *orderdomain.Order, reason string) error {
	return m.Called(ctx, order, reason).Error(0)
}

func (m *mockNotifier) SendCancellation(ctx context.Context, order *orderdomain.Order, reason string) error {
	return m.Called(ctx, order, reason).Error(0)
}

func (m *mockNotifier) SendRefundNotice(ctx context.Context, order *orderdomain.Order, refunded decimal.Decimal, partial bool) error {
	return m.Called(ctx, order, refunded, partial).Error(0)
}

func (m *mockNotifier) SendActionRequired(ctx context.Context, order *orderdomain.Order, nextAction string) error {
	return m.Called(ctx, order, nextAction).Error(0)
}

type fakeCommission struct {
	fn func(ctx context.Context, orderID snowflake.ID) ([]commissiondomain.Commission, error)
}

func (f fakeCommission) CreateCommissionsForOrder(ctx context.Context, orderID snowflake.ID) ([]commissiondomain.Commission, error) {
	if f.fn == nil {
		return nil, nil
	}
	return f.fn(ctx, orderID)
}

type fakeFulfillment struct {
	fn func(ctx context.Context, orderID snowflake.ID) (*fulfillmentdomain.Result, error)
}

func (f fakeFulfillment) ProcessNewOrder(ctx context.Context, orderID snowflake.ID) (*fulfillmentdomain.Result, error) {
	if f.fn == nil {
		return &fulfillmentdomain.Result{}, nil
	}
	return f.fn(ctx, orderID)
}

type fakeInventory struct {
	requests []inventorydomain.RestoreRequest
	err      error
}

func (f *fakeInventory) Restore(_ context.Context, req inventorydomain.RestoreRequest) (*inventorydomain.RestoreResult, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &inventorydomain.RestoreResult{OrderID: req.OrderID}, nil
}

type harness struct {
	notifier    *mockNotifier
	commission  fakeCommission
	fulfillment fakeFulfillment
	inventory   *fakeInventory
	cfg         config.ProcessorConfig
}

func newHarness() *harness {
	cfg := config.DefaultProcessorConfig()
	cfg.SideEffectTimeout = 50 * time.Millisecond
	cfg.QueueSize = 4
	cfg.QueueWorkers = 1
	return &harness{
		notifier:  &mockNotifier{},
		inventory: &fakeInventory{},
		cfg:       cfg,
	}
}

func (h *harness) build(t *testing.T) *Dispatcher {
	t.Helper()
	d := New(Params{
		Log:         zap.NewNop(),
		Config:      config.NewStaticProcessorConfigHolder(h.cfg),
		Notifier:    h.notifier,
		Commission:  h.commission,
		Fulfillment: h.fulfillment,
		Inventory:   h.inventory,
	})
	d.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d
}

func testOrder() *orderdomain.Order {
	return &orderdomain.Order{
		ID:            snowflake.ID(42),
		OrderNumber:   "ORD-42",
		CustomerEmail: "buyer@example.com",
		TotalAmount:   decimal.RequireFromString("50.00"),
		Currency:      "USD",
	}
}

var reportOpts = cmp.Options{cmpopts.EquateErrors()}

func TestDispatchSucceededEffects(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	h := newHarness()
	h.notifier.On("SendOrderConfirmation", mock.Anything, mock.Anything).Return(nil).Once()
	var commissionCalls, fulfillmentCalls int
	h.commission.fn = func(_ context.Context, id snowflake.ID) ([]commissiondomain.Commission, error) {
		commissionCalls++
		return []commissiondomain.Commission{{OrderID: id}}, nil
	}
	h.fulfillment.fn = func(_ context.Context, _ snowflake.ID) (*fulfillmentdomain.Result, error) {
		fulfillmentCalls++
		return &fulfillmentdomain.Result{}, nil
	}
	d := h.build(t)

	report := d.Dispatch(context.Background(), testOrder(), paymentdomain.PaymentEvent{Kind: paymentdomain.KindSucceeded}, statemachine.Transition{
		Effects: []statemachine.Effect{statemachine.EffectSendConfirmation, statemachine.EffectAccrueCommission, statemachine.EffectDispatchFulfillment},
	})

	want := Report{OrderID: 42, Results: []EffectResult{
		{Effect: statemachine.EffectSendConfirmation, Outcome: OutcomeSucceeded},
		{Effect: statemachine.EffectAccrueCommission, Outcome: OutcomeSucceeded},
		{Effect: statemachine.EffectDispatchFulfillment, Outcome: OutcomeSucceeded},
	}}
	if diff := cmp.Diff(want, report, reportOpts); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, commissionCalls)
	assert.Equal(t, 1, fulfillmentCalls)
	h.notifier.AssertExpectations(t)
}

func TestDispatchIsolatesFailures(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	smtpDown := errors.New("smtp: connection refused")
	h := newHarness()
	h.notifier.On("SendOrderConfirmation", mock.Anything, mock.Anything).Return(smtpDown).Once()
	h.commission.fn = func(context.Context, snowflake.ID) ([]commissiondomain.Commission, error) {
		panic("vendor rate missing")
	}
	fulfilled := false
	h.fulfillment.fn = func(context.Context, snowflake.ID) (*fulfillmentdomain.Result, error) {
		fulfilled = true
		return &fulfillmentdomain.Result{}, nil
	}
	d := h.build(t)

	report := d.Dispatch(context.Background(), testOrder(), paymentdomain.PaymentEvent{Kind: paymentdomain.KindSucceeded}, statemachine.Transition{
		Effects: []statemachine.Effect{statemachine.EffectSendConfirmation, statemachine.EffectAccrueCommission, statemachine.EffectDispatchFulfillment},
	})

	require.Len(t, report.Results, 3)
	assert.Equal(t, OutcomeFailed, report.Results[0].Outcome)
	assert.ErrorIs(t, report.Results[0].Err, smtpDown)
	assert.Equal(t, OutcomeFailed, report.Results[1].Outcome)
	assert.ErrorIs(t, report.Results[1].Err, ErrEffectPanic)
	assert.Equal(t, OutcomeSucceeded, report.Results[2].Outcome)
	assert.True(t, fulfilled)
	assert.Len(t, report.Failed(), 2)
}

func TestDispatchPassesEventDetails(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	h := newHarness()
	h.notifier.On("SendRefundNotice", mock.Anything, mock.Anything, decimal.RequireFromString("10"), true).Return(nil).Once()
	h.notifier.On("SendCancellation", mock.Anything, mock.Anything, "requested_by_customer").Return(nil).Once()
	d := h.build(t)

	refund := paymentdomain.PaymentEvent{Kind: paymentdomain.KindRefunded, Amount: 5000, AmountRefunded: 1000}
	report := d.Dispatch(context.Background(), testOrder(), refund, statemachine.Transition{
		Effects: []statemachine.Effect{statemachine.EffectSendRefundNotice},
	})
	outcome, ok := report.Outcome(statemachine.EffectSendRefundNotice)
	require.True(t, ok)
	assert.Equal(t, OutcomeSucceeded, outcome)

	cancel := paymentdomain.PaymentEvent{Kind: paymentdomain.KindCancelled, CancellationReason: "requested_by_customer"}
	report = d.Dispatch(context.Background(), testOrder(), cancel, statemachine.Transition{
		Effects:       []statemachine.Effect{statemachine.EffectRestoreInventory, statemachine.EffectSendCancellation},
		RestoreReason: inventorydomain.RestoreReasonCancelled,
	})
	assert.Empty(t, report.Failed())
	require.Len(t, h.inventory.requests, 1)
	assert.Equal(t, inventorydomain.RestoreRequest{OrderID: 42, Reason: inventorydomain.RestoreReasonCancelled}, h.inventory.requests[0])
	h.notifier.AssertExpectations(t)
}

func TestDispatchSkipsDisabledAndRecipientless(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	h := newHarness()
	h.cfg.DisabledEffects = []string{"Dispatch_Fulfillment"}
	h.notifier.On("SendOrderConfirmation", mock.Anything, mock.Anything).Return(notification.ErrNoRecipient).Once()
	h.fulfillment.fn = func(context.Context, snowflake.ID) (*fulfillmentdomain.Result, error) {
		t.Fatal("disabled effect must not run")
		return nil, nil
	}
	d := h.build(t)

	report := d.Dispatch(context.Background(), testOrder(), paymentdomain.PaymentEvent{}, statemachine.Transition{
		Effects: []statemachine.Effect{statemachine.EffectSendConfirmation, statemachine.EffectDispatchFulfillment},
	})

	want := Report{OrderID: 42, Results: []EffectResult{
		{Effect: statemachine.EffectSendConfirmation, Outcome: OutcomeSkipped, Err: notification.ErrNoRecipient},
		{Effect: statemachine.EffectDispatchFulfillment, Outcome: OutcomeSkipped},
	}}
	if diff := cmp.Diff(want, report, reportOpts); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchDefersTimedOutEffect(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	h := newHarness()
	retried := make(chan struct{})
	h.notifier.On("SendPaymentFailure", mock.Anything, mock.Anything, "card_declined").
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(context.DeadlineExceeded).Once()
	h.notifier.On("SendPaymentFailure", mock.Anything, mock.Anything, "card_declined").
		Run(func(mock.Arguments) { close(retried) }).
		Return(nil).Once()
	d := h.build(t)

	report := d.Dispatch(context.Background(), testOrder(), paymentdomain.PaymentEvent{DeclineReason: "card_declined"}, statemachine.Transition{
		Effects: []statemachine.Effect{statemachine.EffectSendPaymentFailure},
	})

	require.Len(t, report.Results, 1)
	assert.Equal(t, OutcomeDeferred, report.Results[0].Outcome)

	select {
	case <-retried:
	case <-time.After(time.Second):
		t.Fatal("deferred effect was not retried")
	}
}

func TestDispatchFailsWhenQueueFull(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	h := newHarness()
	h.cfg.QueueSize = 1
	h.notifier.On("SendActionRequired", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(context.DeadlineExceeded)

	// Workers are never started so the single slot stays occupied.
	d := New(Params{
		Log:         zap.NewNop(),
		Config:      config.NewStaticProcessorConfigHolder(h.cfg),
		Notifier:    h.notifier,
		Commission:  h.commission,
		Fulfillment: h.fulfillment,
		Inventory:   h.inventory,
	})
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	transition := statemachine.Transition{Effects: []statemachine.Effect{statemachine.EffectSendActionRequired}}
	first := d.Dispatch(context.Background(), testOrder(), paymentdomain.PaymentEvent{}, transition)
	second := d.Dispatch(context.Background(), testOrder(), paymentdomain.PaymentEvent{}, transition)

	assert.Equal(t, OutcomeDeferred, first.Results[0].Outcome)
	assert.Equal(t, OutcomeFailed, second.Results[0].Outcome)
	assert.ErrorIs(t, second.Results[0].Err, ErrQueueFull)
	assert.Equal(t, 1, d.queue.depth())
}

func TestStopDropsBufferedJobs(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	q := newQueue(2, 1, func(context.Context, job) {}, nil)
	require.True(t, q.enqueue(job{effect: statemachine.EffectSendConfirmation}))
	require.True(t, q.enqueue(job{effect: statemachine.EffectSendCancellation}))
	assert.False(t, q.enqueue(job{effect: statemachine.EffectSendRefundNotice}))

	assert.Equal(t, 2, q.stop(context.Background()))
	assert.False(t, q.enqueue(job{}), "closed queue rejects jobs")
}

func TestDispatchReturnsWhenEffectIgnoresDeadline(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	h := newHarness()
	release := make(chan struct{})
	finished := make(chan struct{})
	calls := 0
	h.fulfillment.fn = func(context.Context, snowflake.ID) (*fulfillmentdomain.Result, error) {
		calls++
		<-release
		return &fulfillmentdomain.Result{}, nil
	}
	d := New(Params{
		Log:         zap.NewNop(),
		Config:      config.NewStaticProcessorConfigHolder(h.cfg),
		Notifier:    h.notifier,
		Commission:  h.commission,
		Fulfillment: h.fulfillment,
		Inventory:   h.inventory,
	})
	d.queue.run = func(ctx context.Context, j job) {
		d.runDeferred(ctx, j)
		close(finished)
	}
	d.Start()
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	start := time.Now()
	report := d.Dispatch(context.Background(), testOrder(), paymentdomain.PaymentEvent{}, statemachine.Transition{
		Effects: []statemachine.Effect{statemachine.EffectDispatchFulfillment},
	})
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, report.Results, 1)
	assert.Equal(t, OutcomeDeferred, report.Results[0].Outcome)
	assert.ErrorIs(t, report.Results[0].Err, context.DeadlineExceeded)

	close(release)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("deferred effect did not settle")
	}
	assert.Equal(t, 1, calls, "a late success is not invoked again")
}

func TestRunDeferredGivesUpOnStuckAttempt(t *testing.T) {
	h := newHarness()
	d := New(Params{
		Log:         zap.NewNop(),
		Config:      config.NewStaticProcessorConfigHolder(h.cfg),
		Notifier:    h.notifier,
		Commission:  h.commission,
		Fulfillment: h.fulfillment,
		Inventory:   h.inventory,
	})

	start := time.Now()
	d.runDeferred(context.Background(), job{
		effect:  statemachine.EffectSendConfirmation,
		order:   *testOrder(),
		running: make(chan error),
	})
	assert.Less(t, time.Since(start), time.Second)
	h.notifier.AssertNotCalled(t, "SendOrderConfirmation", mock.Anything, mock.Anything)
}
