package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	commissiondomain "github.com/smallbiznis/storefront/internal/commission/domain"
	"github.com/smallbiznis/storefront/internal/config"
	fulfillmentdomain "github.com/smallbiznis/storefront/internal/fulfillment/domain"
	inventorydomain "github.com/smallbiznis/storefront/internal/inventory/domain"
	"github.com/smallbiznis/storefront/internal/notification"
	obsmetrics "github.com/smallbiznis/storefront/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/storefront/internal/order/domain"
	paymentdomain "github.com/smallbiznis/storefront/internal/payment/domain"
	"github.com/smallbiznis/storefront/internal/payment/statemachine"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrQueueFull     = errors.New("side_effect_queue_full")
	ErrEffectPanic   = errors.New("side_effect_panic")
	ErrUnknownEffect = errors.New("unknown_side_effect")
	// ErrEffectStillRunning marks a deferred effect whose timed-out first
	// attempt never returned.
	ErrEffectStillRunning = errors.New("side_effect_still_running")
)

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeSkipped   Outcome = "skipped"
)

type EffectResult struct {
	Effect  statemachine.Effect
	Outcome Outcome
	Err     error
}

// Report collects one result per requested effect, in request order.
type Report struct {
	OrderID snowflake.ID
	Results []EffectResult
}

func (r Report) Failed() []EffectResult {
	return lo.Filter(r.Results, func(res EffectResult, _ int) bool {
		return res.Outcome == OutcomeFailed
	})
}

// Outcome returns the recorded outcome of effect, if it was requested.
func (r Report) Outcome(effect statemachine.Effect) (Outcome, bool) {
	res, ok := lo.Find(r.Results, func(res EffectResult) bool {
		return res.Effect == effect
	})
	return res.Outcome, ok
}

// Notifier sends customer-facing order emails.
type Notifier interface {
	SendOrderConfirmation(ctx context.Context, order *orderdomain.Order) error
	SendPaymentFailure(ctx context.Context, order *orderdomain.Order, reason string) error
	SendCancellation(ctx context.Context, order *orderdomain.Order, reason string) error
	SendRefundNotice(ctx context.Context, order *orderdomain.Order, refunded decimal.Decimal, partial bool) error
	SendActionRequired(ctx context.Context, order *orderdomain.Order, nextAction string) error
}

type Params struct {
	fx.In

	Lifecycle   fx.Lifecycle `optional:"true"`
	Log         *zap.Logger
	Config      *config.ProcessorConfigHolder
	Notifier    Notifier
	Commission  commissiondomain.Service
	Fulfillment fulfillmentdomain.Service
	Inventory   inventorydomain.Service
	ObsMetrics  *obsmetrics.Metrics          `optional:"true"`
	ProcMetrics *obsmetrics.ProcessorMetrics `optional:"true"`
}

type Dispatcher struct {
	log         *zap.Logger
	cfg         *config.ProcessorConfigHolder
	notifier    Notifier
	commission  commissiondomain.Service
	fulfillment fulfillmentdomain.Service
	inventory   inventorydomain.Service
	obsMetrics  *obsmetrics.Metrics
	procMetrics *obsmetrics.ProcessorMetrics
	queue       *queue
}

func New(p Params) *Dispatcher {
	cfg := p.Config.Get()
	d := &Dispatcher{
		log:         p.Log.Named("payment.dispatcher"),
		cfg:         p.Config,
		notifier:    p.Notifier,
		commission:  p.Commission,
		fulfillment: p.Fulfillment,
		inventory:   p.Inventory,
		obsMetrics:  p.ObsMetrics,
		procMetrics: p.ProcMetrics,
	}
	d.queue = newQueue(cfg.QueueSize, cfg.QueueWorkers, d.runDeferred, p.ProcMetrics)

	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStart: func(context.Context) error {
				d.Start()
				return nil
			},
			OnStop: d.Stop,
		})
	}
	return d
}

// Start launches the background workers that run deferred effects.
func (d *Dispatcher) Start() {
	d.queue.start()
}

// Stop stops accepting deferred effects and waits for running ones to finish.
func (d *Dispatcher) Stop(ctx context.Context) error {
	dropped := d.queue.stop(ctx)
	if dropped > 0 {
		d.log.Warn("deferred side effects dropped on shutdown", zap.Int("count", dropped))
	}
	return ctx.Err()
}

type job struct {
	effect  statemachine.Effect
	order   orderdomain.Order
	event   paymentdomain.PaymentEvent
	restore inventorydomain.RestoreReason

	// running delivers the result of an inline attempt that outlived its
	// timeout. The deferred run waits for it instead of invoking again.
	running <-chan error
}

// Dispatch runs the transition's effects one after another. A failing,
// panicking or slow effect never prevents the next one from running.
func (d *Dispatcher) Dispatch(ctx context.Context, order *orderdomain.Order, event paymentdomain.PaymentEvent, t statemachine.Transition) Report {
	report := Report{OrderID: order.ID}
	cfg := d.cfg.Get()

	for _, effect := range t.Effects {
		j := job{effect: effect, order: *order, event: event, restore: t.RestoreReason}
		var res EffectResult
		if !cfg.EffectEnabled(string(effect)) {
			res = EffectResult{Effect: effect, Outcome: OutcomeSkipped}
		} else {
			res = d.runInline(ctx, j, cfg)
		}
		d.record(ctx, j, res)
		report.Results = append(report.Results, res)
	}
	return report
}

func (d *Dispatcher) runInline(ctx context.Context, j job, cfg config.ProcessorConfig) EffectResult {
	effectCtx, cancel := context.WithTimeout(ctx, cfg.SideEffectTimeout)
	defer cancel()

	running, err := d.invokeBounded(effectCtx, j)
	switch {
	case err == nil:
		return EffectResult{Effect: j.effect, Outcome: OutcomeSucceeded}
	case errors.Is(err, notification.ErrNoRecipient):
		return EffectResult{Effect: j.effect, Outcome: OutcomeSkipped, Err: err}
	case errors.Is(effectCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		j.running = running
		if d.queue.enqueue(j) {
			return EffectResult{Effect: j.effect, Outcome: OutcomeDeferred, Err: err}
		}
		return EffectResult{Effect: j.effect, Outcome: OutcomeFailed, Err: fmt.Errorf("%w: %v", ErrQueueFull, err)}
	default:
		return EffectResult{Effect: j.effect, Outcome: OutcomeFailed, Err: err}
	}
}

func (d *Dispatcher) runDeferred(ctx context.Context, j job) {
	timeout := d.cfg.Get().SideEffectTimeout * deferredTimeoutFactor
	effectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if j.running != nil {
		select {
		case err := <-j.running:
			if err == nil {
				d.record(ctx, j, EffectResult{Effect: j.effect, Outcome: OutcomeSucceeded})
				return
			}
		case <-effectCtx.Done():
			d.record(ctx, j, EffectResult{
				Effect:  j.effect,
				Outcome: OutcomeFailed,
				Err:     fmt.Errorf("%w: %v", ErrEffectStillRunning, effectCtx.Err()),
			})
			return
		}
	}

	res := EffectResult{Effect: j.effect, Outcome: OutcomeSucceeded}
	if _, err := d.invokeBounded(effectCtx, j); err != nil {
		res = EffectResult{Effect: j.effect, Outcome: OutcomeFailed, Err: err}
	}
	d.record(ctx, j, res)
}

// invokeBounded stops waiting for the effect once ctx is done. When the
// effect has not returned by then, its eventual result arrives on running.
func (d *Dispatcher) invokeBounded(ctx context.Context, j job) (running <-chan error, err error) {
	done := make(chan error, 1)
	go func() {
		done <- d.safeInvoke(ctx, j)
	}()

	select {
	case err := <-done:
		return nil, err
	case <-ctx.Done():
		select {
		case err := <-done:
			return nil, err
		default:
			return done, ctx.Err()
		}
	}
}

func (d *Dispatcher) safeInvoke(ctx context.Context, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("side effect panicked",
				zap.String("effect", string(j.effect)),
				zap.String("order_id", j.order.ID.String()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("%w: %v", ErrEffectPanic, r)
		}
	}()
	return d.invoke(ctx, j)
}

func (d *Dispatcher) invoke(ctx context.Context, j job) error {
	order := &j.order
	switch j.effect {
	case statemachine.EffectSendConfirmation:
		return d.notifier.SendOrderConfirmation(ctx, order)
	case statemachine.EffectAccrueCommission:
		rows, err := d.commission.CreateCommissionsForOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		d.log.Debug("commissions accrued", zap.String("order_id", order.ID.String()), zap.Int("count", len(rows)))
		return nil
	case statemachine.EffectDispatchFulfillment:
		_, err := d.fulfillment.ProcessNewOrder(ctx, order.ID)
		return err
	case statemachine.EffectSendPaymentFailure:
		return d.notifier.SendPaymentFailure(ctx, order, j.event.DeclineReason)
	case statemachine.EffectRestoreInventory:
		_, err := d.inventory.Restore(ctx, inventorydomain.RestoreRequest{OrderID: order.ID, Reason: j.restore})
		return err
	case statemachine.EffectSendCancellation:
		return d.notifier.SendCancellation(ctx, order, j.event.CancellationReason)
	case statemachine.EffectSendRefundNotice:
		return d.notifier.SendRefundNotice(ctx, order, j.event.RefundedDecimal(), !j.event.FullRefund())
	case statemachine.EffectSendActionRequired:
		return d.notifier.SendActionRequired(ctx, order, j.event.NextAction)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEffect, j.effect)
	}
}

func (d *Dispatcher) record(ctx context.Context, j job, res EffectResult) {
	d.obsMetrics.RecordSideEffect(ctx, string(j.effect), string(res.Outcome))

	fields := []zap.Field{
		zap.String("effect", string(j.effect)),
		zap.String("outcome", string(res.Outcome)),
		zap.String("order_id", j.order.ID.String()),
		zap.String("order_number", j.order.OrderNumber),
		zap.String("provider_event_id", j.event.ProviderEventID),
	}
	switch res.Outcome {
	case OutcomeFailed:
		if errors.Is(res.Err, inventorydomain.ErrInventoryInconsistency) {
			d.log.Error("inventory restoration failed", append(fields, zap.Error(res.Err))...)
			return
		}
		d.log.Warn("side effect failed", append(fields, zap.Error(res.Err))...)
	case OutcomeDeferred:
		d.log.Warn("side effect timed out, deferred", append(fields, zap.Error(res.Err))...)
	case OutcomeSkipped:
		d.log.Info("side effect skipped", append(fields, zap.Error(res.Err))...)
	default:
		d.log.Debug("side effect completed", fields...)
	}
}
