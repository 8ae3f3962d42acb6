package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storefront/internal/clock"
	"github.com/smallbiznis/storefront/internal/config"
	"github.com/smallbiznis/storefront/internal/lock"
	obsmetrics "github.com/smallbiznis/storefront/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/storefront/internal/order/domain"
	"github.com/smallbiznis/storefront/internal/payment/dispatcher"
	paymentdomain "github.com/smallbiznis/storefront/internal/payment/domain"
	"github.com/smallbiznis/storefront/internal/payment/statemachine"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var errStaleEvent = errors.New("stale_event")

// EffectDispatcher runs the side effects of a committed transition.
type EffectDispatcher interface {
	Dispatch(ctx context.Context, order *orderdomain.Order, event paymentdomain.PaymentEvent, t statemachine.Transition) dispatcher.Report
}

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Repo        paymentdomain.Repository
	OrderRepo   orderdomain.Repository
	Locker      lock.OrderLocker
	Dispatcher  EffectDispatcher
	Config      *config.ProcessorConfigHolder
	Clock       clock.Clock                  `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics          `optional:"true"`
	ProcMetrics *obsmetrics.ProcessorMetrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	repo        paymentdomain.Repository
	orderRepo   orderdomain.Repository
	locker      lock.OrderLocker
	dispatcher  EffectDispatcher
	cfg         *config.ProcessorConfigHolder
	clock       clock.Clock
	obsMetrics  *obsmetrics.Metrics
	procMetrics *obsmetrics.ProcessorMetrics
}

// Result describes what processing an authenticated event did.
type Result struct {
	Outcome    paymentdomain.Outcome
	OrderID    snowflake.ID
	Transition statemachine.Transition
	Report     dispatcher.Report
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.System{}
	}
	locker := p.Locker
	if locker == nil {
		locker = lock.Noop{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.service"),
		genID:       p.GenID,
		repo:        p.Repo,
		orderRepo:   p.OrderRepo,
		locker:      locker,
		dispatcher:  p.Dispatcher,
		cfg:         p.Config,
		clock:       clk,
		obsMetrics:  p.ObsMetrics,
		procMetrics: p.ProcMetrics,
	}
}

// ProcessEvent records the event, moves the matching order through the state
// machine and runs the resulting side effects. An error means nothing was
// committed and the gateway should retry.
func (s *Service) ProcessEvent(ctx context.Context, event *paymentdomain.PaymentEvent) (*Result, error) {
	if err := validateEvent(event); err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now
	}

	received := paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.ProviderEventType,
		PaymentIntentID: event.PaymentIntentID,
		Payload:         datatypes.JSON(event.RawPayload),
		ReceivedAt:      now,
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, &received)
	if err != nil {
		return nil, fmt.Errorf("record payment event: %w", err)
	}
	stored := &received
	if !inserted {
		stored, err = s.repo.FindEvent(ctx, s.db, event.Provider, event.ProviderEventID)
		if err != nil {
			return nil, fmt.Errorf("load payment event: %w", err)
		}
		if stored == nil {
			return nil, fmt.Errorf("payment event %s/%s missing after conflict", event.Provider, event.ProviderEventID)
		}
		if stored.ProcessedAt != nil {
			s.log.Info("payment event already processed",
				zap.String("provider", event.Provider),
				zap.String("provider_event_id", event.ProviderEventID),
			)
			return &Result{Outcome: paymentdomain.OutcomeDuplicate}, nil
		}
	}

	result, err := s.apply(ctx, event)
	if err != nil {
		return nil, err
	}

	// The order is committed; finish the bookkeeping even if the caller went away.
	if err := s.repo.MarkProcessed(context.WithoutCancel(ctx), s.db, stored.ID, s.clock.Now().UTC()); err != nil {
		// The transition is committed; a redelivery is absorbed by the state machine.
		s.log.Warn("failed to mark payment event processed",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.Error(err),
		)
	}
	return result, nil
}

func (s *Service) apply(ctx context.Context, event *paymentdomain.PaymentEvent) (*Result, error) {
	order, err := s.orderRepo.FindByPaymentIntent(ctx, s.db, event.PaymentIntentID)
	if err != nil {
		return nil, fmt.Errorf("locate order: %w", err)
	}
	if order == nil {
		s.log.Warn("no order matches payment intent",
			zap.String("provider", event.Provider),
			zap.String("payment_intent_id", event.PaymentIntentID),
			zap.String("event_kind", string(event.Kind)),
		)
		return &Result{Outcome: paymentdomain.OutcomeNoMatch}, nil
	}
	if isStale(order, event) {
		return s.stale(order, event), nil
	}

	var (
		committed  *orderdomain.Order
		transition statemachine.Transition
	)
	err = s.locker.WithOrderLock(ctx, int64(order.ID), func(ctx context.Context) error {
		var err error
		committed, transition, err = s.commit(ctx, order.ID, event)
		return err
	})
	if errors.Is(err, errStaleEvent) {
		return s.stale(committed, event), nil
	}
	if err != nil {
		s.procMetrics.IncCommitFailure(err)
		return nil, fmt.Errorf("commit order %s: %w", order.ID, err)
	}

	// The transition is committed. A redelivery would see it as a replay and
	// suppress the effects, so they run to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	result := &Result{
		Outcome:    paymentdomain.OutcomeUnchanged,
		OrderID:    committed.ID,
		Transition: transition,
	}
	if transition.Changed() {
		result.Outcome = paymentdomain.OutcomeProcessed
		s.obsMetrics.RecordOrderTransition(ctx, string(transition.ToPayment), string(transition.ToFulfillment))
		s.log.Info("order transitioned",
			zap.String("order_id", committed.ID.String()),
			zap.String("payment_status", string(transition.ToPayment)),
			zap.String("fulfillment_status", string(transition.ToFulfillment)),
			zap.String("provider_event_id", event.ProviderEventID),
		)
	}
	if len(transition.Effects) == 0 {
		return result, nil
	}

	items, err := s.orderRepo.ListItems(ctx, s.db, committed.ID)
	if err != nil {
		s.log.Warn("failed to load order items for side effects",
			zap.String("order_id", committed.ID.String()),
			zap.Error(err),
		)
	}
	committed.Items = items
	result.Report = s.dispatcher.Dispatch(ctx, committed, *event, transition)
	return result, nil
}

// commit runs read-decide-write until the conditional update lands or the
// attempt budget is spent.
func (s *Service) commit(ctx context.Context, orderID snowflake.ID, event *paymentdomain.PaymentEvent) (*orderdomain.Order, statemachine.Transition, error) {
	maxAttempts := s.cfg.Get().MaxCommitAttempts
	for attempt := 1; ; attempt++ {
		current, err := s.orderRepo.FindByID(ctx, s.db, orderID)
		if err != nil {
			return nil, statemachine.Transition{}, err
		}
		if isStale(current, event) {
			return current, statemachine.Transition{}, errStaleEvent
		}

		t, err := statemachine.Decide(*current, *event)
		if err != nil {
			return nil, statemachine.Transition{}, err
		}
		if !t.Changed() {
			return current, t, nil
		}

		now := s.clock.Now().UTC()
		update := orderdomain.StatusUpdate{
			OrderID:           current.ID,
			ExpectedVersion:   current.Version,
			PaymentStatus:     t.ToPayment,
			FulfillmentStatus: t.ToFulfillment,
			PaidAt:            t.PaidAt,
			CancelledAt:       t.CancelledAt,
			LastEventAt:       latest(current.LastEventAt, event.OccurredAt),
			Notes:             statemachine.AppendNote(current.Notes, now, t.Note),
			UpdatedAt:         now,
		}
		err = s.orderRepo.UpdateStatus(ctx, s.db, update)
		if err == nil {
			current.PaymentStatus = update.PaymentStatus
			current.FulfillmentStatus = update.FulfillmentStatus
			current.PaidAt = update.PaidAt
			current.CancelledAt = update.CancelledAt
			current.LastEventAt = update.LastEventAt
			current.Notes = update.Notes
			current.UpdatedAt = update.UpdatedAt
			current.Version++
			return current, t, nil
		}
		if !errors.Is(err, orderdomain.ErrVersionConflict) || attempt >= maxAttempts {
			return nil, statemachine.Transition{}, err
		}
		s.procMetrics.IncCommitRetry()
		s.log.Debug("order version conflict, retrying",
			zap.String("order_id", orderID.String()),
			zap.Int("attempt", attempt),
		)
	}
}

func (s *Service) stale(order *orderdomain.Order, event *paymentdomain.PaymentEvent) *Result {
	s.procMetrics.IncStaleEvent(event.Provider)
	fields := []zap.Field{
		zap.String("order_id", order.ID.String()),
		zap.String("provider_event_id", event.ProviderEventID),
		zap.Time("occurred_at", event.OccurredAt),
	}
	if order.LastEventAt != nil {
		fields = append(fields, zap.Time("last_event_at", *order.LastEventAt))
	}
	s.log.Warn("stale payment event skipped", fields...)
	return &Result{Outcome: paymentdomain.OutcomeStale, OrderID: order.ID}
}

func isStale(order *orderdomain.Order, event *paymentdomain.PaymentEvent) bool {
	return order.LastEventAt != nil && event.OccurredAt.Before(*order.LastEventAt)
}

func latest(current *time.Time, occurred time.Time) *time.Time {
	if current != nil && current.After(occurred) {
		return current
	}
	v := occurred.UTC()
	return &v
}

func validateEvent(event *paymentdomain.PaymentEvent) error {
	if event == nil {
		return paymentdomain.ErrMalformedEvent
	}
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	event.ProviderEventID = strings.TrimSpace(event.ProviderEventID)
	event.PaymentIntentID = strings.TrimSpace(event.PaymentIntentID)
	if event.Provider == "" || event.ProviderEventID == "" || event.PaymentIntentID == "" {
		return paymentdomain.ErrMalformedEvent
	}
	if len(event.RawPayload) == 0 {
		event.RawPayload = []byte("{}")
	}
	return nil
}
