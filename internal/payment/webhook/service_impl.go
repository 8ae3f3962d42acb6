package webhook

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/storefront/internal/clock"
	obsmetrics "github.com/smallbiznis/storefront/internal/observability/metrics"
	"github.com/smallbiznis/storefront/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/storefront/internal/payment/domain"
	paymentservice "github.com/smallbiznis/storefront/internal/payment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// EventAuthenticator verifies a raw notification and parses it into a PaymentEvent.
type EventAuthenticator interface {
	Authenticate(ctx context.Context, provider string, payload []byte, headers http.Header) (*paymentdomain.PaymentEvent, error)
}

// EventProcessor applies an authenticated event.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, event *paymentdomain.PaymentEvent) (*paymentservice.Result, error)
}

type Params struct {
	fx.In

	Log         *zap.Logger
	Auth        *adapters.Authenticator
	PaymentSvc  *paymentservice.Service
	Clock       clock.Clock                  `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics          `optional:"true"`
	ProcMetrics *obsmetrics.ProcessorMetrics `optional:"true"`
}

type Service struct {
	log         *zap.Logger
	auth        EventAuthenticator
	paymentSvc  EventProcessor
	clock       clock.Clock
	obsMetrics  *obsmetrics.Metrics
	procMetrics *obsmetrics.ProcessorMetrics
}

func NewService(p Params) *Service {
	return New(p.Log, p.Auth, p.PaymentSvc, p.Clock, p.ObsMetrics, p.ProcMetrics)
}

func New(
	log *zap.Logger,
	auth EventAuthenticator,
	paymentSvc EventProcessor,
	clk clock.Clock,
	obsMetrics *obsmetrics.Metrics,
	procMetrics *obsmetrics.ProcessorMetrics,
) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{
		log:         log.Named("payment.webhook"),
		auth:        auth,
		paymentSvc:  paymentSvc,
		clock:       clk,
		obsMetrics:  obsMetrics,
		procMetrics: procMetrics,
	}
}

// Handle authenticates, applies and acknowledges one gateway notification.
// Unauthenticated or malformed requests never reach the order store.
func (s *Service) Handle(ctx context.Context, provider string, payload []byte, headers http.Header) paymentdomain.Ack {
	start := s.clock.Now()
	provider = strings.ToLower(strings.TrimSpace(provider))

	event, err := s.auth.Authenticate(ctx, provider, payload, headers)
	if err != nil {
		outcome, ack := s.reject(provider, err)
		s.observe(ctx, provider, "", outcome, start)
		return ack
	}

	result, err := s.paymentSvc.ProcessEvent(ctx, event)
	if err != nil {
		outcome, ack := s.fail(event, err)
		s.observe(ctx, provider, string(event.Kind), outcome, start)
		return ack
	}

	s.observe(ctx, provider, string(event.Kind), result.Outcome, start)
	return received()
}

func (s *Service) reject(provider string, err error) (paymentdomain.Outcome, paymentdomain.Ack) {
	switch {
	case errors.Is(err, paymentdomain.ErrEventIgnored):
		s.log.Debug("payment event ignored", zap.String("provider", provider), zap.Error(err))
		return paymentdomain.OutcomeIgnored, received()
	case errors.Is(err, paymentdomain.ErrProviderNotFound):
		s.log.Warn("payment webhook for unknown provider", zap.String("provider", provider))
		return paymentdomain.OutcomeRejected, errorAck(http.StatusNotFound, paymentdomain.ErrProviderNotFound)
	case errors.Is(err, paymentdomain.ErrAuthentication):
		s.log.Warn("payment webhook authentication failed", zap.String("provider", provider), zap.Error(err))
		return paymentdomain.OutcomeRejected, errorAck(http.StatusBadRequest, paymentdomain.ErrAuthentication)
	default:
		s.log.Warn("malformed payment webhook", zap.String("provider", provider), zap.Error(err))
		return paymentdomain.OutcomeRejected, errorAck(http.StatusBadRequest, paymentdomain.ErrMalformedEvent)
	}
}

func (s *Service) fail(event *paymentdomain.PaymentEvent, err error) (paymentdomain.Outcome, paymentdomain.Ack) {
	fields := []zap.Field{
		zap.String("provider", event.Provider),
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("payment_intent_id", event.PaymentIntentID),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, paymentdomain.ErrMalformedEvent):
		s.log.Warn("malformed payment event", fields...)
		return paymentdomain.OutcomeRejected, errorAck(http.StatusBadRequest, paymentdomain.ErrMalformedEvent)
	case errors.Is(err, paymentdomain.ErrUnknownEventKind):
		s.log.Warn("payment event kind not handled", fields...)
		return paymentdomain.OutcomeIgnored, received()
	default:
		s.log.Error("payment event processing failed", fields...)
		return paymentdomain.OutcomeError, paymentdomain.Ack{
			Status: http.StatusInternalServerError,
			Body:   map[string]any{"error": "internal_error"},
		}
	}
}

func (s *Service) observe(ctx context.Context, provider, kind string, outcome paymentdomain.Outcome, start time.Time) {
	s.procMetrics.ObserveEvent(provider, string(outcome), s.clock.Now().Sub(start))
	s.obsMetrics.RecordPaymentEvent(ctx, provider, kind, string(outcome))
}

func received() paymentdomain.Ack {
	return paymentdomain.Ack{Status: http.StatusOK, Body: map[string]any{"received": true}}
}

func errorAck(status int, err error) paymentdomain.Ack {
	return paymentdomain.Ack{Status: status, Body: map[string]any{"error": err.Error()}}
}
