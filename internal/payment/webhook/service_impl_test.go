package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/smallbiznis/storefront/internal/payment/adapters"
	"github.com/smallbiznis/storefront/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/storefront/internal/payment/domain"
	paymentservice "github.com/smallbiznis/storefront/internal/payment/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "whsec_storefront_test"

type recordingProcessor struct {
	events []*paymentdomain.PaymentEvent
	result *paymentservice.Result
	err    error
}

func (r *recordingProcessor) ProcessEvent(_ context.Context, event *paymentdomain.PaymentEvent) (*paymentservice.Result, error) {
	r.events = append(r.events, event)
	if r.err != nil {
		return nil, r.err
	}
	if r.result != nil {
		return r.result, nil
	}
	return &paymentservice.Result{Outcome: paymentdomain.OutcomeProcessed}, nil
}

func newTestService(t *testing.T, processor EventProcessor) *Service {
	t.Helper()
	registry := adapters.NewRegistry(stripe.NewFactory())
	auth, err := adapters.NewAuthenticator(registry, map[string]paymentdomain.AdapterConfig{
		"stripe": {WebhookSecret: testSecret, Tolerance: 5 * time.Minute},
	}, zap.NewNop())
	require.NoError(t, err)
	return New(zap.NewNop(), auth, processor, nil, nil, nil)
}

func sign(secret string, payload []byte) http.Header {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return headers
}

func intentPayload(eventType string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_1","type":%q,"created":%d,"data":{"object":{"id":"pi_1","amount":5000,"currency":"usd"}}}`,
		eventType, time.Now().Unix()))
}

func TestHandleAcceptsSignedEvent(t *testing.T) {
	processor := &recordingProcessor{}
	svc := newTestService(t, processor)
	payload := intentPayload("payment_intent.succeeded")

	ack := svc.Handle(context.Background(), "Stripe", payload, sign(testSecret, payload))

	assert.Equal(t, http.StatusOK, ack.Status)
	assert.Equal(t, map[string]any{"received": true}, ack.Body)
	require.Len(t, processor.events, 1)
	assert.Equal(t, paymentdomain.KindSucceeded, processor.events[0].Kind)
	assert.Equal(t, "pi_1", processor.events[0].PaymentIntentID)
}

func TestHandleRejectsBadSignatureWithoutLookup(t *testing.T) {
	processor := &recordingProcessor{}
	svc := newTestService(t, processor)
	payload := intentPayload("payment_intent.succeeded")

	ack := svc.Handle(context.Background(), "stripe", payload, sign("whsec_forged", payload))

	assert.Equal(t, http.StatusBadRequest, ack.Status)
	assert.Equal(t, paymentdomain.ErrAuthentication.Error(), ack.Body["error"])
	assert.Empty(t, processor.events)
}

func TestHandleAcks(t *testing.T) {
	tests := []struct {
		name       string
		provider   string
		payload    []byte
		processErr error
		wantStatus int
		wantCalls  int
	}{
		{name: "unknown provider", provider: "paypal", payload: intentPayload("payment_intent.succeeded"), wantStatus: http.StatusNotFound},
		{name: "ignored event type", provider: "stripe", payload: intentPayload("customer.created"), wantStatus: http.StatusOK},
		{name: "malformed body", provider: "stripe", payload: []byte(`{"id":`), wantStatus: http.StatusBadRequest},
		{name: "missing intent id", provider: "stripe", payload: []byte(`{"id":"evt_2","type":"payment_intent.succeeded","data":{"object":{}}}`), wantStatus: http.StatusBadRequest},
		{name: "persistence failure", provider: "stripe", payload: intentPayload("payment_intent.canceled"), processErr: errors.New("database is locked"), wantStatus: http.StatusInternalServerError, wantCalls: 1},
		{name: "unhandled kind", provider: "stripe", payload: intentPayload("payment_intent.processing"), processErr: paymentdomain.ErrUnknownEventKind, wantStatus: http.StatusOK, wantCalls: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			processor := &recordingProcessor{err: tc.processErr}
			svc := newTestService(t, processor)

			ack := svc.Handle(context.Background(), tc.provider, tc.payload, sign(testSecret, tc.payload))

			assert.Equal(t, tc.wantStatus, ack.Status)
			assert.Len(t, processor.events, tc.wantCalls)
		})
	}
}

func TestHandleAcknowledgesNoMatch(t *testing.T) {
	processor := &recordingProcessor{result: &paymentservice.Result{Outcome: paymentdomain.OutcomeNoMatch}}
	svc := newTestService(t, processor)
	payload := intentPayload("payment_intent.payment_failed")

	ack := svc.Handle(context.Background(), "stripe", payload, sign(testSecret, payload))
	assert.Equal(t, http.StatusOK, ack.Status)
}
