package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/storefront/internal/payment/domain"
)

const providerName = "stripe"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return providerName
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Adapter{
		webhookSecret: secret,
		tolerance:     cfg.Tolerance,
		now:           now,
	}, nil
}

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
	now           func() time.Time
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return fmt.Errorf("%w: missing Stripe-Signature header", paymentdomain.ErrAuthentication)
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return fmt.Errorf("%w: %v", paymentdomain.ErrAuthentication, err)
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	matched := false
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			matched = true
			break
		}
	}
	if !matched {
		return fmt.Errorf("%w: signature mismatch", paymentdomain.ErrAuthentication)
	}

	if a.tolerance > 0 {
		unix, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: invalid signature timestamp", paymentdomain.ErrAuthentication)
		}
		age := a.now().Sub(time.Unix(unix, 0))
		if age > a.tolerance || age < -a.tolerance {
			return fmt.Errorf("%w: signature timestamp outside tolerance", paymentdomain.ErrAuthentication)
		}
	}
	return nil
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", paymentdomain.ErrMalformedEvent, err)
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, fmt.Errorf("%w: event id missing", paymentdomain.ErrMalformedEvent)
	}

	eventType := strings.TrimSpace(event.Type)
	switch eventType {
	case "payment_intent.succeeded":
		return a.parsePaymentIntent(event, payload, paymentdomain.KindSucceeded)
	case "payment_intent.payment_failed":
		return a.parsePaymentIntent(event, payload, paymentdomain.KindFailed)
	case "payment_intent.canceled":
		return a.parsePaymentIntent(event, payload, paymentdomain.KindCancelled)
	case "payment_intent.processing":
		return a.parsePaymentIntent(event, payload, paymentdomain.KindProcessing)
	case "payment_intent.requires_action":
		return a.parsePaymentIntent(event, payload, paymentdomain.KindRequiresAction)
	case "charge.refunded":
		return a.parseRefund(event, payload)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripePaymentIntent struct {
	ID                 string            `json:"id"`
	Amount             int64             `json:"amount"`
	AmountReceived     int64             `json:"amount_received"`
	Currency           string            `json:"currency"`
	Created            int64             `json:"created"`
	CancellationReason string            `json:"cancellation_reason"`
	LastPaymentError   *stripeError      `json:"last_payment_error"`
	NextAction         *stripeNextAction `json:"next_action"`
}

type stripeError struct {
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
}

type stripeNextAction struct {
	Type string `json:"type"`
}

type stripeCharge struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	Amount         int64  `json:"amount"`
	AmountRefunded int64  `json:"amount_refunded"`
	Currency       string `json:"currency"`
	Created        int64  `json:"created"`
}

func (a *Adapter) parsePaymentIntent(event stripeEvent, payload []byte, kind paymentdomain.EventKind) (*paymentdomain.PaymentEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, fmt.Errorf("%w: %v", paymentdomain.ErrMalformedEvent, err)
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, fmt.Errorf("%w: payment intent id missing", paymentdomain.ErrMalformedEvent)
	}

	amount := intent.Amount
	if kind == paymentdomain.KindSucceeded && intent.AmountReceived > 0 {
		amount = intent.AmountReceived
	}

	result := &paymentdomain.PaymentEvent{
		Provider:           providerName,
		ProviderEventID:    event.ID,
		ProviderEventType:  event.Type,
		PaymentIntentID:    strings.TrimSpace(intent.ID),
		Kind:               kind,
		Amount:             amount,
		Currency:           strings.ToUpper(strings.TrimSpace(intent.Currency)),
		CancellationReason: strings.TrimSpace(intent.CancellationReason),
		OccurredAt:         a.timestamp(event.Created, intent.Created),
		RawPayload:         payload,
	}
	if intent.LastPaymentError != nil {
		result.DeclineReason = firstNonEmpty(intent.LastPaymentError.Message, intent.LastPaymentError.DeclineCode, intent.LastPaymentError.Code)
	}
	if intent.NextAction != nil {
		result.NextAction = strings.TrimSpace(intent.NextAction.Type)
	}
	return result, nil
}

func (a *Adapter) parseRefund(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, fmt.Errorf("%w: %v", paymentdomain.ErrMalformedEvent, err)
	}
	if strings.TrimSpace(charge.PaymentIntent) == "" {
		return nil, fmt.Errorf("%w: charge without payment intent", paymentdomain.ErrMalformedEvent)
	}

	return &paymentdomain.PaymentEvent{
		Provider:          providerName,
		ProviderEventID:   event.ID,
		ProviderEventType: event.Type,
		PaymentIntentID:   strings.TrimSpace(charge.PaymentIntent),
		Kind:              paymentdomain.KindRefunded,
		Amount:            charge.Amount,
		AmountRefunded:    charge.AmountRefunded,
		Currency:          strings.ToUpper(strings.TrimSpace(charge.Currency)),
		OccurredAt:        a.timestamp(event.Created, charge.Created),
		RawPayload:        payload,
	}, nil
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("malformed signature header")
	}
	return timestamp, signatures, nil
}

// timestamp prefers the event creation time, which orders notifications for
// the same intent, over the object's own creation time.
func (a *Adapter) timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return a.now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
