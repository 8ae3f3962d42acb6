package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrAuthentication   = errors.New("authentication_failed")
	ErrMalformedEvent   = errors.New("malformed_event")
	ErrEventIgnored     = errors.New("event_ignored")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidConfig    = errors.New("invalid_config")
	ErrUnknownEventKind = errors.New("unknown_event_kind")
	ErrAlreadyProcessed = errors.New("event_already_processed")
)

// EventKind is the gateway-neutral meaning of a payment notification.
type EventKind string

const (
	KindSucceeded      EventKind = "succeeded"
	KindFailed         EventKind = "failed"
	KindCancelled      EventKind = "cancelled"
	KindRefunded       EventKind = "refunded"
	KindProcessing     EventKind = "processing"
	KindRequiresAction EventKind = "requires_action"
)

// PaymentEvent is the canonical, authenticated notification parsed by adapters.
type PaymentEvent struct {
	Provider          string
	ProviderEventID   string
	ProviderEventType string
	PaymentIntentID   string
	Kind              EventKind
	// Amount and AmountRefunded are in the currency's minor unit.
	Amount             int64
	AmountRefunded     int64
	Currency           string
	DeclineReason      string
	NextAction         string
	CancellationReason string
	OccurredAt         time.Time
	RawPayload         []byte
}

// FullRefund reports whether the refunded amount covers the whole charge.
func (e PaymentEvent) FullRefund() bool {
	return e.AmountRefunded >= e.Amount
}

// RefundedDecimal converts the refunded minor units assuming two decimal places.
func (e PaymentEvent) RefundedDecimal() decimal.Decimal {
	return decimal.New(e.AmountRefunded, -2)
}

// EventRecord is the dedupe ledger row for a received provider event.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	PaymentIntentID string         `json:"payment_intent_id" gorm:"type:text;not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

type AdapterConfig struct {
	WebhookSecret string
	// Tolerance bounds the age of a signature timestamp. Zero disables the check.
	Tolerance time.Duration
	Now       func() time.Time
}

type PaymentAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*PaymentEvent, error)
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}

type Repository interface {
	FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*EventRecord, error)
	// InsertEvent reports false when the provider event id was already recorded.
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
}

// Outcome classifies how a notification was handled.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeNoMatch   Outcome = "no_match"
	OutcomeStale     Outcome = "stale"
	OutcomeRejected  Outcome = "rejected"
	OutcomeError     Outcome = "error"
)

// Ack is the HTTP acknowledgement returned to the gateway.
type Ack struct {
	Status int
	Body   map[string]any
}
