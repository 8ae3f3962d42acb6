// Package statemachine maps an order's current state and an authenticated
// payment event onto the next state and the side effects it requires.
//
// Decide is pure: it reads the order and the event and returns a Transition
// without touching storage or collaborators.
package statemachine

import (
	"fmt"
	"strings"
	"time"

	inventorydomain "github.com/smallbiznis/storefront/internal/inventory/domain"
	orderdomain "github.com/smallbiznis/storefront/internal/order/domain"
	paymentdomain "github.com/smallbiznis/storefront/internal/payment/domain"
)

type Effect string

const (
	EffectSendConfirmation    Effect = "send_order_confirmation"
	EffectAccrueCommission    Effect = "accrue_commission"
	EffectDispatchFulfillment Effect = "dispatch_fulfillment"
	EffectSendPaymentFailure  Effect = "send_payment_failure"
	EffectRestoreInventory    Effect = "restore_inventory"
	EffectSendCancellation    Effect = "send_cancellation"
	EffectSendRefundNotice    Effect = "send_refund_notice"
	EffectSendActionRequired  Effect = "send_action_required"
)

// AllEffects lists every effect name accepted by configuration.
var AllEffects = []Effect{
	EffectSendConfirmation,
	EffectAccrueCommission,
	EffectDispatchFulfillment,
	EffectSendPaymentFailure,
	EffectRestoreInventory,
	EffectSendCancellation,
	EffectSendRefundNotice,
	EffectSendActionRequired,
}

// stateless effects still run when a replayed event leaves the order unchanged.
var stateless = map[Effect]bool{
	EffectSendActionRequired: true,
}

type Transition struct {
	FromPayment     orderdomain.PaymentStatus
	FromFulfillment orderdomain.FulfillmentStatus
	ToPayment       orderdomain.PaymentStatus
	ToFulfillment   orderdomain.FulfillmentStatus

	PaidAt      *time.Time
	CancelledAt *time.Time
	Note        string

	// RestoreReason is set whenever Effects contains EffectRestoreInventory.
	RestoreReason inventorydomain.RestoreReason
	Effects       []Effect
}

// Changed reports whether either status moves.
func (t Transition) Changed() bool {
	return t.FromPayment != t.ToPayment || t.FromFulfillment != t.ToFulfillment
}

func (t Transition) Has(effect Effect) bool {
	for _, e := range t.Effects {
		if e == effect {
			return true
		}
	}
	return false
}

// Decide evaluates the transition table on the event kind alone. A repeat of
// the event that produced the current state yields an unchanged transition
// whose state-changing effects are suppressed.
func Decide(current orderdomain.Order, event paymentdomain.PaymentEvent) (Transition, error) {
	t := Transition{
		FromPayment:     current.PaymentStatus,
		FromFulfillment: current.FulfillmentStatus,
		ToPayment:       current.PaymentStatus,
		ToFulfillment:   current.FulfillmentStatus,
		PaidAt:          current.PaidAt,
		CancelledAt:     current.CancelledAt,
	}

	switch event.Kind {
	case paymentdomain.KindSucceeded:
		t.ToPayment = orderdomain.PaymentStatusPaid
		t.ToFulfillment = orderdomain.FulfillmentStatusProcessing
		t.Effects = []Effect{EffectSendConfirmation, EffectAccrueCommission, EffectDispatchFulfillment}
		if t.PaidAt == nil {
			t.PaidAt = timePtr(event.OccurredAt)
		}
		t.Note = "Payment succeeded"

	case paymentdomain.KindFailed:
		t.ToPayment = orderdomain.PaymentStatusFailed
		t.ToFulfillment = orderdomain.FulfillmentStatusOnHold
		t.Effects = []Effect{EffectSendPaymentFailure}
		t.Note = withDetail("Payment failed", event.DeclineReason)

	case paymentdomain.KindCancelled:
		t.ToPayment = orderdomain.PaymentStatusCancelled
		t.ToFulfillment = orderdomain.FulfillmentStatusCancelled
		t.Effects = []Effect{EffectRestoreInventory, EffectSendCancellation}
		t.RestoreReason = inventorydomain.RestoreReasonCancelled
		if t.CancelledAt == nil {
			t.CancelledAt = timePtr(event.OccurredAt)
		}
		t.Note = withDetail("Payment cancelled", event.CancellationReason)

	case paymentdomain.KindRefunded:
		if event.FullRefund() {
			t.ToPayment = orderdomain.PaymentStatusRefunded
			t.ToFulfillment = orderdomain.FulfillmentStatusRefunded
			t.Effects = []Effect{EffectRestoreInventory, EffectSendRefundNotice}
			t.RestoreReason = inventorydomain.RestoreReasonRefunded
			t.Note = fmt.Sprintf("Refunded in full (%s %s)", event.RefundedDecimal().StringFixed(2), event.Currency)
		} else {
			t.ToPayment = orderdomain.PaymentStatusPartiallyRefunded
			t.Effects = []Effect{EffectSendRefundNotice}
			t.Note = fmt.Sprintf("Partially refunded (%s %s)", event.RefundedDecimal().StringFixed(2), event.Currency)
		}

	case paymentdomain.KindProcessing:
		t.ToPayment = orderdomain.PaymentStatusPending
		t.ToFulfillment = orderdomain.FulfillmentStatusProcessing
		t.Note = "Payment processing"

	case paymentdomain.KindRequiresAction:
		t.Effects = []Effect{EffectSendActionRequired}
		t.Note = withDetail("Payment requires customer action", event.NextAction)

	default:
		return Transition{}, fmt.Errorf("%w: %q", paymentdomain.ErrUnknownEventKind, event.Kind)
	}

	if t.Has(EffectRestoreInventory) && current.IsTerminal() {
		// Stock went back when the order first became cancelled or refunded.
		t.Effects = without(t.Effects, EffectRestoreInventory)
		t.RestoreReason = ""
	}

	if !t.Changed() {
		t.Effects = statelessOnly(t.Effects)
		t.RestoreReason = ""
	}
	return t, nil
}

// AppendNote adds a timestamped line to existing order notes.
func AppendNote(existing string, at time.Time, line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return existing
	}
	entry := fmt.Sprintf("[%s] %s", at.UTC().Format(time.RFC3339), line)
	if strings.TrimSpace(existing) == "" {
		return entry
	}
	return existing + "\n" + entry
}

func statelessOnly(effects []Effect) []Effect {
	var out []Effect
	for _, e := range effects {
		if stateless[e] {
			out = append(out, e)
		}
	}
	return out
}

func without(effects []Effect, drop Effect) []Effect {
	out := make([]Effect, 0, len(effects))
	for _, e := range effects {
		if e != drop {
			out = append(out, e)
		}
	}
	return out
}

func withDetail(base, detail string) string {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return base
	}
	return base + ": " + detail
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
