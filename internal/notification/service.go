// Package notification renders and sends customer emails for order lifecycle changes.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/storefront/internal/config"
	orderdomain "github.com/smallbiznis/storefront/internal/order/domain"
	"github.com/smallbiznis/storefront/internal/providers/email"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notification",
	fx.Provide(NewService),
)

var ErrNoRecipient = errors.New("order_has_no_customer_email")

const (
	templateOrderConfirmation = "order_confirmation"
	templatePaymentFailed     = "payment_failed"
	templateOrderCancelled    = "order_cancelled"
	templateOrderRefunded     = "order_refunded"
	templateActionRequired    = "action_required"
)

type Params struct {
	fx.In

	Cfg   config.Config
	Log   *zap.Logger
	Email email.Provider
}

type Service struct {
	storeName string
	log       *zap.Logger
	email     email.Provider
}

func NewService(p Params) *Service {
	storeName := strings.TrimSpace(p.Cfg.Email.StoreName)
	if storeName == "" {
		storeName = "Storefront"
	}
	return &Service{
		storeName: storeName,
		log:       p.Log.Named("notification"),
		email:     p.Email,
	}
}

type lineData struct {
	Quantity  int
	UnitPrice string
	LineTotal string
}

type templateData struct {
	StoreName   string
	OrderNumber string
	Total       string
	Currency    string
	Reason      string
	NextAction  string
	Refunded    string
	Partial     bool
	Items       []lineData
}

func (s *Service) SendOrderConfirmation(ctx context.Context, order *orderdomain.Order) error {
	data := s.baseData(order)
	for _, item := range order.Items {
		data.Items = append(data.Items, lineData{
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.StringFixed(2),
			LineTotal: item.LineTotal.StringFixed(2),
		})
	}
	return s.send(ctx, order, fmt.Sprintf("Order %s confirmed", order.OrderNumber), templateOrderConfirmation, data)
}

func (s *Service) SendPaymentFailure(ctx context.Context, order *orderdomain.Order, reason string) error {
	data := s.baseData(order)
	data.Reason = reason
	return s.send(ctx, order, fmt.Sprintf("Payment failed for order %s", order.OrderNumber), templatePaymentFailed, data)
}

func (s *Service) SendCancellation(ctx context.Context, order *orderdomain.Order, reason string) error {
	data := s.baseData(order)
	data.Reason = reason
	return s.send(ctx, order, fmt.Sprintf("Order %s cancelled", order.OrderNumber), templateOrderCancelled, data)
}

func (s *Service) SendRefundNotice(ctx context.Context, order *orderdomain.Order, refunded decimal.Decimal, partial bool) error {
	data := s.baseData(order)
	data.Refunded = refunded.StringFixed(2)
	data.Partial = partial
	return s.send(ctx, order, fmt.Sprintf("Refund issued for order %s", order.OrderNumber), templateOrderRefunded, data)
}

func (s *Service) SendActionRequired(ctx context.Context, order *orderdomain.Order, nextAction string) error {
	data := s.baseData(order)
	data.NextAction = nextAction
	return s.send(ctx, order, fmt.Sprintf("Action required for order %s", order.OrderNumber), templateActionRequired, data)
}

func (s *Service) baseData(order *orderdomain.Order) templateData {
	return templateData{
		StoreName:   s.storeName,
		OrderNumber: order.OrderNumber,
		Total:       order.TotalAmount.StringFixed(2),
		Currency:    strings.ToUpper(order.Currency),
	}
}

func (s *Service) send(ctx context.Context, order *orderdomain.Order, subject, templateName string, data templateData) error {
	recipient := strings.TrimSpace(order.CustomerEmail)
	if recipient == "" {
		return ErrNoRecipient
	}
	if err := s.email.SendTemplate(ctx, []string{recipient}, subject, templateName, data); err != nil {
		return fmt.Errorf("send %s: %w", templateName, err)
	}
	s.log.Debug("email sent",
		zap.String("order_id", order.ID.String()),
		zap.String("template", templateName),
	)
	return nil
}
