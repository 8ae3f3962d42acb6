package notification

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/storefront/internal/config"
	orderdomain "github.com/smallbiznis/storefront/internal/order/domain"
	"github.com/smallbiznis/storefront/internal/providers/email"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(provider email.Provider) *Service {
	cfg := config.Config{Email: config.EmailConfig{StoreName: "Acme Goods"}}
	return NewService(Params{Cfg: cfg, Log: zap.NewNop(), Email: provider})
}

func testOrder() *orderdomain.Order {
	return &orderdomain.Order{
		ID:            42,
		OrderNumber:   "ORD-42",
		CustomerEmail: "buyer@example.com",
		TotalAmount:   decimal.RequireFromString("59.90"),
		Currency:      "usd",
		Items: []orderdomain.OrderItem{
			{Quantity: 2, UnitPrice: decimal.RequireFromString("29.95"), LineTotal: decimal.RequireFromString("59.90")},
		},
	}
}

func TestSendOrderConfirmation(t *testing.T) {
	provider := &email.MemoryProvider{}
	svc := newTestService(provider)

	require.NoError(t, svc.SendOrderConfirmation(context.Background(), testOrder()))

	msgs := provider.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"buyer@example.com"}, msgs[0].To)
	assert.Equal(t, "Order ORD-42 confirmed", msgs[0].Subject)
	assert.Contains(t, msgs[0].Body, "59.90 USD")
	assert.Contains(t, msgs[0].Body, "Acme Goods")
}

func TestSendRefundNoticePartial(t *testing.T) {
	provider := &email.MemoryProvider{}
	svc := newTestService(provider)

	require.NoError(t, svc.SendRefundNotice(context.Background(), testOrder(), decimal.RequireFromString("10"), true))

	msgs := provider.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "order_refunded", msgs[0].Template)
	assert.Contains(t, msgs[0].Body, "10.00 USD")
}

func TestSendWithoutRecipient(t *testing.T) {
	svc := newTestService(&email.MemoryProvider{})
	order := testOrder()
	order.CustomerEmail = " "

	assert.ErrorIs(t, svc.SendPaymentFailure(context.Background(), order, "card_declined"), ErrNoRecipient)
}

func TestEveryTemplateRenders(t *testing.T) {
	provider := &email.MemoryProvider{}
	svc := newTestService(provider)
	ctx := context.Background()
	order := testOrder()

	require.NoError(t, svc.SendPaymentFailure(ctx, order, "insufficient_funds"))
	require.NoError(t, svc.SendCancellation(ctx, order, "abandoned"))
	require.NoError(t, svc.SendActionRequired(ctx, order, "redirect_to_url"))

	msgs := provider.Messages()
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[0].Body, "insufficient_funds")
	assert.Contains(t, msgs[1].Body, "abandoned")
	assert.Contains(t, msgs[2].Body, "redirect_to_url")
}
