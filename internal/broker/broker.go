// Package broker defines the narrow capability interface the engine uses
// to talk to a crypto exchange, trimmed from the teacher's much larger
// core.IExchange down to the eight operations a DCA engine actually
// needs (spec.md §4.D).
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"dcaengine/internal/domain"
)

// IBroker is the adapter boundary between the engine and an exchange.
// Every operation returns a typed result. Retrying transient failures
// (apperrors.IsTransient) is the adapter's job: remote.Broker wraps each
// REST call in retry.Do, and callers see only the final error.
// Order placement always carries a client-supplied ID for idempotency.
type IBroker interface {
	PlaceLimitBuy(ctx context.Context, clientOrderID, symbol string, limitPrice, quoteAmount decimal.Decimal) (domain.Order, error)
	PlaceMarketSell(ctx context.Context, clientOrderID, symbol string, quantity decimal.Decimal) (domain.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error)
	GetPosition(ctx context.Context, symbol string) (domain.Position, error)

	SubscribeQuotes(ctx context.Context, symbols []string) (<-chan domain.Quote, error)
	SubscribeTradeUpdates(ctx context.Context) (<-chan domain.TradeEvent, error)
}
