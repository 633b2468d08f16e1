// Package paper implements broker.IBroker entirely in memory, grounded
// on the teacher's internal/mock/exchange.go. It backs dry_run mode and
// the runtime/reconcile test suites: limit buys settle only when the
// test (or dry-run operator tooling) explicitly calls Fill; market sells
// fill at placement.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dcaengine/internal/domain"
	"dcaengine/pkg/apperrors"
)

// Broker is an in-memory broker.IBroker. Market sells fill
// instantaneously against the simulated position; limit buys stay
// "new" until Fill is called, mirroring a real exchange's async
// matching.
type Broker struct {
	mu sync.Mutex

	orders          map[string]*domain.Order
	clientOrderToID map[string]string
	positions       map[string]decimal.Decimal

	quoteSubs []chan domain.Quote
	tradeSubs []chan domain.TradeEvent
}

func New() *Broker {
	return &Broker{
		orders:          make(map[string]*domain.Order),
		clientOrderToID: make(map[string]string),
		positions:       make(map[string]decimal.Decimal),
	}
}

func (b *Broker) PlaceLimitBuy(ctx context.Context, clientOrderID, symbol string, limitPrice, quoteAmount decimal.Decimal) (domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existingID, ok := b.clientOrderToID[clientOrderID]; ok {
		return *b.orders[existingID], nil
	}

	quantity := quoteAmount.Div(limitPrice)
	order := &domain.Order{
		OrderID:       uuid.NewString(),
		ClientOrderID: clientOrderID,
		Side:          domain.SideBuy,
		Type:          domain.OrderTypeLimit,
		Symbol:        symbol,
		Quantity:      quantity,
		LimitPrice:    &limitPrice,
		Status:        "new",
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	b.orders[order.OrderID] = order
	b.clientOrderToID[clientOrderID] = order.OrderID
	b.publish(domain.TradeEvent{Kind: domain.EventNew, Order: *order})
	return *order, nil
}

func (b *Broker) PlaceMarketSell(ctx context.Context, clientOrderID, symbol string, quantity decimal.Decimal) (domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existingID, ok := b.clientOrderToID[clientOrderID]; ok {
		return *b.orders[existingID], nil
	}

	held := b.positions[symbol]
	if held.LessThan(quantity) {
		return domain.Order{}, fmt.Errorf("paper broker: %w: have %s, want to sell %s", apperrors.ErrInsufficientFunds, held, quantity)
	}

	fillPrice := decimal.Zero
	order := &domain.Order{
		OrderID:        uuid.NewString(),
		ClientOrderID:  clientOrderID,
		Side:           domain.SideSell,
		Type:           domain.OrderTypeMarket,
		Symbol:         symbol,
		Quantity:       quantity,
		FilledQty:      quantity,
		FilledAvgPrice: &fillPrice,
		Status:         "filled",
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	b.orders[order.OrderID] = order
	b.clientOrderToID[clientOrderID] = order.OrderID
	b.positions[symbol] = held.Sub(quantity)
	b.publish(domain.TradeEvent{Kind: domain.EventFill, Order: *order})
	return *order, nil
}

func (b *Broker) CancelOrder(ctx context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[orderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	if order.Status == "filled" || order.Status == "canceled" {
		return nil
	}
	order.Status = "canceled"
	order.UpdatedAt = time.Now()
	b.publish(domain.TradeEvent{Kind: domain.EventCanceled, Order: *order})
	return nil
}

func (b *Broker) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[orderID]
	if !ok {
		return domain.Order{}, apperrors.ErrOrderNotFound
	}
	return *order, nil
}

func (b *Broker) GetOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var open []domain.Order
	for _, o := range b.orders {
		if o.Symbol == symbol && (o.Status == "new" || o.Status == "partial_fill" || o.Status == "accepted" || o.Status == "pending_new") {
			open = append(open, *o)
		}
	}
	return open, nil
}

func (b *Broker) GetPosition(ctx context.Context, symbol string) (domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.Position{Symbol: symbol, Quantity: b.positions[symbol]}, nil
}

func (b *Broker) SubscribeQuotes(ctx context.Context, symbols []string) (<-chan domain.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan domain.Quote, 16)
	b.quoteSubs = append(b.quoteSubs, ch)
	return ch, nil
}

func (b *Broker) SubscribeTradeUpdates(ctx context.Context) (<-chan domain.TradeEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan domain.TradeEvent, 16)
	b.tradeSubs = append(b.tradeSubs, ch)
	return ch, nil
}

// PushQuote feeds a simulated quote tick to every quote subscriber.
// Test-only entry point; a real broker has no equivalent.
func (b *Broker) PushQuote(q domain.Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.quoteSubs {
		ch <- q
	}
}

// Fill simulates a resting limit order being matched at fillPrice,
// crediting the position and emitting a fill TradeEvent.
func (b *Broker) Fill(orderID string, fillPrice decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[orderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	order.Status = "filled"
	order.FilledQty = order.Quantity
	order.FilledAvgPrice = &fillPrice
	order.UpdatedAt = time.Now()

	if order.Side == domain.SideBuy {
		b.positions[order.Symbol] = b.positions[order.Symbol].Add(order.Quantity)
	}
	b.publish(domain.TradeEvent{Kind: domain.EventFill, Order: *order})
	return nil
}

func (b *Broker) publish(evt domain.TradeEvent) {
	for _, ch := range b.tradeSubs {
		ch <- evt
	}
}
