// Package remote drives broker.IBroker over a REST + WebSocket exchange
// API, grounded on the teacher's per-exchange adapters (e.g.
// internal/exchange/binance/binance.go): anonymous JSON response
// structs, string-encoded decimals, retry.Do around every REST call,
// and pkg/websocket.Client for the two streaming feeds.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	httpclient "dcaengine/internal/infrastructure/http"
	"dcaengine/internal/core"
	"dcaengine/internal/domain"
	"dcaengine/pkg/apperrors"
	"dcaengine/pkg/retry"
	"dcaengine/pkg/websocket"
)

// Broker adapts a REST + WebSocket crypto exchange to broker.IBroker.
type Broker struct {
	http    *httpclient.Client
	limiter *rate.Limiter
	logger  core.ILogger

	quoteStreamURL string
	tradeStreamURL string
}

// Config carries the connection details for one exchange account.
type Config struct {
	BaseURL          string
	QuoteStreamURL   string
	TradeStreamURL   string
	Signer           httpclient.Signer
	RequestsPerSecond float64
	Timeout          time.Duration
}

func New(cfg Config, logger core.ILogger) *Broker {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Broker{
		http:           httpclient.NewClient(cfg.BaseURL, timeout, cfg.Signer),
		limiter:        rate.NewLimiter(rate.Limit(rps), int(rps)),
		logger:         logger,
		quoteStreamURL: cfg.QuoteStreamURL,
		tradeStreamURL: cfg.TradeStreamURL,
	}
}

func (b *Broker) isTransient(err error) bool {
	return apperrors.IsTransient(err)
}

type orderResponse struct {
	OrderID        string `json:"order_id"`
	ClientOrderID  string `json:"client_order_id"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	Price          string `json:"price"`
	Quantity       string `json:"quantity"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

func (r orderResponse) toDomain() (domain.Order, error) {
	qty, err := decimal.NewFromString(r.Quantity)
	if err != nil {
		return domain.Order{}, fmt.Errorf("parse quantity: %w", err)
	}
	filled, err := decimal.NewFromString(defaultZero(r.FilledQty))
	if err != nil {
		return domain.Order{}, fmt.Errorf("parse filled_qty: %w", err)
	}

	order := domain.Order{
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Side:          domain.OrderSide(r.Side),
		Type:          domain.OrderType(r.Type),
		Symbol:        r.Symbol,
		Quantity:      qty,
		FilledQty:     filled,
		Status:        r.Status,
		CreatedAt:     time.UnixMilli(r.CreatedAt),
		UpdatedAt:     time.UnixMilli(r.UpdatedAt),
	}
	if r.Price != "" {
		p, err := decimal.NewFromString(r.Price)
		if err != nil {
			return domain.Order{}, fmt.Errorf("parse price: %w", err)
		}
		order.LimitPrice = &p
	}
	if r.FilledAvgPrice != "" {
		p, err := decimal.NewFromString(r.FilledAvgPrice)
		if err != nil {
			return domain.Order{}, fmt.Errorf("parse filled_avg_price: %w", err)
		}
		order.FilledAvgPrice = &p
	}
	return order, nil
}

func defaultZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

func (b *Broker) doJSON(ctx context.Context, do func() ([]byte, error), out any) error {
	var body []byte
	err := retry.Do(ctx, retry.DefaultPolicy, b.isTransient, func() error {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		body, err = do()
		return err
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (b *Broker) PlaceLimitBuy(ctx context.Context, clientOrderID, symbol string, limitPrice, quoteAmount decimal.Decimal) (domain.Order, error) {
	var resp orderResponse
	body := map[string]any{
		"client_order_id": clientOrderID,
		"symbol":          symbol,
		"side":            string(domain.SideBuy),
		"type":            string(domain.OrderTypeLimit),
		"price":           limitPrice.String(),
		"quote_amount":    quoteAmount.String(),
	}
	err := b.doJSON(ctx, func() ([]byte, error) { return b.http.Post(ctx, "/orders", body) }, &resp)
	if err != nil {
		return domain.Order{}, err
	}
	return resp.toDomain()
}

func (b *Broker) PlaceMarketSell(ctx context.Context, clientOrderID, symbol string, quantity decimal.Decimal) (domain.Order, error) {
	var resp orderResponse
	body := map[string]any{
		"client_order_id": clientOrderID,
		"symbol":          symbol,
		"side":            string(domain.SideSell),
		"type":            string(domain.OrderTypeMarket),
		"quantity":        quantity.String(),
	}
	err := b.doJSON(ctx, func() ([]byte, error) { return b.http.Post(ctx, "/orders", body) }, &resp)
	if err != nil {
		return domain.Order{}, err
	}
	return resp.toDomain()
}

func (b *Broker) CancelOrder(ctx context.Context, orderID string) error {
	return b.doJSON(ctx, func() ([]byte, error) {
		return b.http.Delete(ctx, "/orders/"+orderID, nil)
	}, nil)
}

func (b *Broker) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	var resp orderResponse
	err := b.doJSON(ctx, func() ([]byte, error) {
		return b.http.Get(ctx, "/orders/"+orderID, nil)
	}, &resp)
	if err != nil {
		return domain.Order{}, err
	}
	return resp.toDomain()
}

func (b *Broker) GetOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	var resp []orderResponse
	err := b.doJSON(ctx, func() ([]byte, error) {
		return b.http.Get(ctx, "/orders/open", map[string]string{"symbol": symbol})
	}, &resp)
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(resp))
	for _, r := range resp {
		o, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (b *Broker) GetPosition(ctx context.Context, symbol string) (domain.Position, error) {
	var resp struct {
		Symbol   string `json:"symbol"`
		Quantity string `json:"quantity"`
	}
	err := b.doJSON(ctx, func() ([]byte, error) {
		return b.http.Get(ctx, "/positions/"+symbol, nil)
	}, &resp)
	if err != nil {
		return domain.Position{}, err
	}
	qty, err := decimal.NewFromString(defaultZero(resp.Quantity))
	if err != nil {
		return domain.Position{}, fmt.Errorf("parse position quantity: %w", err)
	}
	return domain.Position{Symbol: symbol, Quantity: qty}, nil
}

type quoteMessage struct {
	Symbol    string `json:"symbol"`
	Bid       string `json:"bid"`
	BidSize   string `json:"bid_size"`
	Ask       string `json:"ask"`
	AskSize   string `json:"ask_size"`
	Timestamp int64  `json:"timestamp"`
}

type tradeUpdateMessage struct {
	Kind  string        `json:"kind"`
	Order orderResponse `json:"order"`
}

func (b *Broker) SubscribeQuotes(ctx context.Context, symbols []string) (<-chan domain.Quote, error) {
	out := make(chan domain.Quote, 64)
	client := websocket.NewClient(b.quoteStreamURL, func(message []byte) {
		var m quoteMessage
		if err := json.Unmarshal(message, &m); err != nil {
			if b.logger != nil {
				b.logger.Warn("discarding malformed quote message", "error", err.Error())
			}
			return
		}
		q, err := toQuote(m)
		if err != nil {
			if b.logger != nil {
				b.logger.Warn("discarding malformed quote message", "error", err.Error())
			}
			return
		}
		select {
		case out <- q:
		case <-ctx.Done():
		}
	}, b.logger)
	client.Start()
	go func() {
		<-ctx.Done()
		client.Stop()
		close(out)
	}()
	return out, nil
}

func toQuote(m quoteMessage) (domain.Quote, error) {
	bid, err := decimal.NewFromString(m.Bid)
	if err != nil {
		return domain.Quote{}, err
	}
	ask, err := decimal.NewFromString(m.Ask)
	if err != nil {
		return domain.Quote{}, err
	}
	bidSize, _ := decimal.NewFromString(defaultZero(m.BidSize))
	askSize, _ := decimal.NewFromString(defaultZero(m.AskSize))
	return domain.Quote{
		Symbol:    m.Symbol,
		BidPrice:  bid,
		BidSize:   bidSize,
		AskPrice:  ask,
		AskSize:   askSize,
		Timestamp: time.UnixMilli(m.Timestamp),
	}, nil
}

func (b *Broker) SubscribeTradeUpdates(ctx context.Context) (<-chan domain.TradeEvent, error) {
	out := make(chan domain.TradeEvent, 64)
	client := websocket.NewClient(b.tradeStreamURL, func(message []byte) {
		var m tradeUpdateMessage
		if err := json.Unmarshal(message, &m); err != nil {
			if b.logger != nil {
				b.logger.Warn("discarding malformed trade update", "error", err.Error())
			}
			return
		}
		order, err := m.Order.toDomain()
		if err != nil {
			if b.logger != nil {
				b.logger.Warn("discarding malformed trade update", "error", err.Error())
			}
			return
		}
		evt := domain.TradeEvent{Kind: domain.TradeEventKind(m.Kind), Order: order}
		select {
		case out <- evt:
		case <-ctx.Done():
		}
	}, b.logger)
	client.Start()
	go func() {
		<-ctx.Done()
		client.Stop()
		close(out)
	}()
	return out, nil
}
