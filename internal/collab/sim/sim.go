// Package sim is a paper brokerage: seeded random-walk prices and immediate fills.
package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tradeloop/internal/collab"
	"tradeloop/internal/domain"
)

type Config struct {
	Symbols      []string
	StartingCash float64
	Seed         int64
	// Closed simulates a closed market.
	Closed bool
	Now    func() time.Time
	Log    logrus.FieldLogger
}

type Brokerage struct {
	mu        sync.Mutex
	rng       *rand.Rand
	cash      float64
	prices    map[string]float64
	positions map[string]domain.Position
	open      bool
	now       func() time.Time
	log       logrus.FieldLogger
}

var _ collab.Brokerage = (*Brokerage)(nil)

func New(cfg Config) *Brokerage {
	if cfg.StartingCash <= 0 {
		cfg.StartingCash = 100000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	b := &Brokerage{
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		cash:      cfg.StartingCash,
		prices:    make(map[string]float64),
		positions: make(map[string]domain.Position),
		open:      !cfg.Closed,
		now:       cfg.Now,
		log:       cfg.Log.WithField("component", "sim-brokerage"),
	}
	for _, s := range cfg.Symbols {
		b.prices[strings.ToUpper(s)] = round2(10 + b.rng.Float64()*490)
	}
	return b
}

// SetOpen toggles the simulated market session.
func (b *Brokerage) SetOpen(open bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = open
}

// SetPrice pins a symbol's price.
func (b *Brokerage) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[strings.ToUpper(symbol)] = price
}

func (b *Brokerage) IsOpen(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open, nil
}

func (b *Brokerage) GetPortfolio(ctx context.Context) (collab.Portfolio, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.step()
	positions := make(map[string]domain.Position, len(b.positions))
	equity := b.cash
	for s, p := range b.positions {
		positions[s] = p
		equity += p.Quantity * b.prices[s]
	}
	return collab.Portfolio{Cash: round2(b.cash), Equity: round2(equity), Positions: positions}, nil
}

func (b *Brokerage) GetLatestPrices(ctx context.Context, symbols []string) (collab.MarketSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.step()
	snap := collab.MarketSnapshot{Prices: make(map[string]float64, len(symbols)), AsOf: b.now().UTC()}
	for _, s := range symbols {
		s = strings.ToUpper(s)
		if p, ok := b.prices[s]; ok {
			snap.Prices[s] = p
		}
	}
	return snap, nil
}

func (b *Brokerage) SubmitOrder(ctx context.Context, o collab.Order) (collab.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	symbol := strings.ToUpper(o.Symbol)
	if o.Quantity <= 0 {
		return collab.OrderResult{}, fmt.Errorf("%w: quantity must be positive", collab.ErrOrderValidation)
	}
	price, ok := b.prices[symbol]
	if !ok {
		return collab.OrderResult{}, fmt.Errorf("%w: unknown symbol %s", collab.ErrOrderValidation, symbol)
	}
	value := o.Quantity * price
	pos := b.positions[symbol]
	switch o.Side {
	case collab.SideBuy:
		if value > b.cash {
			return collab.OrderResult{}, fmt.Errorf("%w: order value %.2f exceeds cash %.2f", collab.ErrInsufficientFunds, value, b.cash)
		}
		b.cash -= value
		total := pos.Quantity + o.Quantity
		pos.AvgPrice = (pos.Quantity*pos.AvgPrice + o.Quantity*price) / total
		pos.Quantity = total
		b.positions[symbol] = pos
	case collab.SideSell:
		if pos.Quantity < o.Quantity {
			return collab.OrderResult{}, fmt.Errorf("%w: holding %.4f %s, cannot sell %.4f", collab.ErrOrderValidation, pos.Quantity, symbol, o.Quantity)
		}
		b.cash += value
		pos.Quantity -= o.Quantity
		if pos.Quantity == 0 {
			delete(b.positions, symbol)
		} else {
			b.positions[symbol] = pos
		}
	default:
		return collab.OrderResult{}, fmt.Errorf("%w: unknown side %q", collab.ErrOrderValidation, o.Side)
	}
	res := collab.OrderResult{OrderID: uuid.NewString(), Status: "filled", Price: price, Quantity: o.Quantity}
	b.log.WithFields(logrus.Fields{"symbol": symbol, "side": o.Side, "qty": o.Quantity, "price": price}).Info("simulated order filled")
	return res, nil
}

// step moves every price by up to ±1%.
func (b *Brokerage) step() {
	symbols := make([]string, 0, len(b.prices))
	for s := range b.prices {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		change := (b.rng.Float64()*2 - 1) * 0.01
		b.prices[s] = math.Max(0.01, round2(b.prices[s]*(1+change)))
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
