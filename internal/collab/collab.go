package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradeloop/internal/domain"
)

var (
	// ErrCollaborator marks any failure reported by an external collaborator.
	ErrCollaborator = errors.New("collaborator failure")

	ErrConnectivity      = errors.New("brokerage connectivity error")
	ErrOrderValidation   = errors.New("order validation error")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Error wraps a collaborator failure with the collaborator and operation names.
type Error struct {
	Collaborator string
	Op           string
	Err          error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Collaborator, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrCollaborator }

// Wrap returns nil for a nil err.
func Wrap(collaborator, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Collaborator: collaborator, Op: op, Err: err}
}

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionBuy, ActionSell, ActionHold:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

type Portfolio struct {
	Cash      float64                    `json:"cash"`
	Equity    float64                    `json:"equity"`
	Positions map[string]domain.Position `json:"positions"`
}

// Symbols returns the symbols the portfolio holds.
func (p Portfolio) Symbols() []string {
	out := make([]string, 0, len(p.Positions))
	for s, pos := range p.Positions {
		if pos.Quantity != 0 {
			out = append(out, s)
		}
	}
	return out
}

// MarketSnapshot holds latest prices keyed by symbol.
type MarketSnapshot struct {
	Prices map[string]float64 `json:"prices"`
	AsOf   time.Time          `json:"as_of"`
}

type Order struct {
	Symbol   string  `json:"symbol"`
	Side     Side    `json:"side"`
	Quantity float64 `json:"quantity"`
}

type OrderResult struct {
	OrderID  string  `json:"order_id"`
	Status   string  `json:"status"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// Brokerage is the market-facing collaborator.
type Brokerage interface {
	IsOpen(ctx context.Context) (bool, error)
	GetPortfolio(ctx context.Context) (Portfolio, error)
	GetLatestPrices(ctx context.Context, symbols []string) (MarketSnapshot, error)
	SubmitOrder(ctx context.Context, o Order) (OrderResult, error)
}

type DecisionInput struct {
	Portfolio Portfolio      `json:"portfolio"`
	Market    MarketSnapshot `json:"market"`
	// Recent holds summaries of recent archived entries for context.
	Recent []string `json:"recent,omitempty"`
}

type Decision struct {
	Action     Action  `json:"action"`
	Symbol     string  `json:"symbol,omitempty"`
	Quantity   float64 `json:"quantity,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Rationale  string  `json:"rationale,omitempty"`
}

// Order converts an actionable decision into an order.
func (d Decision) Order() (Order, bool) {
	if d.Action == ActionHold || d.Symbol == "" || d.Quantity <= 0 {
		return Order{}, false
	}
	return Order{Symbol: strings.ToUpper(d.Symbol), Side: Side(d.Action), Quantity: d.Quantity}, true
}

type DecisionMaker interface {
	GenerateDecision(ctx context.Context, in DecisionInput) (Decision, error)
}

// Tagger produces enrichment metadata for an entry.
type Tagger interface {
	Tag(ctx context.Context, e domain.Entry) (domain.Metadata, error)
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

// Notifier delivers operator alerts. Delivery is best-effort and never fails the caller.
type Notifier interface {
	Notify(ctx context.Context, message string, severity Severity)
}

// Optimizer is triggered on a schedule; what it optimizes is its own concern.
type Optimizer interface {
	Optimize(ctx context.Context) error
}

type OptimizerFunc func(ctx context.Context) error

func (f OptimizerFunc) Optimize(ctx context.Context) error { return f(ctx) }
