package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"tradeloop/internal/collab"
	"tradeloop/internal/domain"
	"tradeloop/internal/frequency"
)

// CycleResult summarizes one decision cycle.
type CycleResult struct {
	MarketOpen bool
	Decision   collab.Decision
	Order      *collab.OrderResult
	Entries    []string
	LatencyMS  float64
}

// RunDecisionCycle fetches state, asks for a decision and optionally executes
// it. The cycle's wall-clock latency is recorded as a pipeline_latency metric
// whatever the outcome.
func (d *Daemon) RunDecisionCycle(ctx context.Context) (res CycleResult, err error) {
	start := d.clock.Now()
	log := d.log.WithField("cycle", start.UTC().Format("20060102T150405"))
	defer func() {
		res.LatencyMS = msSince(start, d.clock.Now())
		d.recordMetric(ctx, frequency.MetricPipelineLatency, res.LatencyMS)
		d.mu.Lock()
		d.status.Cycles++
		d.status.LastCycleAt = start.UTC()
		d.status.LastCycleMS = res.LatencyMS
		d.status.LastCycleError = ""
		if err != nil {
			d.status.LastCycleError = err.Error()
		}
		d.mu.Unlock()
		if err != nil {
			log.WithError(err).Warn("decision cycle failed")
			return
		}
		log.WithField("latency_ms", res.LatencyMS).Debug("decision cycle finished")
	}()

	open, err := d.deps.Brokerage.IsOpen(ctx)
	if err != nil {
		return res, d.cycleFailed(ctx, "market_status", "", collab.Wrap("brokerage", "is_open", err))
	}
	res.MarketOpen = open
	if !open {
		log.Debug("market closed; skipping decision")
		return res, nil
	}

	portfolio, err := d.deps.Brokerage.GetPortfolio(ctx)
	if err != nil {
		return res, d.cycleFailed(ctx, "portfolio", "", collab.Wrap("brokerage", "get_portfolio", err))
	}
	market, err := d.deps.Brokerage.GetLatestPrices(ctx, d.symbols(portfolio))
	if err != nil {
		return res, d.cycleFailed(ctx, "prices", "", collab.Wrap("brokerage", "get_latest_prices", err))
	}
	if name := d.save(ctx, domain.KindPortfolioSnapshot, domain.PortfolioSnapshotPayload{
		Cash:      portfolio.Cash,
		Equity:    portfolio.Equity,
		Positions: portfolio.Positions,
		Prices:    market.Prices,
	}); name != "" {
		res.Entries = append(res.Entries, name)
	}

	decision, err := d.deps.Decider.GenerateDecision(ctx, collab.DecisionInput{Portfolio: portfolio, Market: market})
	if err != nil {
		return res, d.cycleFailed(ctx, "decision", "", collab.Wrap("decision_maker", "generate_decision", err))
	}
	res.Decision = decision
	if name := d.save(ctx, domain.KindAnalysis, domain.AnalysisPayload{
		Symbol:     strings.ToUpper(decision.Symbol),
		Action:     string(decision.Action),
		Quantity:   decision.Quantity,
		Confidence: decision.Confidence,
		Rationale:  decision.Rationale,
	}); name != "" {
		res.Entries = append(res.Entries, name)
	}

	order, ok := decision.Order()
	if !ok || !d.cfg.Execute {
		return res, nil
	}
	result, err := d.execute(ctx, order)
	if err != nil {
		d.save(ctx, domain.KindOrderStatus, domain.OrderStatusPayload{
			Symbol:   order.Symbol,
			Side:     string(order.Side),
			Quantity: order.Quantity,
			Status:   "rejected",
			Reason:   err.Error(),
		})
		return res, d.cycleFailed(ctx, "execution", order.Symbol, err)
	}
	res.Order = &result
	if name := d.save(ctx, domain.KindOrderStatus, domain.OrderStatusPayload{
		Symbol:   order.Symbol,
		Side:     string(order.Side),
		Quantity: result.Quantity,
		Status:   result.Status,
		OrderID:  result.OrderID,
		Price:    result.Price,
	}); name != "" {
		res.Entries = append(res.Entries, name)
	}
	log.WithFields(logrus.Fields{
		"symbol":   order.Symbol,
		"side":     order.Side,
		"quantity": result.Quantity,
		"order_id": result.OrderID,
	}).Info("order submitted")
	return res, nil
}

// execute submits the order and records its latency as execution_latency.
func (d *Daemon) execute(ctx context.Context, o collab.Order) (collab.OrderResult, error) {
	start := d.clock.Now()
	result, err := d.deps.Brokerage.SubmitOrder(ctx, o)
	d.recordMetric(ctx, frequency.MetricExecutionLatency, msSince(start, d.clock.Now()))
	return result, collab.Wrap("brokerage", "submit_order", err)
}

func (d *Daemon) cycleFailed(ctx context.Context, stage, symbol string, err error) error {
	d.save(ctx, domain.KindError, domain.ErrorPayload{Message: err.Error(), Stage: stage, Symbol: symbol})
	sev := collab.SeverityError
	if errors.Is(err, collab.ErrConnectivity) {
		sev = collab.SeverityWarning
	}
	d.deps.Notifier.Notify(ctx, fmt.Sprintf("decision cycle %s: %v", stage, err), sev)
	return err
}

func (d *Daemon) recordMetric(ctx context.Context, name string, ms float64) {
	d.save(ctx, domain.KindMetric, domain.MetricPayload{Name: name, Value: ms, Unit: "ms"})
}

// save writes an entry to the inbox; failures are logged and never abort the cycle.
func (d *Daemon) save(ctx context.Context, kind domain.Kind, payload any) string {
	e, err := domain.NewEntry(kind, "daemon", payload, d.clock.Now())
	if err != nil {
		d.log.WithError(err).WithField("kind", kind).Error("could not build entry")
		return ""
	}
	name, err := d.deps.Store.Save(ctx, e)
	if err != nil {
		d.log.WithError(err).WithField("kind", kind).Error("could not save entry")
		return ""
	}
	return name
}
