package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tradeloop/internal/collab"
	"tradeloop/internal/domain"
	"tradeloop/internal/frequency"
	"tradeloop/internal/memdir"
)

const reviewOptimizer = "performance_review"

// Review is the scheduled optimizer: it summarizes order outcomes and errors
// archived over the window and records the summary as an OptimizationRun entry.
type Review struct {
	Store      frequency.Store
	WindowDays int
	Now        func() time.Time
	Log        logrus.FieldLogger
}

var _ collab.Optimizer = Review{}

// ReviewSummary counts archived outcomes over the review window.
type ReviewSummary struct {
	Filled   int
	Rejected int
	Errors   int
	ByStage  map[string]int
}

func (s ReviewSummary) notes() string {
	stages := make([]string, 0, len(s.ByStage))
	for stage, n := range s.ByStage {
		stages = append(stages, fmt.Sprintf("%s=%d", stage, n))
	}
	sort.Strings(stages)
	out := fmt.Sprintf("orders filled=%d rejected=%d; errors=%d", s.Filled, s.Rejected, s.Errors)
	if len(stages) > 0 {
		out += " (" + strings.Join(stages, ", ") + ")"
	}
	return out
}

func (r Review) Optimize(ctx context.Context) error {
	_, _, err := r.Run(ctx)
	return err
}

// Run returns the summary and the archived audit filename.
func (r Review) Run(ctx context.Context) (ReviewSummary, string, error) {
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	days := r.WindowDays
	if days <= 0 {
		days = frequency.DefaultWindowDays
	}
	sum := ReviewSummary{ByStage: map[string]int{}}
	infos, err := r.Store.Query(ctx, memdir.Query{Since: now.Add(-time.Duration(days) * 24 * time.Hour)})
	if err != nil {
		return sum, "", err
	}
	orderFlag := domain.KindFlag(domain.KindOrderStatus)
	errorFlag := domain.KindFlag(domain.KindError)
	for _, info := range infos {
		if !info.Flags.Has(orderFlag) && !info.Flags.Has(errorFlag) {
			continue
		}
		e, err := r.Store.Read(ctx, memdir.Archive, info.Filename)
		if err != nil {
			continue
		}
		switch e.Kind {
		case domain.KindOrderStatus:
			var p domain.OrderStatusPayload
			if e.Payload.Decode(&p) != nil {
				continue
			}
			if strings.EqualFold(p.Status, "filled") {
				sum.Filled++
			} else if strings.EqualFold(p.Status, "rejected") {
				sum.Rejected++
			}
		case domain.KindError:
			var p domain.ErrorPayload
			if e.Payload.Decode(&p) != nil {
				continue
			}
			sum.Errors++
			stage := p.Stage
			if stage == "" {
				stage = "unknown"
			}
			sum.ByStage[stage]++
		}
	}

	e, err := domain.NewEntry(domain.KindOptimizationRun, reviewOptimizer, domain.OptimizationRunPayload{
		Optimizer:  reviewOptimizer,
		WindowDays: days,
		Notes:      sum.notes(),
	}, now)
	if err != nil {
		return sum, "", err
	}
	name, err := r.Store.Save(ctx, e)
	if err != nil {
		return sum, "", err
	}
	name, err = r.Store.Promote(ctx, name, domain.NewFlags(domain.FlagSeen, domain.KindFlag(domain.KindOptimizationRun)))
	if err != nil {
		return sum, "", err
	}
	if r.Log != nil {
		r.Log.WithFields(logrus.Fields{"component": "review", "filename": name}).Info(sum.notes())
	}
	return sum, name, nil
}
