// Package frequency derives the decision cycle interval from recorded latencies.
package frequency

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"tradeloop/internal/domain"
	"tradeloop/internal/memdir"
)

const (
	MetricPipelineLatency  = "pipeline_latency"
	MetricExecutionLatency = "execution_latency"

	DefaultWindowDays   = 7
	DefaultMinInterval  = 60
	DefaultBufferFactor = 1.5
	DefaultMinSamples   = 10

	optimizerName = "frequency_analyzer"
)

var ErrInsufficientData = errors.New("insufficient latency data")

type Store interface {
	Query(ctx context.Context, q memdir.Query) ([]memdir.Info, error)
	Read(ctx context.Context, loc memdir.Location, filename string) (domain.Entry, error)
	Save(ctx context.Context, e domain.Entry) (string, error)
	Promote(ctx context.Context, filename string, add domain.Flags) (string, error)
}

type Params struct {
	WindowDays         int
	MinIntervalSeconds int
	BufferFactor       float64
	MinSamples         int
}

func (p Params) withDefaults() Params {
	if p.WindowDays <= 0 {
		p.WindowDays = DefaultWindowDays
	}
	if p.MinIntervalSeconds <= 0 {
		p.MinIntervalSeconds = DefaultMinInterval
	}
	if p.BufferFactor <= 0 {
		p.BufferFactor = DefaultBufferFactor
	}
	if p.MinSamples <= 0 {
		p.MinSamples = DefaultMinSamples
	}
	return p
}

type Recommendation struct {
	IntervalSeconds   int       `json:"interval_seconds"`
	MedianPipelineMS  float64   `json:"median_pipeline_ms"`
	MedianExecutionMS float64   `json:"median_execution_ms"`
	PipelineSamples   int       `json:"pipeline_samples"`
	ExecutionSamples  int       `json:"execution_samples"`
	ComputedAt        time.Time `json:"computed_at"`
	AuditFilename     string    `json:"audit_filename,omitempty"`
}

func (r Recommendation) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

type Analyzer struct {
	Store  Store
	Source string
	Now    func() time.Time
	Log    logrus.FieldLogger
}

func (a Analyzer) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a Analyzer) log() logrus.FieldLogger {
	if a.Log != nil {
		return a.Log.WithField("component", "frequency")
	}
	return logrus.WithField("component", "frequency")
}

// ComputeOptimalInterval returns max(min, round((median pipeline + median
// execution) seconds × buffer)) over archived latency metrics from the last
// WindowDays, and records the result as an OptimizationRun entry.
func (a Analyzer) ComputeOptimalInterval(ctx context.Context, p Params) (Recommendation, error) {
	p = p.withDefaults()
	now := a.now()
	samples, err := a.collect(ctx, now.Add(-time.Duration(p.WindowDays)*24*time.Hour))
	if err != nil {
		return Recommendation{}, err
	}
	pipeline, execution := samples[MetricPipelineLatency], samples[MetricExecutionLatency]
	if len(pipeline) < p.MinSamples || len(execution) < p.MinSamples {
		a.log().WithFields(logrus.Fields{
			"pipeline_samples":  len(pipeline),
			"execution_samples": len(execution),
			"required":          p.MinSamples,
		}).Warn("not enough latency samples to compute an interval")
		return Recommendation{}, fmt.Errorf("%w: %d pipeline and %d execution samples, need %d each",
			ErrInsufficientData, len(pipeline), len(execution), p.MinSamples)
	}
	rec := Recommendation{
		MedianPipelineMS:  Median(pipeline),
		MedianExecutionMS: Median(execution),
		PipelineSamples:   len(pipeline),
		ExecutionSamples:  len(execution),
		ComputedAt:        now.UTC(),
	}
	rec.IntervalSeconds = Interval(rec.MedianPipelineMS, rec.MedianExecutionMS, p.BufferFactor, p.MinIntervalSeconds)
	rec.AuditFilename = a.audit(ctx, p, rec)
	a.log().WithFields(logrus.Fields{
		"interval_seconds":    rec.IntervalSeconds,
		"median_pipeline_ms":  rec.MedianPipelineMS,
		"median_execution_ms": rec.MedianExecutionMS,
	}).Info("computed decision interval")
	return rec, nil
}

// Interval applies the buffer and floor to median latencies given in milliseconds.
func Interval(medianPipelineMS, medianExecutionMS, buffer float64, minSeconds int) int {
	v := int(math.Round((medianPipelineMS + medianExecutionMS) / 1000 * buffer))
	if v < minSeconds {
		return minSeconds
	}
	return v
}

// Median of a non-empty sample; the mean of the middle pair for even sizes.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

func (a Analyzer) collect(ctx context.Context, since time.Time) (map[string][]float64, error) {
	infos, err := a.Store.Query(ctx, memdir.Query{Since: since, Include: domain.NewFlags(domain.KindFlag(domain.KindMetric))})
	if err != nil {
		return nil, err
	}
	out := map[string][]float64{}
	for _, info := range infos {
		e, err := a.Store.Read(ctx, memdir.Archive, info.Filename)
		if err != nil {
			a.log().WithError(err).WithField("filename", info.Filename).Debug("skip unreadable metric")
			continue
		}
		if e.Kind != domain.KindMetric {
			continue
		}
		var m domain.MetricPayload
		if err := e.Payload.Decode(&m); err != nil {
			continue
		}
		if m.Name == MetricPipelineLatency || m.Name == MetricExecutionLatency {
			out[m.Name] = append(out[m.Name], m.Value)
		}
	}
	return out, nil
}

func (a Analyzer) audit(ctx context.Context, p Params, rec Recommendation) string {
	source := a.Source
	if source == "" {
		source = optimizerName
	}
	e, err := domain.NewEntry(domain.KindOptimizationRun, source, domain.OptimizationRunPayload{
		Optimizer:          optimizerName,
		IntervalSeconds:    rec.IntervalSeconds,
		MedianPipelineMS:   rec.MedianPipelineMS,
		MedianExecutionMS:  rec.MedianExecutionMS,
		PipelineSamples:    rec.PipelineSamples,
		ExecutionSamples:   rec.ExecutionSamples,
		BufferFactor:       p.BufferFactor,
		MinIntervalSeconds: p.MinIntervalSeconds,
		WindowDays:         p.WindowDays,
	}, rec.ComputedAt)
	if err == nil {
		var name string
		name, err = a.Store.Save(ctx, e)
		if err == nil {
			name, err = a.Store.Promote(ctx, name, domain.NewFlags(domain.FlagSeen, domain.KindFlag(domain.KindOptimizationRun)))
			if err == nil {
				return name
			}
		}
	}
	a.log().WithError(err).Error("could not record optimization run")
	return ""
}
