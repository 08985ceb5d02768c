// Package daemon runs the orchestration loop: health checks, maintenance and
// the adaptively paced decision cycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tradeloop/internal/collab"
	"tradeloop/internal/domain"
	"tradeloop/internal/events"
	"tradeloop/internal/frequency"
	"tradeloop/internal/memdir"
	"tradeloop/internal/organizer"
)

type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	ErrStopped     = errors.New("daemon stopped; create a new one to run again")
	ErrAlreadyRuns = errors.New("daemon already running")
)

// Store is the part of the entry store the loop writes to.
type Store interface {
	Save(ctx context.Context, e domain.Entry) (string, error)
	Counts(ctx context.Context) (map[memdir.Location]int, error)
	Prune(ctx context.Context, limits memdir.PruneLimits) (memdir.PruneResult, error)
}

type BatchRunner interface {
	ProcessBatch(ctx context.Context) (organizer.Result, error)
}

type IntervalComputer interface {
	ComputeOptimalInterval(ctx context.Context, p frequency.Params) (frequency.Recommendation, error)
}

type Deps struct {
	Store     Store
	Brokerage collab.Brokerage
	Decider   collab.DecisionMaker
	Notifier  collab.Notifier
	Organizer BatchRunner
	Analyzer  IntervalComputer
	// Optimizer is optional.
	Optimizer collab.Optimizer
	Clock     Clock
	Log       logrus.FieldLogger
}

type Config struct {
	Symbols []string
	// Execute submits actionable decisions; otherwise they are only recorded.
	Execute bool

	Tick                time.Duration
	HealthInterval      time.Duration
	MaintenanceInterval time.Duration
	PruneInterval       time.Duration
	Frequency           frequency.Params
	// Prune is applied every PruneInterval when PruneEnabled is set.
	PruneEnabled bool
	Prune        memdir.PruneLimits

	OptimizerCadence Cadence
	OptimizerAt      string
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 5 * time.Minute
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Minute
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = 24 * time.Hour
	}
	if c.Frequency.MinIntervalSeconds <= 0 {
		c.Frequency.MinIntervalSeconds = frequency.DefaultMinInterval
	}
	if c.OptimizerAt == "" {
		c.OptimizerAt = "02:00"
	}
	return c
}

// Status is a point-in-time view of the loop.
type Status struct {
	State             string    `json:"state"`
	IntervalSeconds   int       `json:"interval_seconds"`
	Cycles            int       `json:"cycles"`
	LastCycleAt       time.Time `json:"last_cycle_at,omitempty" format:"date-time"`
	LastCycleMS       float64   `json:"last_cycle_ms"`
	LastCycleError    string    `json:"last_cycle_error,omitempty"`
	LastIntervalAt    time.Time `json:"last_interval_at,omitempty" format:"date-time"`
	LastHealthOK      bool      `json:"last_health_ok"`
	LastHealthCheckAt time.Time `json:"last_health_check_at,omitempty" format:"date-time"`
}

type Daemon struct {
	cfg    Config
	deps   Deps
	clock  Clock
	log    logrus.FieldLogger
	events events.Writer

	mu          sync.Mutex
	state       State
	initialized bool
	interval    time.Duration
	lastCycle   time.Time
	status      Status
	jobs        []*job
}

func New(cfg Config, deps Deps) (*Daemon, error) {
	if deps.Store == nil || deps.Brokerage == nil || deps.Decider == nil {
		return nil, fmt.Errorf("daemon requires a store, a brokerage and a decision maker")
	}
	cfg = cfg.withDefaults()
	if cfg.OptimizerCadence != "" && cfg.OptimizerCadence != CadenceDaily && cfg.OptimizerCadence != CadenceWeekly {
		return nil, fmt.Errorf("unknown optimizer cadence %q", cfg.OptimizerCadence)
	}
	if _, _, err := ParseClock(cfg.OptimizerAt); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	d := &Daemon{
		cfg:      cfg,
		deps:     deps,
		clock:    deps.Clock,
		log:      deps.Log.WithField("component", "daemon"),
		interval: time.Duration(cfg.Frequency.MinIntervalSeconds) * time.Second,
		state:    StateInitializing,
	}
	d.events = events.Writer{Store: deps.Store, Source: "daemon", Now: d.clock.Now}
	d.status.IntervalSeconds = int(d.interval / time.Second)
	return d, nil
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, collab.Severity) {}

func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Daemon) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.status.State = s.String()
	d.mu.Unlock()
	d.log.WithField("state", s.String()).Info("daemon state changed")
}

// Interval is the current decision cycle interval.
func (d *Daemon) Interval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interval
}

func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.status
	s.State = d.state.String()
	return s
}

// Init checks the required collaborators. Failure is fatal: the daemon moves
// to Stopped after a best-effort critical notification.
func (d *Daemon) Init(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateInitializing {
		st := d.state
		d.mu.Unlock()
		if st == StateStopped {
			return ErrStopped
		}
		return ErrAlreadyRuns
	}
	if d.initialized {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	var problems []string
	if _, err := d.deps.Store.Counts(ctx); err != nil {
		problems = append(problems, fmt.Sprintf("store: %v", err))
	}
	if _, err := d.deps.Brokerage.IsOpen(ctx); err != nil {
		problems = append(problems, fmt.Sprintf("brokerage: %v", collab.Wrap("brokerage", "is_open", err)))
	}
	if len(problems) > 0 {
		msg := "initialization failed: " + strings.Join(problems, "; ")
		d.deps.Notifier.Notify(ctx, msg, collab.SeverityCritical)
		d.log.Error(msg)
		d.setState(StateStopped)
		return errors.New(msg)
	}

	now := d.clock.Now()
	d.mu.Lock()
	d.initialized = true
	d.jobs = d.buildJobs(now)
	d.mu.Unlock()
	return nil
}

func (d *Daemon) buildJobs(now time.Time) []*job {
	jobs := []*job{
		{name: "health_check", plan: every(d.cfg.HealthInterval), run: d.healthCheck},
	}
	if d.deps.Organizer != nil {
		jobs = append(jobs, &job{name: "organizer", plan: every(d.cfg.MaintenanceInterval), run: d.organize})
	}
	if d.deps.Analyzer != nil {
		jobs = append(jobs, &job{name: "interval_refresh", plan: every(d.cfg.MaintenanceInterval), run: d.refreshInterval})
	}
	if d.cfg.PruneEnabled {
		jobs = append(jobs, &job{name: "prune", plan: every(d.cfg.PruneInterval), run: d.prune})
	}
	if d.deps.Optimizer != nil && d.cfg.OptimizerCadence != "" {
		hour, minute, _ := ParseClock(d.cfg.OptimizerAt)
		cadence := d.cfg.OptimizerCadence
		plan := func(t time.Time) time.Time { return NextAt(t, cadence, hour, minute) }
		jobs = append(jobs, &job{name: "optimizer", next: plan(now), plan: plan, run: d.optimize})
	}
	for _, j := range jobs {
		if j.next.IsZero() {
			j.next = now
		}
	}
	return jobs
}

// Run drives the loop until ctx is cancelled. Cancellation is observed only
// between iterations; an in-flight decision cycle always completes.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Init(ctx); err != nil {
		return err
	}
	d.setState(StateRunning)
	work := context.WithoutCancel(ctx)
	if _, err := d.events.Append(work, events.EventStartup, events.EventPayload{
		"symbols":          d.cfg.Symbols,
		"execute":          d.cfg.Execute,
		"interval_seconds": int(d.Interval() / time.Second),
	}); err != nil {
		d.log.WithError(err).Warn("could not record startup event")
	}

	for ctx.Err() == nil {
		d.Tick(work)
		if err := d.clock.Sleep(ctx, d.cfg.Tick); err != nil {
			break
		}
	}

	d.setState(StateShuttingDown)
	st := d.Status()
	if _, err := d.events.Append(work, events.EventShutdown, events.EventPayload{"cycles": st.Cycles}); err != nil {
		d.log.WithError(err).Error("could not record shutdown event")
	}
	d.setState(StateStopped)
	return nil
}

// Tick runs due maintenance jobs and, if the interval has elapsed, one decision cycle.
func (d *Daemon) Tick(ctx context.Context) {
	now := d.clock.Now()
	d.mu.Lock()
	jobs := d.jobs
	d.mu.Unlock()
	for _, j := range jobs {
		if now.Before(j.next) {
			continue
		}
		j.next = j.plan(now)
		if err := j.run(ctx); err != nil {
			d.taskFailed(ctx, j.name, err)
		}
	}

	d.mu.Lock()
	due := d.lastCycle.IsZero() || now.Sub(d.lastCycle) >= d.interval
	if due {
		d.lastCycle = now
	}
	d.mu.Unlock()
	if due {
		_, _ = d.RunDecisionCycle(ctx)
	}
}

func (d *Daemon) taskFailed(ctx context.Context, task string, err error) {
	d.log.WithError(err).WithField("task", task).Error("scheduled task failed")
	d.deps.Notifier.Notify(ctx, fmt.Sprintf("%s failed: %v", task, err), collab.SeverityError)
}

func (d *Daemon) healthCheck(ctx context.Context) error {
	var problems []string
	if _, err := d.deps.Brokerage.IsOpen(ctx); err != nil {
		problems = append(problems, fmt.Sprintf("brokerage: %v", err))
		d.deps.Notifier.Notify(ctx, fmt.Sprintf("health check: brokerage unreachable: %v", err), collab.SeverityWarning)
	}
	if _, err := d.deps.Store.Counts(ctx); err != nil {
		problems = append(problems, fmt.Sprintf("store: %v", err))
		d.deps.Notifier.Notify(ctx, fmt.Sprintf("health check: store inaccessible: %v", err), collab.SeverityCritical)
	}
	ok := len(problems) == 0
	d.mu.Lock()
	d.status.LastHealthOK = ok
	d.status.LastHealthCheckAt = d.clock.Now().UTC()
	d.mu.Unlock()
	details := events.EventPayload{"ok": ok}
	if !ok {
		details["problems"] = problems
		d.log.WithField("problems", problems).Warn("health check failed")
	}
	if _, err := d.events.Append(ctx, events.EventHealthCheck, details); err != nil {
		d.log.WithError(err).Warn("could not record health check")
	}
	return nil
}

func (d *Daemon) organize(ctx context.Context) error {
	_, err := d.deps.Organizer.ProcessBatch(ctx)
	return err
}

// refreshInterval keeps the previous interval when there is not enough data.
func (d *Daemon) refreshInterval(ctx context.Context) error {
	rec, err := d.deps.Analyzer.ComputeOptimalInterval(ctx, d.cfg.Frequency)
	if errors.Is(err, frequency.ErrInsufficientData) {
		d.log.WithError(err).Debug("keeping current interval")
		return nil
	}
	if err != nil {
		return err
	}
	next := rec.Interval()
	d.mu.Lock()
	prev := d.interval
	d.interval = next
	d.status.IntervalSeconds = rec.IntervalSeconds
	d.status.LastIntervalAt = rec.ComputedAt
	d.mu.Unlock()
	if next != prev {
		d.log.WithFields(logrus.Fields{"from": prev.String(), "to": next.String()}).Info("decision interval updated")
		if _, err := d.events.Append(ctx, events.EventIntervalSet, events.EventPayload{
			"previous_seconds": int(prev / time.Second),
			"interval_seconds": rec.IntervalSeconds,
		}); err != nil {
			d.log.WithError(err).Warn("could not record interval change")
		}
	}
	return nil
}

func (d *Daemon) prune(ctx context.Context) error {
	res, err := d.deps.Store.Prune(ctx, d.cfg.Prune)
	if err != nil {
		return err
	}
	if res.ByAge+res.ByCount > 0 {
		if _, err := d.events.Append(ctx, events.EventPrune, events.EventPayload{"by_age": res.ByAge, "by_count": res.ByCount}); err != nil {
			d.log.WithError(err).Warn("could not record prune event")
		}
	}
	return nil
}

func (d *Daemon) optimize(ctx context.Context) error {
	start := d.clock.Now()
	if err := d.deps.Optimizer.Optimize(ctx); err != nil {
		return collab.Wrap("optimizer", "optimize", err)
	}
	if _, err := d.events.Append(ctx, events.EventOptimization, events.EventPayload{
		"duration_ms": msSince(start, d.clock.Now()),
	}); err != nil {
		d.log.WithError(err).Warn("could not record optimization event")
	}
	if d.deps.Analyzer != nil {
		return d.refreshInterval(ctx)
	}
	return nil
}

func msSince(start, end time.Time) float64 {
	return float64(end.Sub(start).Microseconds()) / 1000
}

func (d *Daemon) symbols(p collab.Portfolio) []string {
	set := map[string]struct{}{}
	for _, s := range d.cfg.Symbols {
		set[strings.ToUpper(s)] = struct{}{}
	}
	for _, s := range p.Symbols() {
		set[strings.ToUpper(s)] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
