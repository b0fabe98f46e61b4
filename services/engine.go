package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"dmarcwatch/logging"
	"dmarcwatch/models"
)

const (
	alertPassKey    = "alerts"
	schedulePassKey = "schedules"
)

// AlertPassResult summarises one alert pass.
type AlertPassResult struct {
	Evaluated    int `json:"evaluated"`
	Incidents    int `json:"incidents"`
	Redelivered  int `json:"redelivered"`
	Errors       int `json:"errors"`
	FailedLegs   int `json:"failed_legs"`
	BlockedHooks int `json:"blocked_webhooks"`
}

// SchedulePassResult summarises one schedule pass.
type SchedulePassResult struct {
	Runs   []RunResult `json:"runs"`
	Failed int         `json:"failed"`
}

// Engine runs the alert and schedule passes. Concurrent triggers of the
// same pass share a single execution, so two callers never evaluate the
// same rules at once.
type Engine struct {
	incidents  *IncidentManager
	dispatcher *Dispatcher
	schedules  *ScheduleRunner
	logger     logging.Logger
	workers    int
	interval   time.Duration

	passes singleflight.Group
	now    func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// EngineConfig holds the engine's collaborators.
type EngineConfig struct {
	Incidents  *IncidentManager
	Dispatcher *Dispatcher
	Schedules  *ScheduleRunner
	Logger     logging.Logger
	Workers    int           // concurrent rule evaluations (default: 4)
	Interval   time.Duration // ticker period for Start (default: 1 minute)
}

func NewEngine(cfg EngineConfig) *Engine {
	workers := cfg.Workers
	if workers < 1 {
		workers = 4
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Engine{
		incidents:  cfg.Incidents,
		dispatcher: cfg.Dispatcher,
		schedules:  cfg.Schedules,
		logger:     cfg.Logger,
		workers:    workers,
		interval:   interval,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// RunAlertPass evaluates every due rule and dispatches new incidents.
func (e *Engine) RunAlertPass(ctx context.Context) (AlertPassResult, error) {
	v, err, shared := e.passes.Do(alertPassKey, func() (any, error) {
		return e.alertPass(context.WithoutCancel(ctx))
	})
	if shared {
		e.logger.Debug("Joined an alert pass already in flight")
	}
	res, _ := v.(AlertPassResult)
	return res, err
}

func (e *Engine) alertPass(ctx context.Context) (AlertPassResult, error) {
	start := time.Now()
	defer func() { passDuration.WithLabelValues(alertPassKey).Observe(time.Since(start).Seconds()) }()

	var incidents, redelivered, failures, failedLegs, blocked atomic.Int64
	notify := func(inc models.Incident, rule models.Rule) {
		result := e.dispatcher.Dispatch(ctx, inc, rule)
		for _, leg := range result.Failed() {
			failedLegs.Add(1)
			if leg.Blocked() {
				blocked.Add(1)
			}
		}
		if err := e.incidents.RecordDelivery(ctx, inc.ID, result); err != nil {
			e.logger.WithError(err).WithField("incident_id", inc.ID).Error("Failed to record delivery")
		}
	}

	// Incidents left undelivered by an earlier pass go out first.
	owed, err := e.incidents.PendingDeliveries(ctx)
	if err != nil {
		failures.Add(1)
		e.logger.WithError(err).Error("Failed to load undelivered incidents")
	}
	g := new(errgroup.Group)
	g.SetLimit(e.workers)
	for _, r := range owed {
		g.Go(func() error {
			redelivered.Add(1)
			notify(r.Incident, r.Rule)
			return nil
		})
	}
	_ = g.Wait()

	rules, err := e.incidents.DueRules(ctx)
	if err != nil {
		return AlertPassResult{}, err
	}

	g = new(errgroup.Group)
	g.SetLimit(e.workers)
	for _, rule := range rules {
		g.Go(func() error {
			inc, err := e.incidents.CheckRule(ctx, rule)
			if err != nil {
				failures.Add(1)
				entry := e.logger.WithError(err).WithField("rule_id", rule.ID)
				if errors.Is(err, ErrOwnerNotFound) {
					entry.Warn("Skipping rule whose owner no longer exists")
				} else {
					entry.Error("Rule evaluation failed")
				}
				return nil
			}
			if inc == nil {
				return nil
			}
			incidents.Add(1)
			notify(*inc, rule)
			return nil
		})
	}
	_ = g.Wait()

	res := AlertPassResult{
		Evaluated:    len(rules),
		Incidents:    int(incidents.Load()),
		Redelivered:  int(redelivered.Load()),
		Errors:       int(failures.Load()),
		FailedLegs:   int(failedLegs.Load()),
		BlockedHooks: int(blocked.Load()),
	}
	e.logger.WithFields(logging.Fields{
		"evaluated":   res.Evaluated,
		"incidents":   res.Incidents,
		"redelivered": res.Redelivered,
		"errors":      res.Errors,
		"failed_legs": res.FailedLegs,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Alert pass completed")
	return res, nil
}

// RunSchedulePass executes every due schedule.
func (e *Engine) RunSchedulePass(ctx context.Context) (SchedulePassResult, error) {
	v, err, _ := e.passes.Do(schedulePassKey, func() (any, error) {
		start := time.Now()
		defer func() { passDuration.WithLabelValues(schedulePassKey).Observe(time.Since(start).Seconds()) }()

		runs, err := e.schedules.RunDue(context.WithoutCancel(ctx), e.now())
		if err != nil {
			return SchedulePassResult{}, err
		}
		res := SchedulePassResult{Runs: runs}
		for _, r := range runs {
			if r.Err != nil {
				res.Failed++
			}
		}
		e.logger.WithFields(logging.Fields{
			"runs":   len(runs),
			"failed": res.Failed,
		}).Info("Schedule pass completed")
		return res, nil
	})
	res, _ := v.(SchedulePassResult)
	return res, err
}

// Start runs both passes on a ticker until Stop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
	e.logger.WithField("interval", e.interval.String()).Info("Engine ticker started")
}

// Stop waits for the current tick to finish.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	e.logger.Info("Engine ticker stopped")
}

func (e *Engine) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.tick()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if _, err := e.RunAlertPass(ctx); err != nil {
		e.logger.WithError(err).Error("Alert pass failed")
	}
	if _, err := e.RunSchedulePass(ctx); err != nil {
		e.logger.WithError(err).Error("Schedule pass failed")
	}
}
