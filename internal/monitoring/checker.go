package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/lead-scorer/internal/config"
)

// defaultRealert is how long a condition that stays breached waits before
// its alert is posted again.
const defaultRealert = time.Hour

// Checker collects job health on an interval, logs a status summary and
// posts alerts for breached thresholds. An alert that keeps firing is
// re-posted at most once per realert window; one that clears is forgotten.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	realert   time.Duration
	now       func() time.Time

	mu       sync.Mutex
	lastSent map[AlertType]time.Time
}

// NewChecker creates a background health checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		realert:   defaultRealert,
		now:       time.Now,
		lastSent:  make(map[AlertType]time.Time),
	}
}

// Run checks once immediately and then every interval until ctx ends.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("monitoring: checker started",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
		zap.Bool("webhook", c.alerter.Enabled()),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			log.Info("monitoring: checker stopped")
			return
		}
		c.check(ctx, log)
		select {
		case <-ctx.Done():
			log.Info("monitoring: checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// check runs one collection and returns the number of alerts posted.
func (c *Checker) check(ctx context.Context, log *zap.Logger) int {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: collect job health", zap.Error(err))
		return 0
	}

	log.Info("monitoring: job health",
		zap.Int("queued", snap.JobsQueued),
		zap.Int("processing", snap.JobsProcessing),
		zap.Int("completed", snap.JobsCompleted),
		zap.Int("failed", snap.JobsFailed),
		zap.Int("cancelled", snap.JobsCancelled),
		zap.Int("stale", len(snap.StaleJobs)),
		zap.Int("leads_processed", snap.LeadsProcessed),
		zap.Float64("fail_rate", snap.JobFailRate),
		zap.Int("throttle_level", snap.ThrottleLevel),
		zap.String("scoring_circuit", snap.ScoringCircuit),
	)

	due := c.due(c.alerter.Evaluate(snap))
	if len(due) == 0 {
		return 0
	}

	if !c.alerter.Enabled() {
		for _, a := range due {
			log.Warn("monitoring: threshold breached",
				zap.String("type", string(a.Type)),
				zap.String("severity", a.Severity),
				zap.String("message", a.Message),
			)
			c.markSent(a.Type)
		}
		return 0
	}

	sent := 0
	for _, a := range due {
		if err := c.alerter.Send(ctx, a); err != nil {
			log.Error("monitoring: post alert", zap.String("type", string(a.Type)), zap.Error(err))
			continue
		}
		c.markSent(a.Type)
		sent++
	}
	log.Info("monitoring: alerts posted", zap.Int("due", len(due)), zap.Int("sent", sent))
	return sent
}

// due filters alerts to those not posted within the realert window and
// forgets types that are no longer firing.
func (c *Checker) due(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	firing := make(map[AlertType]bool, len(alerts))
	var out []Alert
	now := c.now()
	for _, a := range alerts {
		firing[a.Type] = true
		if last, ok := c.lastSent[a.Type]; ok && now.Sub(last) < c.realert {
			continue
		}
		out = append(out, a)
	}
	for t := range c.lastSent {
		if !firing[t] {
			delete(c.lastSent, t)
		}
	}
	return out
}

func (c *Checker) markSent(t AlertType) {
	c.mu.Lock()
	c.lastSent[t] = c.now()
	c.mu.Unlock()
}
