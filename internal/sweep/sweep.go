// Package sweep runs the periodic housekeeping jobs that evict stale state
// from the progress bus, the pipeline orchestrator, and the recovery
// controller, plus the upload session manager's own idle/terminal eviction.
// Each subsystem owns its own eviction rule; this package only owns the
// clock that drives them, following the teacher's pattern of one shared
// cron scheduler rather than each subsystem running its own ticker.
package sweep

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/abdulmunimjundurahman/ingestd/internal/logging"
)

// Target is anything that can sweep itself given the current time.
type Target func(now time.Time)

// Config controls how often the sweeper runs. Retention windows are not
// part of it; callers bind them into each Target.
type Config struct {
	// Interval is how often the sweep job fires. Defaults to 1 hour.
	Interval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	return c
}

// Sweeper owns a gocron scheduler running a single recurring job that calls
// every registered Target in order.
type Sweeper struct {
	logger    *slog.Logger
	scheduler gocron.Scheduler
	targets   []Target
}

// New creates a Sweeper and registers its recurring job, but does not start
// it — call Start once all targets have been added.
func New(cfg Config, logger *slog.Logger, targets ...Target) (*Sweeper, error) {
	logger = logging.Default(logger).With("component", "sweep")
	cfg = cfg.withDefaults()

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create sweep scheduler: %w", err)
	}

	sw := &Sweeper{logger: logger, scheduler: s, targets: targets}

	_, err = s.NewJob(
		gocron.DurationJob(cfg.Interval),
		gocron.NewTask(sw.runAll),
		gocron.WithName("sweep"),
		gocron.WithStartAt(gocron.WithStartDateTime(time.Now())),
	)
	if err != nil {
		return nil, fmt.Errorf("schedule sweep job: %w", err)
	}

	return sw, nil
}

func (s *Sweeper) runAll() {
	now := time.Now()
	for _, t := range s.targets {
		t(now)
	}
	s.logger.Debug("sweep pass complete", "targets", len(s.targets))
}

// Start begins running the sweep job on its configured interval.
func (s *Sweeper) Start() {
	s.scheduler.Start()
}

// Stop shuts down the scheduler, waiting for any in-flight sweep pass to
// finish.
func (s *Sweeper) Stop() error {
	return s.scheduler.Shutdown()
}
