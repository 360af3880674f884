// Package sweeper expires stale range locks on a cron schedule.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"rentsync/pkg/logger"

	"github.com/robfig/cron/v3"
)

// Expirer releases every lock whose TTL has passed and reports how many.
type Expirer interface {
	SweepExpired(ctx context.Context) (int, error)
}

type Sweeper struct {
	cron    *cron.Cron
	expirer Expirer
	timeout time.Duration
	log     *logger.Logger
}

// New schedules the sweep. A run still in progress when the next tick
// fires makes that tick a no-op.
func New(schedule string, timeout time.Duration, expirer Expirer, log *logger.Logger) (*Sweeper, error) {
	log = log.Component("sweeper")
	cl := cronLogger{log: log}
	s := &Sweeper{
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		expirer: expirer,
		timeout: timeout,
		log:     log,
	}
	if _, err := s.cron.AddFunc(schedule, s.Run); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Run performs a single sweep.
func (s *Sweeper) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.expirer.SweepExpired(ctx)
	if err != nil {
		s.log.Error("Lock sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("Expired range locks released", "count", n)
	}
}

func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop waits for a running sweep to finish, bounded by ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("Lock sweep still running at shutdown")
	}
}

type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
