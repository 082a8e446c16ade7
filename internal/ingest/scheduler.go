package ingest

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ScheduleConfig holds the cron specs of the two recurring jobs.
type ScheduleConfig struct {
	// ForecastSpec triggers the ultra-short then short-term collection.
	ForecastSpec string
	// ObservationSpec triggers ASOS collection followed by aggregation.
	ObservationSpec string
	// RunOnStart runs both jobs once before waiting for the first trigger.
	RunOnStart bool
}

func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		ForecastSpec:    "11 * * * *",
		ObservationSpec: "30 6 * * *",
	}
}

// Scheduler runs the jobs on cron triggers in Asia/Seoul. A trigger that
// fires while the previous run of the same job is still going is skipped.
type Scheduler struct {
	jobs *Jobs
	cfg  ScheduleConfig
	cron *cron.Cron
	log  logrus.FieldLogger

	// ctx is handed to triggered jobs and cancelled when Run's context ends.
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(jobs *Jobs, cfg ScheduleConfig, log logrus.FieldLogger) (*Scheduler, error) {
	def := DefaultScheduleConfig()
	if cfg.ForecastSpec == "" {
		cfg.ForecastSpec = def.ForecastSpec
	}
	if cfg.ObservationSpec == "" {
		cfg.ObservationSpec = def.ObservationSpec
	}

	cl := cron.PrintfLogger(log)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		jobs: jobs,
		cfg:  cfg,
		log:  log,
		cron: cron.New(
			cron.WithLocation(KST),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:    ctx,
		cancel: cancel,
	}

	if _, err := s.cron.AddFunc(cfg.ForecastSpec, func() { s.runForecasts(s.ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("forecast schedule %q: %w", cfg.ForecastSpec, err)
	}
	if _, err := s.cron.AddFunc(cfg.ObservationSpec, func() { s.runObservations(s.ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("observation schedule %q: %w", cfg.ObservationSpec, err)
	}
	return s, nil
}

// Run starts the triggers and blocks until ctx is done. Running jobs are
// then cancelled and waited for.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.WithFields(logrus.Fields{
		"forecast":    s.cfg.ForecastSpec,
		"observation": s.cfg.ObservationSpec,
	}).Info("scheduler: starting")

	if s.cfg.RunOnStart {
		s.runForecasts(ctx)
		s.runObservations(ctx)
	}

	s.cron.Start()
	<-ctx.Done()

	s.log.Info("scheduler: stopping, cancelling running jobs")
	s.cancel()
	<-s.cron.Stop().Done()
	return nil
}

func (s *Scheduler) runForecasts(ctx context.Context) {
	for _, kind := range []ForecastKind{KindUltra, KindShort} {
		if _, err := s.jobs.CollectForecast(ctx, kind, ForecastRun{}); err != nil {
			s.log.WithError(err).WithField("kind", kind).Error("scheduler: forecast job failed")
		}
	}
}

func (s *Scheduler) runObservations(ctx context.Context) {
	if _, err := s.jobs.CollectASOS(ctx); err != nil {
		if ctx.Err() != nil {
			s.log.WithError(err).Warn("scheduler: observation job cancelled")
			return
		}
		s.log.WithError(err).Error("scheduler: observation job failed")
		return
	}
	if _, err := s.jobs.Aggregate(ctx); err != nil {
		s.log.WithError(err).Error("scheduler: aggregate job failed")
	}
}
