package engine

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Maintenance owns the background cron jobs of the engine. Currently that
// is the prune job for old subagent runs.
type Maintenance struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewMaintenance schedules job at the given cron expression.
func NewMaintenance(schedule string, logger *slog.Logger, job func()) (*Maintenance, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "maintenance")

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		logger.Debug("running maintenance job")
		job()
	}); err != nil {
		return nil, err
	}
	return &Maintenance{cron: c, logger: logger}, nil
}

// Start begins running scheduled jobs.
func (m *Maintenance) Start() {
	m.cron.Start()
	m.logger.Info("maintenance scheduler started")
}

// Stop halts the scheduler, waiting for an in-flight job to finish.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}
