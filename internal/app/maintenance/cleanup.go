package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/imovtec/twofactor/pkg/logger"
)

const (
	defaultPurgeSpec  = "@every 15m"
	defaultReloadSpec = "@every 5m"
	defaultAuditSpec  = "@daily"
)

// CodePurger removes expired verification codes.
type CodePurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// AuditPruner drops audit events past their retention window.
type AuditPruner interface {
	PurgeAuditOlderThan(ctx context.Context, days int) (int64, error)
}

// TransportReloader re-reads the notification transport configuration.
type TransportReloader interface {
	Reload(ctx context.Context) error
}

// Cleaner runs the periodic two-factor housekeeping: expired code purge,
// audit retention and notification transport reload.
type Cleaner struct {
	codes     CodePurger
	audit     AuditPruner
	reloader  TransportReloader
	cron      *cron.Cron
	log       *zap.Logger
	retention int

	purgeSchedule  string
	reloadSchedule string
	auditSchedule  string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithAuditPruner supplies the audit pruner. Pruning only runs once a
// positive retention is also set.
func WithAuditPruner(p AuditPruner) Option {
	return func(cleaner *Cleaner) {
		cleaner.audit = p
	}
}

// WithAuditRetentionDays sets how long audit events are retained. Zero or
// less keeps them forever.
func WithAuditRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.retention = days
		} else {
			cleaner.retention = 0
		}
	}
}

// WithPurgeSchedule overrides the cron schedule for expired code purge.
func WithPurgeSchedule(schedule string) Option {
	return func(cleaner *Cleaner) {
		if schedule != "" {
			cleaner.purgeSchedule = schedule
		}
	}
}

// WithReloadSchedule overrides the cron schedule for transport reloads.
func WithReloadSchedule(schedule string) Option {
	return func(cleaner *Cleaner) {
		if schedule != "" {
			cleaner.reloadSchedule = schedule
		}
	}
}

// WithAuditSchedule overrides the cron schedule for audit retention.
func WithAuditSchedule(schedule string) Option {
	return func(cleaner *Cleaner) {
		if schedule != "" {
			cleaner.auditSchedule = schedule
		}
	}
}

// NewCleaner constructs a Cleaner. Nil dependencies disable the matching job.
func NewCleaner(codes CodePurger, reloader TransportReloader, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		codes:          codes,
		reloader:       reloader,
		purgeSchedule:  defaultPurgeSpec,
		reloadSchedule: defaultReloadSpec,
		auditSchedule:  defaultAuditSpec,
		log:            logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return cleaner
}

func (c *Cleaner) pruneAudit() bool {
	return c.audit != nil && c.retention > 0
}

func (c *Cleaner) enabled() bool {
	return c.codes != nil || c.reloader != nil || c.pruneAudit()
}

// Start registers the jobs and launches the scheduler when at least one is enabled.
func (c *Cleaner) Start() error {
	if !c.enabled() {
		return nil
	}

	if c.codes != nil {
		if _, err := c.cron.AddFunc(c.purgeSchedule, func() {
			if err := c.purgeCodes(context.Background()); err != nil {
				c.log.Warn("expired code purge failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.reloader != nil {
		if _, err := c.cron.AddFunc(c.reloadSchedule, func() {
			if err := c.reloader.Reload(context.Background()); err != nil {
				c.log.Warn("notification reload failed, fallback transport active", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.pruneAudit() {
		if _, err := c.cron.AddFunc(c.auditSchedule, func() {
			if _, err := c.audit.PurgeAuditOlderThan(context.Background(), c.retention); err != nil {
				c.log.Warn("audit retention failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes every configured job sequentially and joins their errors.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.codes != nil {
		errs = multierr.Append(errs, c.purgeCodes(ctx))
	}

	if c.pruneAudit() {
		if _, err := c.audit.PurgeAuditOlderThan(ctx, c.retention); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.reloader != nil {
		errs = multierr.Append(errs, c.reloader.Reload(ctx))
	}

	return errs
}

func (c *Cleaner) purgeCodes(ctx context.Context) error {
	started := time.Now()
	removed, err := c.codes.PurgeExpired(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		c.log.Info("purged expired verification codes",
			zap.Int64("removed", removed),
			zap.Duration("took", time.Since(started)))
	}
	return nil
}
