// Package location decides which gateway owns each tag.
//
// Tenants in realtime mode move a tag to the gateway of its latest sample.
// Tenants in accuracy mode buffer RSSI samples; a periodic batch assigns each
// tag to the gateway with the strongest mean signal over a trailing window.
package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"taglocator/gateway-server/internal/metrics"
	"taglocator/gateway-server/internal/model"
	"taglocator/gateway-server/internal/store"
)

// Defaults for the accuracy batch.
const (
	DefaultInterval  = time.Minute
	DefaultWindow    = 10 * time.Minute
	DefaultRetention = 30 * time.Minute
)

// Store is the persistence the engine needs.
type Store interface {
	ListTenants(ctx context.Context) ([]string, error)
	LookupTag(ctx context.Context, companyID, tagID string) (model.Tag, error)
	UpdateTagOwner(ctx context.Context, companyID, tagID, gwID string) error
	InsertRssiSample(ctx context.Context, companyID string, sample model.RssiWindowSample) error
	AggregateRssi(ctx context.Context, companyID string, since time.Time) ([]model.RssiAggregate, error)
	DeleteExpiredRssi(ctx context.Context, companyID string, before time.Time) (int64, error)
}

// ModeReader returns a tenant's location mode.
type ModeReader interface {
	Mode(ctx context.Context, companyID string) (model.LocationMode, error)
}

// Notifier is told about every tag that changes owner.
type Notifier interface {
	OwnerChanged(ctx context.Context, change model.OwnerChange)
}

// Options tunes the accuracy batch.
type Options struct {
	Interval  time.Duration
	Window    time.Duration
	Retention time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	return o
}

// Engine applies the location policies.
type Engine struct {
	store    Store
	modes    ModeReader
	notifier Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
	opts     Options
	now      func() time.Time

	running atomic.Bool
}

// New constructs an engine. notifier may be nil.
func New(st Store, modes ModeReader, notifier Notifier, logger *slog.Logger, m *metrics.Metrics, opts Options) *Engine {
	return &Engine{
		store:    st,
		modes:    modes,
		notifier: notifier,
		logger:   logger,
		metrics:  m,
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
}

// Apply runs the tenant's policy for a persisted sample of tag.
func (e *Engine) Apply(ctx context.Context, companyID string, tag model.Tag, sample model.TagSample) error {
	mode, err := e.modes.Mode(ctx, companyID)
	if err != nil {
		return err
	}

	switch mode {
	case model.ModeAccuracy:
		sensedAt := sample.SensedAt
		if sensedAt.IsZero() {
			sensedAt = e.now()
		}
		return e.store.InsertRssiSample(ctx, companyID, model.RssiWindowSample{
			TagID:     sample.TagID,
			GatewayID: sample.GatewayID,
			RSSI:      sample.RSSI,
			SensedAt:  sensedAt,
		})
	default:
		if tag.GatewayID == sample.GatewayID {
			return nil
		}
		if err := e.store.UpdateTagOwner(ctx, companyID, tag.TagID, sample.GatewayID); err != nil {
			return err
		}
		e.ownerChanged(ctx, model.OwnerChange{
			TenantID:      companyID,
			TagID:         tag.TagID,
			FromGatewayID: tag.GatewayID,
			ToGatewayID:   sample.GatewayID,
			Mode:          model.ModeRealtime,
			ChangedAt:     e.now().UTC(),
		})
		return nil
	}
}

// BatchReport summarizes one accuracy batch.
type BatchReport struct {
	Tenants  int
	Tags     int
	Changed  int
	Expired  int64
	Duration time.Duration
}

// Run executes the accuracy batch every interval until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	e.logger.Info("location batch started", "interval", e.opts.Interval, "window", e.opts.Window, "retention", e.opts.Retention)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			go e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	report, err := e.TryRunBatch(ctx)
	if errors.Is(err, ErrBatchRunning) {
		e.logger.Warn("location batch skipped, previous run still active")
		return
	}
	if err != nil {
		e.logger.Error("location batch failed", "error", err)
		return
	}
	e.logger.Debug("location batch finished",
		"tenants", report.Tenants, "tags", report.Tags, "changed", report.Changed,
		"expired", report.Expired, "duration", report.Duration)
}

// ErrBatchRunning is returned by TryRunBatch while another run is active.
var ErrBatchRunning = errors.New("location batch already running")

// TryRunBatch runs one batch unless a previous run is still in progress.
func (e *Engine) TryRunBatch(ctx context.Context) (BatchReport, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.metrics.BatchRuns.WithLabelValues("skipped").Inc()
		return BatchReport{}, ErrBatchRunning
	}
	defer e.running.Store(false)

	start := e.now()
	report, err := e.runBatch(ctx, start)
	report.Duration = e.now().Sub(start)
	e.metrics.BatchDuration.Observe(report.Duration.Seconds())

	result := "ok"
	if err != nil {
		result = "error"
	}
	e.metrics.BatchRuns.WithLabelValues(result).Inc()
	return report, err
}

func (e *Engine) runBatch(ctx context.Context, now time.Time) (BatchReport, error) {
	var report BatchReport

	tenants, err := e.store.ListTenants(ctx)
	if err != nil {
		return report, fmt.Errorf("list tenants: %w", err)
	}

	var errs []error
	for _, companyID := range tenants {
		if companyID == model.UnregisteredTenant {
			continue
		}

		mode, err := e.modes.Mode(ctx, companyID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if mode != model.ModeAccuracy {
			continue
		}

		report.Tenants++
		tags, changed, err := e.assignTenant(ctx, companyID, now)
		report.Tags += tags
		report.Changed += changed
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", companyID, err))
		}

		expired, err := e.store.DeleteExpiredRssi(ctx, companyID, now.Add(-e.opts.Retention))
		report.Expired += expired
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", companyID, err))
		}
	}

	return report, errors.Join(errs...)
}

// assignTenant moves each tag with samples in the window to its strongest gateway.
func (e *Engine) assignTenant(ctx context.Context, companyID string, now time.Time) (int, int, error) {
	aggs, err := e.store.AggregateRssi(ctx, companyID, now.Add(-e.opts.Window))
	if err != nil {
		return 0, 0, err
	}

	winners := StrongestGateways(aggs)

	changed := 0
	var errs []error
	for _, w := range winners {
		tag, err := e.store.LookupTag(ctx, companyID, w.TagID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if tag.GatewayID == w.GatewayID {
			continue
		}
		if err := e.store.UpdateTagOwner(ctx, companyID, w.TagID, w.GatewayID); err != nil {
			errs = append(errs, err)
			continue
		}
		changed++
		e.ownerChanged(ctx, model.OwnerChange{
			TenantID:      companyID,
			TagID:         w.TagID,
			FromGatewayID: tag.GatewayID,
			ToGatewayID:   w.GatewayID,
			Mode:          model.ModeAccuracy,
			ChangedAt:     now.UTC(),
		})
	}

	return len(winners), changed, errors.Join(errs...)
}

// StrongestGateways picks, for each tag, the aggregate with the highest mean
// RSSI. Ties go to the pair listed first. Tags are returned in first-seen order.
func StrongestGateways(aggs []model.RssiAggregate) []model.RssiAggregate {
	best := make(map[string]int, len(aggs))
	var out []model.RssiAggregate
	for _, a := range aggs {
		i, ok := best[a.TagID]
		if !ok {
			best[a.TagID] = len(out)
			out = append(out, a)
			continue
		}
		if a.AvgRSSI > out[i].AvgRSSI {
			out[i] = a
		}
	}
	return out
}

func (e *Engine) ownerChanged(ctx context.Context, change model.OwnerChange) {
	e.metrics.OwnerChanges.WithLabelValues(string(change.Mode)).Inc()
	e.logger.Info("tag owner changed", "tenant", change.TenantID, "tag", change.TagID,
		"from", change.FromGatewayID, "to", change.ToGatewayID, "mode", change.Mode)
	if e.notifier != nil {
		e.notifier.OwnerChanged(ctx, change)
	}
}
