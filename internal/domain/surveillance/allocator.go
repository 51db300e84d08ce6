package surveillance

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/occhealth/ohs/internal/platform/db"
	"github.com/occhealth/ohs/internal/platform/metrics"
)

// DefaultProbeLimit bounds how far past the observed maximum the allocator
// looks for a free surveillance id.
const DefaultProbeLimit = 100

// Allocator proposes surveillance ids that no participating table uses.
// It reads; it never reserves. The unique constraint on the metadata table
// decides which of two concurrent writers keeps a candidate.
type Allocator struct {
	scanner    IDScanner
	tables     []string
	probeLimit int
	logger     zerolog.Logger
	metrics    *metrics.Collector
}

// NewAllocator creates an allocator over tables. An empty tables slice
// means ParticipatingTables(); a non-positive probeLimit means
// DefaultProbeLimit.
func NewAllocator(scanner IDScanner, tables []string, probeLimit int, logger zerolog.Logger) *Allocator {
	if len(tables) == 0 {
		tables = ParticipatingTables()
	}
	if probeLimit <= 0 {
		probeLimit = DefaultProbeLimit
	}
	return &Allocator{
		scanner:    scanner,
		tables:     tables,
		probeLimit: probeLimit,
		logger:     logger.With().Str("component", "surveillance_allocator").Logger(),
	}
}

// SetMetrics attaches a metrics collector.
func (a *Allocator) SetMetrics(m *metrics.Collector) {
	a.metrics = m
}

// Allocate returns the first id above the largest surveillance id stored in
// any participating table that none of them contains.
func (a *Allocator) Allocate(ctx context.Context) (int64, error) {
	max, err := a.observedMax(ctx)
	if err != nil {
		return 0, err
	}
	return a.probe(ctx, max)
}

// ReallocateAfterConflict returns a candidate strictly greater than last,
// for use after last lost the race on the metadata unique constraint.
func (a *Allocator) ReallocateAfterConflict(ctx context.Context, last int64) (int64, error) {
	max, err := a.observedMax(ctx)
	if err != nil {
		return 0, err
	}
	if last > max {
		max = last
	}
	return a.probe(ctx, max)
}

// observedMax scans every table. A table that cannot be read counts as
// empty; only cancellation of ctx aborts the scan.
func (a *Allocator) observedMax(ctx context.Context) (int64, error) {
	var max int64
	for _, table := range a.tables {
		v, found, err := a.scanner.MaxSurveillanceID(ctx, table)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			a.degraded(table, "max", err)
			continue
		}
		if found && v > max {
			max = v
		}
	}
	return max, nil
}

func (a *Allocator) probe(ctx context.Context, base int64) (int64, error) {
	for step := 1; step <= a.probeLimit; step++ {
		candidate := base + int64(step)
		taken, err := a.inUse(ctx, candidate)
		if err != nil {
			a.metrics.ObserveAllocation(metrics.OutcomeError, step)
			return 0, err
		}
		if !taken {
			a.metrics.ObserveAllocation(metrics.OutcomeOK, step)
			if step > 1 {
				a.logger.Debug().Int64("surveillance_id", candidate).Int("steps", step).Msg("probed past occupied ids")
			}
			return candidate, nil
		}
	}
	a.metrics.ObserveAllocation(metrics.OutcomeExhausted, a.probeLimit)
	a.logger.Warn().Int64("base", base).Int("probe_limit", a.probeLimit).Msg("no free surveillance id within probe limit")
	return 0, fmt.Errorf("%w: ids %d..%d all in use", ErrAllocationExhausted, base+1, base+int64(a.probeLimit))
}

func (a *Allocator) inUse(ctx context.Context, id int64) (bool, error) {
	for _, table := range a.tables {
		exists, err := a.scanner.SurveillanceIDExists(ctx, table, id)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			a.degraded(table, "exists", err)
			continue
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

func (a *Allocator) degraded(table, query string, err error) {
	a.metrics.DegradedScan(table)
	ev := a.logger.Warn().Err(err).Str("table", table).Str("query", query)
	if db.IsUndefinedObject(err) {
		ev.Msg("participating table missing, treating as empty")
		return
	}
	ev.Msg("surveillance id scan failed, treating table as empty")
}
