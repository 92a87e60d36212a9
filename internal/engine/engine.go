// Package engine runs research cycles over a versioned state snapshot.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-engine/internal/config"
	"github.com/sells-group/evidence-engine/internal/intake"
	"github.com/sells-group/evidence-engine/internal/ledger"
	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/monitoring"
	"github.com/sells-group/evidence-engine/internal/pattern"
	"github.com/sells-group/evidence-engine/internal/resilience"
	"github.com/sells-group/evidence-engine/internal/store"
)

// ErrCycleOutOfOrder is returned for a batch whose cycle number does not
// follow the committed cycle.
var ErrCycleOutOfOrder = errors.New("engine: cycle out of order")

// Engine owns the active snapshot. One write pass runs at a time; readers
// always see the last committed state.
type Engine struct {
	cfg   *config.Config
	store store.Store

	cycleMu sync.Mutex

	mu      sync.RWMutex
	current model.Snapshot

	now func() time.Time
}

// New creates an Engine starting from an empty snapshot. Call Load to
// restore the active snapshot from the store.
func New(cfg *config.Config, st store.Store) *Engine {
	return &Engine{
		cfg:     cfg,
		store:   st,
		current: model.NewSnapshot(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Load restores the active snapshot. A store with no snapshot leaves the
// engine on the empty state.
func (e *Engine) Load(ctx context.Context) error {
	snap, err := e.store.LoadActiveSnapshot(ctx)
	if err != nil {
		return eris.Wrap(err, "engine: load active snapshot")
	}
	if snap == nil {
		return nil
	}
	e.swap(*snap)
	zap.L().Info("engine: snapshot loaded",
		zap.String("component", "engine"),
		zap.Int("version", snap.Version),
		zap.Int("cycle", snap.Cycle),
	)
	return nil
}

// reloadIfStale picks up the snapshot another writer committed when a save
// lost the race for the active pointer.
func (e *Engine) reloadIfStale(ctx context.Context, err error) {
	if !errors.Is(err, store.ErrStaleParent) {
		return
	}
	if lerr := e.Load(ctx); lerr != nil {
		zap.L().Error("engine: reload after stale commit failed",
			zap.String("component", "engine"),
			zap.Error(lerr),
		)
	}
}

// Snapshot returns a deep copy of the active snapshot.
func (e *Engine) Snapshot() (model.Snapshot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current.Clone()
}

// Directive returns the directive of the active snapshot, or nil before the
// first cycle.
func (e *Engine) Directive() *model.Directive {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current.Directive == nil {
		return nil
	}
	d := *e.current.Directive
	return &d
}

// Subject returns one subject of the active snapshot.
func (e *Engine) Subject(id string) (model.Subject, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current.SubjectByID(id)
}

// Evidence queries the ledger of the active snapshot.
func (e *Engine) Evidence(f ledger.Filter) []model.EvidenceRecord {
	snap := e.active()
	return ledger.New(ledger.OptionsFromConfig(e.cfg.Ledger), snap.Ledger, nil, nil).Query(f)
}

func (e *Engine) active() model.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

func (e *Engine) swap(snap model.Snapshot) {
	e.mu.Lock()
	e.current = snap
	e.mu.Unlock()
}

func (e *Engine) retryConfig() resilience.RetryConfig {
	def := resilience.DefaultRetryConfig()
	rc := resilience.FromRetryConfig(
		e.cfg.Cycle.RetryMaxAttempts,
		e.cfg.Cycle.RetryInitialBackoffMs,
		e.cfg.Cycle.RetryMaxBackoffMs,
		def.Multiplier,
		def.JitterFraction,
	)
	rc.OnRetry = resilience.RetryLogger("engine", "save_snapshot")
	return rc
}

// RunCycle runs one full pass over batch and commits the resulting
// snapshot. Invalid records are rejected individually. A misconfigured
// table aborts the cycle before any state is touched. The in-memory
// snapshot is replaced only after the store commit succeeds.
func (e *Engine) RunCycle(ctx context.Context, batch model.Batch) (*model.CycleReport, error) {
	if !e.cycleMu.TryLock() {
		monitoring.RecordCycleFailure("rejected", 0)
		return nil, resilience.ErrCycleInProgress
	}
	defer e.cycleMu.Unlock()

	start := time.Now()
	prev := e.active()

	if batch.Cycle == 0 {
		batch.Cycle = prev.Cycle + 1
	}
	if batch.Cycle <= prev.Cycle {
		monitoring.RecordCycleFailure("rejected", 0)
		return nil, eris.Wrapf(ErrCycleOutOfOrder, "cycle %d is not after committed cycle %d", batch.Cycle, prev.Cycle)
	}
	if batch.Now.IsZero() {
		batch.Now = e.now()
	}

	log := zap.L().With(zap.String("component", "engine"), zap.Int("cycle", batch.Cycle))

	validated := intake.Validate(batch)

	tbl, err := buildTables(e.cfg, validated.Batch.Overrides)
	if err != nil {
		monitoring.RecordCycleFailure("rejected", 0)
		log.Error("engine: table validation failed", zap.Error(err))
		return nil, err
	}

	run, err := e.store.CreateCycle(ctx, batch.Cycle)
	if err != nil {
		return nil, eris.Wrap(err, "engine: create cycle")
	}

	fail := func(cause error) (*model.CycleReport, error) {
		elapsed := time.Since(start)
		if ferr := e.store.FailCycle(ctx, run.ID, cause.Error()); ferr != nil {
			log.Error("engine: failed to record cycle failure", zap.Error(ferr))
		}
		monitoring.RecordCycleFailure(string(model.CycleStatusFailed), elapsed)
		return nil, cause
	}

	work, err := prev.Clone()
	if err != nil {
		return fail(err)
	}

	p := newPass(e.cfg, tbl, work, validated.Batch)
	p.report.Errors = append(p.report.Errors, validated.Errors...)
	p.quarantine = append(p.quarantine, validated.Quarantine...)

	trackPhase := func(name string, fn func() (*model.PhaseResult, error)) error {
		phase, phaseErr := e.store.CreatePhase(ctx, run.ID, name)
		if phaseErr != nil {
			log.Warn("engine: failed to create phase", zap.String("phase", name), zap.Error(phaseErr))
		}

		phaseStart := time.Now()
		phaseResult, fnErr := fn()
		duration := time.Since(phaseStart).Milliseconds()

		if phaseResult == nil {
			phaseResult = &model.PhaseResult{Name: name}
		}
		phaseResult.Name = name
		phaseResult.Duration = duration

		if fnErr != nil {
			phaseResult.Status = model.PhaseStatusFailed
			phaseResult.Error = fnErr.Error()
			log.Error("engine: phase failed",
				zap.String("phase", name),
				zap.Int64("duration_ms", duration),
				zap.Error(fnErr),
			)
		} else {
			phaseResult.Status = model.PhaseStatusComplete
			log.Info("engine: phase complete",
				zap.String("phase", name),
				zap.Int64("duration_ms", duration),
			)
		}

		if phase != nil {
			_ = e.store.CompletePhase(ctx, phase.ID, phaseResult)
		}
		p.report.Phases = append(p.report.Phases, *phaseResult)
		return fnErr
	}

	phases := []struct {
		name string
		fn   func() (*model.PhaseResult, error)
	}{
		{"1_ingest", p.ingest},
		{"2_grade", func() (*model.PhaseResult, error) { return p.grade(ctx) }},
		{"3_compact", p.compact},
		{"4_cascade", p.cascade},
		{"5_rate", func() (*model.PhaseResult, error) { return p.rate(ctx) }},
		{"6_track", p.track},
		{"7_directive", p.plan},
	}
	for _, ph := range phases {
		if err := ctx.Err(); err != nil {
			return fail(eris.Wrap(err, "engine: cycle cancelled"))
		}
		if err := trackPhase(ph.name, ph.fn); err != nil {
			return fail(err)
		}
	}

	next := p.snapshot(prev.Version)
	decisions := p.led.Decisions(p.cycle)
	var version int
	err = resilience.Do(ctx, e.retryConfig(), func(ctx context.Context) error {
		v, saveErr := e.store.SaveSnapshot(ctx, &next, decisions)
		if saveErr != nil {
			return saveErr
		}
		version = v
		return nil
	})
	if err != nil {
		log.Error("engine: commit failed",
			zap.String("error_class", resilience.ClassifyError(err)),
			zap.Error(err),
		)
		e.reloadIfStale(ctx, err)
		return fail(eris.Wrap(err, "engine: commit snapshot"))
	}

	e.swap(next)

	if len(p.quarantine) > 0 {
		if qerr := e.store.EnqueueQuarantine(ctx, p.quarantine); qerr != nil {
			log.Error("engine: failed to quarantine rejected records", zap.Int("count", len(p.quarantine)), zap.Error(qerr))
		}
	}

	elapsed := time.Since(start)
	report := p.report
	report.SnapshotVersion = version
	report.DurationMs = elapsed.Milliseconds()

	if err := e.store.CompleteCycle(ctx, run.ID, report); err != nil {
		log.Error("engine: failed to complete cycle", zap.Error(err))
	}
	monitoring.RecordCycle(report, elapsed)

	log.Info("engine: cycle complete",
		zap.Int("version", version),
		zap.Int("ingested", report.Ingested),
		zap.Int("forwarded", len(report.Forwarded)),
		zap.Int("rerated", len(report.Rerated)),
		zap.Int("errors", len(report.Errors)),
		zap.Int64("duration_ms", report.DurationMs),
	)
	return report, nil
}

// ApplyPatternOverride sets a pattern's status outside a cycle and commits
// the change as a new snapshot version.
func (e *Engine) ApplyPatternOverride(ctx context.Context, id string, status model.PatternStatus) (int, error) {
	if !e.cycleMu.TryLock() {
		return 0, resilience.ErrCycleInProgress
	}
	defer e.cycleMu.Unlock()

	prev := e.active()
	next, err := prev.Clone()
	if err != nil {
		return 0, err
	}

	reg := pattern.NewRegistry(pattern.FromConfig(e.cfg.Pattern), next.Patterns)
	if err := reg.Override(id, status, prev.Cycle); err != nil {
		return 0, err
	}
	next.Patterns = reg.Patterns()
	next.ParentVersion = prev.Version
	next.CreatedAt = e.now()

	version, err := e.store.SaveSnapshot(ctx, &next, nil)
	if err != nil {
		e.reloadIfStale(ctx, err)
		return 0, eris.Wrap(err, "engine: commit pattern override")
	}
	e.swap(next)
	return version, nil
}

// Rollback makes a stored snapshot version active again.
func (e *Engine) Rollback(ctx context.Context, version int) error {
	if !e.cycleMu.TryLock() {
		return resilience.ErrCycleInProgress
	}
	defer e.cycleMu.Unlock()

	snap, err := e.store.GetSnapshot(ctx, version)
	if err != nil {
		return eris.Wrapf(err, "engine: rollback to %d", version)
	}
	if err := e.store.ActivateSnapshot(ctx, version); err != nil {
		return eris.Wrapf(err, "engine: rollback to %d", version)
	}
	e.swap(*snap)

	zap.L().Info("engine: rolled back",
		zap.String("component", "engine"),
		zap.Int("version", version),
		zap.Int("cycle", snap.Cycle),
	)
	return nil
}
