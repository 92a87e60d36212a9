package ledger

import (
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/evidence-engine/internal/config"
	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/resilience"
)

// MetricObserver receives metric readings carried by evidence records.
type MetricObserver interface {
	Observe(update model.MetricUpdate, cycle int)
}

// Refresher receives refresh events for sources and dimensions.
type Refresher interface {
	Refresh(id string, kind model.TrackedKind, at time.Time)
}

// Options tune deduplication, clustering and compaction.
type Options struct {
	DedupWindow         time.Duration
	DuplicateSimilarity float64
	ClusterSimilarity   float64
	SummaryMaxChars     int
}

// OptionsFromConfig converts ledger settings.
func OptionsFromConfig(cfg config.LedgerConfig) Options {
	return Options{
		DedupWindow:         time.Duration(cfg.DedupWindowHours) * time.Hour,
		DuplicateSimilarity: cfg.DuplicateSimilarity,
		ClusterSimilarity:   cfg.ClusterSimilarity,
		SummaryMaxChars:     cfg.SummaryMaxChars,
	}
}

// IngestResult describes where an ingested record ended up.
type IngestResult struct {
	RecordID      string
	ClusterID     string
	Reinforced    bool
	Contradicting bool
}

// Ledger is the append-only evidence store for one cycle. It is not safe
// for concurrent writes; readers may run in parallel once ingestion is done.
type Ledger struct {
	opts      Options
	metrics   MetricObserver
	staleness Refresher
	log       *zap.Logger

	records      []model.EvidenceRecord
	index        map[string]int
	clusters     []model.Cluster
	clusterIdx   map[string]int
	clusterToks  map[string]map[string]bool
	observations []model.Observation
	decisions    []model.DecisionEntry
	latest       map[string]int
	supersededBy map[string]string
	bySource     map[string][]int
}

// New rebuilds a ledger from persisted state. metrics and staleness may be nil.
func New(opts Options, state model.LedgerState, metrics MetricObserver, staleness Refresher) *Ledger {
	l := &Ledger{
		opts:         opts,
		metrics:      metrics,
		staleness:    staleness,
		log:          zap.L().With(zap.String("component", "ledger")),
		index:        make(map[string]int, len(state.Records)),
		clusterIdx:   make(map[string]int, len(state.Clusters)),
		clusterToks:  make(map[string]map[string]bool, len(state.Clusters)),
		latest:       make(map[string]int),
		supersededBy: make(map[string]string),
		bySource:     make(map[string][]int),
	}

	l.records = append(l.records, state.Records...)
	for i, r := range l.records {
		l.index[r.ID] = i
		l.bySource[r.Provenance.SourceName] = append(l.bySource[r.Provenance.SourceName], i)
		if r.Supersedes != "" {
			l.supersededBy[r.Supersedes] = r.ID
		}
	}
	for _, c := range state.Clusters {
		c.RecordIDs = append([]string(nil), c.RecordIDs...)
		c.Sources = append([]string(nil), c.Sources...)
		c.Contradicting = append([]string(nil), c.Contradicting...)
		c.Dimensions = append([]string(nil), c.Dimensions...)
		l.clusterIdx[c.ID] = len(l.clusters)
		l.clusters = append(l.clusters, c)
		l.clusterToks[c.ID] = l.headTokens(c.HeadID)
	}
	l.observations = append(l.observations, state.Observations...)
	for _, d := range state.Decisions {
		l.appendDecision(d)
	}
	return l
}

// State returns a copy of the ledger content for persistence.
func (l *Ledger) State() model.LedgerState {
	st := model.LedgerState{
		Records:      make([]model.EvidenceRecord, len(l.records)),
		Clusters:     make([]model.Cluster, len(l.clusters)),
		Observations: append([]model.Observation(nil), l.observations...),
		Decisions:    append([]model.DecisionEntry(nil), l.decisions...),
	}
	copy(st.Records, l.records)
	for i, c := range l.clusters {
		st.Clusters[i] = copyCluster(c)
	}
	return st
}

// Ingest validates references, deduplicates and stores rec. A same-source
// near-duplicate is not stored; it is folded into the existing cluster as a
// reinforcing observation.
func (l *Ledger) Ingest(rec model.EvidenceRecord, cycle int, now time.Time) (IngestResult, error) {
	if _, ok := l.index[rec.ID]; ok {
		return IngestResult{}, resilience.NewMalformedInput("evidence", rec.ID, "duplicate id")
	}
	if rec.Supersedes != "" {
		if err := l.checkRef(rec, rec.Supersedes, "supersedes"); err != nil {
			return IngestResult{}, err
		}
	}
	if rec.Contradicts != "" {
		if err := l.checkRef(rec, rec.Contradicts, "contradicts"); err != nil {
			return IngestResult{}, err
		}
	}

	rec.SchemaVersion = model.SchemaVersion
	rec.Cycle = cycle
	if rec.IngestedAt.IsZero() {
		rec.IngestedAt = now
	}
	rec.ClusterID, rec.Compacted, rec.Summary, rec.Score = "", false, "", nil

	l.refresh(rec)

	switch {
	case rec.Contradicts != "":
		target := l.records[l.index[rec.Contradicts]]
		cid := target.ClusterID
		l.store(rec, cid)
		c := &l.clusters[l.clusterIdx[cid]]
		c.Contradicting = append(c.Contradicting, rec.ID)
		c.LastCycle = cycle
		l.observeMetrics(rec, cycle)
		return IngestResult{RecordID: rec.ID, ClusterID: cid, Contradicting: true}, nil

	case rec.Supersedes != "":
		target := l.records[l.index[rec.Supersedes]]
		l.supersededBy[rec.Supersedes] = rec.ID
		l.joinCluster(rec, target.ClusterID, cycle)
		l.observeMetrics(rec, cycle)
		return IngestResult{RecordID: rec.ID, ClusterID: target.ClusterID}, nil
	}

	if dup, ok := l.findDuplicate(rec); ok {
		cid := l.records[dup].ClusterID
		c := &l.clusters[l.clusterIdx[cid]]
		c.Reinforcements++
		c.LastCycle = cycle
		l.observations = append(l.observations, model.Observation{
			RecordID:   rec.ID,
			ClusterID:  cid,
			SourceName: rec.Provenance.SourceName,
			Cycle:      cycle,
			ObservedAt: rec.IngestedAt,
		})
		l.log.Debug("near-duplicate folded into cluster",
			zap.String("record_id", rec.ID),
			zap.String("duplicate_of", l.records[dup].ID),
			zap.String("cluster_id", cid),
		)
		return IngestResult{RecordID: rec.ID, ClusterID: cid, Reinforced: true}, nil
	}

	cid := l.matchCluster(rec)
	if cid == "" {
		cid = "cl-" + rec.ID
		l.clusterIdx[cid] = len(l.clusters)
		l.clusters = append(l.clusters, model.Cluster{ID: cid, HeadID: rec.ID})
		l.clusterToks[cid] = headlineTokens(rec.Payload.Headline)
	}
	l.joinCluster(rec, cid, cycle)
	l.observeMetrics(rec, cycle)
	return IngestResult{RecordID: rec.ID, ClusterID: cid}, nil
}

func (l *Ledger) checkRef(rec model.EvidenceRecord, ref, field string) error {
	if ref == rec.ID {
		return resilience.NewMalformedInput("evidence", rec.ID, field+" references itself")
	}
	if _, ok := l.index[ref]; !ok {
		return resilience.NewMalformedInput("evidence", rec.ID, field+" references unknown record "+ref)
	}
	return nil
}

func (l *Ledger) store(rec model.EvidenceRecord, clusterID string) {
	rec.ClusterID = clusterID
	l.index[rec.ID] = len(l.records)
	l.bySource[rec.Provenance.SourceName] = append(l.bySource[rec.Provenance.SourceName], len(l.records))
	l.records = append(l.records, rec)
}

func (l *Ledger) joinCluster(rec model.EvidenceRecord, clusterID string, cycle int) {
	l.store(rec, clusterID)
	c := &l.clusters[l.clusterIdx[clusterID]]
	c.RecordIDs = append(c.RecordIDs, rec.ID)
	c.Sources = appendUnique(c.Sources, rec.Provenance.SourceName)
	for _, d := range rec.Tags.Dimensions {
		c.Dimensions = appendUnique(c.Dimensions, d)
	}
	c.LastCycle = cycle
}

// findDuplicate looks for a same-source record inside the dedup window with
// a near-identical headline and at least one shared dimension.
func (l *Ledger) findDuplicate(rec model.EvidenceRecord) (int, bool) {
	toks := headlineTokens(rec.Payload.Headline)
	candidates := l.pruneCandidates(rec.Provenance.SourceName, rec.IngestedAt)
	for j := len(candidates) - 1; j >= 0; j-- {
		prev := l.records[candidates[j]]
		if prev.Contradicts != "" || prev.Compacted {
			continue
		}
		if !overlaps(prev.Tags.Dimensions, rec.Tags.Dimensions) {
			continue
		}
		if jaccard(toks, headlineTokens(prev.Payload.Headline)) >= l.opts.DuplicateSimilarity {
			return candidates[j], true
		}
	}
	return 0, false
}

// pruneCandidates drops the source's dedup candidates that fell out of the
// window ending at now and returns the rest, oldest first.
func (l *Ledger) pruneCandidates(source string, now time.Time) []int {
	candidates := l.bySource[source]
	cut := 0
	for cut < len(candidates) && now.Sub(l.records[candidates[cut]].IngestedAt) > l.opts.DedupWindow {
		cut++
	}
	if cut == 0 {
		return candidates
	}
	candidates = slices.Clone(candidates[cut:])
	if len(candidates) == 0 {
		delete(l.bySource, source)
		return nil
	}
	l.bySource[source] = candidates
	return candidates
}

// matchCluster returns the most similar existing cluster sharing a
// dimension, or "" when none clears the cluster threshold.
func (l *Ledger) matchCluster(rec model.EvidenceRecord) string {
	toks := headlineTokens(rec.Payload.Headline)
	best, bestSim := "", 0.0
	for _, c := range l.clusters {
		if !overlaps(c.Dimensions, rec.Tags.Dimensions) {
			continue
		}
		sim := jaccard(toks, l.clusterToks[c.ID])
		if sim >= l.opts.ClusterSimilarity && sim > bestSim {
			best, bestSim = c.ID, sim
		}
	}
	return best
}

func (l *Ledger) headTokens(headID string) map[string]bool {
	i, ok := l.index[headID]
	if !ok {
		return nil
	}
	r := l.records[i]
	if r.Compacted {
		return headlineTokens(r.Summary)
	}
	return headlineTokens(r.Payload.Headline)
}

func (l *Ledger) refresh(rec model.EvidenceRecord) {
	if l.staleness == nil {
		return
	}
	at := rec.Provenance.RetrievedAt
	l.staleness.Refresh(rec.Provenance.SourceName, model.TrackedSource, at)
	for _, d := range rec.Tags.Dimensions {
		l.staleness.Refresh(d, model.TrackedDimension, at)
	}
}

// observeMetrics forwards data points whose label names a tagged metric.
func (l *Ledger) observeMetrics(rec model.EvidenceRecord, cycle int) {
	if l.metrics == nil {
		return
	}
	for _, metricID := range rec.Tags.Metrics {
		for _, dp := range rec.Payload.DataPoints {
			if dp.Label != metricID {
				continue
			}
			l.metrics.Observe(model.MetricUpdate{
				MetricID:  metricID,
				Value:     dp.Value,
				Timestamp: rec.Provenance.RetrievedAt,
				Source:    rec.Provenance.SourceName,
			}, cycle)
		}
	}
}

func copyCluster(c model.Cluster) model.Cluster {
	c.RecordIDs = append([]string(nil), c.RecordIDs...)
	c.Sources = append([]string(nil), c.Sources...)
	c.Contradicting = append([]string(nil), c.Contradicting...)
	c.Dimensions = append([]string(nil), c.Dimensions...)
	return c
}
