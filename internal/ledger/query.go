package ledger

import (
	"github.com/sells-group/evidence-engine/internal/model"
)

// Filter selects records. Zero-valued fields match everything.
type Filter struct {
	IDs               []string
	FromCycle         int
	ToCycle           int
	Dimension         string
	Sector            string
	Geography         string
	Source            string
	Metric            string
	Decision          model.Decision
	IncludeSuperseded bool
	IncludeCompacted  bool
}

// Query returns copies of the matching records in ingestion order.
func (l *Ledger) Query(f Filter) []model.EvidenceRecord {
	var ids map[string]bool
	if len(f.IDs) > 0 {
		ids = make(map[string]bool, len(f.IDs))
		for _, id := range f.IDs {
			ids[id] = true
		}
	}

	var out []model.EvidenceRecord
	for _, r := range l.records {
		if ids != nil && !ids[r.ID] {
			continue
		}
		if f.FromCycle > 0 && r.Cycle < f.FromCycle {
			continue
		}
		if f.ToCycle > 0 && r.Cycle > f.ToCycle {
			continue
		}
		if f.Dimension != "" && !contains(r.Tags.Dimensions, f.Dimension) {
			continue
		}
		if f.Sector != "" && !contains(r.Tags.Sectors, f.Sector) {
			continue
		}
		if f.Geography != "" && !contains(r.Tags.Geographies, f.Geography) {
			continue
		}
		if f.Metric != "" && !contains(r.Tags.Metrics, f.Metric) {
			continue
		}
		if f.Source != "" && r.Provenance.SourceName != f.Source {
			continue
		}
		if !f.IncludeSuperseded && l.IsSuperseded(r.ID) {
			continue
		}
		if !f.IncludeCompacted && r.Compacted {
			continue
		}
		if f.Decision != "" {
			d, ok := l.LatestDecision(r.ID)
			if !ok || d.Decision != f.Decision {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// Get returns the record with id.
func (l *Ledger) Get(id string) (model.EvidenceRecord, bool) {
	i, ok := l.index[id]
	if !ok {
		return model.EvidenceRecord{}, false
	}
	return l.records[i], true
}

// Len returns the number of stored records.
func (l *Ledger) Len() int { return len(l.records) }

// IsSuperseded reports whether a later record supersedes id.
func (l *Ledger) IsSuperseded(id string) bool {
	_, ok := l.supersededBy[id]
	return ok
}

// Clusters returns copies of every cluster in creation order.
func (l *Ledger) Clusters() []model.Cluster {
	out := make([]model.Cluster, len(l.clusters))
	for i, c := range l.clusters {
		out[i] = copyCluster(c)
	}
	return out
}

// Cluster returns the cluster with id.
func (l *Ledger) Cluster(id string) (model.Cluster, bool) {
	i, ok := l.clusterIdx[id]
	if !ok {
		return model.Cluster{}, false
	}
	return copyCluster(l.clusters[i]), true
}

// LinkPattern records that a pattern now tracks the cluster.
func (l *Ledger) LinkPattern(clusterID, patternID string) {
	if i, ok := l.clusterIdx[clusterID]; ok {
		l.clusters[i].PatternID = patternID
	}
}

// Corroboration returns the number of distinct sources in the record's
// cluster beyond its own.
func (l *Ledger) Corroboration(id string) int {
	r, ok := l.Get(id)
	if !ok || r.Contradicts != "" {
		return 0
	}
	i, ok := l.clusterIdx[r.ClusterID]
	if !ok {
		return 0
	}
	n := len(l.clusters[i].Sources) - 1
	if n < 0 {
		return 0
	}
	return n
}

// UnresolvedContradictions counts contradicting records in the cluster
// where neither side has been superseded.
func (l *Ledger) UnresolvedContradictions(clusterID string) int {
	i, ok := l.clusterIdx[clusterID]
	if !ok {
		return 0
	}
	n := 0
	for _, id := range l.clusters[i].Contradicting {
		if l.contradictionOpen(id) {
			n++
		}
	}
	return n
}

func (l *Ledger) contradictionOpen(id string) bool {
	if l.IsSuperseded(id) {
		return false
	}
	r, ok := l.Get(id)
	if !ok {
		return false
	}
	return !l.IsSuperseded(r.Contradicts)
}

// DimensionActivity summarises one cycle's evidence for a dimension.
type DimensionActivity struct {
	Dimension         string
	ConfirmingSources []string
	Contradictions    int
	FirstLabel        model.ConfidenceLabel
}

// Activity groups the records ingested in cycle by dimension. Contradictions
// count only those still unresolved.
func (l *Ledger) Activity(cycle int) map[string]*DimensionActivity {
	out := make(map[string]*DimensionActivity)
	for _, r := range l.records {
		if r.Cycle != cycle {
			continue
		}
		for _, d := range r.Tags.Dimensions {
			a, ok := out[d]
			if !ok {
				a = &DimensionActivity{Dimension: d, FirstLabel: r.Confidence}
				out[d] = a
			}
			if r.Contradicts != "" {
				if l.contradictionOpen(r.ID) {
					a.Contradictions++
				}
				continue
			}
			a.ConfirmingSources = appendUnique(a.ConfirmingSources, r.Provenance.SourceName)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
