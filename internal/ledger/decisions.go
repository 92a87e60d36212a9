package ledger

import (
	"github.com/sells-group/evidence-engine/internal/model"
)

// Decide appends entries to the decision log and stamps the graded score on
// each record. Earlier entries are never rewritten.
func (l *Ledger) Decide(entries ...model.DecisionEntry) {
	for _, e := range entries {
		if _, ok := l.index[e.EvidenceID]; !ok {
			l.log.Warn("decision for unknown record dropped")
			continue
		}
		e.SchemaVersion = model.SchemaVersion
		l.appendDecision(e)
		score := e.Score
		l.records[l.index[e.EvidenceID]].Score = &score
	}
}

func (l *Ledger) appendDecision(e model.DecisionEntry) {
	l.latest[e.EvidenceID] = len(l.decisions)
	l.decisions = append(l.decisions, e)
}

// LatestDecision returns the most recent decision for a record.
func (l *Ledger) LatestDecision(id string) (model.DecisionEntry, bool) {
	i, ok := l.latest[id]
	if !ok {
		return model.DecisionEntry{}, false
	}
	return l.decisions[i], true
}

// Decisions returns the decision log entries appended during cycle.
func (l *Ledger) Decisions(cycle int) []model.DecisionEntry {
	var out []model.DecisionEntry
	for _, d := range l.decisions {
		if d.Cycle == cycle {
			out = append(out, d)
		}
	}
	return out
}

// Undecided returns the stored records that have never been graded.
func (l *Ledger) Undecided() []model.EvidenceRecord {
	var out []model.EvidenceRecord
	for _, r := range l.records {
		if _, ok := l.latest[r.ID]; !ok {
			out = append(out, r)
		}
	}
	return out
}

// Parked returns uncompacted records whose latest decision is park.
func (l *Ledger) Parked() []model.EvidenceRecord {
	var out []model.EvidenceRecord
	for _, r := range l.records {
		if r.Compacted {
			continue
		}
		if d, ok := l.LatestDecision(r.ID); ok && d.Decision == model.DecisionPark {
			out = append(out, r)
		}
	}
	return out
}

// ForwardedScore returns the graded score of a record whose latest decision
// forwarded it.
func (l *Ledger) ForwardedScore(id string) (float64, bool) {
	d, ok := l.LatestDecision(id)
	if !ok || d.Decision != model.DecisionForward {
		return 0, false
	}
	return d.Score, true
}

// SourceYield counts records from source forwarded in cycles >= fromCycle.
func (l *Ledger) SourceYield(source string, fromCycle int) int {
	n := 0
	for _, d := range l.decisions {
		if d.Cycle < fromCycle || d.Decision != model.DecisionForward {
			continue
		}
		if r, ok := l.Get(d.EvidenceID); ok && r.Provenance.SourceName == source {
			n++
		}
	}
	return n
}

// Compact drops the payload of records whose latest decision is compact,
// and of parked records ingested at least olderThan cycles before
// currentCycle. Id, tags, score and a summary are retained. Returns the ids
// compacted by this call.
func (l *Ledger) Compact(currentCycle, olderThan int) []string {
	var out []string
	for i := range l.records {
		r := &l.records[i]
		if r.Compacted {
			continue
		}
		d, ok := l.LatestDecision(r.ID)
		if !ok {
			continue
		}
		switch {
		case d.Decision == model.DecisionCompact:
		case d.Decision == model.DecisionPark && currentCycle-r.Cycle >= olderThan:
		default:
			continue
		}
		r.Summary = summarize(r.Payload.Headline, l.opts.SummaryMaxChars)
		r.Payload = model.Payload{}
		r.Compacted = true
		out = append(out, r.ID)
	}
	return out
}
