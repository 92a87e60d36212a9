package model

// PatternStatus is a lifecycle state of a pattern.
type PatternStatus string

const (
	PatternDetected     PatternStatus = "detected"
	PatternEmerging     PatternStatus = "emerging"
	PatternStrong       PatternStatus = "strong"
	PatternConfirmed    PatternStatus = "confirmed"
	PatternVeryStrong   PatternStatus = "very_strong"
	PatternWeakening    PatternStatus = "weakening"
	PatternContradicted PatternStatus = "contradicted"
	PatternArchived     PatternStatus = "archived"
)

// ValidPatternStatus reports whether s is a known lifecycle state.
func ValidPatternStatus(s PatternStatus) bool {
	switch s {
	case PatternDetected, PatternEmerging, PatternStrong, PatternConfirmed,
		PatternVeryStrong, PatternWeakening, PatternContradicted, PatternArchived:
		return true
	}
	return false
}

// PatternPoint is one cycle of a pattern's history.
type PatternPoint struct {
	Cycle    int           `json:"cycle"`
	Strength float64       `json:"strength"`
	Status   PatternStatus `json:"status"`
}

// Pattern is a recurring multi-source evidence cluster.
type Pattern struct {
	SchemaVersion            string         `json:"schema_version"`
	ID                       string         `json:"id"`
	ClusterID                string         `json:"cluster_id"`
	Dimensions               []string       `json:"dimensions"`
	SupportingIDs            []string       `json:"supporting_evidence_ids"`
	ContradictingIDs         []string       `json:"contradicting_evidence_ids"`
	IndependentSources       int            `json:"independent_source_count"`
	CyclesWithoutNewEvidence int            `json:"cycles_without_new_evidence"`
	UnresolvedContradictions int            `json:"unresolved_contradictions"`
	Reinforcements           int            `json:"reinforcements"`
	ContradictedStreak       int            `json:"contradicted_streak"`
	DetectedCycle            int            `json:"detected_cycle"`
	LastEvaluatedCycle       int            `json:"last_evaluated_cycle"`
	Status                   PatternStatus  `json:"status"`
	Pinned                   bool           `json:"pinned,omitempty"`
	PinnedCycle              int            `json:"pinned_cycle,omitempty"`
	Strength                 float64        `json:"strength_score"`
	PreviousStrength         float64        `json:"previous_strength"`
	History                  []PatternPoint `json:"history,omitempty"`
}
