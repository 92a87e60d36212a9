package model

import "time"

// ResearchTarget is a poorly supported dimension worth new evidence.
type ResearchTarget struct {
	Dimension    string         `json:"dimension"`
	Confidence   float64        `json:"confidence"`
	Tier         ConfidenceTier `json:"tier"`
	SourceFactor float64        `json:"source_factor"`
}

// RefreshItem is a source or dimension that must be refreshed.
type RefreshItem struct {
	ID     string          `json:"id"`
	Kind   TrackedKind     `json:"kind"`
	Status StalenessStatus `json:"status"`
}

// PatternReview names a pattern that needs analyst attention.
type PatternReview struct {
	PatternID string        `json:"pattern_id"`
	Status    PatternStatus `json:"status"`
	Reason    string        `json:"reason"`
}

// SourcePriority is the scan priority for a source next cycle.
type SourcePriority struct {
	Source              string          `json:"source"`
	Priority            float64         `json:"priority"`
	BasePriority        float64         `json:"base_priority"`
	Status              StalenessStatus `json:"status"`
	StalenessMultiplier float64         `json:"staleness_multiplier"`
	RecentYield         int             `json:"recent_yield"`
}

// AlertKind names a directive alert.
type AlertKind string

const (
	AlertConfidenceCollapse   AlertKind = "stale_confidence_collapse"
	AlertConfidenceRegression AlertKind = "confidence_regression"
)

// AlertSeverity ranks alerts.
type AlertSeverity string

const (
	SeverityHigh   AlertSeverity = "high"
	SeverityMedium AlertSeverity = "medium"
)

// Alert is a high-visibility item surfaced in the directive.
type Alert struct {
	Kind      AlertKind     `json:"kind"`
	Severity  AlertSeverity `json:"severity"`
	Dimension string        `json:"dimension"`
	Previous  float64       `json:"previous"`
	Current   float64       `json:"current"`
	Subjects  int           `json:"subjects,omitempty"`
	Message   string        `json:"message"`
}

// Directive is the engine's plan for the next cycle.
type Directive struct {
	SchemaVersion          string             `json:"schema_version"`
	Cycle                  int                `json:"cycle"`
	GeneratedAt            time.Time          `json:"generated_at"`
	PrimaryResearchTargets []ResearchTarget   `json:"primary_research_targets"`
	MandatoryRefresh       []RefreshItem      `json:"mandatory_refresh"`
	PatternReviews         []PatternReview    `json:"pattern_reviews_needed"`
	ScanPriorities         []SourcePriority   `json:"scan_priorities"`
	WeightOverrides        map[string]float64 `json:"weight_overrides"`
	PriorityTopics         []string           `json:"priority_topics"`
	SubjectsUnderReview    []string           `json:"subjects_under_review,omitempty"`
	Alerts                 []Alert            `json:"alerts,omitempty"`
}

// SourcePriorityOf returns the scan priority for source, or zero when the
// directive does not rank it.
func (d *Directive) SourcePriorityOf(source string) float64 {
	if d == nil {
		return 0
	}
	for _, p := range d.ScanPriorities {
		if p.Source == source {
			return p.Priority
		}
	}
	return 0
}
