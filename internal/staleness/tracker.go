// Package staleness classifies how recently each source and dimension was
// refreshed.
package staleness

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/sells-group/evidence-engine/internal/config"
	"github.com/sells-group/evidence-engine/internal/model"
)

// Classify derives a status from the entry's last refresh. The effective
// age includes the source's publication lag.
func Classify(e model.StalenessEntry, now time.Time) model.StalenessStatus {
	if e.LastRefresh == nil {
		return model.StatusNeverMeasured
	}
	ttl := e.TTL
	if ttl <= 0 {
		return model.StatusCritical
	}
	elapsed := now.Sub(*e.LastRefresh) + e.DataLag
	switch {
	case elapsed < ttl:
		return model.StatusFresh
	case elapsed < 2*ttl:
		return model.StatusAging
	case elapsed < 4*ttl:
		return model.StatusStale
	default:
		return model.StatusCritical
	}
}

// NeedsRefresh reports whether status demands a mandatory refresh.
func NeedsRefresh(s model.StalenessStatus) bool {
	return s == model.StatusStale || s == model.StatusCritical
}

// Window is the freshness configuration of one tracked id.
type Window struct {
	TTL          time.Duration
	DataLag      time.Duration
	BasePriority float64
}

// Options configures defaults and known ids.
type Options struct {
	DefaultTTL          time.Duration
	DefaultBasePriority float64
	Sources             map[string]Window
	Dimensions          map[string]Window
}

// FromConfig converts staleness settings.
func FromConfig(cfg config.StalenessConfig) Options {
	hours := func(h int) time.Duration { return time.Duration(h) * time.Hour }
	opts := Options{
		DefaultTTL:          hours(cfg.DefaultTTLHours),
		DefaultBasePriority: cfg.DefaultBasePriority,
		Sources:             make(map[string]Window, len(cfg.Sources)),
		Dimensions:          make(map[string]Window, len(cfg.Dimensions)),
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 168 * time.Hour
	}
	if opts.DefaultBasePriority <= 0 {
		opts.DefaultBasePriority = 1
	}
	for _, s := range cfg.Sources {
		opts.Sources[s.Name] = Window{TTL: hours(s.TTLHours), DataLag: hours(s.DataLagHours), BasePriority: s.BasePriority}
	}
	for _, d := range cfg.Dimensions {
		opts.Dimensions[d.Name] = Window{TTL: hours(d.TTLHours), DataLag: hours(d.DataLagHours)}
	}
	return opts
}

// Tracker holds the refresh state of sources and dimensions. Safe for
// concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	opts    Options
	entries map[string]*model.StalenessEntry
}

func key(kind model.TrackedKind, id string) string { return string(kind) + ":" + id }

// NewTracker restores persisted entries and registers every configured id
// that has none, so configured sources start as never measured.
func NewTracker(opts Options, entries []model.StalenessEntry) *Tracker {
	t := &Tracker{opts: opts, entries: make(map[string]*model.StalenessEntry, len(entries))}
	for _, e := range entries {
		if e.LastRefresh != nil {
			at := *e.LastRefresh
			e.LastRefresh = &at
		}
		t.entries[key(e.Kind, e.ID)] = &e
	}
	for id := range opts.Sources {
		t.register(id, model.TrackedSource)
	}
	for id := range opts.Dimensions {
		t.register(id, model.TrackedDimension)
	}
	return t
}

func (t *Tracker) window(id string, kind model.TrackedKind) Window {
	windows := t.opts.Sources
	if kind == model.TrackedDimension {
		windows = t.opts.Dimensions
	}
	s, ok := windows[id]
	if !ok || s.TTL <= 0 {
		s.TTL = t.opts.DefaultTTL
	}
	if s.BasePriority <= 0 {
		s.BasePriority = t.opts.DefaultBasePriority
	}
	return s
}

// register creates or reconfigures an entry. Callers hold mu or are in the
// constructor.
func (t *Tracker) register(id string, kind model.TrackedKind) *model.StalenessEntry {
	s := t.window(id, kind)
	e, ok := t.entries[key(kind, id)]
	if !ok {
		e = &model.StalenessEntry{SchemaVersion: model.SchemaVersion, ID: id, Kind: kind}
		t.entries[key(kind, id)] = e
	}
	e.TTL = s.TTL
	e.DataLag = s.DataLag
	return e
}

// Refresh records that id was refreshed at the given time. Older refreshes
// never move the clock backwards.
func (t *Tracker) Refresh(id string, kind model.TrackedKind, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.register(id, kind)
	if e.LastRefresh == nil || at.After(*e.LastRefresh) {
		at := at
		e.LastRefresh = &at
	}
}

// Status classifies one id. Unknown ids are never measured.
func (t *Tracker) Status(id string, kind model.TrackedKind, now time.Time) model.StalenessStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key(kind, id)]
	if !ok {
		return model.StatusNeverMeasured
	}
	return Classify(*e, now)
}

// BasePriority returns the configured scan priority of a source.
func (t *Tracker) BasePriority(source string) float64 {
	return t.window(source, model.TrackedSource).BasePriority
}

// Snapshot returns every entry with Status filled in for now, sorted by
// kind then id.
func (t *Tracker) Snapshot(now time.Time) []model.StalenessEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.StalenessEntry, 0, len(t.entries))
	for _, e := range t.entries {
		c := *e
		if c.LastRefresh != nil {
			at := *c.LastRefresh
			c.LastRefresh = &at
		}
		c.Status = Classify(c, now)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// IDs returns the tracked ids of a kind, sorted.
func (t *Tracker) IDs(kind model.TrackedKind) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for _, e := range t.entries {
		if e.Kind == kind {
			out = append(out, e.ID)
		}
	}
	slices.Sort(out)
	return out
}
