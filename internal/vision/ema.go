package vision

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"OmniRover/internal/parser"
	"OmniRover/internal/util"
)

var smoothedFields = []parser.Field{
	parser.FieldTA, parser.FieldTX, parser.FieldTY,
	parser.FieldTXNoCross, parser.FieldTYNoCross,
	parser.FieldTXP, parser.FieldTYP,
}

// Filter is an exponential moving average over every numeric field and
// corner of one pipeline's detections. The link goroutine updates it and the
// control loop reads it.
type Filter struct {
	name  string
	kind  Kind
	alpha float64
	log   zerolog.Logger

	mu          sync.Mutex
	initialized bool
	values      map[parser.Field]float64
	corners     [4]parser.Point
}

// NewFilter returns a filter for detections of kind.
func NewFilter(name string, kind Kind, alpha float64) *Filter {
	return &Filter{
		name:   name,
		kind:   kind,
		alpha:  alpha,
		log:    util.Component("ema"),
		values: make(map[parser.Field]float64, len(smoothedFields)),
	}
}

// Name returns the pipeline name.
func (f *Filter) Name() string { return f.name }

// Kind returns the detection kind the filter reads.
func (f *Filter) Kind() Kind { return f.kind }

// Initialized reports whether at least one update happened since the last Reset.
func (f *Filter) Initialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

// Update folds the snapshot's current fields into the average. The first
// update after creation or Reset copies them verbatim. Missing fields read
// as their defaults, as the accessors return them.
func (f *Filter) Update(s *Snapshot) {
	var raw [4]parser.Point
	for i := range raw {
		raw[i] = s.Corner(f.kind, i)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.initialized {
		for _, fl := range smoothedFields {
			f.values[fl] = s.Value(f.kind, fl)
		}
		f.corners = raw
		f.initialized = true
		return
	}
	a := f.alpha
	for _, fl := range smoothedFields {
		f.values[fl] = a*s.Value(f.kind, fl) + (1-a)*f.values[fl]
	}
	for i := range f.corners {
		f.corners[i].X = a*raw[i].X + (1-a)*f.corners[i].X
		f.corners[i].Y = a*raw[i].Y + (1-a)*f.corners[i].Y
	}
}

// Reset forces the next Update to snapshot. Smoothed values are kept.
func (f *Filter) Reset() {
	f.mu.Lock()
	f.initialized = false
	f.mu.Unlock()
}

// notReady must be called with f.mu held.
func (f *Filter) notReady(field string) bool {
	if f.initialized {
		return false
	}
	f.log.Warn().Str("pipeline", f.name).Str("field", field).Msg("filter not initialized")
	return true
}

// Value returns the smoothed field, or 0 before the first update.
func (f *Filter) Value(fl parser.Field) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notReady(fieldNames[fl]) {
		return 0
	}
	return f.values[fl]
}

// TX returns the smoothed horizontal offset.
func (f *Filter) TX() float64 { return f.Value(parser.FieldTX) }

// TY returns the smoothed vertical offset.
func (f *Filter) TY() float64 { return f.Value(parser.FieldTY) }

// TA returns the smoothed target area.
func (f *Filter) TA() float64 { return f.Value(parser.FieldTA) }

// Corner returns smoothed corner i, or the origin.
func (f *Filter) Corner(i int) parser.Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notReady("pts") || i < 0 || i > 3 {
		return parser.Point{}
	}
	return f.corners[i]
}

// Bank holds one filter per configured pipeline and routes each valid
// detection to the filter of the pipeline that produced it.
type Bank struct {
	filters    map[string]*Filter
	byPipeline map[int]*Filter
}

// NewBank builds filters from a name to kind map. ids maps co-processor
// pipeline numbers to filter names; every filter must be fed by one.
func NewBank(alpha float64, pipelines map[string]string, ids map[int]string) (*Bank, error) {
	b := &Bank{
		filters:    make(map[string]*Filter, len(pipelines)),
		byPipeline: make(map[int]*Filter, len(ids)),
	}
	for name, k := range pipelines {
		kind, ok := ParseKind(k)
		if !ok {
			return nil, fmt.Errorf("pipeline %s: unknown kind %q", name, k)
		}
		b.filters[name] = NewFilter(name, kind, alpha)
	}
	fed := make(map[string]bool, len(ids))
	for id, name := range ids {
		f, ok := b.filters[name]
		if !ok {
			return nil, fmt.Errorf("pipeline id %d: no filter named %q", id, name)
		}
		b.byPipeline[id] = f
		fed[name] = true
	}
	for name := range b.filters {
		if !fed[name] {
			return nil, fmt.Errorf("pipeline %s: no pipeline id feeds it", name)
		}
	}
	return b, nil
}

// Get returns the named filter, or nil.
func (b *Bank) Get(name string) *Filter { return b.filters[name] }

// Names lists the pipelines in sorted order.
func (b *Bank) Names() []string {
	names := make([]string, 0, len(b.filters))
	for n := range b.filters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Feed updates the filter of the snapshot's pipeline when the detection is
// valid and returns it, or nil when nothing was updated.
func (b *Bank) Feed(s *Snapshot) *Filter {
	if !s.Valid() {
		return nil
	}
	f := b.byPipeline[s.PipelineID()]
	if f == nil {
		return nil
	}
	f.Update(s)
	return f
}

// ResetAll resets every filter.
func (b *Bank) ResetAll() {
	for _, f := range b.filters {
		f.Reset()
	}
}
