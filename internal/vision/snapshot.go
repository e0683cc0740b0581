// Package vision holds the latest detection from the co-processor and the
// smoothing filters built on it.
package vision

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"OmniRover/internal/parser"
	"OmniRover/internal/util"
)

// Kind tags which detector produced a Detection.
type Kind int

const (
	KindFiducial Kind = iota
	KindRetro
)

func (k Kind) String() string {
	if k == KindRetro {
		return "retro"
	}
	return "fiducial"
}

// ParseKind maps a config name to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "fiducial":
		return KindFiducial, true
	case "retro":
		return KindRetro, true
	}
	return 0, false
}

// Corner indices into Detection corners.
const (
	BottomLeft = iota
	BottomRight
	TopRight
	TopLeft
)

// Detection is one target of either kind. Retro targets carry no id and
// usually no corners.
type Detection struct {
	Kind Kind
	parser.Target
}

// Snapshot is an immutable view of one decoded 'J' payload. All methods are
// total: a missing or mistyped field yields its default and a warning.
// A nil *Snapshot behaves like an empty payload.
type Snapshot struct {
	Seq      uint64
	Received time.Time

	raw *parser.Detection
}

var emptyDetection = &parser.Detection{PipelineID: -1}

func newSnapshot(seq uint64, at time.Time, d *parser.Detection) *Snapshot {
	return &Snapshot{Seq: seq, Received: at, raw: d}
}

func (s *Snapshot) payload() *parser.Detection {
	if s == nil || s.raw == nil {
		return emptyDetection
	}
	return s.raw
}

var snapshotLog = sync.OnceValue(func() zerolog.Logger { return util.Component("vision") })

func (s *Snapshot) warn(kind Kind, field string) {
	var seq uint64
	if s != nil {
		seq = s.Seq
	}
	l := snapshotLog()
	l.Warn().Stringer("kind", kind).Str("field", field).Uint64("seq", seq).Msg("detection field missing, using default")
}

// Target returns the detection of the given kind, or nil.
func (s *Snapshot) Target(kind Kind) *Detection {
	p := s.payload()
	t := p.Fiducial
	if kind == KindRetro {
		t = p.Retro
	}
	if t == nil {
		return nil
	}
	return &Detection{Kind: kind, Target: *t}
}

var fieldNames = map[parser.Field]string{
	parser.FieldTA:        "ta",
	parser.FieldTX:        "tx",
	parser.FieldTY:        "ty",
	parser.FieldTXNoCross: "tx_nocross",
	parser.FieldTYNoCross: "ty_nocross",
	parser.FieldTXP:       "txp",
	parser.FieldTYP:       "typ",
}

// Value returns one numeric field of the given kind, or 0.
func (s *Snapshot) Value(kind Kind, f parser.Field) float64 {
	d := s.Target(kind)
	if d == nil || !d.Has(f) {
		s.warn(kind, fieldNames[f])
		return 0
	}
	switch f {
	case parser.FieldTA:
		return d.TA
	case parser.FieldTX:
		return d.TX
	case parser.FieldTY:
		return d.TY
	case parser.FieldTXNoCross:
		return d.TXNoCross
	case parser.FieldTYNoCross:
		return d.TYNoCross
	case parser.FieldTXP:
		return d.TXP
	case parser.FieldTYP:
		return d.TYP
	}
	return 0
}

// TX is Value(kind, FieldTX).
func (s *Snapshot) TX(kind Kind) float64 { return s.Value(kind, parser.FieldTX) }

// TY is Value(kind, FieldTY).
func (s *Snapshot) TY(kind Kind) float64 { return s.Value(kind, parser.FieldTY) }

// TA is Value(kind, FieldTA).
func (s *Snapshot) TA(kind Kind) float64 { return s.Value(kind, parser.FieldTA) }

// Corner returns corner i (BottomLeft..TopLeft) or the origin.
func (s *Snapshot) Corner(kind Kind, i int) parser.Point {
	d := s.Target(kind)
	if d == nil || !d.Has(parser.FieldCorners) || i < 0 || i > 3 {
		s.warn(kind, "pts")
		return parser.Point{}
	}
	return d.Corners[i]
}

// FiducialID returns the fiducial id, or 0.
func (s *Snapshot) FiducialID() int {
	d := s.Target(KindFiducial)
	if d == nil || !d.Has(parser.FieldID) {
		s.warn(KindFiducial, "fID")
		return 0
	}
	return d.ID
}

// Family returns the fiducial family, or "".
func (s *Snapshot) Family() string {
	d := s.Target(KindFiducial)
	if d == nil || !d.Has(parser.FieldFamily) {
		s.warn(KindFiducial, "fam")
		return ""
	}
	return d.Family
}

// PipelineID returns pID, or -1.
func (s *Snapshot) PipelineID() int {
	return s.payload().PipelineID
}

// PipelineType returns pTYPE, or "".
func (s *Snapshot) PipelineType() string {
	return s.payload().PipelineType
}

// Valid reports the v flag; absent counts as not valid.
func (s *Snapshot) Valid() bool {
	return s.payload().Valid != 0
}
