package vision

import (
	"sync/atomic"
	"time"

	"OmniRover/internal/parser"
)

// Store is the single-slot latest-detection store shared between the link
// and the controllers. Each Publish swaps in a fresh immutable Snapshot, so
// readers never see a partial payload and never block the writer. A slow
// reader simply skips generations.
type Store struct {
	snap    atomic.Pointer[Snapshot]
	text    atomic.Pointer[string]
	seq     atomic.Uint64
	textSeq atomic.Uint64
	now     func() time.Time
}

// NewStore returns an empty store. now stamps snapshots; nil means time.Now.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{now: now}
}

// Publish replaces the stored payload.
func (s *Store) Publish(d *parser.Detection) *Snapshot {
	snap := newSnapshot(s.seq.Add(1), s.now(), d)
	s.snap.Store(snap)
	return snap
}

// Snapshot returns the latest payload. Before the first Publish it returns
// nil, which every accessor treats as an empty payload.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Seq is the generation of the latest payload, 0 before the first.
func (s *Store) Seq() uint64 { return s.seq.Load() }

// SetText replaces the latest plain-text message.
func (s *Store) SetText(text string) {
	s.text.Store(&text)
	s.textSeq.Add(1)
}

// Text returns the latest plain-text message, or "".
func (s *Store) Text() string {
	if p := s.text.Load(); p != nil {
		return *p
	}
	return ""
}

// TextSeq counts SetText calls.
func (s *Store) TextSeq() uint64 { return s.textSeq.Load() }
