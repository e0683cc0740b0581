package vision

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OmniRover/internal/parser"
)

func fiducial(tx, ta float64, bl, br parser.Point) *parser.Detection {
	return &parser.Detection{
		PipelineID: 6, HasPipelineID: true,
		Valid: 1, HasValid: true,
		Fiducial: &parser.Target{
			TX: tx, TA: ta, ID: 3, Family: "36H11",
			Corners: [4]parser.Point{bl, br, {X: br.X, Y: br.Y - 50}, {X: bl.X, Y: bl.Y - 50}},
			Present: parser.FieldTX | parser.FieldTA | parser.FieldID | parser.FieldFamily | parser.FieldCorners,
		},
	}
}

func TestEmptyStoreDefaults(t *testing.T) {
	s := NewStore(nil)
	snap := s.Snapshot()
	assert.Nil(t, snap)
	assert.Equal(t, -1, snap.PipelineID())
	assert.False(t, snap.Valid())
	assert.Equal(t, 0.0, snap.TX(KindFiducial))
	assert.Equal(t, "", s.Text())
}

func TestMissingFiducialDefaults(t *testing.T) {
	s := NewStore(nil)
	d, err := parser.DecodeDetection([]byte(`{"pID": 2, "pTYPE": "pipe_color", "v": 1, "Retro": [{"tx": 4.5, "ta": 0.3}]}`))
	require.NoError(t, err)
	snap := s.Publish(d)

	assert.Nil(t, snap.Target(KindFiducial))
	for _, f := range smoothedFields {
		assert.Equal(t, 0.0, snap.Value(KindFiducial, f))
	}
	for i := 0; i < 4; i++ {
		assert.Equal(t, parser.Point{}, snap.Corner(KindFiducial, i))
	}
	assert.Equal(t, 0, snap.FiducialID())
	assert.Equal(t, "", snap.Family())

	assert.Equal(t, 4.5, snap.TX(KindRetro))
	assert.Equal(t, 0.0, snap.TY(KindRetro))
	assert.Equal(t, 2, snap.PipelineID())
	assert.Equal(t, "pipe_color", snap.PipelineType())
	assert.True(t, snap.Valid())
}

func TestStoreReplacesWholeSnapshot(t *testing.T) {
	s := NewStore(nil)
	first := s.Publish(fiducial(1, 0.1, parser.Point{X: 0, Y: 10}, parser.Point{X: 10, Y: 12}))
	second := s.Publish(fiducial(2, 0.2, parser.Point{X: 0, Y: 10}, parser.Point{X: 10, Y: 8}))

	assert.Equal(t, uint64(2), s.Seq())
	assert.Same(t, second, s.Snapshot())
	assert.Equal(t, 1.0, first.TX(KindFiducial))
	assert.Equal(t, 2.0, s.Snapshot().TX(KindFiducial))

	s.SetText("communication established")
	assert.Equal(t, "communication established", s.Text())
	assert.Equal(t, uint64(1), s.TextSeq())
}

func TestStoreConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	s := NewStore(nil)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 500; i++ {
			v := float64(i)
			s.Publish(fiducial(v, v/1000, parser.Point{Y: v}, parser.Point{Y: v}))
		}
	}()
	for i := 0; i < 500; i++ {
		snap := s.Snapshot()
		if snap == nil {
			continue
		}
		tx := snap.TX(KindFiducial)
		assert.Equal(t, tx/1000, snap.TA(KindFiducial))
		assert.Equal(t, tx, snap.Corner(KindFiducial, BottomLeft).Y)
	}
	wg.Wait()
}

func TestFilterFirstUpdateIsRaw(t *testing.T) {
	for _, alpha := range []float64{0.01, 0.2, 0.5, 1} {
		s := NewStore(nil)
		f := NewFilter("april_tag", KindFiducial, alpha)
		assert.False(t, f.Initialized())
		assert.Equal(t, 0.0, f.TX())

		s.Publish(fiducial(-7.25, 0.33, parser.Point{X: 1, Y: 2}, parser.Point{X: 3, Y: 4}))
		f.Update(s.Snapshot())

		assert.True(t, f.Initialized())
		assert.Equal(t, -7.25, f.TX())
		assert.Equal(t, 0.33, f.TA())
		assert.Equal(t, parser.Point{X: 3, Y: 4}, f.Corner(BottomRight))
	}
}

func TestFilterConstantStreamIsFixedPoint(t *testing.T) {
	s := NewStore(nil)
	f := NewFilter("april_tag", KindFiducial, 0.2)
	s.Publish(fiducial(5, 0.5, parser.Point{X: 1, Y: 2}, parser.Point{X: 3, Y: 4}))
	for i := 0; i < 20; i++ {
		f.Update(s.Snapshot())
		assert.Equal(t, 5.0, f.TX())
		assert.InDelta(t, 0.5, f.TA(), 1e-12)
		assert.InDelta(t, 2.0, f.Corner(BottomLeft).Y, 1e-12)
	}
}

func TestFilterBlendsAndResets(t *testing.T) {
	s := NewStore(nil)
	f := NewFilter("april_tag", KindFiducial, 0.2)

	s.Publish(fiducial(10, 0, parser.Point{}, parser.Point{}))
	f.Update(s.Snapshot())
	s.Publish(fiducial(0, 0, parser.Point{}, parser.Point{}))
	f.Update(s.Snapshot())
	assert.InDelta(t, 8.0, f.TX(), 1e-12)

	f.Reset()
	assert.False(t, f.Initialized())
	assert.Equal(t, 0.0, f.TX())

	s.Publish(fiducial(3, 0, parser.Point{}, parser.Point{}))
	f.Update(s.Snapshot())
	assert.Equal(t, 3.0, f.TX())
}

func TestBank(t *testing.T) {
	b, err := NewBank(0.2, map[string]string{"april_tag": "fiducial", "line": "retro"}, map[int]string{6: "april_tag", 2: "line"})
	require.NoError(t, err)
	assert.Equal(t, []string{"april_tag", "line"}, b.Names())
	assert.Equal(t, KindRetro, b.Get("line").Kind())
	assert.Nil(t, b.Get("missing"))

	_, err = NewBank(0.2, map[string]string{"x": "lidar"}, map[int]string{1: "x"})
	assert.Error(t, err)
	_, err = NewBank(0.2, map[string]string{"april_tag": "fiducial"}, map[int]string{6: "tag"})
	assert.Error(t, err)
	_, err = NewBank(0.2, map[string]string{"april_tag": "fiducial", "line": "retro"}, map[int]string{6: "april_tag"})
	assert.ErrorContains(t, err, "line")
}

func TestBankFeedsPipelineFilter(t *testing.T) {
	b, err := NewBank(0.5, map[string]string{"april_tag": "fiducial", "purple_object": "retro"}, map[int]string{6: "april_tag", 1: "purple_object"})
	require.NoError(t, err)
	s := NewStore(nil)

	assert.Same(t, b.Get("april_tag"), b.Feed(s.Publish(fiducial(4, 0.2, parser.Point{}, parser.Point{}))))
	assert.True(t, b.Get("april_tag").Initialized())
	assert.False(t, b.Get("purple_object").Initialized())

	b.Feed(s.Publish(fiducial(8, 0.2, parser.Point{}, parser.Point{})))
	assert.InDelta(t, 6.0, b.Get("april_tag").TX(), 1e-12)

	// invalid frames and unmapped pipelines leave the filters alone
	det := fiducial(100, 0.2, parser.Point{}, parser.Point{})
	det.Valid = 0
	assert.Nil(t, b.Feed(s.Publish(det)))
	det = fiducial(100, 0.2, parser.Point{}, parser.Point{})
	det.PipelineID = 9
	assert.Nil(t, b.Feed(s.Publish(det)))
	assert.InDelta(t, 6.0, b.Get("april_tag").TX(), 1e-12)

	b.ResetAll()
	assert.False(t, b.Get("april_tag").Initialized())
}
