package pipeline

import (
	"errors"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platewatch-data/platewatch/internal/anpr"
)

// fakeFrame is a geometry-only frame; region views are re-based to origin the
// way mat views are.
type fakeFrame struct {
	bounds image.Rectangle
}

func newFakeFrame(w, h int) *fakeFrame {
	return &fakeFrame{bounds: image.Rect(0, 0, w, h)}
}

func (f *fakeFrame) Bounds() image.Rectangle { return f.bounds }

func (f *fakeFrame) Region(r image.Rectangle) (anpr.Frame, error) {
	r = r.Intersect(f.bounds)
	if r.Empty() {
		return nil, errors.New("empty region")
	}
	return &fakeFrame{bounds: image.Rect(0, 0, r.Dx(), r.Dy())}, nil
}

func (f *fakeFrame) Close() error { return nil }

// stubDetector returns the same detections on every call.
type stubDetector struct {
	out   []anpr.Detection
	err   error
	calls int
}

func (d *stubDetector) Detect(anpr.Frame) ([]anpr.Detection, error) {
	d.calls++
	return d.out, d.err
}

// scriptTracker plays back one scripted track set per call, repeating the
// last entry when the script runs out.
type scriptTracker struct {
	script [][]anpr.TrackedBox
	calls  int
}

func (tr *scriptTracker) Update([]anpr.Detection) ([]anpr.TrackedBox, error) {
	i := tr.calls
	tr.calls++
	if i >= len(tr.script) {
		i = len(tr.script) - 1
	}
	if i < 0 {
		return nil, nil
	}
	return tr.script[i], nil
}

// recordTracker captures the detections it is handed.
type recordTracker struct {
	received [][]anpr.Detection
}

func (tr *recordTracker) Update(detections []anpr.Detection) ([]anpr.TrackedBox, error) {
	tr.received = append(tr.received, detections)
	return nil, nil
}

type stubReader struct {
	obs   []anpr.TextObservation
	calls int
}

func (r *stubReader) Read(anpr.Frame) ([]anpr.TextObservation, error) {
	r.calls++
	return r.obs, nil
}

type memSink struct {
	saved []*anpr.ConsolidatedRecord
}

func (s *memSink) Save(rec *anpr.ConsolidatedRecord) error {
	s.saved = append(s.saved, rec)
	return nil
}

type recordAnnotator struct {
	overlays []anpr.Overlay
}

func (a *recordAnnotator) Annotate(_ anpr.Frame, ov anpr.Overlay) error {
	a.overlays = append(a.overlays, ov)
	return nil
}

var (
	vehicleBox = image.Rect(100, 100, 300, 200)
	plateBox   = image.Rect(10, 60, 120, 90)
)

func carDetector() *stubDetector {
	return &stubDetector{out: []anpr.Detection{{Box: vehicleBox, Confidence: 0.9, Class: "car"}}}
}

func plateDetector() *stubDetector {
	return &stubDetector{out: []anpr.Detection{{Box: plateBox, Confidence: 0.8, Class: "plate"}}}
}

func steadyTracker(id int64) *scriptTracker {
	return &scriptTracker{script: [][]anpr.TrackedBox{{{Box: vehicleBox, ID: id}}}}
}

func TestNewValidatesCollaborators(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			CameraID:        "cam-1",
			VehicleDetector: carDetector(),
			PlateDetector:   plateDetector(),
			Tracker:         steadyTracker(1),
			Reader:          &stubReader{},
		}
	}

	t.Run("complete config succeeds", func(t *testing.T) {
		t.Parallel()
		_, err := New(base())
		require.NoError(t, err)
	})

	for _, tc := range []struct {
		name  string
		strip func(*Config)
	}{
		{"missing vehicle detector", func(c *Config) { c.VehicleDetector = nil }},
		{"missing plate detector", func(c *Config) { c.PlateDetector = nil }},
		{"missing tracker", func(c *Config) { c.Tracker = nil }},
		{"missing reader", func(c *Config) { c.Reader = nil }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.strip(&cfg)
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}

func TestAcquireSelectsLargestBox(t *testing.T) {
	t.Parallel()

	small := image.Rect(0, 0, 50, 40)
	tracker := &scriptTracker{script: [][]anpr.TrackedBox{{
		{Box: small, ID: 1},
		{Box: vehicleBox, ID: 2},
	}}}
	pl, err := New(Config{
		CameraID:        "cam-1",
		VehicleDetector: carDetector(),
		PlateDetector:   plateDetector(),
		Tracker:         tracker,
		Reader:          &stubReader{},
	})
	require.NoError(t, err)

	_, err = pl.ProcessFrame(newFakeFrame(640, 480), 1, time.Now())
	require.NoError(t, err)

	id, ok := pl.ActiveTrackID()
	require.True(t, ok)
	assert.Equal(t, int64(2), id)
}

func TestSingleActiveVehicle(t *testing.T) {
	t.Parallel()

	bigger := image.Rect(0, 0, 400, 400)
	tracker := &scriptTracker{script: [][]anpr.TrackedBox{
		{{Box: vehicleBox, ID: 1}},
		{{Box: vehicleBox, ID: 1}, {Box: bigger, ID: 2}},
	}}
	pl, err := New(Config{
		CameraID:        "cam-1",
		VehicleDetector: carDetector(),
		PlateDetector:   plateDetector(),
		Tracker:         tracker,
		Reader:          &stubReader{},
	})
	require.NoError(t, err)

	f := newFakeFrame(640, 480)
	for i := 1; i <= 2; i++ {
		_, err := pl.ProcessFrame(f, i, time.Now())
		require.NoError(t, err)
	}

	id, ok := pl.ActiveTrackID()
	require.True(t, ok)
	assert.Equal(t, int64(1), id, "a larger newcomer must not displace the active vehicle")
}

func TestNonVehicleClassesAreFiltered(t *testing.T) {
	t.Parallel()

	tracker := &recordTracker{}
	pl, err := New(Config{
		CameraID: "cam-1",
		VehicleDetector: &stubDetector{out: []anpr.Detection{
			{Box: vehicleBox, Confidence: 0.9, Class: "person"},
			{Box: vehicleBox, Confidence: 0.9, Class: "truck"},
		}},
		PlateDetector: plateDetector(),
		Tracker:       tracker,
		Reader:        &stubReader{},
	})
	require.NoError(t, err)

	_, err = pl.ProcessFrame(newFakeFrame(640, 480), 1, time.Now())
	require.NoError(t, err)

	require.Len(t, tracker.received, 1)
	require.Len(t, tracker.received[0], 1)
	assert.Equal(t, "truck", tracker.received[0][0].Class)
}

func TestConsolidationEmitsOneRecord(t *testing.T) {
	t.Parallel()

	sink := &memSink{}
	reader := &stubReader{obs: []anpr.TextObservation{{Text: "ABC123", Confidence: 0.9}}}
	pl, err := New(Config{
		CameraID:        "cam-7",
		VehicleDetector: carDetector(),
		PlateDetector:   plateDetector(),
		Tracker:         steadyTracker(42),
		Reader:          reader,
		Sink:            sink,
	})
	require.NoError(t, err)

	f := newFakeFrame(640, 480)
	var rec *anpr.ConsolidatedRecord
	for i := 1; i <= DefaultMinReadings; i++ {
		rec, err = pl.ProcessFrame(f, i, time.Now())
		require.NoError(t, err)
		if i < DefaultMinReadings {
			assert.Nil(t, rec, "no record before the reading minimum at frame %d", i)
		}
	}

	require.NotNil(t, rec)
	assert.Equal(t, "ABC123", rec.Plate)
	assert.Equal(t, "cam-7", rec.CameraID)
	assert.Equal(t, int64(42), rec.TrackID)
	assert.Equal(t, "car", rec.VehicleClass)
	assert.InDelta(t, 0.9, rec.Confidence, 1e-9)
	assert.Equal(t, DefaultMinReadings-1, rec.FramesToPlate)
	assert.Equal(t, anpr.DirectionIndeterminate, rec.Direction)
	assert.NotEmpty(t, rec.ID)

	require.Len(t, sink.saved, 1)
	assert.Same(t, rec, sink.saved[0])

	_, ok := pl.ActiveTrackID()
	assert.False(t, ok, "consolidation must free the active slot")
}

func TestInvalidFormatsNeverBuffer(t *testing.T) {
	t.Parallel()

	sink := &memSink{}
	reader := &stubReader{obs: []anpr.TextObservation{
		{Text: "ABCDEFG", Confidence: 0.99},
		{Text: "!!", Confidence: 0.99},
	}}
	pl, err := New(Config{
		CameraID:        "cam-1",
		VehicleDetector: carDetector(),
		PlateDetector:   plateDetector(),
		Tracker:         steadyTracker(1),
		Reader:          reader,
		Sink:            sink,
	})
	require.NoError(t, err)

	f := newFakeFrame(640, 480)
	for i := 1; i <= 3*DefaultMinReadings; i++ {
		rec, err := pl.ProcessFrame(f, i, time.Now())
		require.NoError(t, err)
		assert.Nil(t, rec)
	}
	assert.Empty(t, sink.saved)
}

func TestLowConfidenceReadingsAreGated(t *testing.T) {
	t.Parallel()

	reader := &stubReader{obs: []anpr.TextObservation{{Text: "ABC123", Confidence: 0.2}}}
	pl, err := New(Config{
		CameraID:        "cam-1",
		VehicleDetector: carDetector(),
		PlateDetector:   plateDetector(),
		Tracker:         steadyTracker(1),
		Reader:          reader,
	})
	require.NoError(t, err)

	f := newFakeFrame(640, 480)
	for i := 1; i <= 3*DefaultMinReadings; i++ {
		rec, err := pl.ProcessFrame(f, i, time.Now())
		require.NoError(t, err)
		assert.Nil(t, rec)
	}
}

func TestUnacceptableConsolidationKeepsBuffering(t *testing.T) {
	t.Parallel()

	// Readings pass the per-reading gate but their mean stays below the
	// acceptance threshold, so the vehicle keeps buffering.
	reader := &stubReader{obs: []anpr.TextObservation{{Text: "ABC123", Confidence: 0.3}}}
	pl, err := New(Config{
		CameraID:          "cam-1",
		VehicleDetector:   carDetector(),
		PlateDetector:     plateDetector(),
		Tracker:           steadyTracker(1),
		Reader:            reader,
		MinReadConfidence: 0.05,
	})
	require.NoError(t, err)

	f := newFakeFrame(640, 480)
	for i := 1; i <= 2*DefaultMinReadings; i++ {
		rec, err := pl.ProcessFrame(f, i, time.Now())
		require.NoError(t, err)
		assert.Nil(t, rec)
	}
	_, ok := pl.ActiveTrackID()
	assert.True(t, ok, "vehicle stays active until an acceptable consolidation")
}

func TestOutOfBoundsBoxSkipsRegionProcessing(t *testing.T) {
	t.Parallel()

	outside := image.Rect(600, 400, 700, 500)
	reader := &stubReader{obs: []anpr.TextObservation{{Text: "ABC123", Confidence: 0.9}}}
	pl, err := New(Config{
		CameraID:        "cam-1",
		VehicleDetector: carDetector(),
		PlateDetector:   plateDetector(),
		Tracker:         &scriptTracker{script: [][]anpr.TrackedBox{{{Box: outside, ID: 3}}}},
		Reader:          reader,
	})
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		rec, err := pl.ProcessFrame(newFakeFrame(640, 480), i, time.Now())
		require.NoError(t, err)
		assert.Nil(t, rec)
	}
	assert.Zero(t, reader.calls, "region processing must be skipped while the box is out of bounds")

	id, ok := pl.ActiveTrackID()
	require.True(t, ok, "the vehicle stays active while out of bounds")
	assert.Equal(t, int64(3), id)
}

func TestAbandonAfterConsecutiveMisses(t *testing.T) {
	t.Parallel()

	tracker := &scriptTracker{script: [][]anpr.TrackedBox{
		{{Box: vehicleBox, ID: 9}},
		{}, {}, {},
	}}
	pl, err := New(Config{
		CameraID:           "cam-1",
		VehicleDetector:    carDetector(),
		PlateDetector:      plateDetector(),
		Tracker:            tracker,
		Reader:             &stubReader{},
		AbandonAfterMisses: 3,
	})
	require.NoError(t, err)

	f := newFakeFrame(640, 480)
	for i := 1; i <= 3; i++ {
		_, err := pl.ProcessFrame(f, i, time.Now())
		require.NoError(t, err)
		_, ok := pl.ActiveTrackID()
		assert.True(t, ok, "still active after %d frames", i)
	}

	_, err = pl.ProcessFrame(f, 4, time.Now())
	require.NoError(t, err)
	_, ok := pl.ActiveTrackID()
	assert.False(t, ok, "vehicle abandoned after the miss limit")
}

func TestAnnotatorSkippedOnEmitFrame(t *testing.T) {
	t.Parallel()

	annotator := &recordAnnotator{}
	reader := &stubReader{obs: []anpr.TextObservation{{Text: "ABC123", Confidence: 0.9}}}
	pl, err := New(Config{
		CameraID:        "cam-1",
		VehicleDetector: carDetector(),
		PlateDetector:   plateDetector(),
		Tracker:         steadyTracker(1),
		Reader:          reader,
		Annotator:       annotator,
		MinReadings:     3,
	})
	require.NoError(t, err)

	f := newFakeFrame(640, 480)
	var rec *anpr.ConsolidatedRecord
	for i := 1; i <= 3; i++ {
		rec, err = pl.ProcessFrame(f, i, time.Now())
		require.NoError(t, err)
	}
	require.NotNil(t, rec)

	// Frames 1 and 2 drew the active vehicle; the emit frame drew nothing.
	require.Len(t, annotator.overlays, 2)
	for _, ov := range annotator.overlays {
		require.NotNil(t, ov.Vehicle)
		assert.Equal(t, vehicleBox, *ov.Vehicle)
		assert.Equal(t, "car #1", ov.VehicleLabel)
	}
}
