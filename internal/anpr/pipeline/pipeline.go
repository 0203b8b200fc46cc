// Package pipeline converts raw frames plus external detector, tracker and
// reader outputs into annotated frames and at most one consolidated record
// per vehicle, maintaining the single-active-vehicle invariant.
package pipeline

import (
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"

	"github.com/platewatch-data/platewatch/internal/anpr"
	"github.com/platewatch-data/platewatch/internal/anpr/motion"
	"github.com/platewatch-data/platewatch/internal/anpr/plate"
)

// Defaults for the tuning knobs in Config. Values mirror the deployed
// calibration: seven valid readings before the first consolidation attempt,
// a 0.50 final acceptance confidence, and a 0.45 per-reading gate.
const (
	DefaultMinReadings         = 7
	DefaultAcceptConfidence    = 0.50
	DefaultMinReadConfidence   = 0.45
	DefaultAbandonAfterMisses  = 30
	DefaultMaxBufferedReadings = 60
)

// Config holds the collaborators and tuning values for one camera's
// pipeline. VehicleDetector, PlateDetector, Tracker and Reader are required;
// Sink, Annotator and Snapshotter are optional and nil-checked.
type Config struct {
	CameraID string

	VehicleDetector anpr.ObjectDetector
	PlateDetector   anpr.ObjectDetector
	Tracker         anpr.MultiObjectTracker
	Reader          anpr.TextReader

	Sink        anpr.PersistenceSink
	Annotator   anpr.Annotator
	Snapshotter anpr.Snapshotter

	// DirectionSign is the camera-orientation sign (+1 or -1) passed to the
	// direction classifier. Zero means +1.
	DirectionSign int

	// MinReadings is the number of buffered text readings required before a
	// consolidation attempt.
	MinReadings int

	// AcceptConfidence is the minimum consolidated confidence for a record
	// to be emitted.
	AcceptConfidence float64

	// MinReadConfidence is the per-reading confidence gate applied before a
	// raw reader result is buffered.
	MinReadConfidence float64

	// RatioThreshold is the 0-100 fuzzy similarity threshold used when
	// clustering readings. Zero means plate.DefaultRatioThreshold.
	RatioThreshold int

	// MotionWindow is the motion ring capacity. Zero means
	// motion.DefaultWindow.
	MotionWindow int

	// AbandonAfterMisses is the number of consecutive frames the tracker may
	// fail to report the active identity before the vehicle is abandoned and
	// the active slot freed. Zero means DefaultAbandonAfterMisses.
	AbandonAfterMisses int

	// MaxBufferedReadings caps the reading buffer; the oldest reading is
	// dropped on overflow so repeated failed consolidations cannot grow
	// memory without bound. Zero means DefaultMaxBufferedReadings.
	MaxBufferedReadings int
}

func (c *Config) normalize() {
	if c.DirectionSign == 0 {
		c.DirectionSign = 1
	}
	if c.MinReadings <= 0 {
		c.MinReadings = DefaultMinReadings
	}
	if c.AcceptConfidence <= 0 {
		c.AcceptConfidence = DefaultAcceptConfidence
	}
	if c.MinReadConfidence <= 0 {
		c.MinReadConfidence = DefaultMinReadConfidence
	}
	if c.RatioThreshold <= 0 {
		c.RatioThreshold = plate.DefaultRatioThreshold
	}
	if c.MotionWindow <= 0 {
		c.MotionWindow = motion.DefaultWindow
	}
	if c.AbandonAfterMisses <= 0 {
		c.AbandonAfterMisses = DefaultAbandonAfterMisses
	}
	if c.MaxBufferedReadings <= 0 {
		c.MaxBufferedReadings = DefaultMaxBufferedReadings
	}
}

// activeVehicle is the single vehicle currently being processed. At most one
// exists per pipeline; a new one may only be created when the slot is free.
type activeVehicle struct {
	id         int64
	box        image.Rectangle
	class      string
	startFrame int
	misses     int
	readings   []anpr.TextReading
	motion     *motion.Ring
}

// Pipeline is the per-camera tracking state machine. It is not safe for
// concurrent use; each camera loop owns exactly one instance.
type Pipeline struct {
	cfg    Config
	active *activeVehicle
}

// New returns a pipeline for one camera. Required collaborators missing from
// cfg cause an error rather than a partially working pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.VehicleDetector == nil || cfg.PlateDetector == nil {
		return nil, fmt.Errorf("pipeline %q: vehicle and plate detectors are required", cfg.CameraID)
	}
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("pipeline %q: tracker is required", cfg.CameraID)
	}
	if cfg.Reader == nil {
		return nil, fmt.Errorf("pipeline %q: text reader is required", cfg.CameraID)
	}
	cfg.normalize()
	return &Pipeline{cfg: cfg}, nil
}

// ActiveTrackID returns the tracker identity of the active vehicle, or
// (0, false) when the slot is free.
func (p *Pipeline) ActiveTrackID() (int64, bool) {
	if p.active == nil {
		return 0, false
	}
	return p.active.id, true
}

// ProcessFrame runs one frame through the pipeline. The frame is annotated
// in place when an annotator is configured. The returned record is non-nil
// only when this frame completed a vehicle's consolidation; the record has
// already been handed to the sink.
//
// Capability failures (detector, tracker, reader) degrade to "no result this
// frame" and are never returned as errors.
func (p *Pipeline) ProcessFrame(f anpr.Frame, frameIndex int, now time.Time) (*anpr.ConsolidatedRecord, error) {
	detections := p.detectVehicles(f)

	tracks, err := p.cfg.Tracker.Update(detections)
	if err != nil {
		opsf("[%s] tracker update failed at frame %d: %v", p.cfg.CameraID, frameIndex, err)
		tracks = nil
	}

	if p.active == nil {
		p.acquire(tracks, detections, frameIndex)
	} else {
		p.refresh(tracks, frameIndex)
	}

	var rec *anpr.ConsolidatedRecord
	var plateBox *image.Rectangle
	var plateText string

	if p.active != nil {
		if p.validBox(f) {
			plateBox, plateText = p.readPlateRegion(f, frameIndex)
			p.sampleMotion(frameIndex, now)
			rec = p.tryConsolidate(f, frameIndex, now)
		} else {
			tracef("[%s] frame %d: active box %v outside frame %v, region processing skipped",
				p.cfg.CameraID, frameIndex, p.active.box, f.Bounds())
		}
	}

	p.annotate(f, plateBox, plateText)
	return rec, nil
}

// detectVehicles runs the full-frame detector and keeps only allow-set
// vehicle classes.
func (p *Pipeline) detectVehicles(f anpr.Frame) []anpr.Detection {
	raw, err := p.cfg.VehicleDetector.Detect(f)
	if err != nil {
		opsf("[%s] vehicle detection failed: %v", p.cfg.CameraID, err)
		return nil
	}
	vehicles := raw[:0]
	for _, d := range raw {
		if anpr.VehicleClasses[d.Class] {
			vehicles = append(vehicles, d)
		}
	}
	return vehicles
}

// acquire selects the largest tracked box (closest-to-camera heuristic) as
// the new active vehicle. Only called when the active slot is free.
func (p *Pipeline) acquire(tracks []anpr.TrackedBox, detections []anpr.Detection, frameIndex int) {
	var best *anpr.TrackedBox
	for i := range tracks {
		if best == nil || tracks[i].Area() > best.Area() {
			best = &tracks[i]
		}
	}
	if best == nil {
		return
	}
	p.active = &activeVehicle{
		id:         best.ID,
		box:        best.Box,
		class:      classForBox(detections, best.Box),
		startFrame: frameIndex,
		motion:     motion.NewRing(p.cfg.MotionWindow),
	}
	diagf("[%s] new active vehicle id=%d class=%s at frame %d",
		p.cfg.CameraID, best.ID, p.active.class, frameIndex)
}

// refresh updates the active vehicle's box from the tracker output, counting
// consecutive frames without a matching identity and abandoning the vehicle
// once the limit is reached.
func (p *Pipeline) refresh(tracks []anpr.TrackedBox, frameIndex int) {
	for _, t := range tracks {
		if t.ID == p.active.id {
			p.active.box = t.Box
			p.active.misses = 0
			return
		}
	}
	p.active.misses++
	if p.active.misses >= p.cfg.AbandonAfterMisses {
		diagf("[%s] abandoning vehicle id=%d after %d frames without tracker identity",
			p.cfg.CameraID, p.active.id, p.active.misses)
		p.active = nil
	}
}

// validBox reports whether the active vehicle's box lies within frame bounds
// and has positive area.
func (p *Pipeline) validBox(f anpr.Frame) bool {
	b := p.active.box
	return b.Dx() > 0 && b.Dy() > 0 && b.In(f.Bounds())
}

// readPlateRegion crops the active vehicle, detects plate sub-regions on the
// crop, and feeds each through the text reader. Accepted readings are
// appended to the buffer (oldest dropped past the cap). It returns the last
// plate box found this frame in full-frame coordinates, with its best-effort
// text, for the overlay.
func (p *Pipeline) readPlateRegion(f anpr.Frame, frameIndex int) (*image.Rectangle, string) {
	crop, err := f.Region(p.active.box)
	if err != nil {
		tracef("[%s] frame %d: vehicle crop failed: %v", p.cfg.CameraID, frameIndex, err)
		return nil, ""
	}
	defer crop.Close()

	subRegions, err := p.cfg.PlateDetector.Detect(crop)
	if err != nil {
		opsf("[%s] plate detection failed: %v", p.cfg.CameraID, err)
		return nil, ""
	}

	var overlayBox *image.Rectangle
	overlayText := "..."
	for _, region := range subRegions {
		box := region.Box.Intersect(crop.Bounds())
		if box.Empty() {
			continue
		}
		absolute := box.Add(p.active.box.Min)
		overlayBox = &absolute

		plateCrop, err := crop.Region(box)
		if err != nil {
			continue
		}
		observations, err := p.cfg.Reader.Read(plateCrop)
		plateCrop.Close()
		if err != nil {
			opsf("[%s] text read failed: %v", p.cfg.CameraID, err)
			continue
		}

		for _, obs := range observations {
			text := plate.Clean(obs.Text)
			if len(text) < plate.MinLen || !plate.ValidFormat(text) {
				continue
			}
			if obs.Confidence <= p.cfg.MinReadConfidence {
				continue
			}
			p.appendReading(anpr.TextReading{Text: text, Confidence: obs.Confidence, FrameIndex: frameIndex})
			overlayText = text
			tracef("[%s] reading id=%d %q (%.2f) at frame %d",
				p.cfg.CameraID, p.active.id, text, obs.Confidence, frameIndex)
		}
	}
	return overlayBox, overlayText
}

func (p *Pipeline) appendReading(r anpr.TextReading) {
	if len(p.active.readings) >= p.cfg.MaxBufferedReadings {
		copy(p.active.readings, p.active.readings[1:])
		p.active.readings = p.active.readings[:len(p.active.readings)-1]
	}
	p.active.readings = append(p.active.readings, r)
}

func (p *Pipeline) sampleMotion(frameIndex int, now time.Time) {
	b := p.active.box
	p.active.motion.Push(anpr.MotionSample{
		FrameIndex: frameIndex,
		Area:       float64(b.Dx()) * float64(b.Dy()),
		CenterY:    float64(b.Min.Y+b.Max.Y) / 2,
		At:         now,
	})
}

// tryConsolidate attempts consolidation once the reading buffer has reached
// the minimum size. On acceptance it emits the record, saves the snapshot,
// hands the record to the sink, and frees the active slot; otherwise
// buffering simply continues.
func (p *Pipeline) tryConsolidate(f anpr.Frame, frameIndex int, now time.Time) *anpr.ConsolidatedRecord {
	v := p.active
	if len(v.readings) < p.cfg.MinReadings {
		return nil
	}

	buffer := make([]plate.Reading, len(v.readings))
	for i, r := range v.readings {
		buffer[i] = plate.Reading{Text: r.Text, Confidence: r.Confidence}
	}
	text, confidence := plate.Consolidate(buffer, p.cfg.RatioThreshold)
	if !plate.ValidFormat(text) || confidence < p.cfg.AcceptConfidence {
		tracef("[%s] consolidation not yet acceptable for id=%d (%q %.2f, %d readings)",
			p.cfg.CameraID, v.id, text, confidence, len(v.readings))
		return nil
	}

	rec := &anpr.ConsolidatedRecord{
		ID:            uuid.New().String(),
		CameraID:      p.cfg.CameraID,
		Plate:         text,
		Confidence:    confidence,
		VehicleClass:  v.class,
		TrackID:       v.id,
		Direction:     motion.Classify(v.motion.Samples(), p.cfg.DirectionSign),
		FramesToPlate: frameIndex - v.startFrame,
		FrameIndex:    frameIndex,
		CapturedAt:    now,
	}

	if p.cfg.Snapshotter != nil {
		path, err := p.cfg.Snapshotter.SaveSnapshot(f, rec)
		if err != nil {
			opsf("[%s] snapshot failed for %s: %v", p.cfg.CameraID, rec.Plate, err)
		} else {
			rec.ImagePath = path
		}
	}
	if p.cfg.Sink != nil {
		if err := p.cfg.Sink.Save(rec); err != nil {
			opsf("[%s] record save failed for %s: %v", p.cfg.CameraID, rec.Plate, err)
		}
	}

	diagf("[%s] consolidated id=%d plate=%s conf=%.2f direction=%s frames=%d",
		p.cfg.CameraID, v.id, rec.Plate, rec.Confidence, rec.Direction, rec.FramesToPlate)

	p.active = nil
	return rec
}

// annotate draws the active vehicle and, when present, this frame's plate
// region. Nothing is drawn when no vehicle is active (including the frame on
// which a record was just emitted).
func (p *Pipeline) annotate(f anpr.Frame, plateBox *image.Rectangle, plateText string) {
	if p.cfg.Annotator == nil || p.active == nil {
		return
	}
	box := p.active.box
	ov := anpr.Overlay{
		Vehicle:      &box,
		VehicleLabel: fmt.Sprintf("%s #%d", p.active.class, p.active.id),
		Plate:        plateBox,
		PlateText:    plateText,
	}
	if err := p.cfg.Annotator.Annotate(f, ov); err != nil {
		tracef("[%s] annotation failed: %v", p.cfg.CameraID, err)
	}
}

// classForBox picks the class label of the detection that best overlaps the
// tracked box. Trackers report geometry only, so the label is recovered from
// the same frame's detections.
func classForBox(detections []anpr.Detection, box image.Rectangle) string {
	bestClass := "unknown"
	bestOverlap := 0
	for _, d := range detections {
		if overlap := area(d.Box.Intersect(box)); overlap > bestOverlap {
			bestOverlap = overlap
			bestClass = d.Class
		}
	}
	return bestClass
}

func area(r image.Rectangle) int {
	if r.Empty() {
		return 0
	}
	return r.Dx() * r.Dy()
}
