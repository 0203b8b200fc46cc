package anpr

import (
	"image"
	"time"
)

// Frame is a single video frame. Implementations may be backed by a gocv.Mat
// (internal/camera) or by plain test doubles; either way Region must return a
// view onto the same pixels and the caller owns closing it.
type Frame interface {
	// Bounds reports the pixel rectangle covered by the frame.
	Bounds() image.Rectangle
	// Region returns a sub-frame view of r, which must lie inside Bounds.
	Region(r image.Rectangle) (Frame, error)
	// Close releases any resources held by the frame or view.
	Close() error
}

// Detection is one detector output: a box, its confidence and a class label.
type Detection struct {
	Box        image.Rectangle
	Confidence float64
	Class      string
}

// TrackedBox is a detection that the multi-object tracker has associated
// with a persistent identity.
type TrackedBox struct {
	Box image.Rectangle
	ID  int64
}

// Area returns the pixel area of the tracked box.
func (t TrackedBox) Area() float64 {
	sz := t.Box.Size()
	return float64(sz.X) * float64(sz.Y)
}

// TextReading is one plausible plate string returned by the text reader for
// the active vehicle. Readings are append-only; they are discarded as a
// group on consolidation or reset.
type TextReading struct {
	Text       string
	Confidence float64
	FrameIndex int
}

// MotionSample captures the active vehicle's apparent size and vertical
// position at one frame. Samples feed the direction classifier only.
type MotionSample struct {
	FrameIndex int
	Area       float64
	CenterY    float64
	At         time.Time
}

// Direction is the inferred travel direction of a consolidated vehicle.
type Direction string

const (
	DirectionEntry         Direction = "entry"
	DirectionExit          Direction = "exit"
	DirectionIndeterminate Direction = "indeterminate"
)

// ConsolidatedRecord is the single identification record emitted per vehicle
// lifecycle. It is immutable once produced and handed to the persistence
// sink exactly once.
type ConsolidatedRecord struct {
	ID            string    `json:"id"`
	CameraID      string    `json:"camera_id"`
	Plate         string    `json:"plate"`
	Confidence    float64   `json:"confidence"`
	VehicleClass  string    `json:"vehicle_class"`
	TrackID       int64     `json:"track_id"`
	Direction     Direction `json:"direction"`
	FramesToPlate int       `json:"frames_to_plate"`
	FrameIndex    int       `json:"frame_index"`
	ImagePath     string    `json:"image_path,omitempty"`
	CapturedAt    time.Time `json:"captured_at"`
}

// VehicleClasses is the allow-set of detector class labels treated as
// vehicles. Detections outside this set never become the active vehicle.
var VehicleClasses = map[string]bool{
	"car":        true,
	"motorcycle": true,
	"bus":        true,
	"truck":      true,
}

// ObjectDetector locates objects of interest in a frame. The pipeline uses
// one detector instance for vehicles on the full frame and another for plate
// regions on the vehicle crop.
type ObjectDetector interface {
	Detect(f Frame) ([]Detection, error)
}

// MultiObjectTracker associates per-frame detections with persistent
// identities. Implementations are stateful across calls and own their
// association and prediction logic.
type MultiObjectTracker interface {
	Update(detections []Detection) ([]TrackedBox, error)
}

// TextReader extracts candidate text strings with confidences from a plate
// region crop.
type TextReader interface {
	Read(f Frame) ([]TextObservation, error)
}

// TextObservation is one raw reader result before plate normalization.
type TextObservation struct {
	Text       string
	Confidence float64
}

// PersistenceSink receives consolidated records. Save failures are logged by
// the caller and never surface back into pipeline control flow.
type PersistenceSink interface {
	Save(rec *ConsolidatedRecord) error
}

// Subscriber is an opaque broadcast consumer. A Send error marks the
// subscriber dead and triggers its eviction.
type Subscriber interface {
	Send(payload []byte) error
}

// Overlay describes the annotations to draw onto a frame: the active
// vehicle's box and label, and optionally the plate box found this frame
// with its best-effort text.
type Overlay struct {
	Vehicle      *image.Rectangle
	VehicleLabel string
	Plate        *image.Rectangle
	PlateText    string
}

// Annotator draws an overlay onto a frame in place.
type Annotator interface {
	Annotate(f Frame, ov Overlay) error
}

// Snapshotter persists the full frame that triggered a consolidation and
// returns a reference (typically a file path) stored on the record.
type Snapshotter interface {
	SaveSnapshot(f Frame, rec *ConsolidatedRecord) (string, error)
}

// MultiSink fans a record out to several persistence sinks. The first error
// is returned after all sinks have been attempted.
type MultiSink []PersistenceSink

func (m MultiSink) Save(rec *ConsolidatedRecord) error {
	var first error
	for _, s := range m {
		if err := s.Save(rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}
