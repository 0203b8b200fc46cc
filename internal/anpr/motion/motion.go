// Package motion buffers the active vehicle's recent movement and infers
// whether it is entering or exiting the monitored area.
package motion

import "github.com/platewatch-data/platewatch/internal/anpr"

// DefaultWindow is the ring capacity: enough history at typical frame rates
// to cover a vehicle crossing the field of view.
const DefaultWindow = 30

// Classifier thresholds.
const (
	// MinSamples is the minimum history required before any direction is
	// inferred.
	MinSamples = 6
	// noiseDY is the vertical-centre movement (pixels) below which the
	// vehicle is considered stationary.
	noiseDY = 10.0
	// noiseDArea is the bounding-box area change below which the apparent
	// size is considered unchanged.
	noiseDArea = 1.0
	// fallbackDArea is the area-change magnitude that decides direction when
	// vertical movement and growth disagree.
	fallbackDArea = 500.0
)

// Ring is a fixed-capacity ring buffer of motion samples. The oldest sample
// is evicted on overflow. The zero value is not usable; call NewRing.
type Ring struct {
	buf   []anpr.MotionSample
	start int
	n     int
}

// NewRing returns a ring holding at most capacity samples. Non-positive
// capacities fall back to DefaultWindow.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultWindow
	}
	return &Ring{buf: make([]anpr.MotionSample, capacity)}
}

// Push appends a sample, evicting the oldest when full.
func (r *Ring) Push(s anpr.MotionSample) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = s
		r.n++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

// Len reports the number of buffered samples.
func (r *Ring) Len() int { return r.n }

// Samples returns the buffered samples in chronological order.
func (r *Ring) Samples() []anpr.MotionSample {
	out := make([]anpr.MotionSample, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Reset discards all samples.
func (r *Ring) Reset() {
	r.start, r.n = 0, 0
}

// Classify infers the travel direction from chronological motion samples.
// sign is the camera-orientation sign (+1 or -1, configured per deployment);
// it flips the meaning of vertical movement for cameras mounted upside down
// or facing the opposite way.
//
// A vehicle moving toward the camera (rising in the frame after the sign
// correction) without shrinking is entering; one moving away without growing
// is exiting. When the two signals disagree, a large area change decides;
// otherwise the result is indeterminate.
func Classify(samples []anpr.MotionSample, sign int) anpr.Direction {
	if len(samples) < MinSamples {
		return anpr.DirectionIndeterminate
	}
	if sign == 0 {
		sign = 1
	}

	first, last := samples[0], samples[len(samples)-1]
	dy := (last.CenterY - first.CenterY) * float64(sign)
	darea := last.Area - first.Area

	if abs(dy) < noiseDY && abs(darea) < noiseDArea {
		return anpr.DirectionIndeterminate
	}
	if dy < 0 && darea > -noiseDArea {
		return anpr.DirectionEntry
	}
	if dy > 0 && darea < noiseDArea {
		return anpr.DirectionExit
	}
	if darea > fallbackDArea {
		return anpr.DirectionEntry
	}
	if darea < -fallbackDArea {
		return anpr.DirectionExit
	}
	return anpr.DirectionIndeterminate
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
