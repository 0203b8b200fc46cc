// Package track implements a greedy IoU multi-object tracker. It associates
// per-frame detections with persistent identities by best box overlap, which
// is sufficient for gate cameras where at most a handful of vehicles are in
// view and motion between frames is small.
package track

import (
	"image"
	"sort"

	"github.com/platewatch-data/platewatch/internal/anpr"
)

const (
	// DefaultMinIoU is the minimum overlap for a detection to extend an
	// existing track rather than open a new one.
	DefaultMinIoU = 0.3
	// DefaultMaxAge is how many consecutive frames a track survives without
	// a matching detection before it is dropped.
	DefaultMaxAge = 10
)

type track struct {
	id     int64
	box    image.Rectangle
	missed int
}

// IOUTracker implements anpr.MultiObjectTracker. It is not safe for
// concurrent use; each camera pipeline owns one instance.
type IOUTracker struct {
	minIoU float64
	maxAge int
	nextID int64
	tracks []*track
}

// Option adjusts tracker parameters.
type Option func(*IOUTracker)

// WithMinIoU overrides the association threshold.
func WithMinIoU(v float64) Option { return func(t *IOUTracker) { t.minIoU = v } }

// WithMaxAge overrides how long unmatched tracks are kept alive.
func WithMaxAge(n int) Option { return func(t *IOUTracker) { t.maxAge = n } }

// NewIOUTracker returns a tracker with default parameters, adjusted by opts.
func NewIOUTracker(opts ...Option) *IOUTracker {
	t := &IOUTracker{minIoU: DefaultMinIoU, maxAge: DefaultMaxAge, nextID: 1}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Update associates detections with existing tracks and returns the live
// track set. Unmatched detections open new tracks; tracks unmatched for more
// than maxAge frames are dropped.
func (t *IOUTracker) Update(detections []anpr.Detection) ([]anpr.TrackedBox, error) {
	type pair struct {
		trackIdx, detIdx int
		iou              float64
	}

	var pairs []pair
	for ti, tr := range t.tracks {
		for di, det := range detections {
			v := iou(tr.box, det.Box)
			if v >= t.minIoU {
				pairs = append(pairs, pair{trackIdx: ti, detIdx: di, iou: v})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].iou > pairs[j].iou })

	matchedTrack := make(map[int]bool, len(t.tracks))
	matchedDet := make(map[int]bool, len(detections))
	for _, p := range pairs {
		if matchedTrack[p.trackIdx] || matchedDet[p.detIdx] {
			continue
		}
		matchedTrack[p.trackIdx] = true
		matchedDet[p.detIdx] = true
		tr := t.tracks[p.trackIdx]
		tr.box = detections[p.detIdx].Box
		tr.missed = 0
	}

	for ti, tr := range t.tracks {
		if !matchedTrack[ti] {
			tr.missed++
		}
	}

	for di, det := range detections {
		if matchedDet[di] {
			continue
		}
		t.tracks = append(t.tracks, &track{id: t.nextID, box: det.Box})
		t.nextID++
	}

	live := t.tracks[:0]
	var out []anpr.TrackedBox
	for _, tr := range t.tracks {
		if tr.missed > t.maxAge {
			continue
		}
		live = append(live, tr)
		if tr.missed == 0 {
			out = append(out, anpr.TrackedBox{Box: tr.box, ID: tr.id})
		}
	}
	t.tracks = live
	return out, nil
}

// Reset drops all tracks but keeps the identity counter advancing so ids are
// never reused within a session.
func (t *IOUTracker) Reset() {
	t.tracks = nil
}

func iou(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	interArea := float64(inter.Dx()) * float64(inter.Dy())
	areaA := float64(a.Dx()) * float64(a.Dy())
	areaB := float64(b.Dx()) * float64(b.Dy())
	union := areaA + areaB - interArea
	if union <= 0 {
		return 0
	}
	return interArea / union
}
