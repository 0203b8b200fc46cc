// Package anpr defines the shared data model and capability interfaces for
// the automatic number-plate recognition core: frames, detections, tracked
// boxes, text readings, motion samples, and the consolidated record emitted
// once per vehicle.
//
// The heavy external capabilities (object detection, multi-object tracking,
// text recognition) are consumed through small interfaces declared here so
// the pipeline and orchestrator stay independent of any particular model
// runtime. Concrete adapters live in internal/camera and internal/track.
package anpr
