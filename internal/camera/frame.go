// Package camera provides the gocv-backed adapters behind the pipeline's
// frame, detector, reader and encoder interfaces. Everything that touches
// OpenCV lives here so the rest of the module stays free of cgo types.
package camera

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/platewatch-data/platewatch/internal/anpr"
)

// MatFrame wraps a gocv.Mat as an anpr.Frame. Region views share pixels with
// the parent mat; closing a view does not invalidate the parent.
type MatFrame struct {
	mat gocv.Mat
}

// NewMatFrame takes ownership of mat. The caller must not close mat directly
// after handing it over.
func NewMatFrame(mat gocv.Mat) *MatFrame {
	return &MatFrame{mat: mat}
}

// Mat exposes the underlying mat for adapters in this package.
func (f *MatFrame) Mat() gocv.Mat { return f.mat }

// Bounds implements anpr.Frame.
func (f *MatFrame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.mat.Cols(), f.mat.Rows())
}

// Region implements anpr.Frame.
func (f *MatFrame) Region(r image.Rectangle) (anpr.Frame, error) {
	if f.mat.Empty() {
		return nil, errors.New("region of empty frame")
	}
	r = r.Intersect(f.Bounds())
	if r.Empty() {
		return nil, fmt.Errorf("region %v outside frame %v", r, f.Bounds())
	}
	view := f.mat.Region(r)
	return &MatFrame{mat: view}, nil
}

// Close implements anpr.Frame.
func (f *MatFrame) Close() error {
	return f.mat.Close()
}
