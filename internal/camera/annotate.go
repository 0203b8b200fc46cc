package camera

import (
	"errors"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/platewatch-data/platewatch/internal/anpr"
)

var (
	vehicleColor = color.RGBA{R: 0, G: 200, B: 0, A: 0}
	plateColor   = color.RGBA{R: 0, G: 120, B: 255, A: 0}
	textColor    = color.RGBA{R: 255, G: 255, B: 255, A: 0}
)

// OverlayAnnotator draws vehicle and plate overlays onto broadcast frames
// in place.
type OverlayAnnotator struct{}

// Annotate implements anpr.Annotator.
func (OverlayAnnotator) Annotate(f anpr.Frame, ov anpr.Overlay) error {
	mf, ok := f.(*MatFrame)
	if !ok {
		return errors.New("annotate: frame is not mat-backed")
	}
	mat := mf.Mat()

	if ov.Vehicle != nil {
		gocv.Rectangle(&mat, *ov.Vehicle, vehicleColor, 2)
		if ov.VehicleLabel != "" {
			at := image.Pt(ov.Vehicle.Min.X, max(ov.Vehicle.Min.Y-8, 12))
			gocv.PutText(&mat, ov.VehicleLabel, at, gocv.FontHersheySimplex, 0.6, textColor, 2)
		}
	}
	if ov.Plate != nil {
		gocv.Rectangle(&mat, *ov.Plate, plateColor, 2)
		if ov.PlateText != "" {
			at := image.Pt(ov.Plate.Min.X, ov.Plate.Max.Y+18)
			gocv.PutText(&mat, ov.PlateText, at, gocv.FontHersheySimplex, 0.6, plateColor, 2)
		}
	}
	return nil
}
