package camera

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"

	"github.com/platewatch-data/platewatch/internal/anpr"
)

// DefaultJPEGQuality matches the broadcast quality used by the stream
// orchestrator unless overridden in config.
const DefaultJPEGQuality = 70

// JPEGEncoder encodes frames to JPEG for subscriber broadcast.
type JPEGEncoder struct {
	Quality int
}

// NewJPEGEncoder returns an encoder at the given quality; values outside
// 1..100 fall back to the default.
func NewJPEGEncoder(quality int) *JPEGEncoder {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &JPEGEncoder{Quality: quality}
}

// Encode implements stream.Encoder.
func (e *JPEGEncoder) Encode(f anpr.Frame) ([]byte, error) {
	mf, ok := f.(*MatFrame)
	if !ok {
		return nil, errors.New("encode: frame is not mat-backed")
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mf.Mat(),
		[]int{gocv.IMWriteJpegQuality, e.Quality})
	if err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}
