package camera

import (
	"errors"
	"fmt"
	"strconv"

	"gocv.io/x/gocv"

	"github.com/platewatch-data/platewatch/internal/anpr"
	"github.com/platewatch-data/platewatch/internal/anpr/stream"
)

// ErrEndOfStream is returned by Source.Read when the capture yields no more
// frames, which for file sources means the video ended and for live sources
// usually means the connection dropped.
var ErrEndOfStream = errors.New("camera: end of stream")

// Opener opens gocv video captures. A numeric source is treated as a local
// device index, anything else (file path, RTSP/HTTP URL) is passed through.
type Opener struct{}

var _ stream.SourceOpener = Opener{}

// Open implements stream.SourceOpener.
func (Opener) Open(source string) (stream.FrameSource, error) {
	var cap *gocv.VideoCapture
	var err error
	if idx, convErr := strconv.Atoi(source); convErr == nil {
		cap, err = gocv.OpenVideoCapture(idx)
	} else {
		cap, err = gocv.OpenVideoCapture(source)
	}
	if err != nil {
		return nil, fmt.Errorf("open capture %q: %w", source, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, fmt.Errorf("capture %q did not open", source)
	}
	return &Source{cap: cap}, nil
}

// Source reads frames from an open gocv capture.
type Source struct {
	cap *gocv.VideoCapture
}

// Read implements stream.FrameSource. Each returned frame owns its mat; the
// caller closes it after processing.
func (s *Source) Read() (anpr.Frame, error) {
	mat := gocv.NewMat()
	if ok := s.cap.Read(&mat); !ok {
		mat.Close()
		return nil, ErrEndOfStream
	}
	if mat.Empty() {
		mat.Close()
		return nil, ErrEndOfStream
	}
	return NewMatFrame(mat), nil
}

// Close implements stream.FrameSource.
func (s *Source) Close() error {
	return s.cap.Close()
}
