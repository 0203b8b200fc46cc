package camera

import (
	"errors"
	"fmt"
	"image"
	"os"
	"strings"
	"sync"

	"gocv.io/x/gocv"

	"github.com/platewatch-data/platewatch/internal/anpr"
)

const (
	dnnInputSize      = 640
	dnnScoreThreshold = 0.3
	dnnNMSThreshold   = 0.4
)

// DNNDetector runs a single-output YOLO-style network through the OpenCV DNN
// module. One instance serves one pipeline; the mutex guards the shared net
// for the rare case of a detector reused across goroutines.
type DNNDetector struct {
	mu         sync.Mutex
	net        gocv.Net
	classNames []string
	minScore   float32
}

// NewDNNDetector loads the network at modelPath (ONNX or darknet weights
// with an empty config) and the newline-separated class names at namesPath.
func NewDNNDetector(modelPath, namesPath string) (*DNNDetector, error) {
	net := gocv.ReadNet(modelPath, "")
	if net.Empty() {
		return nil, fmt.Errorf("read net %q: empty network", modelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	namesBytes, err := os.ReadFile(namesPath)
	if err != nil {
		net.Close()
		return nil, fmt.Errorf("read class names %q: %w", namesPath, err)
	}
	var classNames []string
	for _, line := range strings.Split(string(namesBytes), "\n") {
		if name := strings.TrimSpace(line); name != "" {
			classNames = append(classNames, name)
		}
	}
	if len(classNames) == 0 {
		net.Close()
		return nil, fmt.Errorf("class names %q: no entries", namesPath)
	}

	return &DNNDetector{net: net, classNames: classNames, minScore: dnnScoreThreshold}, nil
}

// Detect implements anpr.ObjectDetector.
func (d *DNNDetector) Detect(f anpr.Frame) ([]anpr.Detection, error) {
	mf, ok := f.(*MatFrame)
	if !ok {
		return nil, errors.New("detect: frame is not mat-backed")
	}
	frame := mf.Mat()
	if frame.Empty() {
		return nil, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	blob := gocv.BlobFromImage(frame, 1.0/255.0, image.Pt(dnnInputSize, dnnInputSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	return d.decode(output, frame.Cols(), frame.Rows()), nil
}

// decode walks the rows of a [N x (5+classes)] output where each row is
// cx, cy, w, h, objectness, per-class scores, all normalized to the input
// square. Overlapping candidates are suppressed before conversion.
func (d *DNNDetector) decode(output gocv.Mat, frameW, frameH int) []anpr.Detection {
	out := output
	if output.Dims() > 2 {
		out = output.Reshape(1, output.Total()/output.Size()[len(output.Size())-1])
		defer out.Close()
	}

	scaleX := float32(frameW) / float32(dnnInputSize)
	scaleY := float32(frameH) / float32(dnnInputSize)

	var boxes []image.Rectangle
	var scores []float32
	var classIDs []int
	for i := 0; i < out.Rows(); i++ {
		row := out.RowRange(i, i+1)
		classScores := row.ColRange(5, row.Cols())
		_, maxVal, _, maxLoc := gocv.MinMaxLoc(classScores)
		classScores.Close()

		objectness := row.GetFloatAt(0, 4)
		score := objectness * maxVal
		if score < d.minScore || maxLoc.X >= len(d.classNames) {
			row.Close()
			continue
		}

		cx := row.GetFloatAt(0, 0) * float32(dnnInputSize) * scaleX
		cy := row.GetFloatAt(0, 1) * float32(dnnInputSize) * scaleY
		w := row.GetFloatAt(0, 2) * float32(dnnInputSize) * scaleX
		h := row.GetFloatAt(0, 3) * float32(dnnInputSize) * scaleY
		row.Close()

		left := int(cx - w/2)
		top := int(cy - h/2)
		boxes = append(boxes, image.Rect(left, top, left+int(w), top+int(h)))
		scores = append(scores, score)
		classIDs = append(classIDs, maxLoc.X)
	}
	if len(boxes) == 0 {
		return nil
	}

	keep := gocv.NMSBoxes(boxes, scores, d.minScore, dnnNMSThreshold)
	detections := make([]anpr.Detection, 0, len(keep))
	for _, idx := range keep {
		detections = append(detections, anpr.Detection{
			Box:        boxes[idx],
			Confidence: float64(scores[idx]),
			Class:      d.classNames[classIDs[idx]],
		})
	}
	return detections
}

// Close releases the network.
func (d *DNNDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
