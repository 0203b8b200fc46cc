package camera

import (
	"errors"
	"fmt"
	"sync"

	"github.com/otiai10/gosseract/v2"
	"gocv.io/x/gocv"

	"github.com/platewatch-data/platewatch/internal/anpr"
)

// TesseractReader extracts text candidates from plate region crops.
// The gosseract client is not goroutine safe, so one reader belongs to
// exactly one pipeline; the mutex only protects against accidental sharing.
type TesseractReader struct {
	mu     sync.Mutex
	client *gosseract.Client
}

// NewTesseractReader creates a reader for the given languages
// (e.g. "eng", "spa"). The whitelist is restricted to plate glyphs.
func NewTesseractReader(languages ...string) (*TesseractReader, error) {
	client := gosseract.NewClient()
	if len(languages) > 0 {
		if err := client.SetLanguage(languages...); err != nil {
			client.Close()
			return nil, fmt.Errorf("set ocr languages: %w", err)
		}
	}
	if err := client.SetWhitelist("ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-"); err != nil {
		client.Close()
		return nil, fmt.Errorf("set ocr whitelist: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		client.Close()
		return nil, fmt.Errorf("set page seg mode: %w", err)
	}
	return &TesseractReader{client: client}, nil
}

// Read implements anpr.TextReader. The crop is grayscaled and re-encoded as
// PNG before being handed to tesseract; word confidences come back in the
// 0..100 range and are normalized to 0..1.
func (r *TesseractReader) Read(f anpr.Frame) ([]anpr.TextObservation, error) {
	mf, ok := f.(*MatFrame)
	if !ok {
		return nil, errors.New("ocr: frame is not mat-backed")
	}
	mat := mf.Mat()
	if mat.Empty() {
		return nil, nil
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)

	buf, err := gocv.IMEncode(gocv.PNGFileExt, gray)
	if err != nil {
		return nil, fmt.Errorf("encode ocr crop: %w", err)
	}
	encoded := make([]byte, buf.Len())
	copy(encoded, buf.GetBytes())
	buf.Close()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.client.SetImageFromBytes(encoded); err != nil {
		return nil, fmt.Errorf("set ocr image: %w", err)
	}
	boxes, err := r.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("ocr bounding boxes: %w", err)
	}

	observations := make([]anpr.TextObservation, 0, len(boxes))
	for _, box := range boxes {
		if box.Word == "" {
			continue
		}
		observations = append(observations, anpr.TextObservation{
			Text:       box.Word,
			Confidence: box.Confidence / 100.0,
		})
	}
	return observations, nil
}

// Close releases the tesseract client.
func (r *TesseractReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client.Close()
}
