package camera

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"

	"github.com/platewatch-data/platewatch/internal/anpr"
	"github.com/platewatch-data/platewatch/internal/security"
)

// SnapshotWriter saves the full frame that produced a consolidated record as
// a JPEG named <plate>_<trackID>_<frameIndex>.jpg under dir.
type SnapshotWriter struct {
	dir string
}

// NewSnapshotWriter creates dir if needed.
func NewSnapshotWriter(dir string) (*SnapshotWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir %q: %w", dir, err)
	}
	return &SnapshotWriter{dir: dir}, nil
}

// SaveSnapshot implements anpr.Snapshotter.
func (w *SnapshotWriter) SaveSnapshot(f anpr.Frame, rec *anpr.ConsolidatedRecord) (string, error) {
	mf, ok := f.(*MatFrame)
	if !ok {
		return "", errors.New("snapshot: frame is not mat-backed")
	}
	name := fmt.Sprintf("%s_%d_%d.jpg",
		security.SanitizeFilenameComponent(rec.Plate), rec.TrackID, rec.FrameIndex)
	path := filepath.Join(w.dir, name)
	if err := security.ValidatePathWithinDirectory(path, w.dir); err != nil {
		return "", fmt.Errorf("snapshot path rejected: %w", err)
	}
	if ok := gocv.IMWrite(path, mf.Mat()); !ok {
		return "", fmt.Errorf("write snapshot %q failed", path)
	}
	return path, nil
}
