// Package sqlite persists consolidated plate records. It is an adapter, not
// a domain layer; the pipeline only sees the anpr.PersistenceSink interface.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/platewatch-data/platewatch/internal/anpr"
)

// Open opens (or creates) the database at path and applies the connection
// pragmas suited to a single-writer stream workload.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// RecordStore provides persistence for consolidated plate records.
type RecordStore struct {
	db *sql.DB
}

// NewRecordStore creates a RecordStore over an open database.
func NewRecordStore(db *sql.DB) *RecordStore {
	return &RecordStore{db: db}
}

// Insert persists a record. If the ID is empty a UUID is generated.
func (s *RecordStore) Insert(rec *anpr.ConsolidatedRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CapturedAt.IsZero() {
		rec.CapturedAt = time.Now()
	}

	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO plate_records (
				record_id, camera_id, vehicle_class, plate, confidence,
				direction, image_path, track_id, frames_to_plate, frame_index, captured_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.CameraID, rec.VehicleClass, rec.Plate, rec.Confidence,
			string(rec.Direction), rec.ImagePath, rec.TrackID, rec.FramesToPlate,
			rec.FrameIndex, rec.CapturedAt.UnixNano(),
		)
		return err
	})
}

// Save implements anpr.PersistenceSink.
func (s *RecordStore) Save(rec *anpr.ConsolidatedRecord) error {
	return s.Insert(rec)
}

// ListRecent returns up to limit records ordered by capture time descending.
func (s *RecordStore) ListRecent(limit int) ([]*anpr.ConsolidatedRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT record_id, camera_id, vehicle_class, plate, confidence,
		       direction, image_path, track_id, frames_to_plate, frame_index, captured_at
		FROM plate_records
		ORDER BY captured_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []*anpr.ConsolidatedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountByCamera returns the number of records stored for one camera.
func (s *RecordStore) CountByCamera(cameraID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM plate_records WHERE camera_id = ?`, cameraID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records for %s: %w", cameraID, err)
	}
	return n, nil
}

func scanRecord(rows *sql.Rows) (*anpr.ConsolidatedRecord, error) {
	var rec anpr.ConsolidatedRecord
	var direction string
	var imagePath sql.NullString
	var capturedAt int64
	err := rows.Scan(
		&rec.ID, &rec.CameraID, &rec.VehicleClass, &rec.Plate, &rec.Confidence,
		&direction, &imagePath, &rec.TrackID, &rec.FramesToPlate, &rec.FrameIndex, &capturedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}
	rec.Direction = anpr.Direction(direction)
	rec.ImagePath = imagePath.String
	rec.CapturedAt = time.Unix(0, capturedAt)
	return &rec, nil
}

// retryOnBusy retries f a few times when sqlite reports a locked database.
// Non-busy errors fail immediately.
func retryOnBusy(f func() error) error {
	const maxAttempts = 5
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 10 * time.Millisecond)
		}
		err = f()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
