// Package api exposes the HTTP control surface: camera lifecycle, record
// queries and the MJPEG live stream per camera.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/platewatch-data/platewatch/internal/anpr"
	"github.com/platewatch-data/platewatch/internal/anpr/stream"
	"github.com/platewatch-data/platewatch/internal/httputil"
	"github.com/platewatch-data/platewatch/internal/version"
)

// RecordLister is the slice of the record store the API needs.
type RecordLister interface {
	ListRecent(limit int) ([]*anpr.ConsolidatedRecord, error)
}

// Server wires the orchestrator and record store into HTTP handlers.
type Server struct {
	orch    *stream.Orchestrator
	records RecordLister
}

// NewServer returns a server over the given collaborators.
func NewServer(orch *stream.Orchestrator, records RecordLister) *Server {
	return &Server{orch: orch, records: records}
}

// ServeMux returns the route table for the server.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/cameras/start", s.handleCameraStart)
	mux.HandleFunc("POST /api/cameras/stop", s.handleCameraStop)
	mux.HandleFunc("GET /api/cameras", s.handleCameraList)
	mux.HandleFunc("GET /api/records", s.handleRecordList)
	mux.HandleFunc("GET /stream/{camera}", s.handleStream)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

type cameraRequest struct {
	CameraID string `json:"camera_id"`
	Source   string `json:"source"`
}

func (s *Server) handleCameraStart(w http.ResponseWriter, r *http.Request) {
	var req cameraRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("decode request: %v", err))
		return
	}
	if req.CameraID == "" || req.Source == "" {
		httputil.BadRequest(w, "camera_id and source are required")
		return
	}
	if err := s.orch.Start(req.CameraID, req.Source); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"camera_id": req.CameraID, "status": "running"})
}

func (s *Server) handleCameraStop(w http.ResponseWriter, r *http.Request) {
	var req cameraRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("decode request: %v", err))
		return
	}
	if req.CameraID == "" {
		httputil.BadRequest(w, "camera_id is required")
		return
	}
	if err := s.orch.Stop(req.CameraID); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"camera_id": req.CameraID, "status": "stopped"})
}

func (s *Server) handleCameraList(w http.ResponseWriter, r *http.Request) {
	sessions := s.orch.Sessions()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"cameras": sessions,
		"count":   len(sessions),
	})
}

// Record listing bounds. Requests above the maximum are clamped rather than
// rejected so dashboards asking for "everything" still get a bounded page.
const (
	defaultRecordLimit = 50
	maxRecordLimit     = 500
)

func (s *Server) handleRecordList(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecordLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = min(n, maxRecordLimit)
	}
	records, err := s.records.ListRecent(limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if records == nil {
		records = []*anpr.ConsolidatedRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

const mjpegBoundary = "platewatchframe"

// handleStream subscribes the client to the camera's broadcast and relays
// frames as multipart/x-mixed-replace until the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	cameraID := r.PathValue("camera")

	sub := newStreamSubscriber(8)
	subID, err := s.orch.Subscribe(cameraID, sub)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	defer func() {
		s.orch.Unsubscribe(cameraID, subID)
		sub.close()
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-sub.frames:
			if !ok {
				return
			}
			_, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n",
				mjpegBoundary, len(payload))
			if err != nil {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			if _, err := fmt.Fprint(w, "\r\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// streamSubscriber buffers broadcast frames toward one HTTP client. A full
// buffer drops the frame so a slow client only loses frames, never stalls
// the camera loop; a closed subscriber reports an error so the loop evicts it.
type streamSubscriber struct {
	frames chan []byte

	mu     sync.Mutex
	closed bool
}

func newStreamSubscriber(depth int) *streamSubscriber {
	return &streamSubscriber{frames: make(chan []byte, depth)}
}

// Send implements anpr.Subscriber.
func (s *streamSubscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("subscriber closed")
	}
	select {
	case s.frames <- payload:
	default:
	}
	return nil
}

func (s *streamSubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}

// writeOrchestratorError maps orchestrator errors onto the response helpers.
func writeOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, stream.ErrCameraCapacity), errors.Is(err, stream.ErrSubscriberCapacity):
		httputil.TooManyRequests(w, err.Error())
	case errors.Is(err, stream.ErrCameraNotRunning):
		httputil.NotFound(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}
