// Package stream owns one concurrent processing loop per camera: frames are
// read from the source, run through that camera's tracking pipeline, encoded
// and broadcast to every subscriber. Capacity ceilings are enforced
// synchronously and dead subscribers are evicted on send failure.
package stream

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/platewatch-data/platewatch/internal/anpr"
	"github.com/platewatch-data/platewatch/internal/anpr/pipeline"
	"github.com/platewatch-data/platewatch/internal/monitoring"
)

// Capacity and recovery defaults.
const (
	DefaultMaxCameras        = 20
	DefaultMaxSubscribers    = 50
	DefaultStopTimeout       = 5 * time.Second
	DefaultReopenDelay       = time.Second
	DefaultMaxReopenAttempts = 5
)

// Capacity errors are rejected synchronously at the call that would exceed
// the limit; the caller decides retry or backoff.
var (
	ErrCameraCapacity     = errors.New("camera capacity reached")
	ErrSubscriberCapacity = errors.New("subscriber capacity reached")
	ErrCameraNotRunning   = errors.New("camera is not running")
)

// FrameSource yields frames from an opened camera or stream.
type FrameSource interface {
	// Read returns the next frame. The caller owns closing it.
	Read() (anpr.Frame, error)
	Close() error
}

// SourceOpener opens a camera source descriptor (device index, file path or
// stream URL).
type SourceOpener interface {
	Open(source string) (FrameSource, error)
}

// Encoder converts an annotated frame into the compact broadcast payload.
type Encoder interface {
	Encode(f anpr.Frame) ([]byte, error)
}

// PipelineFactory builds the tracking pipeline owned by one camera loop.
type PipelineFactory func(cameraID string) (*pipeline.Pipeline, error)

// Config holds the orchestrator's collaborators and limits. Zero limits fall
// back to the package defaults.
type Config struct {
	Opener      SourceOpener
	Encoder     Encoder
	NewPipeline PipelineFactory

	MaxCameras        int
	MaxSubscribers    int
	StopTimeout       time.Duration
	ReopenDelay       time.Duration
	MaxReopenAttempts int
}

// SessionStatus is a point-in-time summary of one running camera loop.
type SessionStatus struct {
	CameraID    string `json:"camera_id"`
	Source      string `json:"source"`
	Frames      int64  `json:"frames"`
	Subscribers int    `json:"subscribers"`
}

// Orchestrator starts, stops and observes camera loops and maintains their
// subscriber sets. All methods are safe for concurrent use.
type Orchestrator struct {
	cfg   Config
	slots *semaphore.Weighted

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	cameraID string
	source   string

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	subMu sync.Mutex
	subs  map[string]anpr.Subscriber

	frames  atomic.Int64
	release sync.Once
}

// New returns an orchestrator. Opener, Encoder and NewPipeline are required.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Opener == nil || cfg.Encoder == nil || cfg.NewPipeline == nil {
		return nil, errors.New("stream: opener, encoder and pipeline factory are required")
	}
	if cfg.MaxCameras <= 0 {
		cfg.MaxCameras = DefaultMaxCameras
	}
	if cfg.MaxSubscribers <= 0 {
		cfg.MaxSubscribers = DefaultMaxSubscribers
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.ReopenDelay <= 0 {
		cfg.ReopenDelay = DefaultReopenDelay
	}
	if cfg.MaxReopenAttempts <= 0 {
		cfg.MaxReopenAttempts = DefaultMaxReopenAttempts
	}
	return &Orchestrator{
		cfg:      cfg,
		slots:    semaphore.NewWeighted(int64(cfg.MaxCameras)),
		sessions: make(map[string]*session),
	}, nil
}

// Start launches the processing loop for cameraID reading from source. It is
// idempotent while a loop for the camera is already running, and returns
// ErrCameraCapacity when the concurrent-camera ceiling is reached.
func (o *Orchestrator) Start(cameraID, source string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, running := o.sessions[cameraID]; running {
		return nil
	}
	if !o.slots.TryAcquire(1) {
		return fmt.Errorf("start %s: %w", cameraID, ErrCameraCapacity)
	}

	pl, err := o.cfg.NewPipeline(cameraID)
	if err != nil {
		o.slots.Release(1)
		return fmt.Errorf("start %s: %w", cameraID, err)
	}

	s := &session{
		cameraID: cameraID,
		source:   source,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		subs:     make(map[string]anpr.Subscriber),
	}
	o.sessions[cameraID] = s

	go o.run(s, pl)
	return nil
}

// Stop signals the camera loop to terminate and waits up to the configured
// timeout for a graceful exit. The slot and subscriber set are reclaimed
// regardless, so stop never deadlocks on a stuck loop.
func (o *Orchestrator) Stop(cameraID string) error {
	o.mu.Lock()
	s, ok := o.sessions[cameraID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("stop %s: %w", cameraID, ErrCameraNotRunning)
	}

	s.stopOnce.Do(func() { close(s.stop) })

	select {
	case <-s.done:
	case <-time.After(o.cfg.StopTimeout):
		monitoring.Logf("stream: camera %s did not stop within %v, reclaiming slot", cameraID, o.cfg.StopTimeout)
	}

	o.reap(s)
	return nil
}

// StopAll stops every running camera concurrently.
func (o *Orchestrator) StopAll() error {
	o.mu.Lock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := o.Stop(id); err != nil && !errors.Is(err, ErrCameraNotRunning) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Subscribe registers sub for cameraID's broadcast and returns the handle id
// used to unsubscribe. It rejects with ErrSubscriberCapacity past the
// per-camera ceiling and ErrCameraNotRunning when no loop exists.
func (o *Orchestrator) Subscribe(cameraID string, sub anpr.Subscriber) (string, error) {
	o.mu.Lock()
	s, ok := o.sessions[cameraID]
	o.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("subscribe %s: %w", cameraID, ErrCameraNotRunning)
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	if len(s.subs) >= o.cfg.MaxSubscribers {
		return "", fmt.Errorf("subscribe %s: %w", cameraID, ErrSubscriberCapacity)
	}
	id := uuid.New().String()
	s.subs[id] = sub
	return id, nil
}

// Unsubscribe removes a subscriber handle. Unknown ids are ignored.
func (o *Orchestrator) Unsubscribe(cameraID, subID string) {
	o.mu.Lock()
	s, ok := o.sessions[cameraID]
	o.mu.Unlock()
	if !ok {
		return
	}
	s.subMu.Lock()
	delete(s.subs, subID)
	s.subMu.Unlock()
}

// Sessions returns a status snapshot of every running camera loop.
func (o *Orchestrator) Sessions() []SessionStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]SessionStatus, 0, len(o.sessions))
	for _, s := range o.sessions {
		s.subMu.Lock()
		n := len(s.subs)
		s.subMu.Unlock()
		out = append(out, SessionStatus{
			CameraID:    s.cameraID,
			Source:      s.source,
			Frames:      s.frames.Load(),
			Subscribers: n,
		})
	}
	return out
}

// reap removes the session and reclaims its resources. Safe to call from
// both Stop and the loop's own exit path; the slot is released exactly once.
func (o *Orchestrator) reap(s *session) {
	o.mu.Lock()
	if current, ok := o.sessions[s.cameraID]; ok && current == s {
		delete(o.sessions, s.cameraID)
	}
	o.mu.Unlock()

	s.subMu.Lock()
	s.subs = make(map[string]anpr.Subscriber)
	s.subMu.Unlock()

	s.release.Do(func() { o.slots.Release(1) })
}

// run is the per-camera processing loop. It owns the frame source and the
// pipeline; no other goroutine touches either.
func (o *Orchestrator) run(s *session, pl *pipeline.Pipeline) {
	defer close(s.done)
	defer o.reap(s)

	src, err := o.cfg.Opener.Open(s.source)
	if err != nil {
		monitoring.Logf("stream: camera %s: cannot open source %q: %v", s.cameraID, s.source, err)
		return
	}
	// src is nil after a failed reopen; the loop already logged and is
	// terminating at that point.
	defer func() {
		if src != nil {
			src.Close()
		}
	}()

	monitoring.Logf("stream: camera %s started on %q", s.cameraID, s.source)

	frameIndex := 0
	for {
		select {
		case <-s.stop:
			monitoring.Logf("stream: camera %s stopping after %d frames", s.cameraID, frameIndex)
			return
		default:
		}

		frame, err := src.Read()
		if err != nil {
			src, err = o.reopen(s, src)
			if err != nil {
				monitoring.Logf("stream: camera %s: %v, terminating loop", s.cameraID, err)
				return
			}
			continue
		}

		frameIndex++
		s.frames.Store(int64(frameIndex))

		if _, err := pl.ProcessFrame(frame, frameIndex, time.Now()); err != nil {
			monitoring.Logf("stream: camera %s: pipeline error at frame %d: %v", s.cameraID, frameIndex, err)
		}

		payload, err := o.cfg.Encoder.Encode(frame)
		frame.Close()
		if err != nil {
			monitoring.Logf("stream: camera %s: encode failed at frame %d: %v", s.cameraID, frameIndex, err)
			continue
		}

		o.broadcast(s, payload)
	}
}

// reopen closes the failed source and retries opening it a bounded number of
// times, pausing between attempts. A stop signal interrupts the wait.
func (o *Orchestrator) reopen(s *session, old FrameSource) (FrameSource, error) {
	old.Close()
	for attempt := 1; attempt <= o.cfg.MaxReopenAttempts; attempt++ {
		select {
		case <-s.stop:
			return nil, fmt.Errorf("stopped during reconnect")
		case <-time.After(o.cfg.ReopenDelay):
		}
		src, err := o.cfg.Opener.Open(s.source)
		if err == nil {
			monitoring.Logf("stream: camera %s reconnected to %q (attempt %d)", s.cameraID, s.source, attempt)
			return src, nil
		}
		monitoring.Logf("stream: camera %s reconnect attempt %d/%d failed: %v",
			s.cameraID, attempt, o.cfg.MaxReopenAttempts, err)
	}
	return nil, fmt.Errorf("source %q unreachable after %d attempts", s.source, o.cfg.MaxReopenAttempts)
}

// broadcast sends the payload to every current subscriber, evicting any
// whose send fails without aborting delivery to the others.
func (o *Orchestrator) broadcast(s *session, payload []byte) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	var dead []string
	for id, sub := range s.subs {
		if err := sub.Send(payload); err != nil {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		delete(s.subs, id)
	}
	if len(dead) > 0 {
		monitoring.Logf("stream: camera %s evicted %d dead subscriber(s)", s.cameraID, len(dead))
	}
}
