package stream

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platewatch-data/platewatch/internal/anpr"
	"github.com/platewatch-data/platewatch/internal/anpr/pipeline"
)

type nopFrame struct{}

func (nopFrame) Bounds() image.Rectangle { return image.Rect(0, 0, 64, 48) }
func (nopFrame) Region(image.Rectangle) (anpr.Frame, error) {
	return nil, errors.New("no regions")
}
func (nopFrame) Close() error { return nil }

type nopDetector struct{}

func (nopDetector) Detect(anpr.Frame) ([]anpr.Detection, error) { return nil, nil }

type nopTracker struct{}

func (nopTracker) Update([]anpr.Detection) ([]anpr.TrackedBox, error) { return nil, nil }

type nopReader struct{}

func (nopReader) Read(anpr.Frame) ([]anpr.TextObservation, error) { return nil, nil }

func testPipeline(cameraID string) (*pipeline.Pipeline, error) {
	return pipeline.New(pipeline.Config{
		CameraID:        cameraID,
		VehicleDetector: nopDetector{},
		PlateDetector:   nopDetector{},
		Tracker:         nopTracker{},
		Reader:          nopReader{},
	})
}

// tickSource yields a frame every millisecond until closed.
type tickSource struct {
	closed atomic.Bool
}

func (s *tickSource) Read() (anpr.Frame, error) {
	if s.closed.Load() {
		return nil, errors.New("source closed")
	}
	time.Sleep(time.Millisecond)
	return nopFrame{}, nil
}

func (s *tickSource) Close() error {
	s.closed.Store(true)
	return nil
}

type tickOpener struct {
	mu     sync.Mutex
	opened int
	fail   bool
}

func (o *tickOpener) Open(source string) (FrameSource, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened++
	if o.fail {
		return nil, fmt.Errorf("cannot open %q", source)
	}
	return &tickSource{}, nil
}

// failingSource errors on every read, forcing the loop into reconnection.
type failingSource struct{}

func (failingSource) Read() (anpr.Frame, error) { return nil, errors.New("decode failed") }
func (failingSource) Close() error              { return nil }

// brokenOpener hands out one always-failing source, then refuses every
// reopen attempt.
type brokenOpener struct {
	mu    sync.Mutex
	opens int
}

func (o *brokenOpener) Open(string) (FrameSource, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if o.opens == 1 {
		return failingSource{}, nil
	}
	return nil, errors.New("camera unreachable")
}

func (o *brokenOpener) opened() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

type countEncoder struct{}

func (countEncoder) Encode(anpr.Frame) ([]byte, error) { return []byte("jpeg"), nil }

type countSubscriber struct {
	received atomic.Int64
	fail     bool
}

func (s *countSubscriber) Send([]byte) error {
	if s.fail {
		return errors.New("gone")
	}
	s.received.Add(1)
	return nil
}

func newTestOrchestrator(t *testing.T, mutate func(*Config)) *Orchestrator {
	t.Helper()
	cfg := Config{
		Opener:            &tickOpener{},
		Encoder:           countEncoder{},
		NewPipeline:       testPipeline,
		StopTimeout:       100 * time.Millisecond,
		ReopenDelay:       time.Millisecond,
		MaxReopenAttempts: 1,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.StopAll() })
	return o
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestCameraCapacity(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, func(c *Config) { c.MaxCameras = 2 })

	require.NoError(t, o.Start("cam-1", "src-1"))
	require.NoError(t, o.Start("cam-2", "src-2"))

	err := o.Start("cam-3", "src-3")
	require.ErrorIs(t, err, ErrCameraCapacity)

	// Stopping a camera frees its slot for the rejected one.
	require.NoError(t, o.Stop("cam-1"))
	assert.NoError(t, o.Start("cam-3", "src-3"))
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, func(c *Config) { c.MaxCameras = 1 })

	require.NoError(t, o.Start("cam-1", "src-1"))
	require.NoError(t, o.Start("cam-1", "src-1"))
	assert.Len(t, o.Sessions(), 1)
}

func TestStopUnknownCamera(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, nil)
	assert.ErrorIs(t, o.Stop("nope"), ErrCameraNotRunning)
}

func TestSubscriberCapacity(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, func(c *Config) { c.MaxSubscribers = 2 })
	require.NoError(t, o.Start("cam-1", "src-1"))

	_, err := o.Subscribe("cam-1", &countSubscriber{})
	require.NoError(t, err)
	id2, err := o.Subscribe("cam-1", &countSubscriber{})
	require.NoError(t, err)

	_, err = o.Subscribe("cam-1", &countSubscriber{})
	require.ErrorIs(t, err, ErrSubscriberCapacity)

	// Unsubscribing frees a seat.
	o.Unsubscribe("cam-1", id2)
	_, err = o.Subscribe("cam-1", &countSubscriber{})
	assert.NoError(t, err)
}

func TestSubscribeToUnknownCamera(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, nil)
	_, err := o.Subscribe("nope", &countSubscriber{})
	assert.ErrorIs(t, err, ErrCameraNotRunning)
}

func TestBroadcastAndDeadSubscriberEviction(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, nil)
	require.NoError(t, o.Start("cam-1", "src-1"))

	healthy := &countSubscriber{}
	dead := &countSubscriber{fail: true}
	_, err := o.Subscribe("cam-1", healthy)
	require.NoError(t, err)
	_, err = o.Subscribe("cam-1", dead)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return healthy.received.Load() > 0
	}, time.Second, 5*time.Millisecond, "healthy subscriber should receive frames")

	assert.Eventually(t, func() bool {
		sessions := o.Sessions()
		return len(sessions) == 1 && sessions[0].Subscribers == 1
	}, time.Second, 5*time.Millisecond, "dead subscriber should be evicted")
}

func TestOpenFailureReleasesSlot(t *testing.T) {
	t.Parallel()
	opener := &tickOpener{fail: true}
	o := newTestOrchestrator(t, func(c *Config) {
		c.Opener = opener
		c.MaxCameras = 1
	})

	require.NoError(t, o.Start("cam-1", "src-1"))
	assert.Eventually(t, func() bool {
		return len(o.Sessions()) == 0
	}, time.Second, 5*time.Millisecond, "failed session should reap itself")

	// The slot must be free again despite the failed start.
	opener.mu.Lock()
	opener.fail = false
	opener.mu.Unlock()
	assert.NoError(t, o.Start("cam-2", "src-2"))
}

func TestReopenExhaustionEndsLoopGracefully(t *testing.T) {
	t.Parallel()
	opener := &brokenOpener{}
	o := newTestOrchestrator(t, func(c *Config) {
		c.Opener = opener
		c.MaxCameras = 1
		c.MaxReopenAttempts = 2
	})

	require.NoError(t, o.Start("cam-1", "src-1"))
	assert.Eventually(t, func() bool {
		return len(o.Sessions()) == 0
	}, time.Second, 5*time.Millisecond, "loop should terminate once reopen attempts are exhausted")

	// Initial open plus the bounded reopen attempts, nothing more.
	assert.Equal(t, 3, opener.opened())

	// The slot is reclaimed, so the camera can be started again.
	assert.NoError(t, o.Start("cam-1", "src-1"))
}

func TestStopDuringReconnect(t *testing.T) {
	t.Parallel()
	opener := &brokenOpener{}
	o := newTestOrchestrator(t, func(c *Config) {
		c.Opener = opener
		c.ReopenDelay = time.Second
		c.MaxReopenAttempts = 10
	})

	require.NoError(t, o.Start("cam-1", "src-1"))
	assert.Eventually(t, func() bool {
		return opener.opened() >= 1
	}, time.Second, time.Millisecond, "loop should reach its source")

	// The loop is now waiting out the reopen delay; stop must interrupt the
	// wait and tear the session down cleanly.
	require.NoError(t, o.Stop("cam-1"))
	assert.Empty(t, o.Sessions())
}

func TestStopAll(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, nil)
	for i := 1; i <= 3; i++ {
		require.NoError(t, o.Start(fmt.Sprintf("cam-%d", i), "src"))
	}
	require.NoError(t, o.StopAll())
	assert.Empty(t, o.Sessions())
}

func TestSessionsReportFrameCounts(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, nil)
	require.NoError(t, o.Start("cam-1", "src-1"))

	assert.Eventually(t, func() bool {
		sessions := o.Sessions()
		return len(sessions) == 1 && sessions[0].Frames > 0
	}, time.Second, 5*time.Millisecond)

	status := o.Sessions()[0]
	assert.Equal(t, "cam-1", status.CameraID)
	assert.Equal(t, "src-1", status.Source)
}
