package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/rpicam/camserver/internal/media"
)

// stubCapture feeds canned access units into the pipeline.
type stubCapture struct {
	mu        sync.Mutex
	units     chan media.AccessUnit
	err       error
	keyframes atomic.Int64
}

func (c *stubCapture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.units = make(chan media.AccessUnit, 64)
	c.err = nil
	return nil
}

func (c *stubCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.units != nil {
		close(c.units)
		c.units = nil
	}
}

func (c *stubCapture) Units() <-chan media.AccessUnit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.units
}

func (c *stubCapture) ForceKeyframe() { c.keyframes.Add(1) }

func (c *stubCapture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// fail simulates the device dying while the pipeline is running.
func (c *stubCapture) fail(err error) {
	c.mu.Lock()
	c.err = err
	ch := c.units
	c.units = nil
	c.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (c *stubCapture) feed() {
	c.mu.Lock()
	ch := c.units
	c.mu.Unlock()
	if ch != nil {
		frame := make([]byte, 64)
		copy(frame, []byte{0, 0, 0, 1, 0x65})
		ch <- media.AccessUnit{Data: frame, Keyframe: true}
	}
}

// countingWriter implements RTPWriter; fails every write once failed is set.
type countingWriter struct {
	n      atomic.Int64
	failed atomic.Bool
}

func (w *countingWriter) WriteRTP(*rtp.Packet) error {
	if w.failed.Load() {
		return errors.New("track closed")
	}
	w.n.Add(1)
	return nil
}

func newTestSender(t *testing.T) (*Sender, *stubCapture, *media.Pipeline) {
	t.Helper()
	capture := &stubCapture{}
	pipeline, err := media.NewPipeline(media.Config{
		Width: 640, Height: 480, FPS: 30, BitrateBps: 1_000_000,
	}, capture, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pipeline.Stop)
	return NewSender(pipeline), capture, pipeline
}

func waitWrites(t *testing.T, w *countingWriter, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.n.Load() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("writer saw %d packets, want at least %d", w.n.Load(), want)
}

func TestSenderAttachForwardsAndRequestsKeyframe(t *testing.T) {
	sender, capture, _ := newTestSender(t)
	w := &countingWriter{}

	if err := sender.Attach("a", w); err != nil {
		t.Fatal(err)
	}
	if got := capture.keyframes.Load(); got != 1 {
		t.Errorf("keyframe requests after attach = %d, want 1", got)
	}

	capture.feed()
	waitWrites(t, w, 1)
}

func TestSenderDetachStopsForwarding(t *testing.T) {
	sender, capture, pipeline := newTestSender(t)
	w := &countingWriter{}

	if err := sender.Attach("a", w); err != nil {
		t.Fatal(err)
	}
	capture.feed()
	waitWrites(t, w, 1)

	sender.Detach("a")
	sender.Detach("a")
	if got := pipeline.Subscribers(); got != 0 {
		t.Errorf("subscribers after detach = %d, want 0", got)
	}

	before := w.n.Load()
	capture.feed()
	time.Sleep(50 * time.Millisecond)
	if got := w.n.Load(); got != before {
		t.Errorf("writer saw %d packets after detach, want %d", got, before)
	}
}

func TestSenderWriterErrorOnlyAffectsThatViewer(t *testing.T) {
	sender, capture, _ := newTestSender(t)
	bad, good := &countingWriter{}, &countingWriter{}
	bad.failed.Store(true)

	if err := sender.Attach("bad", bad); err != nil {
		t.Fatal(err)
	}
	if err := sender.Attach("good", good); err != nil {
		t.Fatal(err)
	}

	capture.feed()
	capture.feed()
	waitWrites(t, good, 2)
	if got := bad.n.Load(); got != 0 {
		t.Errorf("failing writer saw %d packets, want 0", got)
	}
}

func TestSenderRequestKeyframeReachesCapture(t *testing.T) {
	sender, capture, _ := newTestSender(t)
	w := &countingWriter{}
	if err := sender.Attach("a", w); err != nil {
		t.Fatal(err)
	}

	base := capture.keyframes.Load()
	sender.RequestKeyframe()
	if got := capture.keyframes.Load(); got != base+1 {
		t.Errorf("keyframe requests = %d, want %d", got, base+1)
	}
}
