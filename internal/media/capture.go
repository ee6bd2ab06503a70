// Package media owns the single capture-and-encode pipeline: camera in,
// H.264 access units out, RTP packets fanned out to any number of viewers.
// Encoding happens exactly once regardless of subscriber count.
package media

import (
	"context"
	"fmt"
	"time"

	"github.com/rpicam/camserver/internal/core"
)

// AccessUnit is one encoded H.264 frame as produced by the encoder.
type AccessUnit struct {
	Data     []byte
	Keyframe bool
	PTS      time.Duration
	Duration time.Duration
}

// Capture is the narrow façade over the camera device and encoder. The
// production implementation lives in media/gst; tests use in-memory fakes.
//
// Contract: Units() yields encoded access units until the capture stops.
// The channel is closed on Stop and on fatal device/encoder errors; after
// it closes, Err reports the failure cause (nil for a requested stop).
type Capture interface {
	Start(ctx context.Context) error
	Stop()
	Units() <-chan AccessUnit
	// ForceKeyframe asks the encoder to emit an immediate keyframe. It must
	// not block; requests may be coalesced.
	ForceKeyframe()
	Err() error
}

// Config describes the capture chain handed to the pipeline at start time.
type Config struct {
	Width      int
	Height     int
	FPS        int
	BitrateBps int
}

func (c Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: resolution %dx%d", core.ErrConfigInvalid, c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("%w: fps %d", core.ErrConfigInvalid, c.FPS)
	}
	if c.BitrateBps <= 0 {
		return fmt.Errorf("%w: bitrate %d", core.ErrConfigInvalid, c.BitrateBps)
	}
	return nil
}
