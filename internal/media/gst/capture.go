// Package gst implements media.Capture on GStreamer. The element chain is
// the classic Raspberry Pi one: camera source -> convert/scale -> H.264
// encode (V4L2 stateful hardware encoder, or x264 in software) -> parse ->
// appsink handing byte-stream access units to the pipeline.
package gst

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/rpicam/camserver/internal/config"
	"github.com/rpicam/camserver/internal/core"
	"github.com/rpicam/camserver/internal/media"
)

// EncoderKind selects the H.264 encoder element.
type EncoderKind int

const (
	EncoderHardware EncoderKind = iota // v4l2h264enc
	EncoderSoftware                    // x264enc
)

func (k EncoderKind) String() string {
	if k == EncoderHardware {
		return "hardware"
	}
	return "software"
}

// Options describe the capture chain beyond the common media.Config.
type Options struct {
	Source     string // config.SourceLibcamera, SourceV4L2 or SourceTest
	V4L2Device string
	Encoder    EncoderKind
}

var initOnce sync.Once

// Capture drives one GStreamer pipeline and implements media.Capture.
// Start rebuilds the pipeline from scratch each time, so a Capture is
// reusable across linger-stop/restart cycles.
type Capture struct {
	cfg  media.Config
	opts Options

	mu        sync.Mutex
	pipeline  *gst.Pipeline
	sink      *gst.Element
	busStop   chan struct{}
	units     chan media.AccessUnit
	unitsOnce sync.Once
	err       error
	started   time.Time
}

func NewCapture(cfg media.Config, opts Options) *Capture {
	return &Capture{cfg: cfg, opts: opts}
}

// launch renders the gst-launch pipeline description for the configured
// source and encoder.
func (c *Capture) launch() (string, error) {
	var src string
	switch c.opts.Source {
	case config.SourceLibcamera:
		src = "libcamerasrc"
	case config.SourceV4L2:
		src = "v4l2src"
		if c.opts.V4L2Device != "" {
			src = fmt.Sprintf("v4l2src device=%s", c.opts.V4L2Device)
		}
	case config.SourceTest:
		src = "videotestsrc is-live=true pattern=smpte"
	default:
		return "", fmt.Errorf("%w: source %q", core.ErrConfigInvalid, c.opts.Source)
	}

	caps := fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%d/1",
		c.cfg.Width, c.cfg.Height, c.cfg.FPS)

	var enc, preEncCaps string
	if c.opts.Encoder == EncoderHardware {
		// The V4L2 stateful encoder takes its bitrate in bps and wants NV12.
		enc = fmt.Sprintf("v4l2h264enc extra-controls=controls,video_bitrate=%d", c.cfg.BitrateBps)
		preEncCaps = "video/x-raw,format=NV12"
	} else {
		enc = fmt.Sprintf("x264enc bitrate=%d tune=zerolatency speed-preset=ultrafast key-int-max=%d",
			max(1, c.cfg.BitrateBps/1000), max(1, c.cfg.FPS*2))
		preEncCaps = "video/x-raw,format=I420"
	}

	return fmt.Sprintf(
		"%s ! %s ! videoconvert ! videoscale ! %s ! queue ! %s ! "+
			"h264parse config-interval=1 ! "+
			"video/x-h264,stream-format=byte-stream,alignment=au ! "+
			"appsink name=sink sync=false max-buffers=8 drop=true",
		src, caps, preEncCaps, enc), nil
}

// Start builds and plays the pipeline. Returns ErrEncoderUnavailable when
// the selected encoder element is missing (so the caller can retry with the
// software encoder) and ErrDeviceUnavailable when the source cannot open.
func (c *Capture) Start(ctx context.Context) error {
	initOnce.Do(func() { gst.Init(nil) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipeline != nil {
		return nil
	}

	if err := c.probeElements(); err != nil {
		return err
	}
	launch, err := c.launch()
	if err != nil {
		return err
	}

	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}

	sinkEl, err := pipeline.GetElementByName("sink")
	if err != nil {
		return fmt.Errorf("%w: appsink missing: %v", core.ErrConfigInvalid, err)
	}

	units := make(chan media.AccessUnit, 8)
	c.units = units
	c.unitsOnce = sync.Once{}
	c.err = nil
	c.started = time.Now()

	sink := app.SinkFromElement(sinkEl)
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(s *app.Sink) gst.FlowReturn {
			sample := s.PullSample()
			if sample == nil {
				return gst.FlowEOS
			}
			buffer := sample.GetBuffer()
			if buffer == nil {
				return gst.FlowError
			}
			mapInfo := buffer.Map(gst.MapRead)
			if mapInfo == nil {
				return gst.FlowError
			}
			data := make([]byte, len(mapInfo.Bytes()))
			copy(data, mapInfo.Bytes())
			buffer.Unmap()

			unit := media.AccessUnit{
				Data:     data,
				Keyframe: buffer.GetFlags()&gst.BufferFlagDeltaUnit == 0,
				PTS:      time.Duration(buffer.PresentationTimestamp()),
				Duration: time.Duration(buffer.Duration()),
			}
			select {
			case units <- unit:
			default:
				// The pipeline run loop is stalled; shed this unit here
				// rather than backing up into the encoder.
			}
			return gst.FlowOK
		},
	})

	// A GLib bus watch only fires from a running GLib main loop, which this
	// process does not have. Poll the bus from a goroutine instead.
	busStop := make(chan struct{})
	go c.watchBus(pipeline.GetPipelineBus(), busStop)

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		close(busStop)
		c.closeUnits()
		return fmt.Errorf("%w: %v", core.ErrDeviceUnavailable, err)
	}

	c.pipeline = pipeline
	c.sink = sinkEl
	c.busStop = busStop
	log.Info().Str("module", "gst").
		Str("source", c.opts.Source).
		Str("encoder", c.opts.Encoder.String()).
		Str("launch", launch).
		Msg("capture playing")
	return nil
}

// probeElements verifies the source and encoder elements exist before the
// launch string is parsed, so missing plugins map onto the error taxonomy
// instead of a generic parse failure.
func (c *Capture) probeElements() error {
	srcElement := map[string]string{
		config.SourceLibcamera: "libcamerasrc",
		config.SourceV4L2:      "v4l2src",
		config.SourceTest:      "videotestsrc",
	}[c.opts.Source]
	if srcElement == "" {
		return fmt.Errorf("%w: source %q", core.ErrConfigInvalid, c.opts.Source)
	}
	if el, err := gst.NewElement(srcElement); err != nil {
		return fmt.Errorf("%w: element %s: %v", core.ErrDeviceUnavailable, srcElement, err)
	} else {
		el.Unref()
	}

	encElement := "x264enc"
	if c.opts.Encoder == EncoderHardware {
		encElement = "v4l2h264enc"
	}
	if el, err := gst.NewElement(encElement); err != nil {
		return fmt.Errorf("%w: element %s: %v", core.ErrEncoderUnavailable, encElement, err)
	} else {
		el.Unref()
	}
	return nil
}

// watchBus drains error and EOS messages off the pipeline bus. It exits on
// the first fatal message or when stop closes at teardown.
func (c *Capture) watchBus(bus *gst.Bus, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		msg := bus.TimedPopFiltered(gst.ClockTime(100*time.Millisecond), gst.MessageError|gst.MessageEOS)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			log.Error().Str("module", "gst").Str("error", gerr.Error()).
				Str("debug", gerr.DebugString()).Msg("pipeline error")
			c.failf("%w: %v", core.ErrDeviceUnavailable, gerr.Error())
			return
		case gst.MessageEOS:
			log.Warn().Str("module", "gst").Msg("unexpected EOS")
			c.failf("%w: end of stream", core.ErrDeviceUnavailable)
			return
		}
	}
}

func (c *Capture) failf(format string, args ...any) {
	c.mu.Lock()
	if c.err == nil {
		c.err = fmt.Errorf(format, args...)
	}
	c.mu.Unlock()
	c.closeUnits()
}

func (c *Capture) closeUnits() {
	c.unitsOnce.Do(func() {
		if c.units != nil {
			close(c.units)
		}
	})
}

// Stop tears the pipeline down and releases the device. Idempotent.
func (c *Capture) Stop() {
	c.mu.Lock()
	pipeline := c.pipeline
	c.pipeline = nil
	c.sink = nil
	busStop := c.busStop
	c.busStop = nil
	c.mu.Unlock()

	if busStop != nil {
		close(busStop)
	}
	if pipeline != nil {
		if err := pipeline.SetState(gst.StateNull); err != nil {
			log.Error().Err(err).Str("module", "gst").Msg("set state null")
		}
		log.Info().Str("module", "gst").Msg("capture stopped")
	}
	c.closeUnits()
}

func (c *Capture) Units() <-chan media.AccessUnit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.units
}

func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ForceKeyframe sends an upstream force-key-unit event from the sink so the
// encoder emits an IDR frame with headers for the next access unit.
func (c *Capture) ForceKeyframe() {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink == nil {
		return
	}
	st := gst.NewStructure("GstForceKeyUnit")
	if err := st.SetValue("all-headers", true); err != nil {
		log.Error().Err(err).Str("module", "gst").Msg("force-key-unit structure")
		return
	}
	ev := gst.NewCustomEvent(gst.EventTypeCustomUpstream, st)
	if ok := sink.SendEvent(ev); !ok {
		log.Warn().Str("module", "gst").Msg("force-key-unit event not handled")
	}
}
