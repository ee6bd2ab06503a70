package gst

import (
	"errors"
	"strings"
	"testing"

	"github.com/rpicam/camserver/internal/config"
	"github.com/rpicam/camserver/internal/core"
	"github.com/rpicam/camserver/internal/media"
)

func launchFor(t *testing.T, source string, enc EncoderKind) string {
	t.Helper()
	c := NewCapture(media.Config{Width: 1280, Height: 720, FPS: 30, BitrateBps: 2_500_000},
		Options{Source: source, V4L2Device: "/dev/video0", Encoder: enc})
	s, err := c.launch()
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestLaunchSourceSelection(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{config.SourceLibcamera, "libcamerasrc"},
		{config.SourceV4L2, "v4l2src device=/dev/video0"},
		{config.SourceTest, "videotestsrc is-live=true"},
	}
	for _, tt := range tests {
		s := launchFor(t, tt.source, EncoderHardware)
		if !strings.HasPrefix(s, tt.want) {
			t.Errorf("source %s: launch = %q, want prefix %q", tt.source, s, tt.want)
		}
	}
}

func TestLaunchHardwareEncoderChain(t *testing.T) {
	s := launchFor(t, config.SourceLibcamera, EncoderHardware)
	for _, part := range []string{
		"video/x-raw,width=1280,height=720,framerate=30/1",
		"v4l2h264enc extra-controls=controls,video_bitrate=2500000",
		"format=NV12",
		"h264parse config-interval=1",
		"stream-format=byte-stream,alignment=au",
		"appsink name=sink sync=false",
	} {
		if !strings.Contains(s, part) {
			t.Errorf("launch missing %q:\n%s", part, s)
		}
	}
}

func TestLaunchSoftwareEncoderChain(t *testing.T) {
	s := launchFor(t, config.SourceTest, EncoderSoftware)
	for _, part := range []string{
		"x264enc bitrate=2500 tune=zerolatency speed-preset=ultrafast key-int-max=60",
		"format=I420",
	} {
		if !strings.Contains(s, part) {
			t.Errorf("launch missing %q:\n%s", part, s)
		}
	}
	if strings.Contains(s, "v4l2h264enc") {
		t.Error("software chain still references the hardware encoder")
	}
}

func TestLaunchRejectsUnknownSource(t *testing.T) {
	c := NewCapture(media.Config{Width: 640, Height: 480, FPS: 30, BitrateBps: 1_000_000},
		Options{Source: "screen"})
	if _, err := c.launch(); !errors.Is(err, core.ErrConfigInvalid) {
		t.Errorf("launch error = %v, want ErrConfigInvalid", err)
	}
}

func TestEncoderKindString(t *testing.T) {
	if EncoderHardware.String() != "hardware" || EncoderSoftware.String() != "software" {
		t.Errorf("EncoderKind strings = %q/%q", EncoderHardware, EncoderSoftware)
	}
}
