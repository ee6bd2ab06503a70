package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rpicam/camserver/internal/core"
)

// Video sources, matching the GStreamer elements they select.
const (
	SourceLibcamera = "libcamera"
	SourceV4L2      = "v4l2"
	SourceTest      = "test"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`

	Width      int    `mapstructure:"width"`
	Height     int    `mapstructure:"height"`
	FPS        int    `mapstructure:"fps"`
	BitrateBps int    `mapstructure:"bitrate"`
	Source     string `mapstructure:"source"`
	V4L2Device string `mapstructure:"v4l2_device"`
	ForceSW    bool   `mapstructure:"force_sw"`
	STUNServer string `mapstructure:"stun"`

	Linger             time.Duration `mapstructure:"linger"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	DisconnectGrace    time.Duration `mapstructure:"disconnect_grace"`
	ReadLimit          int64         `mapstructure:"read_limit"`
	PingPeriod         time.Duration `mapstructure:"ping_period"`
}

// Load merges defaults, an optional yaml config file and CLI flags, flags
// winning. The flag surface mirrors the camera knobs: resolution, framerate,
// bitrate, source selection and the software-encode escape hatch.
func Load(args []string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	v.SetDefault("mode", "release")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8082)
	v.SetDefault("static_path", "./web")
	v.SetDefault("width", 1280)
	v.SetDefault("height", 720)
	v.SetDefault("fps", 30)
	v.SetDefault("bitrate", 2_500_000)
	v.SetDefault("source", SourceLibcamera)
	v.SetDefault("force_sw", false)
	v.SetDefault("stun", "stun:stun.l.google.com:19302")
	v.SetDefault("linger", "10s")
	v.SetDefault("negotiation_timeout", "30s")
	v.SetDefault("disconnect_grace", "5s")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "15s")

	if err := v.ReadInConfig(); err != nil {
		log.Debug().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config file")
	}

	fs := pflag.NewFlagSet("camserver", pflag.ContinueOnError)
	fs.String("host", v.GetString("host"), "bind host")
	fs.Int("port", v.GetInt("port"), "HTTP/WebSocket port")
	fs.Int("width", v.GetInt("width"), "video width")
	fs.Int("height", v.GetInt("height"), "video height")
	fs.Int("fps", v.GetInt("fps"), "frames per second")
	fs.Int("bitrate", v.GetInt("bitrate"), "target bitrate in bps")
	fs.String("source", v.GetString("source"), "video source: libcamera, v4l2 or test")
	fs.String("v4l2-dev", v.GetString("v4l2_device"), "V4L2 device path when --source v4l2")
	fs.Bool("force-sw", v.GetBool("force_sw"), "force software encoder (x264enc)")
	fs.String("stun", v.GetString("stun"), "STUN server, e.g. stun:stun.l.google.com:19302")
	fs.String("static", v.GetString("static_path"), "static web page directory")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	bind := map[string]string{
		"host": "host", "port": "port", "width": "width", "height": "height",
		"fps": "fps", "bitrate": "bitrate", "source": "source",
		"v4l2-dev": "v4l2_device", "force-sw": "force_sw", "stun": "stun",
		"static": "static_path",
	}
	for flagName, key := range bind {
		if err := v.BindPFlag(key, fs.Lookup(flagName)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flagName, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Width <= 0 || c.Width > 7680 || c.Height <= 0 || c.Height > 4320:
		return fmt.Errorf("%w: resolution %dx%d", core.ErrConfigInvalid, c.Width, c.Height)
	case c.FPS <= 0 || c.FPS > 120:
		return fmt.Errorf("%w: fps %d", core.ErrConfigInvalid, c.FPS)
	case c.BitrateBps <= 0:
		return fmt.Errorf("%w: bitrate %d", core.ErrConfigInvalid, c.BitrateBps)
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("%w: port %d", core.ErrConfigInvalid, c.Port)
	case c.Linger < 0 || c.NegotiationTimeout <= 0:
		return fmt.Errorf("%w: linger %s, negotiation timeout %s", core.ErrConfigInvalid, c.Linger, c.NegotiationTimeout)
	}
	switch c.Source {
	case SourceLibcamera, SourceV4L2, SourceTest:
	default:
		return fmt.Errorf("%w: unknown source %q", core.ErrConfigInvalid, c.Source)
	}
	return nil
}
