package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"roomcast/pkg/validation"

	"gopkg.in/yaml.v2"
)

type CodecConfig struct {
	Kind        string `yaml:"kind"`
	MimeType    string `yaml:"mime_type"`
	ClockRate   uint32 `yaml:"clock_rate"`
	Channels    uint16 `yaml:"channels"`
	PayloadType uint8  `yaml:"payload_type"`
	Parameters  string `yaml:"parameters"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
	} `yaml:"signal"`

	Media struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		Codecs []CodecConfig `yaml:"codecs"`

		// How long the process keeps serving after the media engine dies
		// before exiting so the supervisor restarts it.
		DeathGracePeriod time.Duration `yaml:"death_grace_period"`
	} `yaml:"media"`

	HLS struct {
		Enabled        bool          `yaml:"enabled"`
		FFmpegPath     string        `yaml:"ffmpeg_path"`
		RTMPBaseURL    string        `yaml:"rtmp_base_url"`
		OutputDir      string        `yaml:"output_dir"`
		SegmentSeconds int           `yaml:"segment_seconds"`
		PlaylistLength int           `yaml:"playlist_length"`
		AudioBitrate   string        `yaml:"audio_bitrate"`
		StopTimeout    time.Duration `yaml:"stop_timeout"`
	} `yaml:"hls"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		Endpoint    string  `yaml:"endpoint"`
		SampleRatio float64 `yaml:"sample_ratio"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= 0 {
		return fmt.Errorf("signal.pong_timeout must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}

	// Media
	if c.Media.PortRange.Min > 0 || c.Media.PortRange.Max > 0 {
		if c.Media.PortRange.Min == 0 || c.Media.PortRange.Max == 0 {
			return fmt.Errorf("media.port_range.min and max must both be set when one is set")
		}
		if c.Media.PortRange.Min >= c.Media.PortRange.Max {
			return fmt.Errorf("media.port_range.min must be < max")
		}
	}
	for i, codec := range c.Media.Codecs {
		if codec.Kind != "audio" && codec.Kind != "video" {
			return fmt.Errorf("media.codecs[%d].kind must be audio or video", i)
		}
		if codec.MimeType == "" {
			return fmt.Errorf("media.codecs[%d].mime_type must not be empty", i)
		}
		if codec.ClockRate == 0 {
			return fmt.Errorf("media.codecs[%d].clock_rate must be > 0", i)
		}
	}
	if c.Media.DeathGracePeriod < 0 {
		return fmt.Errorf("media.death_grace_period must be >= 0")
	}

	// HLS
	if c.HLS.Enabled {
		if c.HLS.RTMPBaseURL == "" {
			return fmt.Errorf("hls.rtmp_base_url must not be empty when hls.enabled=true")
		}
		if err := validation.ValidateURL(c.HLS.RTMPBaseURL); err != nil {
			return fmt.Errorf("hls.rtmp_base_url: %w", err)
		}
		if c.HLS.OutputDir == "" {
			return fmt.Errorf("hls.output_dir must not be empty when hls.enabled=true")
		}
		if c.HLS.SegmentSeconds <= 0 {
			return fmt.Errorf("hls.segment_seconds must be > 0")
		}
		if c.HLS.PlaylistLength <= 0 {
			return fmt.Errorf("hls.playlist_length must be > 0")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name must not be empty when tracing.enabled=true")
		}
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
			return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":3000"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second

	cfg.Media.Codecs = DefaultCodecs()
	cfg.Media.DeathGracePeriod = 2 * time.Second

	cfg.HLS.Enabled = false
	cfg.HLS.FFmpegPath = "ffmpeg"
	cfg.HLS.RTMPBaseURL = "rtmp://127.0.0.1:1935/live"
	cfg.HLS.OutputDir = "./media"
	cfg.HLS.SegmentSeconds = 2
	cfg.HLS.PlaylistLength = 3
	cfg.HLS.AudioBitrate = "128k"
	cfg.HLS.StopTimeout = 5 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "roomcast"
	cfg.Tracing.Endpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRatio = 0.1

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200

	return cfg
}

// DefaultCodecs returns the codec set the media engine negotiates when the
// configuration does not override it.
func DefaultCodecs() []CodecConfig {
	return []CodecConfig{
		{
			Kind:        "audio",
			MimeType:    "audio/opus",
			ClockRate:   48000,
			Channels:    2,
			PayloadType: 111,
			Parameters:  "minptime=10;useinbandfec=1",
		},
		{
			Kind:        "video",
			MimeType:    "video/VP8",
			ClockRate:   90000,
			PayloadType: 96,
			Parameters:  "x-google-start-bitrate=1000",
		},
		{
			Kind:        "video",
			MimeType:    "video/VP9",
			ClockRate:   90000,
			PayloadType: 98,
		},
		{
			Kind:        "video",
			MimeType:    "video/H264",
			ClockRate:   90000,
			PayloadType: 102,
			Parameters:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
	}
}

func (c *Config) applyEnvOverrides() {
	// Apply environment variable overrides
	if addr := os.Getenv("ROOMCAST_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("ROOMCAST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if base := os.Getenv("ROOMCAST_RTMP_BASE_URL"); base != "" {
		c.HLS.RTMPBaseURL = base
	}
	if dir := os.Getenv("ROOMCAST_HLS_OUTPUT_DIR"); dir != "" {
		c.HLS.OutputDir = dir
	}
	if v := os.Getenv("ROOMCAST_HLS_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.HLS.Enabled = enabled
		}
	}
	if endpoint := os.Getenv("ROOMCAST_TRACING_ENDPOINT"); endpoint != "" {
		c.Tracing.Endpoint = endpoint
	}
}
