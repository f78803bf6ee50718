// Package config provides the configuration schema, loader, segmenter
// registry and hot-reload watcher for segstream.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/segstream/pkg/manager"
	"github.com/MrWong99/segstream/pkg/pipeline"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to a [slog.Level]. Unknown and empty levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration. Load it with [Load] or
// [LoadFromReader]; fields missing from the file keep the values of
// [Default].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
	Manager      ManagerConfig      `yaml:"manager"`
	Segmenters   []SegmenterEntry   `yaml:"segmenters"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP server (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`
}

// SegmentationConfig mirrors [pipeline.Config]. Durations are written as
// Go duration strings ("250ms", "2s").
type SegmentationConfig struct {
	// Mode is "text" (whole segments) or "stream" (segment handles).
	Mode string `yaml:"mode"`

	SegmentationSuffix string        `yaml:"segmentation_suffix"`
	FirstMaxAccuTime   time.Duration `yaml:"first_max_accu_time"`
	MaxAccuTime        time.Duration `yaml:"max_accu_time"`
	FirstMaxBufferSize int           `yaml:"first_max_buffer_size"`
	MaxBufferSize      int           `yaml:"max_buffer_size"`
	MaxWaitingTime     time.Duration `yaml:"max_waiting_time"`
	MaxStreamTime      time.Duration `yaml:"max_stream_time"`
	FirstMinSegSize    int           `yaml:"first_min_seg_size"`
	MinSegSize         int           `yaml:"min_seg_size"`
	MaxSegSize         int           `yaml:"max_seg_size"`
	LooseSteps         int           `yaml:"loose_steps"`
	LooseSize          int           `yaml:"loose_size"`
	FadeInOutTime      time.Duration `yaml:"fade_in_out_time"`
	SecondsPerWord     float64       `yaml:"seconds_per_word"`
}

// ManagerConfig sizes the session manager queues.
type ManagerConfig struct {
	IngressBuffer int `yaml:"ingress_buffer"`
	EgressBuffer  int `yaml:"egress_buffer"`
}

// SegmenterEntry configures one segmenter. Entries are probed in order.
type SegmenterEntry struct {
	// Name selects the factory in the [Registry] ("punct", "phrase",
	// "english", "remote").
	Name string `yaml:"name"`

	// BaseURL is the service endpoint of network segmenters.
	BaseURL string `yaml:"base_url"`

	APIKey string `yaml:"api_key"`

	// Timeout bounds one call. Zero selects the segmenter's default.
	Timeout time.Duration `yaml:"timeout"`

	// Options holds segmenter-specific settings, e.g. "criterion" for punct
	// or "language" for remote.
	Options map[string]any `yaml:"options"`

	// Fallback names the segmenter used when this one cannot be created or
	// keeps failing. Empty means punct.
	Fallback string `yaml:"fallback"`
}

// Default returns the configuration used for every field the file omits.
func Default() Config {
	p := pipeline.DefaultConfig()
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Segmentation: SegmentationConfig{
			Mode:               manager.ModeText.String(),
			SegmentationSuffix: p.SegmentationSuffix,
			FirstMaxAccuTime:   p.FirstMaxAccuTime,
			MaxAccuTime:        p.MaxAccuTime,
			FirstMaxBufferSize: p.FirstMaxBufferSize,
			MaxBufferSize:      p.MaxBufferSize,
			MaxWaitingTime:     p.MaxWaitingTime,
			MaxStreamTime:      p.MaxStreamTime,
			FirstMinSegSize:    p.FirstMinSegSize,
			MinSegSize:         p.MinSegSize,
			MaxSegSize:         p.MaxSegSize,
			LooseSteps:         p.LooseSteps,
			LooseSize:          p.LooseSize,
			FadeInOutTime:      p.FadeInOutTime,
			SecondsPerWord:     p.SecondsPerWord,
		},
		Manager: ManagerConfig{
			IngressBuffer: manager.DefaultIngressBuffer,
			EgressBuffer:  manager.DefaultEgressBuffer,
		},
		Segmenters: []SegmenterEntry{{Name: "punct"}},
	}
}

// Pipeline converts the segmentation block to a [pipeline.Config].
func (s SegmentationConfig) Pipeline() pipeline.Config {
	return pipeline.Config{
		SegmentationSuffix: s.SegmentationSuffix,
		FirstMaxAccuTime:   s.FirstMaxAccuTime,
		MaxAccuTime:        s.MaxAccuTime,
		FirstMaxBufferSize: s.FirstMaxBufferSize,
		MaxBufferSize:      s.MaxBufferSize,
		MaxWaitingTime:     s.MaxWaitingTime,
		MaxStreamTime:      s.MaxStreamTime,
		FirstMinSegSize:    s.FirstMinSegSize,
		MinSegSize:         s.MinSegSize,
		MaxSegSize:         s.MaxSegSize,
		LooseSteps:         s.LooseSteps,
		LooseSize:          s.LooseSize,
		FadeInOutTime:      s.FadeInOutTime,
		SecondsPerWord:     s.SecondsPerWord,
	}
}
