package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/segstream/pkg/manager"
)

// KnownSegmenters lists the segmenter names registered by
// [RegisterBuiltins]. Validate warns about others.
var KnownSegmenters = []string{"punct", "phrase", "english", "remote"}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over [Default] and validates the
// result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if _, err := manager.ParseMode(cfg.Segmentation.Mode); err != nil {
		errs = append(errs, fmt.Errorf("segmentation.mode %q is invalid; valid values: text, stream", cfg.Segmentation.Mode))
	}
	if err := cfg.Segmentation.Pipeline().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("segmentation: %w", err))
	}
	if cfg.Segmentation.FirstMinSegSize > cfg.Segmentation.MaxSegSize {
		slog.Warn("segmentation.first_min_seg_size exceeds max_seg_size; first segments will always be cut by size",
			"first_min_seg_size", cfg.Segmentation.FirstMinSegSize,
			"max_seg_size", cfg.Segmentation.MaxSegSize)
	}

	if cfg.Manager.IngressBuffer < 0 {
		errs = append(errs, fmt.Errorf("manager.ingress_buffer must not be negative, got %d", cfg.Manager.IngressBuffer))
	}
	if cfg.Manager.EgressBuffer < 0 {
		errs = append(errs, fmt.Errorf("manager.egress_buffer must not be negative, got %d", cfg.Manager.EgressBuffer))
	}

	if len(cfg.Segmenters) == 0 {
		errs = append(errs, errors.New("segmenters: at least one segmenter is required"))
	}
	for i, s := range cfg.Segmenters {
		prefix := fmt.Sprintf("segmenters[%d]", i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if s.Timeout < 0 {
			errs = append(errs, fmt.Errorf("%s.timeout must not be negative, got %s", prefix, s.Timeout))
		}
		if s.Name == "remote" && s.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required for the remote segmenter", prefix))
		}
		if s.Fallback == s.Name {
			errs = append(errs, fmt.Errorf("%s.fallback must name a different segmenter", prefix))
		}
		warnUnknown(prefix+".name", s.Name)
		if s.Fallback != "" {
			warnUnknown(prefix+".fallback", s.Fallback)
		}
	}

	return errors.Join(errs...)
}

func warnUnknown(field, name string) {
	if slices.Contains(KnownSegmenters, name) {
		return
	}
	slog.Warn("unknown segmenter name; it must be registered before startup",
		"field", field,
		"name", name,
		"known", KnownSegmenters,
	)
}
