package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/segstream/internal/config"
	"github.com/MrWong99/segstream/internal/resilience"
	"github.com/MrWong99/segstream/pkg/segment"
)

// defaultFallback backs every entry that names no fallback of its own.
const defaultFallback = "punct"

// SegmenterGroup is one configured segmenter behind its breakers.
type SegmenterGroup = resilience.FallbackGroup[segment.ContextSegmenter]

// BuildSegmenters creates one guarded segmenter per config entry, in config
// order. Each entry's fallback (or punct) is added behind the entry itself.
// An entry that cannot be created is replaced by its fallback; BuildSegmenters
// fails only when neither can be created.
func BuildSegmenters(cfg *config.Config, reg *config.Registry, rec resilience.Recorder, log *slog.Logger) ([]segment.Segmenter, []*SegmenterGroup, error) {
	if log == nil {
		log = slog.Default()
	}
	var (
		segs   []segment.Segmenter
		groups []*SegmenterGroup
	)
	for i, entry := range cfg.Segmenters {
		fallback := entry.Fallback
		if fallback == "" {
			fallback = defaultFallback
		}
		fbConfig := resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{Logger: log},
		}

		var group *SegmenterGroup
		primary, err := reg.Create(entry)
		if err != nil {
			log.Warn("segmenter unavailable, using fallback",
				"segmenter", entry.Name, "fallback", fallback, "err", err)
		} else {
			group = resilience.NewFallbackGroup(primary, entry.Name, fbConfig)
		}

		if fallback != entry.Name {
			fb, fbErr := reg.Create(config.SegmenterEntry{Name: fallback})
			switch {
			case fbErr == nil && group == nil:
				group = resilience.NewFallbackGroup(fb, fallback, fbConfig)
			case fbErr == nil:
				group.AddFallback(fallback, fb)
			default:
				log.Warn("fallback segmenter unavailable", "segmenter", entry.Name, "fallback", fallback, "err", fbErr)
				err = errors.Join(err, fbErr)
			}
		}
		if group == nil {
			return nil, nil, fmt.Errorf("app: segmenters[%d] %q: %w", i, entry.Name, err)
		}

		opts := []resilience.SegmenterOption{resilience.WithSegmenterLogger(log)}
		if rec != nil {
			opts = append(opts, resilience.WithRecorder(rec))
		}
		if entry.Timeout > 0 {
			opts = append(opts, resilience.WithCallTimeout(entry.Timeout))
		}
		segs = append(segs, resilience.AsSegmenter(group, opts...))
		groups = append(groups, group)
	}
	if len(segs) == 0 {
		return nil, nil, errors.New("app: no segmenters configured")
	}
	return segs, groups, nil
}
