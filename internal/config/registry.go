package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/segstream/pkg/segment"
	"github.com/MrWong99/segstream/pkg/segment/english"
	"github.com/MrWong99/segstream/pkg/segment/phrase"
	"github.com/MrWong99/segstream/pkg/segment/punct"
	"github.com/MrWong99/segstream/pkg/segment/remote"
)

// ErrSegmenterNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested name.
var ErrSegmenterNotRegistered = errors.New("config: segmenter not registered")

// SegmenterFactory builds a segmenter from its configuration entry.
type SegmenterFactory func(SegmenterEntry) (segment.ContextSegmenter, error)

// Registry maps segmenter names to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]SegmenterFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]SegmenterFactory)}
}

// Register registers factory under name. Subsequent calls with the same
// name overwrite the previous registration.
func (r *Registry) Register(name string, factory SegmenterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates the segmenter registered under entry.Name.
// Returns [ErrSegmenterNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) Create(entry SegmenterEntry) (segment.ContextSegmenter, error) {
	r.mu.RLock()
	factory, ok := r.factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSegmenterNotRegistered, entry.Name)
	}
	s, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create segmenter %q: %w", entry.Name, err)
	}
	return s, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// RegisterBuiltins registers the punct, phrase, english and remote
// segmenters on r.
func RegisterBuiltins(r *Registry) {
	r.Register("punct", func(e SegmenterEntry) (segment.ContextSegmenter, error) {
		c := punct.Coarse
		if v, ok, err := stringOption(e, "criterion"); err != nil {
			return nil, err
		} else if ok {
			if c, err = punct.ParseCriterion(v); err != nil {
				return nil, err
			}
		}
		return segment.Contextual(punct.New(c)), nil
	})

	r.Register("phrase", func(e SegmenterEntry) (segment.ContextSegmenter, error) {
		marks, ok, err := stringOption(e, "marks")
		if err != nil {
			return nil, err
		}
		if ok {
			return segment.Contextual(phrase.NewWithMarks(marks)), nil
		}
		return segment.Contextual(phrase.New()), nil
	})

	r.Register("english", func(e SegmenterEntry) (segment.ContextSegmenter, error) {
		abbr, err := stringsOption(e, "abbreviations")
		if err != nil {
			return nil, err
		}
		var opts []english.Option
		if len(abbr) > 0 {
			opts = append(opts, english.WithAbbreviations(abbr...))
		}
		return segment.Contextual(english.New(opts...)), nil
	})

	r.Register("remote", func(e SegmenterEntry) (segment.ContextSegmenter, error) {
		if e.BaseURL == "" {
			return nil, errors.New("base_url is required")
		}
		opts := []remote.Option{remote.WithAPIKey(e.APIKey)}
		if e.Timeout > 0 {
			opts = append(opts, remote.WithTimeout(e.Timeout))
		}
		lang, ok, err := stringOption(e, "language")
		if err != nil {
			return nil, err
		}
		if ok {
			opts = append(opts, remote.WithLanguage(lang))
		}
		return remote.New(e.BaseURL, opts...), nil
	})
}

func stringOption(e SegmenterEntry, key string) (string, bool, error) {
	v, ok := e.Options[key]
	if !ok || v == nil {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, fmt.Errorf("option %q must be a string, got %T", key, v)
	}
	return s, true, nil
}

func stringsOption(e SegmenterEntry, key string) ([]string, error) {
	v, ok := e.Options[key]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("option %q must be a list of strings, got %T", key, v)
	}
	out := make([]string, 0, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("option %q[%d] must be a string, got %T", key, i, item)
		}
		out = append(out, s)
	}
	return out, nil
}
