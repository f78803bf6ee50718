package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Log level and
// segmentation parameters apply to running processes; everything listed in
// RestartRequired only takes effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SegmentationChanged is true when any pipeline parameter changed. New
	// sessions pick it up; running sessions keep their config.
	SegmentationChanged bool

	// RestartRequired names the changed fields that cannot be hot-reloaded,
	// e.g. "server.listen_addr" or "segmenters".
	RestartRequired []string
}

// Changed reports whether d holds any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SegmentationChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Segmentation.Pipeline() != new.Segmentation.Pipeline() {
		d.SegmentationChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Segmentation.Mode != new.Segmentation.Mode {
		d.RestartRequired = append(d.RestartRequired, "segmentation.mode")
	}
	if old.Manager != new.Manager {
		d.RestartRequired = append(d.RestartRequired, "manager")
	}
	if !slices.EqualFunc(old.Segmenters, new.Segmenters, sameSegmenter) {
		d.RestartRequired = append(d.RestartRequired, "segmenters")
	}

	return d
}

func sameSegmenter(a, b SegmenterEntry) bool {
	return a.Name == b.Name && a.BaseURL == b.BaseURL && a.APIKey == b.APIKey &&
		a.Timeout == b.Timeout && a.Fallback == b.Fallback &&
		reflect.DeepEqual(a.Options, b.Options)
}
