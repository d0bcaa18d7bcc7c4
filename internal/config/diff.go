package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// takes effect on the next start.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VideoFPSChanged bool
	NewVideoFPS     int

	VideoQualityChanged bool
	NewVideoQuality     int

	// RestartRequired lists top-level sections that changed in ways that
	// cannot be applied to a running session.
	RestartRequired []string
}

// Changed reports whether d carries any hot-reloadable change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VideoFPSChanged || d.VideoQualityChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Video.FPS != new.Video.FPS {
		d.VideoFPSChanged = true
		d.NewVideoFPS = new.Video.FPS
	}
	if old.Video.Quality != new.Video.Quality {
		d.VideoQualityChanged = true
		d.NewVideoQuality = new.Video.Quality
	}

	if old.Server.URL != new.Server.URL || old.Server.Origin != new.Server.Origin || old.Server.ClientTag != new.Server.ClientTag {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameEntry(old.Audio.Capture, new.Audio.Capture) || old.Audio.MaxPendingFrames != new.Audio.MaxPendingFrames {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if !sameEntry(old.Playback.Sink, new.Playback.Sink) || old.Playback.InterruptOnStart != new.Playback.InterruptOnStart ||
		!slices.EqualFunc(old.Playback.Fallbacks, new.Playback.Fallbacks, sameEntry) {
		d.RestartRequired = append(d.RestartRequired, "playback")
	}
	if !sameEntry(old.Video.Source, new.Video.Source) || old.Video.Width != new.Video.Width {
		d.RestartRequired = append(d.RestartRequired, "video")
	}
	if old.Journal != new.Journal {
		d.RestartRequired = append(d.RestartRequired, "journal")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}

// sameEntry compares two backend entries. A nil and an empty options map are
// equal.
func sameEntry(a, b BackendEntry) bool {
	if a.Name != b.Name || len(a.Options) != len(b.Options) {
		return false
	}
	return len(a.Options) == 0 || reflect.DeepEqual(a.Options, b.Options)
}
