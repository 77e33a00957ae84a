package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Hot-reloadable sections are reported individually; changes that only take
// effect after a restart are listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ActiveModelChanged is set when models.active changed. The next
	// dictation builds an engine for the new model.
	ActiveModelChanged bool

	// VocabularyChanged requires rebuilding the hint list and the
	// phonetic stage.
	VocabularyChanged bool

	// DictionaryChanged requires recompiling the dictionary matcher.
	// Vocabulary aliases are folded into the matcher, so a vocabulary
	// change sets this too.
	DictionaryChanged bool

	// RefineChanged is set when providers, prompts or the refine toggles
	// changed. Provider configuration is read live at refine-stage entry;
	// this flag drives the processor rebuild for classifier, local hosts,
	// timeout and breaker settings.
	RefineChanged bool

	// RestartRequired names changed settings that are not hot-reloaded.
	RestartRequired []string
}

// Changed reports whether d contains any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ActiveModelChanged || d.VocabularyChanged ||
		d.DictionaryChanged || d.RefineChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Models.Active != new.Models.Active {
		d.ActiveModelChanged = true
	}

	if !reflect.DeepEqual(old.Vocabulary, new.Vocabulary) {
		d.VocabularyChanged = true
		if !sameAliases(old, new) {
			d.DictionaryChanged = true
		}
	}
	if !reflect.DeepEqual(old.Dictionary, new.Dictionary) {
		d.DictionaryChanged = true
	}

	if !reflect.DeepEqual(old.Refine, new.Refine) {
		d.RefineChanged = true
	}

	// Settings read once at startup.
	restart := []struct {
		name    string
		changed bool
	}{
		{"server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr},
		{"server.tls", !reflect.DeepEqual(old.Server.TLS, new.Server.TLS)},
		{"models.cache_dir", old.Models.CacheDir != new.Models.CacheDir},
		{"models.extra", !reflect.DeepEqual(old.Models.Extra, new.Models.Extra)},
		{"models.progress", old.Models.ProgressInterval != new.Models.ProgressInterval || old.Models.ProgressStep != new.Models.ProgressStep},
		{"audio", old.Audio != new.Audio},
		{"transcription", old.Transcription != new.Transcription},
		{"delivery.sinks", !slices.Equal(old.Delivery.Sinks, new.Delivery.Sinks)},
		{"history", old.History != new.History},
		{"telemetry", old.Telemetry != new.Telemetry},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartRequired = append(d.RestartRequired, r.name)
		}
	}

	return d
}

// sameAliases reports whether the alias sets that feed the dictionary are
// unchanged.
func sameAliases(old, new *Config) bool {
	if len(old.Vocabulary.Terms) != len(new.Vocabulary.Terms) {
		return false
	}
	for i := range old.Vocabulary.Terms {
		o, n := old.Vocabulary.Terms[i], new.Vocabulary.Terms[i]
		if o.Text != n.Text || !slices.Equal(o.Aliases, n.Aliases) {
			return false
		}
	}
	return true
}
