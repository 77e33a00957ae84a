package app

import (
	"log/slog"

	"github.com/MrWong99/voxscribe/internal/config"
	"github.com/MrWong99/voxscribe/internal/transcript"
)

// applyConfig is the watcher callback. Settings the orchestrator reads live
// (language, provider, prompt, toggles) need no action; everything else that
// can change at runtime is pushed into the owning subsystem here. A running
// dictation finishes with the values it started its current stage with.
func (a *App) applyConfig(old, new *config.Config) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()
	if !a.ready {
		return
	}

	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}

	if d.LogLevelChanged {
		a.logLevel.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.VocabularyChanged {
		a.booster.SetTerms(new.Vocabulary.Terms)
		a.booster.SetMaxHintTerms(new.Vocabulary.MaxHintTerms)
		a.pipeline.SetPhoneticMatcher(phoneticMatcher(new.Vocabulary.Phonetic))
		slog.Info("vocabulary reloaded",
			"terms", len(new.Vocabulary.Terms),
			"phonetic", new.Vocabulary.Phonetic.Enabled,
		)
	}

	if d.DictionaryChanged {
		a.dict.SetEntries(transcript.MergeAliases(new.Dictionary, new.Vocabulary.Terms))
		slog.Info("dictionary reloaded", "entries", len(new.Dictionary))
	}

	if d.RefineChanged {
		a.orch.SetRefiner(a.newRefiner(new.Refine))
		slog.Info("refine settings reloaded",
			"enabled", new.Refine.Enabled,
			"provider", new.Refine.ActiveProvider,
		)
	}

	if d.ActiveModelChanged {
		slog.Info("active model changed", "model", new.Models.Active)
		if _, ok := a.catalog.Lookup(new.Models.Active); !ok {
			slog.Warn("active model is not in the catalog; dictation will fail until fixed",
				"model", new.Models.Active)
		}
	}

	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changes require a restart", "settings", d.RestartRequired)
	}
}
