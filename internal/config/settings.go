package config

import (
	"sync"

	"github.com/MrWong99/voxscribe/internal/refine"
)

// Source supplies the current configuration. [*Watcher] implements it.
type Source interface {
	Current() *Config
}

// Static is a [Source] that always returns the same config.
type Static struct{ Config *Config }

// Current implements [Source].
func (s Static) Current() *Config { return s.Config }

var _ Source = (*Watcher)(nil)

// LiveSettings reads settings from a [Source] on every call, so the
// dictation pipeline sees edits at the start of its next stage. The active
// model may additionally be overridden at runtime through the control API;
// the override lasts until the next config change of models.active.
type LiveSettings struct {
	src Source

	mu           sync.RWMutex
	modelID      string
	overrideBase string
}

// NewLiveSettings wraps src.
func NewLiveSettings(src Source) *LiveSettings {
	return &LiveSettings{src: src}
}

// Config returns the current config.
func (s *LiveSettings) Config() *Config { return s.src.Current() }

// ActiveModelID returns the descriptor id used for the next dictation.
func (s *LiveSettings) ActiveModelID() string {
	active := s.src.Current().Models.Active
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.modelID != "" && s.overrideBase == active {
		return s.modelID
	}
	return active
}

// SetActiveModelID overrides the configured active model.
func (s *LiveSettings) SetActiveModelID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelID = id
	s.overrideBase = s.src.Current().Models.Active
}

// Language returns the transcription language.
func (s *LiveSettings) Language() string {
	return s.src.Current().Transcription.Language
}

// RefineEnabled reports whether AI refinement runs.
func (s *LiveSettings) RefineEnabled() bool {
	return s.src.Current().Refine.Enabled
}

// Streaming reports whether the streamed refine variant is used.
func (s *LiveSettings) Streaming() bool {
	return s.src.Current().Refine.Streaming
}

// ActiveProvider returns the active refine provider.
func (s *LiveSettings) ActiveProvider() (refine.ProviderConfig, bool) {
	cfg := s.src.Current()
	p, ok := cfg.Provider(cfg.Refine.ActiveProvider)
	if !ok {
		return refine.ProviderConfig{}, false
	}
	return p.ToRefine(), true
}

// ActivePrompt returns the active prompt profile.
func (s *LiveSettings) ActivePrompt() refine.PromptSpec {
	cfg := s.src.Current()
	p, ok := cfg.Prompt(cfg.Refine.ActivePrompt)
	if !ok {
		p = DefaultPrompt
	}
	return p.ToRefine()
}
