package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxscribe/pkg/catalog"
)

// Defaults applied by [LoadFromReader] to unset fields.
const (
	DefaultListenAddr       = "127.0.0.1:7723"
	DefaultActiveModel      = "whisper-base"
	DefaultProgressInterval = 250 * time.Millisecond
	DefaultProgressStep     = 0.02
	DefaultRefineTimeout    = 60 * time.Second
	DefaultMaxHintTerms     = 100
	DefaultHistoryLimit     = 200
	DefaultServiceName      = "voxscribe"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields of cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Models.CacheDir == "" {
		cfg.Models.CacheDir = defaultCacheDir()
	}
	if cfg.Models.Active == "" {
		cfg.Models.Active = DefaultActiveModel
	}
	if cfg.Models.ProgressInterval == 0 {
		cfg.Models.ProgressInterval = DefaultProgressInterval
	}
	if cfg.Models.ProgressStep == 0 {
		cfg.Models.ProgressStep = DefaultProgressStep
	}
	if cfg.Vocabulary.MaxHintTerms == 0 {
		cfg.Vocabulary.MaxHintTerms = DefaultMaxHintTerms
	}
	if cfg.Refine.Timeout == 0 {
		cfg.Refine.Timeout = DefaultRefineTimeout
	}
	if len(cfg.Delivery.Sinks) == 0 {
		cfg.Delivery.Sinks = []SinkKind{SinkClipboard}
	}
	if cfg.History.MemoryLimit == 0 {
		cfg.History.MemoryLimit = DefaultHistoryLimit
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "voxscribe", "models")
}

// Catalog builds the model catalog: the built-in descriptors plus
// models.extra.
func (cfg *Config) Catalog() (*catalog.Catalog, error) {
	extra := make([]catalog.Descriptor, 0, len(cfg.Models.Extra))
	var errs []error
	for i, e := range cfg.Models.Extra {
		d, err := e.ToDescriptor()
		if err != nil {
			errs = append(errs, fmt.Errorf("models.extra[%d]: %w", i, err))
			continue
		}
		extra = append(extra, d)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return catalog.Default(extra...)
}

// Provider returns the refine provider with the given id.
func (cfg *Config) Provider(id string) (ProviderConfig, bool) {
	for _, p := range cfg.Refine.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Prompt returns the prompt profile with the given id. An empty id selects
// the first configured prompt, or [DefaultPrompt].
func (cfg *Config) Prompt(id string) (PromptConfig, bool) {
	if id == "" {
		if len(cfg.Refine.Prompts) > 0 {
			return cfg.Refine.Prompts[0], true
		}
		return DefaultPrompt, true
	}
	for _, p := range cfg.Refine.Prompts {
		if p.ID == id {
			return p, true
		}
	}
	return PromptConfig{}, false
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Models
	cat, err := cfg.Catalog()
	if err != nil {
		errs = append(errs, err)
	} else if cfg.Models.Active != "" {
		desc, ok := cat.Lookup(cfg.Models.Active)
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("models.active %q is not a known model", cfg.Models.Active))
		case desc.Family == catalog.FamilyOnDeviceV2 && cfg.Transcription.LocalServerURL == "":
			errs = append(errs, fmt.Errorf("models.active %q requires transcription.local_server_url", desc.ID))
		case desc.Family == catalog.FamilyCloud && cfg.Transcription.Cloud.Credential == "":
			slog.Warn("models.active is a cloud model but transcription.cloud.credential is empty", "model", desc.ID)
		}
		if ok && cfg.Transcription.Language != "" && !desc.SupportsLanguage(cfg.Transcription.Language) {
			slog.Warn("active model does not list the configured language", "model", desc.ID, "language", cfg.Transcription.Language)
		}
	}
	if cfg.Models.ProgressStep < 0 || cfg.Models.ProgressStep > 1 {
		errs = append(errs, fmt.Errorf("models.progress_step %.3f is out of range [0, 1]", cfg.Models.ProgressStep))
	}
	if cfg.Models.ProgressInterval < 0 {
		errs = append(errs, errors.New("models.progress_interval must not be negative"))
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels < 0 || cfg.Audio.Channels > 8 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [0, 8]", cfg.Audio.Channels))
	}
	if cfg.Audio.MaxDuration < 0 {
		errs = append(errs, errors.New("audio.max_duration must not be negative"))
	}

	// Vocabulary
	for i, term := range cfg.Vocabulary.Terms {
		if strings.TrimSpace(term.Text) == "" {
			errs = append(errs, fmt.Errorf("vocabulary.terms[%d].text is required", i))
		}
	}
	ph := cfg.Vocabulary.Phonetic
	for name, v := range map[string]float64{"phonetic_threshold": ph.PhoneticThreshold, "fuzzy_threshold": ph.FuzzyThreshold} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("vocabulary.phonetic.%s %.2f is out of range [0, 1]", name, v))
		}
	}

	// Dictionary
	errs = append(errs, validateDictionary(cfg)...)

	// Refine
	errs = append(errs, validateRefine(&cfg.Refine)...)

	// Delivery
	for i, s := range cfg.Delivery.Sinks {
		if !s.IsValid() {
			errs = append(errs, fmt.Errorf("delivery.sinks[%d] %q is invalid; valid values: clipboard, stdout", i, s))
		}
	}

	// History
	if cfg.History.MemoryLimit < 0 {
		errs = append(errs, errors.New("history.memory_limit must not be negative"))
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.3f is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}

// validateDictionary rejects empty triggers and warns when a replacement is
// itself a trigger, which makes correction non-idempotent.
func validateDictionary(cfg *Config) []error {
	var errs []error
	triggers := make(map[string]int)
	for i, e := range cfg.Dictionary {
		if len(e.Triggers) == 0 {
			errs = append(errs, fmt.Errorf("dictionary[%d].triggers must not be empty", i))
		}
		for j, t := range e.Triggers {
			norm := strings.Join(strings.Fields(strings.ToLower(t)), " ")
			if norm == "" {
				errs = append(errs, fmt.Errorf("dictionary[%d].triggers[%d] is blank", i, j))
				continue
			}
			if prev, ok := triggers[norm]; ok && prev != i {
				slog.Warn("dictionary trigger defined twice; the first entry wins", "trigger", norm, "first", prev, "second", i)
				continue
			}
			triggers[norm] = i
		}
	}
	for i, e := range cfg.Dictionary {
		norm := strings.Join(strings.Fields(strings.ToLower(e.Replacement)), " ")
		if j, ok := triggers[norm]; ok && norm != "" {
			slog.Warn("dictionary replacement is also a trigger; correction will not be idempotent",
				"entry", i, "replacement", e.Replacement, "trigger_entry", j)
		}
	}
	return errs
}

func validateRefine(rc *RefineConfig) []error {
	var errs []error
	ids := make(map[string]int, len(rc.Providers))
	for i, p := range rc.Providers {
		prefix := fmt.Sprintf("refine.providers[%d]", i)
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := ids[p.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of refine.providers[%d]", prefix, p.ID, prev))
			}
			ids[p.ID] = i
		}
		if p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required", prefix))
		}
		if p.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
		if r := p.Reasoning; r != nil && r.Enabled && r.ParameterName == "" {
			errs = append(errs, fmt.Errorf("%s.reasoning.parameter_name is required when reasoning is enabled", prefix))
		}
		if p.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("%s.max_tokens must not be negative", prefix))
		}
	}

	prompts := make(map[string]int, len(rc.Prompts))
	for i, p := range rc.Prompts {
		prefix := fmt.Sprintf("refine.prompts[%d]", i)
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
			continue
		}
		if prev, ok := prompts[p.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of refine.prompts[%d]", prefix, p.ID, prev))
		}
		prompts[p.ID] = i
	}

	if rc.Enabled && rc.ActiveProvider == "" {
		errs = append(errs, errors.New("refine.active_provider is required when refine is enabled"))
	}
	if rc.ActiveProvider != "" {
		if _, ok := ids[rc.ActiveProvider]; !ok {
			errs = append(errs, fmt.Errorf("refine.active_provider %q is not a configured provider", rc.ActiveProvider))
		}
	}
	if rc.ActivePrompt != "" {
		if _, ok := prompts[rc.ActivePrompt]; !ok {
			errs = append(errs, fmt.Errorf("refine.active_prompt %q is not a configured prompt", rc.ActivePrompt))
		}
	}
	if rc.Timeout < 0 {
		errs = append(errs, errors.New("refine.timeout must not be negative"))
	}
	return errs
}
