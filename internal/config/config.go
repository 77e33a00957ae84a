// Package config provides the configuration schema, loader, live settings
// view and credential resolution for the voxscribe dictation daemon.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voxscribe/internal/refine"
	"github.com/MrWong99/voxscribe/internal/transcript"
	"github.com/MrWong99/voxscribe/pkg/catalog"
	"github.com/MrWong99/voxscribe/pkg/provider/asr"
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

// Level converts l to a [slog.Level]. Unknown and empty levels map to info.
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

// SinkKind names a delivery sink.
type SinkKind string

const (
	// SinkClipboard copies the final text to the system clipboard.
	SinkClipboard SinkKind = "clipboard"

	// SinkStdout writes the final text to standard output, one line per
	// dictation.
	SinkStdout SinkKind = "stdout"
)

// IsValid reports whether k is a recognised sink.
func (k SinkKind) IsValid() bool {
	return k == SinkClipboard || k == SinkStdout
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig                 `yaml:"server"`
	Models        ModelsConfig                 `yaml:"models"`
	Audio         AudioConfig                  `yaml:"audio"`
	Transcription TranscriptionConfig          `yaml:"transcription"`
	Vocabulary    VocabularyConfig             `yaml:"vocabulary"`
	Dictionary    []transcript.DictionaryEntry `yaml:"dictionary"`
	Refine        RefineConfig                 `yaml:"refine"`
	Delivery      DeliveryConfig               `yaml:"delivery"`
	History       HistoryConfig                `yaml:"history"`
	Telemetry     TelemetryConfig              `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the control API.
type ServerConfig struct {
	// ListenAddr is the TCP address the control API listens on. The default
	// binds to loopback only.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Changes are applied without restart.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the control API. When nil, it runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ModelsConfig configures the speech model cache.
type ModelsConfig struct {
	// CacheDir is the root of the model cache. Defaults to
	// $XDG_CACHE_HOME/voxscribe/models.
	CacheDir string `yaml:"cache_dir"`

	// Active is the descriptor id used for the next dictation.
	Active string `yaml:"active"`

	// ProgressInterval is the minimum time between download progress
	// updates.
	ProgressInterval time.Duration `yaml:"progress_interval"`

	// ProgressStep is the minimum progress delta between updates (0..1).
	ProgressStep float64 `yaml:"progress_step"`

	// Extra descriptors appended to the built-in catalog.
	Extra []ModelEntry `yaml:"extra"`
}

// ModelEntry is a catalog descriptor in configuration form. Capabilities are
// spelled as names (e.g. "biasing").
type ModelEntry struct {
	catalog.Descriptor `yaml:",inline"`

	Capabilities []string `yaml:"capabilities"`
}

// ToDescriptor converts e to a validated catalog descriptor.
func (e ModelEntry) ToDescriptor() (catalog.Descriptor, error) {
	d := e.Descriptor
	caps, err := catalog.ParseCapabilities(e.Capabilities)
	if err != nil {
		return catalog.Descriptor{}, err
	}
	d.Capabilities = caps
	return d, d.Validate()
}

// AudioConfig configures microphone capture.
type AudioConfig struct {
	// SampleRate requested from the device. Defaults to 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels requested from the device. Defaults to 1.
	Channels int `yaml:"channels"`

	// MaxDuration caps a single dictation. Zero means unlimited.
	MaxDuration time.Duration `yaml:"max_duration"`
}

// TranscriptionConfig configures the speech backends.
type TranscriptionConfig struct {
	// Language is a BCP-47 primary language code. Empty lets the model
	// detect the language.
	Language string `yaml:"language"`

	// LocalServerURL is the whisper-server compatible endpoint that hosts
	// ondevice-v2 models.
	LocalServerURL string `yaml:"local_server_url"`

	// Cloud configures the hosted transcription endpoint.
	Cloud CloudASRConfig `yaml:"cloud"`
}

// CloudASRConfig configures hosted transcription.
type CloudASRConfig struct {
	// BaseURL overrides the default OpenAI API base URL.
	BaseURL string `yaml:"base_url"`

	// Credential is a credential reference (see [ResolveCredential]).
	Credential string `yaml:"credential"`

	// Timeout bounds one upload. Defaults to 60s.
	Timeout time.Duration `yaml:"timeout"`
}

// VocabularyConfig configures recognition biasing and phonetic snapping.
type VocabularyConfig struct {
	Terms []asr.VocabularyTerm `yaml:"terms"`

	// MaxHintTerms bounds the hint list sent to biasing backends.
	MaxHintTerms int `yaml:"max_hint_terms"`

	Phonetic PhoneticConfig `yaml:"phonetic"`
}

// PhoneticConfig configures the optional phonetic snapping stage.
type PhoneticConfig struct {
	Enabled bool `yaml:"enabled"`

	// PhoneticThreshold is the minimum Jaro-Winkler score on phonetic codes.
	PhoneticThreshold float64 `yaml:"phonetic_threshold"`

	// FuzzyThreshold is the minimum Jaro-Winkler score on the raw text.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`

	// MinLength is the shortest input that is considered.
	MinLength int `yaml:"min_length"`
}

// RefineConfig configures AI post-processing.
type RefineConfig struct {
	Enabled bool `yaml:"enabled"`

	// Streaming selects the streamed request variant.
	Streaming bool `yaml:"streaming"`

	// ActiveProvider is the id of the provider used when Enabled.
	ActiveProvider string `yaml:"active_provider"`

	// ActivePrompt is the id of the prompt profile. Empty selects the first
	// prompt, or a built-in cleanup prompt when none is configured.
	ActivePrompt string `yaml:"active_prompt"`

	Providers []ProviderConfig `yaml:"providers"`
	Prompts   []PromptConfig   `yaml:"prompts"`

	// ReasoningModels lists model families that take
	// max_completion_tokens. Nil selects the built-in list.
	ReasoningModels []string `yaml:"reasoning_models"`

	// LocalHosts lists additional hosts that never receive credentials.
	// Entries are host names, ".suffix" patterns or CIDR prefixes.
	LocalHosts []string `yaml:"local_hosts"`

	// Timeout bounds one refine request. Defaults to 60s.
	Timeout time.Duration `yaml:"timeout"`

	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`
}

// BreakerConfig tunes the per-provider circuit breakers.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// ProviderConfig is one chat-completions endpoint.
type ProviderConfig struct {
	ID      string `yaml:"id"`
	BaseURL string `yaml:"base_url"`

	// Credential is a credential reference (see [ResolveCredential]). It is
	// never logged.
	Credential string `yaml:"credential"`

	Model string `yaml:"model"`

	Reasoning *ReasoningConfig `yaml:"reasoning"`

	Headers     map[string]string `yaml:"headers"`
	MaxTokens   int               `yaml:"max_tokens"`
	Temperature float64           `yaml:"temperature"`
}

// ReasoningConfig injects one extra request field when Enabled.
type ReasoningConfig struct {
	ParameterName  string `yaml:"parameter_name"`
	ParameterValue string `yaml:"parameter_value"`
	Enabled        bool   `yaml:"enabled"`
}

// LogValue implements [slog.LogValuer]. The credential is reported only as
// present or absent.
func (p ProviderConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", p.ID),
		slog.String("base_url", p.BaseURL),
		slog.String("model", p.Model),
		slog.Bool("credential", p.Credential != ""),
	)
}

// ToRefine converts p to the processor's provider type.
func (p ProviderConfig) ToRefine() refine.ProviderConfig {
	out := refine.ProviderConfig{
		ID:            p.ID,
		BaseURL:       p.BaseURL,
		CredentialRef: p.Credential,
		Model:         p.Model,
		MaxTokens:     p.MaxTokens,
		Temperature:   p.Temperature,
	}
	if len(p.Headers) > 0 {
		out.Headers = make(map[string]string, len(p.Headers))
		for k, v := range p.Headers {
			out.Headers[k] = v
		}
	}
	if r := p.Reasoning; r != nil {
		out.Reasoning = &refine.ReasoningConfig{
			ParameterName:  r.ParameterName,
			ParameterValue: r.ParameterValue,
			Enabled:        r.Enabled,
		}
	}
	return out
}

// PromptConfig is a prompt profile.
type PromptConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Body string `yaml:"body"`
}

// ToRefine converts p to the processor's prompt type.
func (p PromptConfig) ToRefine() refine.PromptSpec {
	return refine.PromptSpec{ID: p.ID, Name: p.Name, Body: p.Body}
}

// DeliveryConfig selects where final text goes.
type DeliveryConfig struct {
	// Sinks are applied in order. Defaults to [clipboard].
	Sinks []SinkKind `yaml:"sinks"`
}

// HistoryConfig configures the dictation history.
type HistoryConfig struct {
	// PostgresDSN enables the PostgreSQL history store. When empty, history
	// is kept in memory only. The DSN may contain a password and is never
	// logged.
	PostgresDSN string `yaml:"postgres_dsn"`

	// MemoryLimit bounds the in-memory history. Defaults to 200.
	MemoryLimit int `yaml:"memory_limit"`
}

// TelemetryConfig configures OpenTelemetry resources.
type TelemetryConfig struct {
	// ServiceName defaults to "voxscribe".
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the fraction of dictations traced. Zero traces
	// all of them.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// DefaultPrompt is used when no prompt profile is configured.
var DefaultPrompt = PromptConfig{
	ID:   "cleanup",
	Name: "Clean up",
	Body: "Fix punctuation, capitalisation and obvious recognition errors. Remove filler words. Keep the wording otherwise unchanged.",
}
