package config_test

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxscribe/internal/config"
	"github.com/MrWong99/voxscribe/pkg/catalog"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: "127.0.0.1:9000"
  log_level: debug

models:
  cache_dir: /var/cache/voxscribe
  active: whisper-large-v3-turbo
  progress_interval: 500ms
  extra:
    - id: my-finetune
      family: ondevice-v1
      name: My finetune
      approx_size: 1000
      capabilities: [multilingual]
      artifacts:
        - name: ggml-mine.bin
          url: https://models.example.com/ggml-mine.bin

audio:
  max_duration: 2m

transcription:
  language: en
  local_server_url: http://127.0.0.1:8178

vocabulary:
  terms:
    - text: Kubernetes
      aliases: ["cooper netties"]
      weight: 2
  phonetic:
    enabled: true
    phonetic_threshold: 0.8

dictionary:
  - triggers: ["fluid boys", "fluid voice"]
    replacement: FluidVoice

refine:
  enabled: true
  streaming: true
  active_provider: openai
  active_prompt: email
  reasoning_models: [o3, gpt-5]
  local_hosts: [gpu-box]
  timeout: 30s
  circuit_breaker:
    max_failures: 3
    reset_timeout: 1m
  providers:
    - id: openai
      base_url: https://api.openai.com/v1
      credential: env:OPENAI_API_KEY
      model: gpt-5-mini
      reasoning:
        parameter_name: reasoning_effort
        parameter_value: low
        enabled: true
    - id: ollama
      base_url: http://localhost:11434/v1
      model: llama3.1
  prompts:
    - id: email
      name: Email
      body: Format as a short email.

delivery:
  sinks: [clipboard, stdout]

history:
  postgres_dsn: postgres://localhost/voxscribe
`

func load(t *testing.T, yaml string) (*config.Config, error) {
	t.Helper()
	return config.LoadFromReader(strings.NewReader(yaml))
}

func mustFail(t *testing.T, yaml, mention string) {
	t.Helper()
	_, err := load(t, yaml)
	if err == nil {
		t.Fatalf("expected error mentioning %q, got nil", mention)
	}
	if !strings.Contains(err.Error(), mention) {
		t.Errorf("error should mention %q, got: %v", mention, err)
	}
}

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := load(t, sampleYAML)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("server.listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel.Level() != slog.LevelDebug {
		t.Errorf("server.log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Models.ProgressInterval != 500*time.Millisecond {
		t.Errorf("models.progress_interval: got %v", cfg.Models.ProgressInterval)
	}
	if cfg.Audio.MaxDuration != 2*time.Minute {
		t.Errorf("audio.max_duration: got %v", cfg.Audio.MaxDuration)
	}
	if len(cfg.Vocabulary.Terms) != 1 || cfg.Vocabulary.Terms[0].Aliases[0] != "cooper netties" {
		t.Errorf("vocabulary.terms: got %+v", cfg.Vocabulary.Terms)
	}
	if len(cfg.Dictionary) != 1 || cfg.Dictionary[0].Replacement != "FluidVoice" {
		t.Errorf("dictionary: got %+v", cfg.Dictionary)
	}
	if cfg.Refine.Timeout != 30*time.Second || cfg.Refine.CircuitBreaker.ResetTimeout != time.Minute {
		t.Errorf("refine timeouts: got %v / %v", cfg.Refine.Timeout, cfg.Refine.CircuitBreaker.ResetTimeout)
	}
	if len(cfg.Delivery.Sinks) != 2 || cfg.Delivery.Sinks[1] != config.SinkStdout {
		t.Errorf("delivery.sinks: got %v", cfg.Delivery.Sinks)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()

	for _, doc := range []string{"", "{}"} {
		cfg, err := load(t, doc)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", doc, err)
		}
		if cfg.Server.ListenAddr != config.DefaultListenAddr {
			t.Errorf("listen_addr default: got %q", cfg.Server.ListenAddr)
		}
		if cfg.Models.Active != config.DefaultActiveModel {
			t.Errorf("models.active default: got %q", cfg.Models.Active)
		}
		if cfg.Models.CacheDir == "" {
			t.Error("models.cache_dir default is empty")
		}
		if len(cfg.Delivery.Sinks) != 1 || cfg.Delivery.Sinks[0] != config.SinkClipboard {
			t.Errorf("delivery.sinks default: got %v", cfg.Delivery.Sinks)
		}
		if cfg.Refine.Timeout != config.DefaultRefineTimeout {
			t.Errorf("refine.timeout default: got %v", cfg.Refine.Timeout)
		}
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if len(cfg.Refine.Providers) != 2 || len(cfg.Refine.Prompts) != 2 {
		t.Errorf("refine = %+v", cfg.Refine)
	}
	if cfg.Audio.MaxDuration != 5*time.Minute {
		t.Errorf("audio.max_duration = %v", cfg.Audio.MaxDuration)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	mustFail(t, "server:\n  listen: x\n", "listen")
}

func TestConfig_Catalog(t *testing.T) {
	t.Parallel()

	cfg, err := load(t, sampleYAML)
	if err != nil {
		t.Fatal(err)
	}
	cat, err := cfg.Catalog()
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	d, ok := cat.Lookup("my-finetune")
	if !ok {
		t.Fatal("extra descriptor missing from catalog")
	}
	if !d.Capabilities.Has(catalog.Multilingual) {
		t.Errorf("capabilities = %v", d.Capabilities)
	}
	if _, ok := cat.Lookup(config.DefaultActiveModel); !ok {
		t.Error("built-in descriptors missing")
	}
}

func TestProviderConfig_LogValueRedactsCredential(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("provider", "p", config.ProviderConfig{ID: "x", Credential: "sk-live-secret"})
	if strings.Contains(buf.String(), "sk-live-secret") {
		t.Errorf("credential leaked: %s", buf.String())
	}
}

func TestProviderConfig_ToRefine(t *testing.T) {
	t.Parallel()

	p := config.ProviderConfig{
		ID: "a", BaseURL: "http://h", Credential: "env:K", Model: "m",
		Reasoning: &config.ReasoningConfig{ParameterName: "reasoning_effort", ParameterValue: "low", Enabled: true},
		Headers:   map[string]string{"X": "1"},
	}
	r := p.ToRefine()
	if r.CredentialRef != "env:K" || r.Reasoning == nil || r.Reasoning.ParameterValue != "low" || r.Headers["X"] != "1" {
		t.Errorf("ToRefine = %+v", r)
	}
	p.Headers["X"] = "2"
	if r.Headers["X"] != "1" {
		t.Error("ToRefine shares the headers map")
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	mustFail(t, "server:\n  log_level: verbose\n", "log_level")
}

func TestValidate_UnknownActiveModel(t *testing.T) {
	t.Parallel()
	mustFail(t, "models:\n  active: nope\n", "models.active")
}

func TestValidate_OnDeviceV2NeedsServer(t *testing.T) {
	t.Parallel()
	mustFail(t, "models:\n  active: whisper-large-v3-turbo\n", "local_server_url")
}

func TestValidate_ExtraModelDuplicatesBuiltin(t *testing.T) {
	t.Parallel()
	mustFail(t, `
models:
  extra:
    - id: whisper-base
      family: ondevice-v1
      name: Dup
      artifacts:
        - name: a.bin
          url: https://x/a.bin
`, "whisper-base")
}

func TestValidate_InvalidSink(t *testing.T) {
	t.Parallel()
	mustFail(t, "delivery:\n  sinks: [printer]\n", "delivery.sinks[0]")
}

func TestValidate_EmptyDictionaryTrigger(t *testing.T) {
	t.Parallel()
	mustFail(t, "dictionary:\n  - triggers: [\"  \"]\n    replacement: x\n", "dictionary[0].triggers[0]")
}

func TestValidate_PhoneticThresholdRange(t *testing.T) {
	t.Parallel()
	mustFail(t, "vocabulary:\n  phonetic:\n    fuzzy_threshold: 1.5\n", "fuzzy_threshold")
}

func TestValidate_ProgressStepRange(t *testing.T) {
	t.Parallel()
	mustFail(t, "models:\n  progress_step: 2\n", "progress_step")
}

func TestValidate_TraceSampleRatioRange(t *testing.T) {
	t.Parallel()
	mustFail(t, "telemetry:\n  trace_sample_ratio: -0.5\n", "trace_sample_ratio")
}

func TestValidate_TLSNeedsBothFiles(t *testing.T) {
	t.Parallel()
	mustFail(t, "server:\n  tls:\n    cert_file: /c.pem\n", "server.tls")
}
