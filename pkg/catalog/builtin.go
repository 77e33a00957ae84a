package catalog

import "fmt"

const ggmlBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

func ggml(file string, size int64) []Artifact {
	return []Artifact{{Name: file, URL: ggmlBaseURL + file, Size: size}}
}

// Builtin returns the descriptors voxscribe ships with. The returned slice is
// a fresh copy on every call.
func Builtin() []Descriptor {
	const multi = Multilingual | SupportsTimestamps
	return []Descriptor{
		{
			ID:           "whisper-tiny.en",
			Family:       FamilyOnDeviceV1,
			Name:         "Whisper Tiny (English)",
			ApproxSize:   77_704_715,
			Capabilities: SupportsTimestamps,
			Languages:    []string{"en"},
			Artifacts:    ggml("ggml-tiny.en.bin", 77_704_715),
		},
		{
			ID:           "whisper-base",
			Family:       FamilyOnDeviceV1,
			Name:         "Whisper Base",
			ApproxSize:   147_951_465,
			Capabilities: multi,
			Artifacts:    ggml("ggml-base.bin", 147_951_465),
		},
		{
			ID:           "whisper-small",
			Family:       FamilyOnDeviceV1,
			Name:         "Whisper Small",
			ApproxSize:   487_601_967,
			Capabilities: multi,
			Artifacts:    ggml("ggml-small.bin", 487_601_967),
		},
		{
			ID:           "whisper-large-v3-turbo",
			Family:       FamilyOnDeviceV2,
			Name:         "Whisper Large v3 Turbo (accelerated)",
			ApproxSize:   1_624_417_792,
			Capabilities: multi | RequiresNeuralAccelerator | SupportsBiasing,
			Artifacts:    ggml("ggml-large-v3-turbo.bin", 1_624_417_792),
		},
		{
			ID:           "whisper-large-v3",
			Family:       FamilyOnDeviceV2,
			Name:         "Whisper Large v3 (accelerated)",
			ApproxSize:   3_094_623_691,
			Capabilities: multi | RequiresNeuralAccelerator | SupportsBiasing,
			Artifacts:    ggml("ggml-large-v3.bin", 3_094_623_691),
		},
		{
			ID:           "cloud-whisper-1",
			Family:       FamilyCloud,
			Name:         "Cloud Whisper",
			Capabilities: Multilingual,
			RemoteModel:  "whisper-1",
		},
		{
			ID:           "cloud-gpt-4o-transcribe",
			Family:       FamilyCloud,
			Name:         "Cloud GPT-4o Transcribe",
			Capabilities: Multilingual | SupportsBiasing,
			RemoteModel:  "gpt-4o-transcribe",
		},
	}
}

// ParseCapabilities converts capability names as written in configuration
// files into a [Capability] set.
func ParseCapabilities(names []string) (Capability, error) {
	var c Capability
	for _, n := range names {
		switch n {
		case "neural-accelerator":
			c |= RequiresNeuralAccelerator
		case "biasing":
			c |= SupportsBiasing
		case "timestamps":
			c |= SupportsTimestamps
		case "multilingual":
			c |= Multilingual
		default:
			return 0, fmt.Errorf("catalog: unknown capability %q", n)
		}
	}
	return c, nil
}
