package app

import (
	"context"
	"fmt"

	"github.com/MrWong99/voxscribe/internal/config"
	"github.com/MrWong99/voxscribe/pkg/catalog"
	"github.com/MrWong99/voxscribe/pkg/provider/asr"
	"github.com/MrWong99/voxscribe/pkg/provider/asr/cloud"
	"github.com/MrWong99/voxscribe/pkg/provider/asr/legacy"
	"github.com/MrWong99/voxscribe/pkg/provider/asr/neural"
)

// newEngine builds the transcription engine for desc from its family. It is
// the orchestrator's [dictation.EngineFactory]; the orchestrator calls it
// whenever the active model changes.
func (a *App) newEngine(desc catalog.Descriptor) (asr.Engine, error) {
	tc := a.settings.Config().Transcription

	switch desc.Family {
	case catalog.FamilyOnDeviceV1:
		return legacy.New(a.store, desc)

	case catalog.FamilyOnDeviceV2:
		return neural.New(a.store, desc, tc.LocalServerURL)

	case catalog.FamilyCloud:
		opts := []cloud.Option{
			// Resolved per request so a rotated key file is picked up.
			cloud.WithCredential(func(ctx context.Context) (string, error) {
				return config.ResolveCredential(ctx, a.settings.Config().Transcription.Cloud.Credential)
			}),
		}
		if tc.Cloud.BaseURL != "" {
			opts = append(opts, cloud.WithBaseURL(tc.Cloud.BaseURL))
		}
		if tc.Cloud.Timeout > 0 {
			opts = append(opts, cloud.WithTimeout(tc.Cloud.Timeout))
		}
		return cloud.New(a.store, desc, opts...)

	default:
		return nil, fmt.Errorf("no engine for family %q", desc.Family)
	}
}
