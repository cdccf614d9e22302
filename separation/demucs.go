package separation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"vocalscribe/artifact"
	"vocalscribe/config"
	"vocalscribe/model"
)

// ErrNoVocals is returned, wrapped with its cause, whenever separation produced nothing usable.
// Callers fall back to the unseparated audio.
var ErrNoVocals = errors.New("vocal separation yielded no result")

const vocalsStem = "vocals"

// Invoker runs a request against a cached model.
type Invoker interface {
	Invoke(ctx context.Context, profile model.Profile, req, resp interface{}) error
}

type request struct {
	Audio  string `json:"audio"`
	Output string `json:"output"`
	Stem   string `json:"stem"`
}

type response struct {
	Output string `json:"output"`
}

// Demucs isolates the vocal stem with a demucs model held by the model cache.
type Demucs struct {
	models  Invoker
	profile model.Profile
	enabled bool
}

func NewDemucs(models Invoker, cfg *config.Config) *Demucs {
	return &Demucs{
		models: models,
		profile: model.Profile{
			Slot:   model.SlotSeparator,
			Name:   cfg.DemucsModel,
			Device: cfg.DemucsDevice,
		},
		enabled: cfg.SeparationEnable,
	}
}

// Separate writes <stem>_vocals.wav next to audioPath and returns its path.
func (d *Demucs) Separate(ctx context.Context, audioPath string) (string, error) {
	if !d.enabled {
		return "", fmt.Errorf("%w: separation disabled", ErrNoVocals)
	}

	out := filepath.Join(filepath.Dir(audioPath), artifact.VocalsName(audioPath))
	var resp response
	err := d.models.Invoke(ctx, d.profile, request{Audio: audioPath, Output: out, Stem: vocalsStem}, &resp)
	if err != nil {
		os.Remove(out)
		return "", fmt.Errorf("%w: %v", ErrNoVocals, err)
	}
	if resp.Output != "" && resp.Output != out {
		return "", fmt.Errorf("%w: helper wrote %s, expected %s", ErrNoVocals, resp.Output, out)
	}

	info, err := os.Stat(out)
	if err != nil {
		return "", fmt.Errorf("%w: output missing: %v", ErrNoVocals, err)
	}
	if info.Size() == 0 {
		os.Remove(out)
		return "", fmt.Errorf("%w: output is empty", ErrNoVocals)
	}
	return out, nil
}
