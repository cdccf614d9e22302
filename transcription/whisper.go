package transcription

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"vocalscribe/config"
	"vocalscribe/model"
)

// Segment is a timestamped span of transcribed text. Times are seconds.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is the document persisted as transcription.json.
type Result struct {
	Language            string    `json:"language"`
	LanguageProbability *float64  `json:"language_probability,omitempty"`
	Segments            []Segment `json:"segments"`
}

// Error wraps any failure of the transcription stage.
type Error struct {
	Audio string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transcription of %s failed: %v", filepath.Base(e.Audio), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Invoker runs a request against a cached model.
type Invoker interface {
	Invoke(ctx context.Context, profile model.Profile, req, resp interface{}) error
}

// Options are the fixed decoding settings applied to every request.
type Options struct {
	Model       string
	Device      string
	ComputeType string
	Language    string
	BeamSize    int
	VADFilter   bool
	MinSilence  time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Model:       cfg.WhisperModel,
		Device:      cfg.WhisperDevice,
		ComputeType: cfg.WhisperComputeType,
		Language:    cfg.WhisperLanguage,
		BeamSize:    cfg.WhisperBeamSize,
		VADFilter:   cfg.WhisperVADFilter,
		MinSilence:  cfg.WhisperMinSilence,
	}
}

type request struct {
	Audio                string `json:"audio"`
	BeamSize             int    `json:"beam_size"`
	VADFilter            bool   `json:"vad_filter"`
	MinSilenceDurationMs int64  `json:"min_silence_duration_ms"`
	Language             string `json:"language,omitempty"`
}

type rawSegment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type rawResult struct {
	Language            string       `json:"language"`
	LanguageProbability *float64     `json:"language_probability"`
	Segments            []rawSegment `json:"segments"`
}

// Whisper transcribes audio with a faster-whisper model held by the model cache.
type Whisper struct {
	models Invoker
	opts   Options
}

func NewWhisper(models Invoker, opts Options) *Whisper {
	return &Whisper{models: models, opts: opts}
}

func (w *Whisper) profile() model.Profile {
	return model.Profile{
		Slot:        model.SlotTranscriber,
		Name:        w.opts.Model,
		Device:      w.opts.Device,
		ComputeType: w.opts.ComputeType,
	}
}

func (w *Whisper) Transcribe(ctx context.Context, audioPath string) (*Result, error) {
	req := request{
		Audio:                audioPath,
		BeamSize:             w.opts.BeamSize,
		VADFilter:            w.opts.VADFilter,
		MinSilenceDurationMs: w.opts.MinSilence.Milliseconds(),
		Language:             w.opts.Language,
	}

	var raw rawResult
	if err := w.models.Invoke(ctx, w.profile(), req, &raw); err != nil {
		return nil, &Error{Audio: audioPath, Err: err}
	}

	return &Result{
		Language:            raw.Language,
		LanguageProbability: raw.LanguageProbability,
		Segments:            normalize(raw.Segments),
	}, nil
}

// normalize rounds timestamps to centiseconds, trims text, drops blank segments
// and orders the rest by start time.
func normalize(raw []rawSegment) []Segment {
	out := make([]Segment, 0, len(raw))
	for _, s := range raw {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		out = append(out, Segment{
			ID:    s.ID,
			Start: Round2(s.Start),
			End:   Round2(s.End),
			Text:  text,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Round2 rounds to two decimal places, half away from zero.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
