// Package pipeline runs the three processing stages for one task:
// audio extraction, vocal separation and transcription.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"vocalscribe/artifact"
	"vocalscribe/logger"
	"vocalscribe/transcription"
)

const (
	StageExtraction    = "extraction"
	StageTranscription = "transcription"
	StagePersist       = "persist"
)

// Error is a stage-aware pipeline failure. Its message is what the task record shows.
type Error struct {
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Stage + " failed"
	}
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Extractor interface {
	Extract(ctx context.Context, inputPath, outputPath string) error
}

// Separator returns the path of the separated vocals. Any error means "no result".
type Separator interface {
	Separate(ctx context.Context, audioPath string) (string, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (*transcription.Result, error)
}

// Result is handed to the task registry and not modified afterwards.
type Result struct {
	TaskID           string                `json:"task_id"`
	OriginalFilename string                `json:"original_filename"`
	ExtractedAudio   string                `json:"extracted_audio"`
	VocalsAudio      string                `json:"vocals_audio"`
	Transcription    *transcription.Result `json:"transcription"`
}

type Orchestrator struct {
	extractor   Extractor
	separator   Separator
	transcriber Transcriber
	log         *logger.Logger
}

func NewOrchestrator(x Extractor, s Separator, t Transcriber, log *logger.Logger) *Orchestrator {
	return &Orchestrator{extractor: x, separator: s, transcriber: t, log: log}
}

// Run executes the stages in order. Only separation may fail without aborting the run.
func (o *Orchestrator) Run(ctx context.Context, taskID, inputFile, taskDir string) (*Result, error) {
	log := o.log.WithTask(taskID)
	log.WithField("input", filepath.Base(inputFile)).Info("pipeline started")

	extracted := filepath.Join(taskDir, artifact.ExtractedAudioName)
	if err := o.extractor.Extract(ctx, inputFile, extracted); err != nil {
		return nil, &Error{Stage: StageExtraction, Err: err}
	}
	log.WithField("audio", artifact.ExtractedAudioName).Info("audio extracted")

	audio := extracted
	vocals, err := o.separator.Separate(ctx, extracted)
	if err != nil || vocals == "" {
		if err == nil {
			err = errors.New("no output")
		}
		log.WithError(err).Warn("vocal separation failed, falling back to extracted audio")
	} else {
		audio = vocals
		log.WithField("vocals", filepath.Base(vocals)).Info("vocals separated")
	}

	result, err := o.transcriber.Transcribe(ctx, audio)
	if err != nil {
		return nil, &Error{Stage: StageTranscription, Err: err}
	}
	if result == nil {
		return nil, &Error{Stage: StageTranscription, Err: errors.New("no result")}
	}
	if result.Segments == nil {
		result.Segments = []transcription.Segment{}
	}
	log.WithField("language", result.Language).WithField("segments", len(result.Segments)).Info("transcription completed")

	if err := artifact.WriteJSON(filepath.Join(taskDir, artifact.TranscriptionName), result); err != nil {
		return nil, &Error{Stage: StagePersist, Err: err}
	}

	return &Result{
		TaskID:           taskID,
		OriginalFilename: filepath.Base(inputFile),
		ExtractedAudio:   filepath.Base(extracted),
		VocalsAudio:      filepath.Base(audio),
		Transcription:    result,
	}, nil
}
