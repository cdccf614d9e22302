package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"vocalscribe/config"
	"vocalscribe/logger"
)

const stderrTailLimit = 512

// ExtractionError reports input media that ffmpeg could not turn into audio.
type ExtractionError struct {
	Input  string
	Stderr string
	Err    error
}

func (e *ExtractionError) Error() string {
	msg := fmt.Sprintf("audio extraction failed for %s", filepath.Base(e.Input))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if tail := stderrTail(e.Stderr); tail != "" {
		msg += " (" + tail + ")"
	}
	return msg
}

func (e *ExtractionError) Unwrap() error { return e.Err }

type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
	}
	return res, err
}

// Extractor converts arbitrary media into the mono 16kHz PCM WAV the later stages expect.
type Extractor struct {
	bin       string
	timeout   time.Duration
	extraArgs []string
	runner    commandRunner
	log       *logger.Logger
}

func NewExtractor(cfg *config.Config, log *logger.Logger) (*Extractor, error) {
	// Ensure ffmpeg binary is executable
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}

	extra, err := SplitCommand(cfg.FFExtraArgs)
	if err != nil {
		return nil, err
	}
	if err := SanitizeExtraArgs(extra); err != nil {
		return nil, fmt.Errorf("invalid FF_EXTRA_ARGS: %w", err)
	}

	return &Extractor{
		bin:       cfg.FFBin,
		timeout:   cfg.FFTimeout,
		extraArgs: extra,
		runner:    execRunner{},
		log:       log,
	}, nil
}

// Extract writes the normalized audio track of inputPath to outputPath.
// Every failure comes back as *ExtractionError.
func (x *Extractor) Extract(ctx context.Context, inputPath, outputPath string) error {
	if x.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}

	args := BuildArgs(inputPath, outputPath, x.extraArgs)
	x.log.WithField("cmd", x.bin+" "+strings.Join(args, " ")).Debug("running ffmpeg")

	res, err := x.runner.Run(ctx, x.bin, args...)
	if err != nil {
		// Clean up the (likely empty or partial) output file.
		os.Remove(outputPath)
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return &ExtractionError{Input: inputPath, Stderr: res.Stderr, Err: err}
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return &ExtractionError{Input: inputPath, Stderr: res.Stderr, Err: errors.New("ffmpeg completed but output file is missing")}
	}
	if info.Size() == 0 {
		os.Remove(outputPath)
		return &ExtractionError{Input: inputPath, Stderr: res.Stderr, Err: errors.New("ffmpeg produced an empty output file")}
	}
	return nil
}

// BuildArgs builds the extraction command line. Video streams are dropped and audio is
// downmixed to mono 16kHz signed 16-bit PCM, whatever the input container.
func BuildArgs(inputPath, outputPath string, extra []string) []string {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
	}
	args = append(args, extra...)
	return append(args, outputPath) // FFMpeg's last argument is the output file
}

func stderrTail(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	tail := strings.TrimSpace(lines[len(lines)-1])
	if len(tail) > stderrTailLimit {
		tail = tail[len(tail)-stderrTailLimit:]
	}
	return tail
}
