// Package artifact owns the per-task directory layout on disk.
//
// Every task gets <root>/<task id>/ and each pipeline stage writes to a fixed
// filename inside it, so later stages and the HTTP layer can find artifacts
// from the task id alone.
package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	ExtractedAudioName         = "extracted_audio.wav"
	TranscriptionName          = "transcription.json"
	CorrectedTranscriptionName = "transcription_corrected.json"

	vocalsSuffix = "_vocals.wav"
)

var (
	ErrNotFound    = errors.New("file not found")
	ErrInvalidName = errors.New("invalid filename")
	ErrTooLarge    = errors.New("file exceeds size limit")
	ErrReserved    = errors.New("filename is reserved for pipeline output")
)

// VocalsName returns the separated-vocals filename for an audio file: <stem>_vocals.wav.
func VocalsName(audioPath string) string {
	base := filepath.Base(audioPath)
	return strings.TrimSuffix(base, filepath.Ext(base)) + vocalsSuffix
}

// CleanFilename reduces a client-supplied name to its base element. Names the
// pipeline writes into the task directory are refused.
func CleanFilename(name string) (string, error) {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	clean := filepath.Base(name)
	if clean == "" || clean == "." || clean == ".." || clean == "/" {
		return "", ErrInvalidName
	}
	if Reserved(clean) {
		return "", fmt.Errorf("%w: %s", ErrReserved, clean)
	}
	return clean, nil
}

// Reserved reports whether name collides with a stage output. The match ignores
// case so it also holds on case-insensitive filesystems.
func Reserved(name string) bool {
	for _, r := range []string{
		ExtractedAudioName,
		VocalsName(ExtractedAudioName),
		TranscriptionName,
		CorrectedTranscriptionName,
	} {
		if strings.EqualFold(name, r) {
			return true
		}
	}
	return false
}

type Store struct {
	root string
}

// NewStore creates the root directory if needed.
func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Store{root: abs}, nil
}

func (s *Store) Root() string { return s.root }

// Dir returns the task directory path without touching the disk.
func (s *Store) Dir(taskID string) (string, error) {
	if err := checkElement(taskID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, taskID), nil
}

// Create makes the task directory. Safe to call when it already exists.
func (s *Store) Create(taskID string) (string, error) {
	dir, err := s.Dir(taskID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create task dir: %w", err)
	}
	return dir, nil
}

// Exists reports whether the task directory is present.
func (s *Store) Exists(taskID string) bool {
	dir, err := s.Dir(taskID)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// Path joins a stage filename onto the task directory.
func (s *Store) Path(taskID, name string) (string, error) {
	dir, err := s.Dir(taskID)
	if err != nil {
		return "", err
	}
	if err := checkElement(name); err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// Resolve returns the path of an existing artifact.
func (s *Store) Resolve(taskID, name string) (string, error) {
	// Security: Prevent path traversal
	path, err := s.Path(taskID, name)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", ErrNotFound
	}
	return path, nil
}

// SaveUpload streams r into the task directory under name. limit <= 0 disables the size check.
func (s *Store) SaveUpload(taskID, name string, r io.Reader, limit int64) (string, error) {
	path, err := s.Path(taskID, name)
	if err != nil {
		return "", err
	}
	if Reserved(name) {
		return "", fmt.Errorf("%w: %s", ErrReserved, name)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}

	src := r
	if limit > 0 {
		src = &io.LimitedReader{R: r, N: limit + 1}
	}
	written, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && limit > 0 && written > limit {
		err = ErrTooLarge
	}
	if err != nil {
		os.Remove(path)
		if errors.Is(err, ErrTooLarge) {
			return "", err
		}
		return "", fmt.Errorf("write upload file: %w", err)
	}
	return path, nil
}

// WriteJSON writes v as indented UTF-8 JSON. Non-ASCII and HTML characters are kept verbatim.
// The document is renamed into place so concurrent readers never see a partial file.
func WriteJSON(path string, v interface{}) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// ReadJSON decodes the JSON document at path into v.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func checkElement(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return ErrInvalidName
	}
	return nil
}
