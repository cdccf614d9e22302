// Package export renders a task's transcript into downloadable formats.
package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"vocalscribe/artifact"
	"vocalscribe/transcription"
)

type Format string

const (
	FormatSRT  Format = "srt"
	FormatTXT  Format = "txt"
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

var (
	ErrUnknownFormat = errors.New("unknown export format")
	ErrNoTranscript  = errors.New("no transcript available")
)

const sheetName = "Transcript"

// ParseFormat accepts a format name case-insensitively. An empty name means SRT.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case "":
		return FormatSRT, nil
	case FormatSRT, FormatTXT, FormatJSON, FormatXLSX:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json; charset=utf-8"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatSRT:
		return "application/x-subrip; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Filename derives the download name from the uploaded file: song.mp3 -> song.srt.
func (f Format) Filename(original string) string {
	base := filepath.Base(original)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == "." || stem == "/" {
		stem = "transcript"
	}
	return stem + "." + string(f)
}

// Cue is one timed line of a transcript.
type Cue struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Load reads the corrected transcript from dir when one was saved, else the
// original transcription document.
func Load(dir string) ([]Cue, error) {
	var corrected []json.RawMessage
	err := artifact.ReadJSON(filepath.Join(dir, artifact.CorrectedTranscriptionName), &corrected)
	switch {
	case err == nil:
		return decodeCues(corrected)
	case !errors.Is(err, artifact.ErrNotFound):
		return nil, fmt.Errorf("read corrected transcript: %w", err)
	}

	var doc transcription.Result
	err = artifact.ReadJSON(filepath.Join(dir, artifact.TranscriptionName), &doc)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, ErrNoTranscript
	}
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	cues := make([]Cue, 0, len(doc.Segments))
	for _, s := range doc.Segments {
		cues = append(cues, Cue{Start: s.Start, End: s.End, Text: s.Text})
	}
	return cues, nil
}

// decodeCues reads start/end/text from each saved object. Other fields are
// ignored and values of the wrong type fall back to zero.
func decodeCues(raw []json.RawMessage) ([]Cue, error) {
	cues := make([]Cue, 0, len(raw))
	for i, item := range raw {
		var obj map[string]interface{}
		if err := json.Unmarshal(item, &obj); err != nil {
			return nil, fmt.Errorf("corrected transcript item %d: %w", i, err)
		}
		c := Cue{}
		c.Start, _ = obj["start"].(float64)
		c.End, _ = obj["end"].(float64)
		c.Text, _ = obj["text"].(string)
		cues = append(cues, c)
	}
	return cues, nil
}

// Write renders cues in format f.
func Write(w io.Writer, f Format, cues []Cue) error {
	switch f {
	case FormatSRT:
		return SRT(w, cues)
	case FormatTXT:
		return TXT(w, cues)
	case FormatJSON:
		return JSON(w, cues)
	case FormatXLSX:
		return XLSX(w, cues)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, string(f))
	}
}

// SRT writes numbered SubRip blocks.
func SRT(w io.Writer, cues []Cue) error {
	var b strings.Builder
	for i, c := range cues {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1, srtTimestamp(c.Start), srtTimestamp(c.End), strings.TrimSpace(c.Text))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// TXT writes one line of text per cue.
func TXT(w io.Writer, cues []Cue) error {
	lines := make([]string, 0, len(cues))
	for _, c := range cues {
		lines = append(lines, strings.TrimSpace(c.Text))
	}
	_, err := io.WriteString(w, strings.Join(lines, "\n"))
	return err
}

func JSON(w io.Writer, cues []Cue) error {
	if cues == nil {
		cues = []Cue{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cues); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// XLSX writes a single sheet with a header row and one row per cue.
func XLSX(w io.Writer, cues []Cue) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	header := []interface{}{"#", "Start", "End", "Text"}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, c := range cues {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []interface{}{i + 1, srtTimestamp(c.Start), srtTimestamp(c.End), strings.TrimSpace(c.Text)}
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	if err := f.SetColWidth(sheetName, "D", "D", 80); err != nil {
		return err
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// srtTimestamp formats seconds as HH:MM:SS,mmm.
func srtTimestamp(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	ms := int64(math.Round(seconds * 1000))
	h := ms / 3_600_000
	ms %= 3_600_000
	m := ms / 60_000
	ms %= 60_000
	s := ms / 1000
	ms %= 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
