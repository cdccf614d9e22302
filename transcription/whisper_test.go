package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"vocalscribe/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInvoker struct {
	gotProfile model.Profile
	gotReq     interface{}
	reply      string
	err        error
}

func (f *fakeInvoker) Invoke(ctx context.Context, profile model.Profile, req, resp interface{}) error {
	f.gotProfile, f.gotReq = profile, req
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.reply), resp)
}

func testOptions() Options {
	return Options{
		Model:       "base",
		Device:      "auto",
		ComputeType: "auto",
		BeamSize:    5,
		VADFilter:   true,
		MinSilence:  500 * time.Millisecond,
	}
}

func TestWhisper_MapsSegments(t *testing.T) {
	inv := &fakeInvoker{reply: `{
		"language": "ja",
		"language_probability": 0.9731,
		"segments": [
			{"id": 1, "start": 0.0, "end": 2.346, "text": "  こんにちは "},
			{"id": 2, "start": 2.345, "end": 3.0, "text": "   "},
			{"id": 3, "start": 3.004, "end": 4.996, "text": "世界"},
			{"id": 4, "start": 1.5, "end": 1.9, "text": "late"}
		]
	}`}
	w := NewWhisper(inv, testOptions())

	res, err := w.Transcribe(context.Background(), "/tmp/t/extracted_audio_vocals.wav")
	require.NoError(t, err)

	assert.Equal(t, "ja", res.Language)
	require.NotNil(t, res.LanguageProbability)
	assert.InDelta(t, 0.9731, *res.LanguageProbability, 1e-9)
	assert.Equal(t, []Segment{
		{ID: 1, Start: 0, End: 2.35, Text: "こんにちは"},
		{ID: 4, Start: 1.5, End: 1.9, Text: "late"},
		{ID: 3, Start: 3.0, End: 5.0, Text: "世界"},
	}, res.Segments)

	for i := 1; i < len(res.Segments); i++ {
		assert.LessOrEqual(t, res.Segments[i-1].Start, res.Segments[i].Start)
	}

	assert.Equal(t, model.Profile{Slot: model.SlotTranscriber, Name: "base", Device: "auto", ComputeType: "auto"}, inv.gotProfile)
	req := inv.gotReq.(request)
	assert.Equal(t, 5, req.BeamSize)
	assert.True(t, req.VADFilter)
	assert.Equal(t, int64(500), req.MinSilenceDurationMs)
	assert.Empty(t, req.Language)
}

func TestWhisper_SilenceYieldsEmptySegments(t *testing.T) {
	inv := &fakeInvoker{reply: `{"language": "en", "language_probability": 0.41, "segments": []}`}
	res, err := NewWhisper(inv, testOptions()).Transcribe(context.Background(), "silence.wav")
	require.NoError(t, err)

	require.NotNil(t, res.Segments)
	assert.Empty(t, res.Segments)

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"segments":[]`)
}

func TestWhisper_MissingProbabilityIsOmitted(t *testing.T) {
	inv := &fakeInvoker{reply: `{"language": "en", "segments": [{"id": 0, "start": 0, "end": 1, "text": "hi"}]}`}
	res, err := NewWhisper(inv, testOptions()).Transcribe(context.Background(), "a.wav")
	require.NoError(t, err)

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "language_probability")
}

func TestWhisper_SegmentsWithoutLanguage(t *testing.T) {
	inv := &fakeInvoker{reply: `{"segments": [{"id": 0, "start": 0, "end": 1.5, "text": " hello "}]}`}
	res, err := NewWhisper(inv, testOptions()).Transcribe(context.Background(), "a.wav")
	require.NoError(t, err)

	assert.Empty(t, res.Language)
	require.Len(t, res.Segments, 1)
	assert.Equal(t, "hello", res.Segments[0].Text)
}

func TestWhisper_Failure(t *testing.T) {
	inv := &fakeInvoker{err: errors.New("helper exited before becoming ready")}
	_, err := NewWhisper(inv, testOptions()).Transcribe(context.Background(), "/x/a.wav")

	var tErr *Error
	require.True(t, errors.As(err, &tErr))
	assert.Equal(t, "transcription of a.wav failed: helper exited before becoming ready", err.Error())
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 1.23, Round2(1.234))
	assert.Equal(t, 1.24, Round2(1.235000001))
	assert.Equal(t, 0.0, Round2(0.004))
	assert.Equal(t, 12.0, Round2(11.999))
}
