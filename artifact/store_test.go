package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_CreateIsIdempotent(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	dir1, err := store.Create("task1")
	require.NoError(t, err)
	dir2, err := store.Create("task1")
	require.NoError(t, err)

	assert.Equal(t, dir1, dir2)
	assert.True(t, store.Exists("task1"))
	assert.False(t, store.Exists("task2"))

	other, err := store.Create("task2")
	require.NoError(t, err)
	assert.NotEqual(t, dir1, other)
}

func TestStore_RejectsTraversal(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.Create("task1")
	require.NoError(t, err)

	for _, name := range []string{"../secret", "..", ".", "", "a/b", `a\b`} {
		_, err := store.Resolve("task1", name)
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}
	_, err = store.Create("../escape")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestStore_Resolve(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	dir, err := store.Create("task1")
	require.NoError(t, err)

	_, err = store.Resolve("task1", ExtractedAudioName)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ExtractedAudioName), []byte("wav"), 0o644))
	path, err := store.Resolve("task1", ExtractedAudioName)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ExtractedAudioName), path)
}

func TestStore_SaveUpload(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.Create("task1")
	require.NoError(t, err)

	t.Run("within limit", func(t *testing.T) {
		path, err := store.SaveUpload("task1", "clip.mp4", strings.NewReader("0123456789"), 10)
		require.NoError(t, err)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "0123456789", string(data))
	})

	t.Run("over limit removes partial file", func(t *testing.T) {
		_, err := store.SaveUpload("task1", "big.mp4", strings.NewReader("0123456789A"), 10)
		assert.ErrorIs(t, err, ErrTooLarge)
		_, statErr := os.Stat(filepath.Join(store.Root(), "task1", "big.mp4"))
		assert.True(t, os.IsNotExist(statErr))
	})
}

func TestWriteJSON_PreservesNonASCII(t *testing.T) {
	path := filepath.Join(t.TempDir(), TranscriptionName)
	doc := map[string]string{"text": "こんにちは <world> & 世界"}

	require.NoError(t, WriteJSON(path, doc))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "こんにちは <world> & 世界")
	assert.Contains(t, string(data), "\n  \"text\"")

	var back map[string]string
	require.NoError(t, ReadJSON(path, &back))
	assert.Equal(t, doc, back)
}

func TestNames(t *testing.T) {
	assert.Equal(t, "extracted_audio_vocals.wav", VocalsName("/x/y/extracted_audio.wav"))

	name, err := CleanFilename(`C:\Users\me\song.mp3`)
	require.NoError(t, err)
	assert.Equal(t, "song.mp3", name)

	_, err = CleanFilename("..")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestCleanFilename_RejectsStageOutputs(t *testing.T) {
	for _, name := range []string{
		ExtractedAudioName,
		"extracted_audio_vocals.wav",
		TranscriptionName,
		CorrectedTranscriptionName,
		"/tmp/Extracted_Audio.WAV",
	} {
		_, err := CleanFilename(name)
		assert.ErrorIs(t, err, ErrReserved, "name %q", name)
	}

	name, err := CleanFilename("extracted_audio_final.wav")
	require.NoError(t, err)
	assert.Equal(t, "extracted_audio_final.wav", name)
}

func TestStore_SaveUploadRefusesStageOutput(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	dir, err := store.Create("task1")
	require.NoError(t, err)

	_, err = store.SaveUpload("task1", ExtractedAudioName, strings.NewReader("media"), 0)
	assert.ErrorIs(t, err, ErrReserved)
	_, statErr := os.Stat(filepath.Join(dir, ExtractedAudioName))
	assert.True(t, os.IsNotExist(statErr))
}
