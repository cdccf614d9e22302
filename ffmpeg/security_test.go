package ffmpeg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitCommand(t *testing.T) {
	cmd := `-af "highpass=f=80, lowpass=f=8000" -map_metadata -1`
	expected := []string{"-af", "highpass=f=80, lowpass=f=8000", "-map_metadata", "-1"}

	args, err := SplitCommand(cmd)
	assert.NoError(t, err)
	assert.Equal(t, expected, args)

	_, err = SplitCommand(`-af "unterminated`)
	assert.Error(t, err)
}

func TestSanitizeExtraArgs(t *testing.T) {
	t.Run("Valid args", func(t *testing.T) {
		args, _ := SplitCommand(`-af loudnorm -map_metadata -1`)
		assert.NoError(t, SanitizeExtraArgs(args))
	})

	t.Run("Empty args", func(t *testing.T) {
		assert.NoError(t, SanitizeExtraArgs(nil))
	})

	t.Run("Reserved flag", func(t *testing.T) {
		args, _ := SplitCommand(`-ar 44100`)
		err := SanitizeExtraArgs(args)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "-ar is managed by the extractor")
	})

	t.Run("Disallowed character (semicolon)", func(t *testing.T) {
		args, _ := SplitCommand(`-af loudnorm; ls`)
		err := SanitizeExtraArgs(args)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "disallowed character found in argument: loudnorm;")
	})

	t.Run("Disallowed character (dollar)", func(t *testing.T) {
		args, _ := SplitCommand(`-af "volume=$(($RANDOM))"`)
		err := SanitizeExtraArgs(args)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "disallowed character found in argument: volume=$(($RANDOM))")
	})
}
