package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// Options the extractor sets itself. Overriding them would break the mono 16kHz PCM contract.
var reservedFlags = map[string]bool{
	"-i":      true,
	"-y":      true,
	"-n":      true,
	"-ac":     true,
	"-ar":     true,
	"-f":      true,
	"-c:a":    true,
	"-acodec": true,
}

// SplitCommand securely splits a command string into a slice of arguments.
// It prevents shell injection by not using a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	return args, nil
}

// SanitizeExtraArgs checks operator-supplied extra ffmpeg arguments.
func SanitizeExtraArgs(args []string) error {
	for _, arg := range args {
		if reservedFlags[arg] {
			return fmt.Errorf("argument %s is managed by the extractor", arg)
		}
		// exec.Command never runs a shell, but these have no business in ffmpeg options.
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	return nil
}
