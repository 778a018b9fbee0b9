package worker

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// blockedFlags are yt-dlp options that would move output away from the
// managed template or run arbitrary commands.
var blockedFlags = []string{
	"-o", "--output", "-P", "--paths", "--exec", "--exec-before-download",
	"--batch-file", "-a", "--config-location", "--netrc-cmd",
}

// SplitArgs securely splits a configured argument string without a shell.
func SplitArgs(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	args, err := shlex.Split(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid argument syntax: %w", err)
	}
	return args, nil
}

// ValidateArgs rejects shell metacharacters and options that escape the
// output directory.
func ValidateArgs(args []string) error {
	for _, arg := range args {
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
		name, _, _ := strings.Cut(arg, "=")
		for _, blocked := range blockedFlags {
			if name == blocked {
				return fmt.Errorf("argument %s is managed by the service and cannot be overridden", name)
			}
		}
	}
	return nil
}

// ParseExtraArgs splits and validates in one step.
func ParseExtraArgs(raw string) ([]string, error) {
	args, err := SplitArgs(raw)
	if err != nil {
		return nil, err
	}
	if err := ValidateArgs(args); err != nil {
		return nil, err
	}
	return args, nil
}
