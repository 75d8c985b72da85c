package ytdlp

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// reservedOptions are yt-dlp options the service sets itself or that would
// let an operator-supplied string run commands or write elsewhere.
var reservedOptions = []string{
	"-o", "--output", "-P", "--paths",
	"--exec", "--exec-before-download",
	"-a", "--batch-file", "--config-location", "--config-locations",
	"--download-sections", "--progress-template", "--newline",
	"-f", "--format",
}

// ParseExtraArgs splits operator-supplied yt-dlp arguments without a shell
// and rejects ones the service must control itself.
func ParseExtraArgs(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	args, err := shlex.Split(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid YTDLP_EXTRA_ARGS syntax: %w", err)
	}
	if err := ValidateArgs(args); err != nil {
		return nil, err
	}
	return args, nil
}

// ValidateArgs checks split arguments for shell metacharacters and reserved
// options.
func ValidateArgs(args []string) error {
	for _, arg := range args {
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
		name, _, _ := strings.Cut(arg, "=")
		for _, opt := range reservedOptions {
			if name == opt {
				return fmt.Errorf("argument %s is managed by the service", arg)
			}
		}
	}
	return nil
}
