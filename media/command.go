package media

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// Placeholders recognised in engine command templates.
const (
	PlaceholderInput  = "${INPUT}"
	PlaceholderOutput = "${OUTPUT}"
	PlaceholderModel  = "${MODEL}"
	PlaceholderURL    = "${URL}"
)

var placeholders = []string{PlaceholderInput, PlaceholderOutput, PlaceholderModel, PlaceholderURL}

// SplitCommand securely splits a command string into a slice of arguments.
// It prevents shell injection by not using a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("command is empty")
	}
	return args, nil
}

// ParseTemplate splits command and validates it: every required placeholder
// must appear and no argument may carry shell metacharacters outside a placeholder.
func ParseTemplate(command string, required ...string) ([]string, error) {
	args, err := SplitCommand(command)
	if err != nil {
		return nil, err
	}
	if err := ValidateArgs(args, required...); err != nil {
		return nil, err
	}
	return args, nil
}

// ValidateArgs checks split template arguments for potential security risks.
func ValidateArgs(args []string, required ...string) error {
	seen := make(map[string]bool)
	for i, arg := range args {
		stripped := arg
		for _, p := range placeholders {
			if strings.Contains(stripped, p) {
				seen[p] = true
				stripped = strings.ReplaceAll(stripped, p, "")
			}
		}
		if strings.ContainsAny(stripped, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
		if i == 0 && stripped != arg {
			return fmt.Errorf("the program name must not be a placeholder: %s", arg)
		}
	}
	for _, p := range required {
		if !seen[p] {
			return fmt.Errorf("command must include the placeholder '%s'", p)
		}
	}
	return nil
}

// Expand substitutes placeholder values into a copy of args. Values are
// substituted after splitting, so paths with spaces stay one argument.
func Expand(args []string, values map[string]string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		for p, v := range values {
			arg = strings.ReplaceAll(arg, p, v)
		}
		out[i] = arg
	}
	return out
}
