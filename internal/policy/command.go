package policy

import (
	"strings"

	clierr "github.com/recallnet/base-aerodrome-agent/internal/errors"
)

// CheckCommandAllowed gates command paths such as "records mark-submitted".
// An allowed parent path also admits its subcommands.
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	normPath := normalizePath(commandPath)
	for _, allowed := range allowlist {
		a := normalizePath(allowed)
		if a == normPath || strings.HasPrefix(normPath, a+" ") {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, "command blocked by --enable-commands policy")
}

func normalizePath(v string) string {
	return strings.Join(strings.Fields(strings.ToLower(v)), " ")
}
