package version

import (
	"fmt"
	"runtime"
)

var (
	CLIName    = "agent"
	CLIVersion = "0.1.0"
	Commit     = "unknown"
	BuildDate  = "unknown"
)

func Long() string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s, %s)", CLIName, CLIVersion, Commit, BuildDate, runtime.Version())
}

// UserAgent is sent on every outbound HTTP request.
func UserAgent() string {
	return CLIName + "/" + CLIVersion
}
