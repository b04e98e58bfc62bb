// Package version holds build information for agentvault, set with
// -ldflags "-X github.com/avaropoint/agentvault/internal/version.Version=...".
package version

import "fmt"

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// String renders the version line printed by the CLI.
func String() string {
	return fmt.Sprintf("agentvault v%s (built %s)", Version, BuildTime)
}
