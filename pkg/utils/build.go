// Build information, stamped through -ldflags "-X github.com/nobletooth/pouch/pkg/utils.Version=..." and friends.
// CAUTION: TestMode is also stamped this way; keep the variable names stable.

package utils

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

var (
	TestMode   string // Should be true when running tests.
	IsTestMode bool
	Version    string
	Commit     string
	BuildTime  string
	StartTime  time.Time
	Hostname   string
)

func init() {
	StartTime = time.Now()

	// Unstamped builds are development builds; Version must stay a valid semantic version.
	if Version == "" {
		Version = "v0.0.0-dev"
	}
	if Commit == "" {
		Commit = "unknown"
	}
	if BuildTime == "" {
		BuildTime = "unknown"
	}
	if host, err := os.Hostname(); err == nil {
		Hostname = host
	} else {
		Hostname = "unknown"
	}
	if len(TestMode) > 0 {
		if isTestMode, err := strconv.ParseBool(TestMode); err == nil {
			IsTestMode = isTestMode
		} else {
			slog.Warn("Failed to parse TestMode build flag, defaulting to false", "error", err)
		}
	}
}

// BuildAttrs returns the build information as slog key-value pairs.
func BuildAttrs() []any {
	return []any{"version", Version, "commit", Commit, "build", BuildTime, "host", Hostname}
}
