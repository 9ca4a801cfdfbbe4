// Package envcfg reads the handful of environment variables this module
// consults, centralizing the parsing so host, client, and cmd/vslctl
// agree on one set of names and defaults.
package envcfg

import (
	"log/slog"
	"os"
)

// Debug reports whether VSL_DEBUG is set to a non-empty value.
func Debug() bool {
	return os.Getenv("VSL_DEBUG") != ""
}

// CodecBackend returns VSL_CODEC_BACKEND verbatim. The core library never
// interprets this value; it exists purely to be threaded through
// frame.Options.UserPtr by callers that want to tag frames with the
// producing codec without a side channel.
func CodecBackend() string {
	return os.Getenv("VSL_CODEC_BACKEND")
}

// Logger builds the package-default *slog.Logger: text output on stderr,
// at Debug level when Debug() is true and Info otherwise. component is
// attached so log lines can be filtered by subsystem.
func Logger(component string) *slog.Logger {
	level := slog.LevelInfo
	if Debug() {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("component", component)
}
