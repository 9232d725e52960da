package testutil

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
)

// Logger returns a console logger in verbose runs and a no-op logger
// otherwise. It never writes through t, so background goroutines may keep
// logging after the test returns.
func Logger(t testing.TB) zerolog.Logger {
	if !testing.Verbose() {
		return zerolog.Nop()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Str("test", t.Name()).Logger().
		Level(zerolog.DebugLevel)
}
