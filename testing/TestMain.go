// Package testing prepares the environment for package tests. Import it for
// side effects: it enables test mode, supplies throwaway secrets and silences
// the default logger unless ESTATEHUB_TEST_LOGS is set.
package testing

import (
	"io"
	"log/slog"
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

var testEnv = map[string]string{
	"ESTATEHUB_TEST_MODE": "1",
	"SESSION_SECRET":      "test-session-secret",
	"CSRF_SECRET":         "test-csrf-secret",
}

func ensureTestMode() {
	once.Do(func() {
		for key, value := range testEnv {
			if key == "ESTATEHUB_TEST_MODE" || os.Getenv(key) == "" {
				_ = os.Setenv(key, value)
			}
		}
		if os.Getenv("ESTATEHUB_TEST_LOGS") == "" {
			slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
		}
	})
}

func init() {
	ensureTestMode()
}

// TestMain is available to packages that want the harness as their entry point.
func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
