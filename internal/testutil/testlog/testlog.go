package testlog

import (
	"testing"

	logs "github.com/danmuck/edgebus/internal/logging"
)

// Start configures test logging and tags the output with the test name.
func Start(t testing.TB) {
	t.Helper()
	logs.ConfigureTests()
	logs.Infof("test=%s", t.Name())
}
