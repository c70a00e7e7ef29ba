// Package logs installs the go-logging backend used by every consent package.
//
// Each package owns a module logger (logging.MustGetLogger("paxos") and so on);
// this package only decides where those records go and at which level.
package logs

import (
	"fmt"
	"io"
	"os"
	"strings"

	logging "github.com/op/go-logging"
)

// Format is the record layout shared by the daemon, the demo and tests.
var Format = logging.MustStringFormatter(
	`%{time:15:04:05.000} %{module:-9s} %{level:.4s} %{message}`,
)

// Setup routes every module logger to w at the given level ("debug", "info",
// "warning", "error", "critical"). An empty level means "info".
func Setup(w io.Writer, level string) error {
	if w == nil {
		w = os.Stderr
	}
	if level == "" {
		level = "info"
	}
	lvl, err := logging.LogLevel(strings.ToUpper(level))
	if err != nil {
		return fmt.Errorf("logs: unknown level %q: %w", level, err)
	}
	backend := logging.NewLogBackend(w, "", 0)
	leveled := logging.AddModuleLevel(logging.NewBackendFormatter(backend, Format))
	leveled.SetLevel(lvl, "")
	logging.SetBackend(leveled)
	return nil
}

// Silence drops everything below CRITICAL. Tests call it from init.
func Silence() {
	backend := logging.NewLogBackend(io.Discard, "", 0)
	leveled := logging.AddModuleLevel(backend)
	leveled.SetLevel(logging.CRITICAL, "")
	logging.SetBackend(leveled)
}
