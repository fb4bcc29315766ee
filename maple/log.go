package maple

import (
	"os"

	"github.com/charmbracelet/log"
)

// Logger is the structured logger used across the runtime. Components
// that need a scoped logger call With to attach fields such as the
// datapath id or flow cookie to every subsequent line.
var Logger = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	Prefix:          "maple",
})

// SetLogLevel configures the verbosity of the package logger. Valid
// values follow charmbracelet/log: "debug", "info", "warn", "error".
func SetLogLevel(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		Logger.Warnf("unknown log level %q, keeping %s", level, Logger.GetLevel())
		return
	}
	Logger.SetLevel(lvl)
}
