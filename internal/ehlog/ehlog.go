// Package ehlog wraps logrus into the small set of named, independently
// gated loggers the rest of this module logs through, grounded on the way
// delve's pkg/logflags hands each subsystem its own *logrus.Entry behind a
// boolean gate rather than one global verbose flag.
package ehlog

import "github.com/sirupsen/logrus"

// Logger is a named, independently enabled logging sink. Enabled lets a
// call site skip building a log line entirely on the common path, the
// same guard delve's log call sites use before formatting anything.
type Logger struct {
	entry   *logrus.Entry
	enabled bool
}

func newLogger(component string) *Logger {
	return &Logger{entry: logrus.WithField("component", component)}
}

// Enabled reports whether this logger's gate is open.
func (l *Logger) Enabled() bool { return l.enabled }

// Enable opens this logger's gate.
func (l *Logger) Enable() { l.enabled = true }

// Disable closes this logger's gate.
func (l *Logger) Disable() { l.enabled = false }

// Entry returns the underlying *logrus.Entry for call sites that have
// already checked Enabled and want field-rich logging.
func (l *Logger) Entry() *logrus.Entry { return l.entry }

var (
	stack    = newLogger("dwarfcfi")
	abiLog   = newLogger("abi")
	registry = newLogger("registry")
)

// Stack gates CFI-VM tracing: row decoding, opcode dispatch, cache hits.
func Stack() *Logger { return stack }

// ABI gates Itanium-engine tracing: phase transitions, personality calls,
// reason codes returned at each frame.
func ABI() *Logger { return abiLog }

// Registry gates Object Registry tracing: registrations, deregistrations,
// and /proc/self/maps discovery.
func Registry() *Logger { return registry }

// SetLevel sets the logrus standard logger's level; ehtool's --log-level
// flag and internal/config's LogLevel field both funnel through here.
func SetLevel(level logrus.Level) {
	logrus.SetLevel(level)
}
