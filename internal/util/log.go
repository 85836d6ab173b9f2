package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm's default logger.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// Logger tags every line with a component name and the call it belongs to,
// so interleaved output of the P2P and SFU legs stays readable.
type Logger struct {
	scope string
	call  string
}

// NewLogger returns a Logger for the given component and call ID.
// An empty callID is allowed before the session knows its call.
func NewLogger(scope, callID string) Logger {
	return Logger{scope: scope, call: CallTag(callID)}
}

// With returns a copy of l bound to another call ID.
func (l Logger) With(callID string) Logger {
	return Logger{scope: l.scope, call: CallTag(callID)}
}

func (l Logger) args() []pterm.LoggerArgument {
	return pterm.DefaultLogger.Args("scope", l.scope, "call", l.call)
}

func (l Logger) Debugf(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...), l.args())
}

func (l Logger) Infof(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...), l.args())
}

func (l Logger) Warnf(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...), l.args())
}

func (l Logger) Errorf(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...), l.args())
}
