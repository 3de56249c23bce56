// Package log adapts hclog.Logger to the printf-style call sites this
// module's ancestor (util/log/logger.go) used, so Session's internals
// read the same way the teacher's did while the actual backend is a real
// structured logger rather than a hand-rolled one.
package log

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
)

type Logger struct {
	base hclog.Logger
}

// New wraps base, defaulting to a null logger when base is nil so callers
// never need a nil check before logging.
func New(base hclog.Logger) *Logger {
	if base == nil {
		base = hclog.NewNullLogger()
	}
	return &Logger{base: base}
}

func (l *Logger) Debug(format string, args ...interface{}) { l.base.Debug(fmt.Sprintf(format, args...)) }
func (l *Logger) Info(format string, args ...interface{})  { l.base.Info(fmt.Sprintf(format, args...)) }
func (l *Logger) Warn(format string, args ...interface{})  { l.base.Warn(fmt.Sprintf(format, args...)) }
func (l *Logger) Error(format string, args ...interface{}) { l.base.Error(fmt.Sprintf(format, args...)) }
