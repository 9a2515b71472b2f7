package persist

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/wsldankers/fruitbak-sub000/build"
)

// Logger is a thin wrapper around hclog.Logger that adds Critical, mirroring
// the fatal/non-fatal split package build's Critical/Severe already draw for
// in-process invariant violations: a Critical log is always accompanied by
// the same panic-under-debug-builds behavior as build.Critical.
type Logger struct {
	hclog.Logger
}

// NewFileLogger opens (creating if necessary) a per-component logfile at
// path and returns a Logger that writes to it, named name.
func NewFileLogger(name, path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return NewLogger(name, f), nil
}

// NewLogger returns a Logger named name, writing to w.
func NewLogger(name string, w io.Writer) *Logger {
	return &Logger{Logger: hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Output: w,
		Level:  hclog.Info,
	})}
}

// Critical logs msg and args at Error level, then invokes build.Critical,
// which panics under dev/testing builds and returns otherwise.
func (l *Logger) Critical(msg string, args ...interface{}) {
	l.Error(msg, args...)
	all := append([]interface{}{msg}, args...)
	build.Critical(all...)
}
