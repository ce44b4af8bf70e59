package agent

import (
	"io"
	"os"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// NewLogger builds the process logger: human readable on stderr and, when
// logFile is set, also appended to a rotating file. The logger is installed
// as the global controller-runtime logger.
func NewLogger(level, logFile string) (logr.Logger, io.Closer) {
	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if logFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 10,
		}
		out = io.MultiWriter(os.Stderr, rotating)
		closer = rotating
	}

	log := newLogger(out, level)
	ctrllog.SetLogger(log)
	return log, closer
}

func newLogger(out io.Writer, level string) logr.Logger {
	return zap.New(
		zap.WriteTo(out),
		zap.Level(zapLevel(level)),
		zap.UseDevMode(level == LevelDebug),
	)
}

// zapLevel maps configured levels onto zap. Warnings are logged through Info,
// so "warning" keeps info output and only "error" silences it.
func zapLevel(level string) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
