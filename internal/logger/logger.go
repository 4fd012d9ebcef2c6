package logger

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/klog/v2"
)

// New returns a JSON logger writing to stderr whose level follows atomicLevel.
// klog (used by client-go) is redirected to the same core.
func New(atomicLevel zap.AtomicLevel) *zap.Logger {
	logger := newLogger(atomicLevel)
	initKlog(logger, atomicLevel.Level())

	// Redirects logs written through the standard library logger to klog,
	// so that they end up in the same JSON stream.
	klog.CopyStandardLogTo("ERROR")

	return logger
}

// NewLogr wraps a zap logger into logr, the interface used throughout the reloader.
func NewLogr(logger *zap.Logger) logr.Logger {
	return zapr.NewLogger(logger)
}

func newLogger(levelEnabler zapcore.LevelEnabler, additionalCores ...zapcore.Core) *zap.Logger {
	defaultCore := zapcore.NewCore(
		getZapEncoder(),
		zapcore.Lock(os.Stderr),
		levelEnabler,
	)
	cores := append(additionalCores, defaultCore)

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

func initKlog(log *zap.Logger, level zapcore.Level) {
	zaprLogger := zapr.NewLogger(log)
	zaprLogger.V(int(level))
	klog.SetLogger(zaprLogger)
}

func getZapEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.MessageKey = "message"

	return zapcore.NewJSONEncoder(encoderConfig)
}

// LevelReconfigurer changes the level of a running logger and remembers the level it
// was started with.
type LevelReconfigurer struct {
	atomic       zap.AtomicLevel
	defaultLevel zapcore.Level
}

func NewLevelReconfigurer(atomicLevel zap.AtomicLevel) *LevelReconfigurer {
	return &LevelReconfigurer{
		atomic:       atomicLevel,
		defaultLevel: atomicLevel.Level(),
	}
}

// Sync sets the given level, or restores the startup level if level is empty.
func (l *LevelReconfigurer) Sync(level string) error {
	if level == "" {
		l.atomic.SetLevel(l.defaultLevel)
		return nil
	}

	parsedLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	l.atomic.SetLevel(parsedLevel)

	return nil
}

// Level returns the currently active level.
func (l *LevelReconfigurer) Level() zapcore.Level {
	return l.atomic.Level()
}
