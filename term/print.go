package term

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/pterm/pterm"
	"github.com/sirupsen/logrus"
)

type Level int32

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[string]Level{
	"trace":   LevelTrace,
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
}

var lvl = int32(LevelInfo)

// ParseLevel accepts the level names of the configuration file, in any case.
func ParseLevel(name string) (Level, error) {
	level, ok := levelNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
	return level, nil
}

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	default:
		return "error"
	}
}

// Logrus returns the matching logrus level.
func (l Level) Logrus() logrus.Level {
	switch l {
	case LevelTrace:
		return logrus.TraceLevel
	case LevelDebug:
		return logrus.DebugLevel
	case LevelInfo:
		return logrus.InfoLevel
	case LevelWarn:
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}

func SetLevel(level Level) {
	atomic.StoreInt32(&lvl, int32(level))
}

func GetLevel() Level {
	return Level(atomic.LoadInt32(&lvl))
}

// NewLogger returns the logger of the engine, writing to stderr at the current level.
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(GetLevel().Logrus())
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	return logger
}

func enabled(level Level) bool {
	return GetLevel() <= level
}

func Debug(a ...interface{}) {
	if !enabled(LevelDebug) {
		return
	}
	pterm.FgLightCyan.Println(a...)
}

func Debugf(format string, a ...interface{}) {
	if !enabled(LevelDebug) {
		return
	}
	pterm.FgLightCyan.Printfln(format, a...)
}

func Info(a ...interface{}) {
	if !enabled(LevelInfo) {
		return
	}
	pterm.FgLightGreen.Println(a...)
}

func Infof(format string, a ...interface{}) {
	if !enabled(LevelInfo) {
		return
	}
	pterm.FgLightGreen.Printfln(format, a...)
}

func Warn(a ...interface{}) {
	if !enabled(LevelWarn) {
		return
	}
	pterm.FgYellow.Println(a...)
}

func Warnf(format string, a ...interface{}) {
	if !enabled(LevelWarn) {
		return
	}
	pterm.FgYellow.Printfln(format, a...)
}

func Error(a ...interface{}) {
	pterm.FgLightRed.Println(a...)
}

func Errorf(format string, a ...interface{}) {
	pterm.FgLightRed.Printfln(format, a...)
}
