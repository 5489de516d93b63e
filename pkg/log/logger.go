// Package log wraps zerolog with a process-wide logger that tags every event
// with the emitting goroutine id.
package log

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// Only the first line of the stack is needed: "goroutine 123 [running]:".
	minStackBufSize    = 32
	minStackTraceLen   = 12
	goroutinePrefixLen = 10

	defaultFileMaxSizeMB  = 20
	defaultFileMaxBackups = 3
	defaultFileMaxAgeDays = 7
)

var (
	Logger        zerolog.Logger
	goroutinePool sync.Pool
	mu            sync.Mutex
	fileOutput    *lumberjack.Logger
)

func init() {
	goroutinePool.New = func() interface{} {
		return make([]byte, minStackBufSize)
	}
	configure(consoleWriter(), zerolog.InfoLevel)
}

func getGoroutineID() string {
	bufInterface := goroutinePool.Get()
	buf, ok := bufInterface.([]byte)
	if !ok {
		return "unknown"
	}
	defer goroutinePool.Put(buf) //nolint:staticcheck // buf is a slice, this is the correct usage

	stackLen := runtime.Stack(buf, false)
	if stackLen < minStackTraceLen {
		return "unknown"
	}

	idx := goroutinePrefixLen
	start := idx
	for idx < stackLen && buf[idx] >= '0' && buf[idx] <= '9' {
		idx++
	}
	if idx > start {
		return string(buf[start:idx])
	}
	return "unknown"
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}
}

func configure(out io.Writer, level zerolog.Level) {
	Logger = zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger().
		Hook(zerolog.HookFunc(func(e *zerolog.Event, _ zerolog.Level, _ string) {
			e.Str("goid", getGoroutineID())
		}))
	log.Logger = Logger
}

// Info logs an info message with goroutine ID.
func Info() *zerolog.Event {
	return Logger.Info()
}

// Error logs an error message with goroutine ID.
func Error() *zerolog.Event {
	return Logger.Error()
}

// Warn logs a warning message with goroutine ID.
func Warn() *zerolog.Event {
	return Logger.Warn()
}

// Debug logs a debug message with goroutine ID.
func Debug() *zerolog.Event {
	return Logger.Debug()
}

// Fatal logs a fatal message with goroutine ID and exits.
func Fatal() *zerolog.Event {
	return Logger.Fatal()
}

// SetDebugMode switches the logger to debug level.
func SetDebugMode() {
	mu.Lock()
	defer mu.Unlock()
	Logger = Logger.Level(zerolog.DebugLevel)
	log.Logger = Logger
}

// SetLevel switches the logger to the named level ("debug", "info", "warn", ...).
func SetLevel(name string) error {
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", name, err)
	}
	mu.Lock()
	defer mu.Unlock()
	Logger = Logger.Level(level)
	log.Logger = Logger
	return nil
}

// SetFileOutput tees JSON log lines into a size-rotated file next to the console output.
// An empty path detaches any previously configured file.
func SetFileOutput(path string) error {
	mu.Lock()
	defer mu.Unlock()

	level := Logger.GetLevel()
	var closeErr error
	if fileOutput != nil {
		closeErr = fileOutput.Close()
		fileOutput = nil
	}

	if path == "" {
		configure(consoleWriter(), level)
		return closeErr
	}

	fileOutput = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    defaultFileMaxSizeMB,
		MaxBackups: defaultFileMaxBackups,
		MaxAge:     defaultFileMaxAgeDays,
		Compress:   true,
	}
	configure(zerolog.MultiLevelWriter(consoleWriter(), fileOutput), level)
	return closeErr
}
