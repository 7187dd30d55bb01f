// Package logger is the logging surface shared by every crmsync component.
//
// Components accept the Logger interface so tests can pass Nop() and
// applications can route records through their own handler. The default
// implementation writes structured JSON lines through zerolog.
package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

const (
	permission = 0664
)

// Logger takes a message plus alternating key/value pairs.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

type LogBuild struct {
	writer io.Writer
	path   string
	level  zerolog.Level
	fields map[string]any
}

type LogData struct {
	LogFile *os.File
	Logger  zerolog.Logger
}

func New() *LogBuild {
	return &LogBuild{level: zerolog.InfoLevel}
}

func (build *LogBuild) FromPath(path string) *LogBuild {
	build.path = path
	return build
}

func (build *LogBuild) FromBuffer(w io.Writer) *LogBuild {
	build.writer = w
	return build
}

// Level accepts zerolog level names ("debug", "info", ...). Unknown names keep the current level.
func (build *LogBuild) Level(level string) *LogBuild {
	if lvl, err := zerolog.ParseLevel(level); err == nil && level != "" {
		build.level = lvl
	}
	return build
}

func (build *LogBuild) With(key string, value any) *LogBuild {
	if build.fields == nil {
		build.fields = make(map[string]any)
	}
	build.fields[key] = value
	return build
}

func (build *LogBuild) Make() (logData *LogData, err error) {
	logData = new(LogData)
	writer := build.writer
	if writer == nil {
		writer = os.Stdout
	}
	if build.path != "" {
		logData.LogFile, err = os.OpenFile(build.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, err
		}
		writer = zerolog.SyncWriter(logData.LogFile)
	}
	ctx := zerolog.New(writer).Level(build.level).With().Timestamp()
	if len(build.fields) > 0 {
		ctx = ctx.Fields(build.fields)
	}
	logData.Logger = ctx.Logger()
	return logData, nil
}

// Close releases the log file opened by FromPath, if any.
func (logData *LogData) Close() error {
	if logData.LogFile == nil {
		return nil
	}
	return logData.LogFile.Close()
}

func (logData *LogData) Error(msg string, args ...any) {
	emit(logData.Logger.Error(), msg, args)
}

func (logData *LogData) Warn(msg string, args ...any) {
	emit(logData.Logger.Warn(), msg, args)
}

func (logData *LogData) Info(msg string, args ...any) {
	emit(logData.Logger.Info(), msg, args)
}

func (logData *LogData) Debug(msg string, args ...any) {
	emit(logData.Logger.Debug(), msg, args)
}

// emit attaches kv pairs to the event. A trailing key without a value is logged under "!BADKEY".
func emit(event *zerolog.Event, msg string, args []any) {
	if event == nil {
		return
	}
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			event = event.Interface("!BADKEY", args[i])
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if err, isErr := args[i+1].(error); isErr {
			event = event.AnErr(key, err)
			continue
		}
		event = event.Interface(key, args[i+1])
	}
	event.Msg(msg)
}

type nop struct{}

func (nop) Error(string, ...any) {}
func (nop) Warn(string, ...any)  {}
func (nop) Info(string, ...any)  {}
func (nop) Debug(string, ...any) {}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nop{} }

// Must builds a stdout logger at the given level, falling back to Nop on error.
func Must(level string) Logger {
	data, err := New().Level(level).Make()
	if err != nil {
		return Nop()
	}
	return data
}
