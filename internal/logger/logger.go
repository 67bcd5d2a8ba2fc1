// Copyright 2024 The udavfs3 Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides logging for the whole binary: a process-wide
// default logger writing to stderr or to a rotating log file, with the
// severity and format taken from the mount configuration.
package logger

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/inpos/udavfs3/cfg"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Environment variable set by the parent process before re-executing itself
// via daemonize. When set, logs that would otherwise go to stderr are
// suppressed, since stderr has been redirected to /dev/null.
const UdavfsInBackgroundMode = "UDAVFS3_IN_BACKGROUND_MODE"

// Severity levels, including the TRACE level that log/slog does not define.
const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
	// Set to a value higher than any severity so that nothing is logged.
	LevelOff = slog.Level(12)
)

var (
	defaultLoggerFactory *loggerFactory
	defaultLogger        *slog.Logger
)

func init() {
	defaultLoggerFactory = &loggerFactory{
		file:   nil,
		format: "text",
		level:  string(cfg.InfoLogSeverity),
	}
	defaultLogger = defaultLoggerFactory.newLogger(string(cfg.InfoLogSeverity))
}

// InitLogFile initializes the log file and the default logger from the
// logging configuration. Called before the file system is mounted in
// foreground mode, which includes the daemonized child; a parent that
// daemonizes does not call it and keeps the default stderr logger.
func InitLogFile(c cfg.LoggingConfig) error {
	var f *lumberjack.Logger
	if c.FilePath != "" {
		f = &lumberjack.Logger{
			Filename:   string(c.FilePath),
			MaxSize:    int(c.LogRotate.MaxFileSizeMb),
			MaxBackups: int(c.LogRotate.BackupFileCount),
			Compress:   c.LogRotate.Compress,
		}
	}

	defaultLoggerFactory = &loggerFactory{
		file:   f,
		format: c.Format,
		level:  string(c.Severity),
	}
	defaultLogger = defaultLoggerFactory.newLogger(string(c.Severity))

	return nil
}

// SetLogFormat updates the format ("text" or "json") of the default logger.
func SetLogFormat(format string) {
	if format == defaultLoggerFactory.format {
		return
	}
	defaultLoggerFactory.format = format
	defaultLogger = defaultLoggerFactory.newLogger(defaultLoggerFactory.level)
}

// NewLegacyLogger returns a *log.Logger that forwards everything written to
// it to the default logger at the given severity. Used for the log.Logger
// hooks the fuse package exposes.
func NewLegacyLogger(level slog.Level, prefix string) *log.Logger {
	return log.New(&legacyWriter{level: level, prefix: prefix}, "", 0)
}

type legacyWriter struct {
	level  slog.Level
	prefix string
}

func (w *legacyWriter) Write(p []byte) (int, error) {
	defaultLogger.Log(context.Background(), w.level, w.prefix+string(p))
	return len(p), nil
}

func Tracef(format string, v ...any) {
	defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, v...))
}

func Debugf(format string, v ...any) {
	defaultLogger.Log(context.Background(), LevelDebug, fmt.Sprintf(format, v...))
}

func Infof(format string, v ...any) {
	defaultLogger.Log(context.Background(), LevelInfo, fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...any) {
	defaultLogger.Log(context.Background(), LevelWarning, fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...any) {
	defaultLogger.Log(context.Background(), LevelError, fmt.Sprintf(format, v...))
}

func Info(v ...any)  { defaultLogger.Log(context.Background(), LevelInfo, fmt.Sprint(v...)) }
func Warn(v ...any)  { defaultLogger.Log(context.Background(), LevelWarning, fmt.Sprint(v...)) }
func Error(v ...any) { defaultLogger.Log(context.Background(), LevelError, fmt.Sprint(v...)) }

// Fatal logs the message at ERROR and exits the process.
func Fatal(format string, v ...any) {
	Errorf(format, v...)
	os.Exit(1)
}

////////////////////////////////////////////////////////////////////////
// Logger factory
////////////////////////////////////////////////////////////////////////

type loggerFactory struct {
	// If nil, logs go to stderr (or nowhere in background mode).
	file   *lumberjack.Logger
	format string
	level  string
}

func (f *loggerFactory) newLogger(level string) *slog.Logger {
	var programLevel = new(slog.LevelVar)
	logger := slog.New(f.handler(programLevel, ""))
	setLoggingLevel(level, programLevel)
	return logger
}

func (f *loggerFactory) writer() io.Writer {
	if f.file != nil {
		return f.file
	}
	if _, ok := os.LookupEnv(UdavfsInBackgroundMode); ok {
		// stderr has been pointed at /dev/null by the daemonizing parent.
		return io.Discard
	}
	return os.Stderr
}

func (f *loggerFactory) handler(levelVar *slog.LevelVar, prefix string) slog.Handler {
	return f.createJsonOrTextHandler(f.writer(), levelVar, prefix)
}

func (f *loggerFactory) createJsonOrTextHandler(writer io.Writer, levelVar *slog.LevelVar, prefix string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       levelVar,
		ReplaceAttr: replaceAttr(prefix),
	}
	if f.format == "json" {
		return slog.NewJSONHandler(writer, opts)
	}
	return slog.NewTextHandler(writer, opts)
}

// replaceAttr renames slog's level key to "severity" (spelling out the
// custom TRACE and WARNING names), the message key to "message", and folds
// the prefix into the message.
func replaceAttr(prefix string) func([]string, slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.LevelKey:
			a.Key = "severity"
			level := a.Value.Any().(slog.Level)
			switch {
			case level == LevelTrace:
				a.Value = slog.StringValue("TRACE")
			case level == LevelWarning:
				a.Value = slog.StringValue("WARNING")
			default:
				a.Value = slog.StringValue(level.String())
			}
		case slog.MessageKey:
			a.Key = "message"
			if prefix != "" {
				a.Value = slog.StringValue(prefix + a.Value.String())
			}
		}
		return a
	}
}

func setLoggingLevel(level string, programLevel *slog.LevelVar) {
	switch cfg.LogSeverity(level) {
	case cfg.TraceLogSeverity:
		programLevel.Set(LevelTrace)
	case cfg.DebugLogSeverity:
		programLevel.Set(LevelDebug)
	case cfg.InfoLogSeverity:
		programLevel.Set(LevelInfo)
	case cfg.WarningLogSeverity:
		programLevel.Set(LevelWarning)
	case cfg.ErrorLogSeverity:
		programLevel.Set(LevelError)
	case cfg.OffLogSeverity:
		programLevel.Set(LevelOff)
	default:
		programLevel.Set(LevelInfo)
	}
}
