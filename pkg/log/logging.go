// Copyright The NPU Drivers Authors. All Rights Reserved.
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

package log

import (
	"fmt"
	"log/slog"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

// Logger is the interface for producing log messages for/from a source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and exits the process.
	Fatal(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})

	// DebugEnabled returns true if debug messages are enabled for the source.
	DebugEnabled() bool
	// EnableDebug enables or disables debug messages for the source.
	EnableDebug(bool) bool
	// Source returns the source of the logger.
	Source() string

	// SlogHandler returns an slog.Handler backed by this logger.
	SlogHandler() slog.Handler
}

// logger implements Logger for a single source.
type logger struct {
	source string
}

// logging is the shared state of all loggers.
type logging struct {
	sync.Mutex
	level   Level  // lowest severity to pass through
	prefix  bool   // tag messages with their source
	dbgmap  srcmap // per-source debug message state
	loggers map[string]logger
}

var (
	log = &logging{
		level:   DefaultLevel,
		loggers: make(map[string]logger),
	}
	deflog = log.get("default")
)

// Get returns the named Logger, creating it if necessary.
func Get(source string) Logger {
	log.Lock()
	defer log.Unlock()
	return log.get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// SetLevel sets the lowest severity of messages to let through.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug enables or disables debug messages for the given source.
func EnableDebug(source string, enabled bool) bool {
	log.Lock()
	defer log.Unlock()

	old := log.dbgmap[source]
	if log.dbgmap == nil {
		log.dbgmap = make(srcmap)
	}
	log.dbgmap[source] = enabled

	return old
}

// Flush flushes any pending log messages.
func Flush() {
	klog.Flush()
}

func (l *logging) get(source string) logger {
	if lgr, ok := l.loggers[source]; ok {
		return lgr
	}

	lgr := logger{source: source}
	l.loggers[source] = lgr

	return lgr
}

func (l *logging) setDbgMap(m srcmap) {
	l.dbgmap = m
}

func (l *logging) setPrefix(prefix bool) {
	l.prefix = prefix
}

func (l *logging) debugging(source string) bool {
	if enabled, ok := l.dbgmap[source]; ok {
		return enabled
	}
	if enabled, ok := l.dbgmap["*"]; ok {
		return enabled
	}
	return l.level <= LevelDebug
}

func (l logger) format(format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if log.prefix {
		return "[" + l.source + "] " + msg
	}
	return msg
}

func (l logger) Debug(format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	klog.InfoDepth(1, l.format("D: "+format, args...))
}

func (l logger) Info(format string, args ...interface{}) {
	if log.level > LevelInfo {
		return
	}
	klog.InfoDepth(1, l.format(format, args...))
}

func (l logger) Warn(format string, args ...interface{}) {
	if log.level > LevelWarn {
		return
	}
	klog.WarningDepth(1, l.format(format, args...))
}

func (l logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, l.format(format, args...))
}

func (l logger) Fatal(format string, args ...interface{}) {
	klog.ExitDepth(1, l.format(format, args...))
}

func (l logger) Panic(format string, args ...interface{}) {
	msg := l.format(format, args...)
	klog.ErrorDepth(1, msg)
	klog.Flush()
	panic(msg)
}

func (l logger) DebugEnabled() bool {
	return log.debugging(l.source)
}

func (l logger) EnableDebug(enabled bool) bool {
	return EnableDebug(l.source, enabled)
}

func (l logger) Source() string {
	return l.source
}

// loggerError returns a package-specific formatted error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
