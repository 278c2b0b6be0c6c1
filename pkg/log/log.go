// Copyright The Colex Authors. All Rights Reserved.
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

// Package log provides a thin logging front end with named sources and
// per-source debug control. Messages are emitted through klog.
package log

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

const (
	// DefaultSource is the source assigned to unnamed loggers.
	DefaultSource = "default"
	// debugEnvVar is the environment variable used to seed debugging flags.
	debugEnvVar = "LOGGER_DEBUG"
)

// Logger is the interface for producing log messages for a source.
type Logger interface {
	// Debug formats and emits a debug message, if debugging is
	// enabled for the source.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// DebugEnabled returns true if debug messages are enabled for the source.
	DebugEnabled() bool
	// Source returns the source of this logger.
	Source() string
}

type logger struct {
	source string
}

var (
	mu      sync.RWMutex
	loggers = make(map[string]logger)
	debug   = make(map[string]bool)
)

// Get returns the named logger, creating it if necessary.
func Get(source string) Logger {
	if source == "" {
		source = DefaultSource
	}

	mu.Lock()
	defer mu.Unlock()

	l, ok := loggers[source]
	if !ok {
		l = logger{source: source}
		loggers[source] = l
	}

	return l
}

// Default returns the default logger.
func Default() Logger {
	return Get(DefaultSource)
}

// EnableDebug enables or disables debug messages for the given source.
// The source "*" or "all" controls sources without an explicit setting.
// EnableDebug returns the previous setting for the source.
func EnableDebug(source string, enabled bool) bool {
	if source == "all" {
		source = "*"
	}

	mu.Lock()
	defer mu.Unlock()

	prev := debug[source]
	debug[source] = enabled

	return prev
}

// DebugEnabled returns true if debug messages are enabled for the source.
func DebugEnabled(source string) bool {
	mu.RLock()
	defer mu.RUnlock()

	if enabled, ok := debug[source]; ok {
		return enabled
	}

	return debug["*"]
}

func (l logger) Debug(format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	klog.InfoDepth(1, "D: ", l.prefix(), fmt.Sprintf(format, args...))
}

func (l logger) Info(format string, args ...interface{}) {
	klog.InfoDepth(1, l.prefix(), fmt.Sprintf(format, args...))
}

func (l logger) Warn(format string, args ...interface{}) {
	klog.WarningDepth(1, l.prefix(), fmt.Sprintf(format, args...))
}

func (l logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, l.prefix(), fmt.Sprintf(format, args...))
}

func (l logger) DebugEnabled() bool {
	return DebugEnabled(l.source)
}

func (l logger) Source() string {
	return l.source
}

func (l logger) prefix() string {
	return "[" + l.source + "] "
}

// Seed debugging flags from the environment. The value is a comma-separated
// list of sources, each optionally prefixed with "on:" or "off:". A prefix
// remains in effect for subsequent entries until overridden.
func init() {
	value, ok := os.LookupEnv(debugEnvVar)
	if !ok {
		return
	}

	state := true
	for _, entry := range strings.Split(value, ",") {
		if entry = strings.TrimSpace(entry); entry == "" {
			continue
		}
		if pfxsrc := strings.SplitN(entry, ":", 2); len(pfxsrc) == 2 {
			switch strings.TrimSpace(pfxsrc[0]) {
			case "on", "true":
				state = true
			case "off", "false":
				state = false
			default:
				klog.Warningf("invalid state %q in $%s", pfxsrc[0], debugEnvVar)
				continue
			}
			entry = strings.TrimSpace(pfxsrc[1])
		}
		EnableDebug(entry, state)
	}
}
