// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package log implements context-aware leveled logging.
//
// Every logging call takes a context.Context. Tags attached to the context
// with github.com/cockroachdb/logtags are rendered in front of the message,
// so that e.g. all messages emitted by one oplog fetcher carry the sync
// source they are fetching from:
//
//	ctx = logtags.AddTag(ctx, "oplog-fetcher", source)
//	log.Infof(ctx, "scheduled new oplog query")
//
// Messages are formatted with github.com/cockroachdb/redact. Arguments that
// are not marked safe are enclosed in redaction markers when redactable
// output is enabled and printed bare otherwise.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/datamotion/pkg/util/syncutil"
	"github.com/cockroachdb/datamotion/pkg/util/timeutil"
	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
)

// Severity identifies the sort of log: info, warning etc.
type Severity int32

// These constants identify the log levels in order of increasing Severity.
const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

const severityChar = "IWEF"

var severityName = []string{
	SeverityInfo:    "INFO",
	SeverityWarning: "WARNING",
	SeverityError:   "ERROR",
	SeverityFatal:   "FATAL",
}

// String implements fmt.Stringer.
func (s Severity) String() string {
	if s >= 0 && int(s) < len(severityName) {
		return severityName[s]
	}
	return fmt.Sprintf("Severity(%d)", int32(s))
}

// loggingT collects all the global state of the logging setup.
type loggingT struct {
	verbosity  atomic.Int32
	redactable atomic.Bool

	mu struct {
		syncutil.Mutex
		out      io.Writer
		exitFunc func(int)
	}
}

var logging = func() *loggingT {
	l := &loggingT{}
	l.mu.out = os.Stderr
	l.mu.exitFunc = os.Exit
	return l
}()

// SetOutput redirects log output to w and returns a function restoring the
// previous writer.
func SetOutput(w io.Writer) (restore func()) {
	logging.mu.Lock()
	defer logging.mu.Unlock()
	prev := logging.mu.out
	logging.mu.out = w
	return func() {
		logging.mu.Lock()
		defer logging.mu.Unlock()
		logging.mu.out = prev
	}
}

// SetExitFunc overrides the function called after a Fatal log message.
// Used by tests to intercept process termination.
func SetExitFunc(f func(int)) (restore func()) {
	logging.mu.Lock()
	defer logging.mu.Unlock()
	prev := logging.mu.exitFunc
	logging.mu.exitFunc = f
	return func() {
		logging.mu.Lock()
		defer logging.mu.Unlock()
		logging.mu.exitFunc = prev
	}
}

// SetVerbosity sets the global verbosity level and returns the previous one.
func SetVerbosity(level int32) int32 {
	return logging.verbosity.Swap(level)
}

// SetRedactable controls whether redaction markers are kept in the output.
func SetRedactable(enabled bool) {
	logging.redactable.Store(enabled)
}

// V returns true if the logging verbosity is set to the specified level or
// higher.
func V(level int32) bool {
	return logging.verbosity.Load() >= level
}

// Infof logs to the INFO log.
func Infof(ctx context.Context, format string, args ...interface{}) {
	logDepth(ctx, 1, SeverityInfo, format, args)
}

// VInfof logs to the INFO log if the verbosity is at or above level.
func VInfof(ctx context.Context, level int32, format string, args ...interface{}) {
	if V(level) {
		logDepth(ctx, 1, SeverityInfo, format, args)
	}
}

// VEventf logs to the INFO log if the verbosity is at or above level. It is
// the form used for tracing-grade messages on hot paths.
func VEventf(ctx context.Context, level int32, format string, args ...interface{}) {
	if V(level) {
		logDepth(ctx, 1, SeverityInfo, format, args)
	}
}

// Warningf logs to the WARNING and INFO logs.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	logDepth(ctx, 1, SeverityWarning, format, args)
}

// Errorf logs to the ERROR, WARNING, and INFO logs.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	logDepth(ctx, 1, SeverityError, format, args)
}

// Fatalf logs to the FATAL log and terminates the process.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	logDepth(ctx, 1, SeverityFatal, format, args)
	logging.mu.Lock()
	exit := logging.mu.exitFunc
	logging.mu.Unlock()
	exit(255)
}

// logDepth formats and writes a single entry. depth is the number of stack
// frames between the caller of interest and logDepth.
func logDepth(
	ctx context.Context, depth int, sev Severity, format string, args []interface{},
) {
	entry := makeEntry(ctx, depth+1, sev, format, args)
	logging.mu.Lock()
	defer logging.mu.Unlock()
	_, _ = io.WriteString(logging.mu.out, entry)
}

func makeEntry(
	ctx context.Context, depth int, sev Severity, format string, args []interface{},
) string {
	var buf strings.Builder
	now := timeutil.Now()
	buf.WriteByte(severityChar[sev])
	buf.WriteString(now.Format("060102 15:04:05.000000"))
	buf.WriteByte(' ')
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		fmt.Fprintf(&buf, "%s:%d ", filepath.Base(file), line)
	}
	if tags := logtags.FromContext(ctx); tags != nil {
		buf.WriteByte('[')
		buf.WriteString(tags.String())
		buf.WriteString("] ")
	}
	msg := redact.Sprintf(format, args...)
	if logging.redactable.Load() {
		buf.WriteString(string(msg))
	} else {
		buf.WriteString(msg.StripMarkers())
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		buf.WriteByte('\n')
	}
	return buf.String()
}
