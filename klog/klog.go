/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package klog is the kernel's structured event log. Package kernel
// (its run loop and supervisor) and the scheduler write lifecycle and
// fault events through a *Logger; the context table, scheme registry
// and ptrace packages do not log. Loggers are used rather than the
// standard library log package, so operators get RFC5424 formatted,
// leveled output with structured fields (context id, scheme name,
// syscall number) instead of bare strings.
package klog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

const (
	OFF      Level = 0
	DEBUG    Level = 1
	INFO     Level = 2
	WARN     Level = 3
	ERROR    Level = 4
	CRITICAL Level = 5
	FATAL    Level = 6
)

const (
	defaultDepth = 3
	defaultMsgID = `kern@1`

	maxHostname = 255
	maxSubsys   = 48
)

var (
	ErrNotOpen      = errors.New("logger is not open")
	ErrInvalidLevel = errors.New("log level is invalid")
)

type Level int

func (l Level) String() string {
	switch l {
	case OFF:
		return `OFF`
	case DEBUG:
		return `DEBUG`
	case INFO:
		return `INFO`
	case WARN:
		return `WARN`
	case ERROR:
		return `ERROR`
	case CRITICAL:
		return `CRITICAL`
	case FATAL:
		return `FATAL`
	}
	return `UNKNOWN`
}

func (l Level) valid() bool {
	return l >= OFF && l <= FATAL
}

func (l Level) priority() rfc5424.Priority {
	switch l {
	case DEBUG:
		return rfc5424.Kern | rfc5424.Debug
	case INFO:
		return rfc5424.Kern | rfc5424.Info
	case WARN:
		return rfc5424.Kern | rfc5424.Warning
	case ERROR:
		return rfc5424.Kern | rfc5424.Error
	case CRITICAL:
		return rfc5424.Kern | rfc5424.Crit
	case FATAL:
		return rfc5424.Kern | rfc5424.Emergency
	}
	return rfc5424.Kern | rfc5424.Debug
}

// LevelFromString parses a kernel.conf log level value.
func LevelFromString(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case `OFF`:
		return OFF, nil
	case `DEBUG`:
		return DEBUG, nil
	case `INFO`:
		return INFO, nil
	case `WARN`:
		return WARN, nil
	case `ERROR`:
		return ERROR, nil
	case `CRITICAL`:
		return CRITICAL, nil
	case `FATAL`:
		return FATAL, nil
	}
	return OFF, ErrInvalidLevel
}

// Logger is a leveled, multi-writer RFC5424 logger. It is safe for
// concurrent use by every kernel subsystem.
type Logger struct {
	hostname string
	subsys   string
	wtrs     []io.WriteCloser
	mtx      sync.Mutex
	lvl      Level
	hot      bool
}

// New creates a logger writing to wtr at level INFO.
func New(wtr io.WriteCloser) *Logger {
	l := &Logger{
		wtrs: []io.WriteCloser{wtr},
		lvl:  INFO,
		hot:  true,
	}
	l.subsys = `kernel`
	if h, err := os.Hostname(); err == nil {
		l.hostname = trim(maxHostname, h)
	}
	return l
}

// NewDiscard creates a logger that drops all output; useful in tests.
func NewDiscard() *Logger {
	return New(discardCloser{})
}

// SetSubsystem tags every subsequent record with a short subsystem name
// (e.g. "sched", "ptrace", "userscheme").
func (l *Logger) SetSubsystem(name string) {
	l.mtx.Lock()
	l.subsys = trim(maxSubsys, name)
	l.mtx.Unlock()
}

func (l *Logger) ready() error {
	if !l.hot || len(l.wtrs) == 0 {
		return ErrNotOpen
	}
	return nil
}

// AddWriter attaches another sink; every record is fanned out to all
// attached writers.
func (l *Logger) AddWriter(w io.WriteCloser) error {
	if w == nil {
		return errors.New("nil writer")
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if err := l.ready(); err != nil {
		return err
	}
	l.wtrs = append(l.wtrs, w)
	return nil
}

// Close closes the logger and every writer it owns.
func (l *Logger) Close() (err error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if err = l.ready(); err != nil {
		return
	}
	l.hot = false
	for _, w := range l.wtrs {
		if cerr := w.Close(); cerr != nil {
			err = cerr
		}
	}
	return
}

func (l *Logger) SetLevel(lvl Level) error {
	if !lvl.valid() {
		return ErrInvalidLevel
	}
	l.mtx.Lock()
	l.lvl = lvl
	l.mtx.Unlock()
	return nil
}

func (l *Logger) SetLevelString(s string) error {
	lvl, err := LevelFromString(s)
	if err != nil {
		return err
	}
	return l.SetLevel(lvl)
}

func (l *Logger) GetLevel() Level {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.lvl
}

// Field is a single structured data parameter attached to a log record,
// e.g. F("ctx", 17) renders as ctx="17" in the RFC5424 SD-ELEMENT.
type Field = rfc5424.SDParam

// F builds a structured field from a name and any value.
func F(name string, v interface{}) Field {
	return rfc5424.SDParam{Name: name, Value: fmt.Sprint(v)}
}

func (l *Logger) Debugf(f string, args ...interface{}) { l.outputf(defaultDepth, DEBUG, f, args...) }
func (l *Logger) Infof(f string, args ...interface{})  { l.outputf(defaultDepth, INFO, f, args...) }
func (l *Logger) Warnf(f string, args ...interface{})  { l.outputf(defaultDepth, WARN, f, args...) }
func (l *Logger) Errorf(f string, args ...interface{}) { l.outputf(defaultDepth, ERROR, f, args...) }
func (l *Logger) Criticalf(f string, args ...interface{}) {
	l.outputf(defaultDepth, CRITICAL, f, args...)
}

func (l *Logger) Debug(msg string, fields ...Field) { l.output(defaultDepth, DEBUG, msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)   { l.output(defaultDepth, INFO, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)   { l.output(defaultDepth, WARN, msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field)  { l.output(defaultDepth, ERROR, msg, fields...) }
func (l *Logger) Critical(msg string, fields ...Field) {
	l.output(defaultDepth, CRITICAL, msg, fields...)
}

// Fatal logs at FATAL and aborts the process. Reserved for internal
// invariant violations (missing finish-hook, ksig_restore without ksig)
// per the kernel's fatal-abort error policy; never call it for
// user-induced errors.
func (l *Logger) Fatal(msg string, fields ...Field) {
	l.output(defaultDepth, FATAL, msg, fields...)
	os.Exit(1)
}

func (l *Logger) outputf(depth int, lvl Level, f string, args ...interface{}) {
	l.output(depth+1, lvl, fmt.Sprintf(f, args...))
}

func (l *Logger) output(depth int, lvl Level, msg string, fields ...Field) {
	l.mtx.Lock()
	cur, subsys, host := l.lvl, l.subsys, l.hostname
	l.mtx.Unlock()
	if cur == OFF || lvl < cur {
		return
	}
	ts := time.Now()
	loc := callLoc(depth)
	b, err := rfc5424Message(ts, lvl.priority(), host, subsys, loc, msg, fields...)
	if err != nil || len(b) == 0 {
		return
	}
	l.write(ts, strings.TrimRight(string(b), "\n\t\r"))
}

func rfc5424Message(ts time.Time, prio rfc5424.Priority, hostname, appname, msgid, msg string, fields ...Field) ([]byte, error) {
	m := rfc5424.Message{
		Priority:  prio,
		Timestamp: ts,
		Hostname:  trim(255, hostname),
		AppName:   trim(48, appname),
		MessageID: trim(32, msgid),
		Message:   []byte(msg),
	}
	if len(fields) > 0 {
		m.StructuredData = []rfc5424.StructuredData{{ID: defaultMsgID, Parameters: fields}}
	}
	return m.MarshalBinary()
}

func (l *Logger) write(ts time.Time, ln string) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.ready() != nil {
		return
	}
	for _, w := range l.wtrs {
		io.WriteString(w, ln)
		io.WriteString(w, "\n")
	}
}

func callLoc(depth int) string {
	if _, file, line, ok := runtime.Caller(depth); ok {
		return fmt.Sprintf("%s:%d", shortFile(file), line)
	}
	return ""
}

func shortFile(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		if j := strings.LastIndexByte(p[:i], '/'); j >= 0 {
			return p[j+1:]
		}
	}
	return p
}

func trim(n int, s string) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type discardCloser struct{}

func (discardCloser) Write(b []byte) (int, error) { return len(b), nil }
func (discardCloser) Close() error                { return nil }

// must implement io.Writer so *Logger can back a standard-library
// style consumer (e.g. pprof output) when needed.
var _ io.Writer = (*Logger)(nil)

func (l *Logger) Write(b []byte) (int, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.ready() != nil {
		return 0, ErrNotOpen
	}
	for _, w := range l.wtrs {
		w.Write(b)
	}
	return len(b), nil
}
