// Package nlog provides a small severity-leveled logger shared by every
// component of the application-control core: reactors, the protocol engine,
// discovery, the event fabric, and the payload supervisor all log through it
// instead of the standard library's bare `log` package.
package nlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = [...]byte{sevInfo: 'I', sevWarn: 'W', sevErr: 'E'}

var (
	mu      sync.Mutex
	out     io.Writer = os.Stderr
	errOut  io.Writer = os.Stderr
	minSev            = sevInfo
	title   string
)

// SetOutput redirects where every line goes; SetErrOutput redirects the
// extra copy that warning and error lines also receive.
// Tests commonly point both at an in-memory buffer.
func SetOutput(w io.Writer)    { mu.Lock(); out = w; mu.Unlock() }
func SetErrOutput(w io.Writer) { mu.Lock(); errOut = w; mu.Unlock() }

// SetTitle tags every subsequent line with a short process identifier, e.g.
// a daemon's "<user>/<application>" pair, mirroring how each supervised
// payload's log lines are distinguishable from its parent's.
func SetTitle(s string) { mu.Lock(); title = s; mu.Unlock() }

// SetQuiet raises the minimum severity to Warning, suppressing Info lines.
func SetQuiet(quiet bool) {
	mu.Lock()
	if quiet {
		minSev = sevWarn
	} else {
		minSev = sevInfo
	}
	mu.Unlock()
}

func InfoDepth(depth int, args ...any)    { logDepth(sevInfo, depth+1, "", args...) }
func Infoln(args ...any)                  { logDepth(sevInfo, 1, "", args...) }
func Infof(format string, args ...any)    { logDepth(sevInfo, 1, format, args...) }
func Warningln(args ...any)               { logDepth(sevWarn, 1, "", args...) }
func Warningf(format string, args ...any) { logDepth(sevWarn, 1, format, args...) }
func ErrorDepth(depth int, args ...any)   { logDepth(sevErr, depth+1, "", args...) }
func Errorln(args ...any)                 { logDepth(sevErr, 1, "", args...) }
func Errorf(format string, args ...any)   { logDepth(sevErr, 1, format, args...) }

// Flush is a no-op retained for call-site compatibility with components
// that flush on shutdown; output here is unbuffered.
func Flush(...bool) {}

func logDepth(sev severity, depth int, format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	if sev < minSev {
		return
	}
	line := format1(sev, depth+1, format, args...)
	if sev >= sevWarn {
		io.WriteString(errOut, line)
	}
	io.WriteString(out, line)
}

func format1(sev severity, depth int, format string, args ...any) string {
	var b strings.Builder
	b.WriteByte(sevChar[sev])
	b.WriteByte(' ')
	b.WriteString(time.Now().Format("15:04:05.000000"))
	b.WriteByte(' ')
	if title != "" {
		b.WriteString(title)
		b.WriteByte(' ')
	}
	if _, fn, ln, ok := runtime.Caller(depth + 1); ok {
		if idx := strings.LastIndexByte(fn, filepath.Separator); idx >= 0 {
			fn = fn[idx+1:]
		}
		b.WriteString(fn)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(ln))
		b.WriteByte(' ')
	}
	if format == "" {
		fmt.Fprintln(&b, args...)
	} else {
		fmt.Fprintf(&b, format, args...)
		if !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
