// Package nlog is the module's logger: leveled, buffered, file-rotating.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"bufio"
	"fmt"
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

// MaxSize triggers rotation of the current log file once exceeded.
var MaxSize int64 = 4 * 1024 * 1024

var (
	mu           sync.Mutex
	toStderr     = true // no log directory configured by default
	alsoToStderr bool
	logDir       string
	title        string
	written      int64
	file         *os.File
	w            *bufio.Writer
)

// SetLogDirRole configures the log directory and process role used to
// compose rotated file names. Passing an empty dir keeps logging on stderr.
func SetLogDirRole(dir, role string) {
	mu.Lock()
	defer mu.Unlock()
	logDir, title = dir, role
	toStderr = dir == ""
}

// SetTitle sets the banner line written at the top of a freshly rotated file.
func SetTitle(s string) {
	mu.Lock()
	title = s
	mu.Unlock()
}

func SetAlsoToStderr(v bool) { alsoToStderr = v }

func InfoDepth(depth int, args ...any)    { logv(sevInfo, depth+1, "", args...) }
func Infoln(args ...any)                  { logv(sevInfo, 1, "", args...) }
func Infof(format string, args ...any)    { logv(sevInfo, 1, format, args...) }
func Warningln(args ...any)               { logv(sevWarn, 1, "", args...) }
func Warningf(format string, args ...any) { logv(sevWarn, 1, format, args...) }
func ErrorDepth(depth int, args ...any)   { logv(sevErr, depth+1, "", args...) }
func Errorln(args ...any)                 { logv(sevErr, 1, "", args...) }
func Errorf(format string, args ...any)   { logv(sevErr, 1, format, args...) }

func logv(sev severity, depth int, format string, args ...any) {
	line := render(sev, depth+1, format, args...)

	mu.Lock()
	defer mu.Unlock()

	if toStderr || alsoToStderr || sev >= sevErr {
		os.Stderr.WriteString(line)
	}
	if toStderr {
		return
	}
	if w == nil {
		if err := rotate(); err != nil {
			os.Stderr.WriteString("nlog: " + err.Error() + "\n")
			toStderr = true
			return
		}
	}
	n, _ := w.WriteString(line)
	written += int64(n)
	w.Flush()
	if written >= MaxSize {
		_ = rotate()
	}
}

func render(sev severity, depth int, format string, args ...any) string {
	var b strings.Builder
	b.WriteByte(sevChar[sev])
	b.WriteByte(' ')
	b.WriteString(time.Now().Format("15:04:05.000000"))
	b.WriteByte(' ')
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

// rotate must be called with mu held.
func rotate() error {
	if file != nil {
		w.Flush()
		file.Close()
	}
	now := time.Now()
	name := fmt.Sprintf("%s.%s.%04d%02d%02d-%02d%02d%02d.%d.log",
		progName(), host(), now.Year(), now.Month(), now.Day(),
		now.Hour(), now.Minute(), now.Second(), os.Getpid())
	f, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	file = f
	w = bufio.NewWriterSize(f, 32*1024)
	written = 0
	if title != "" {
		w.WriteString("# " + title + ", started " + now.Format(time.RFC3339) + "\n")
	}
	return nil
}

// Flush forces buffered output to disk; pass true on process exit.
func Flush(exit ...bool) {
	mu.Lock()
	defer mu.Unlock()
	if w != nil {
		w.Flush()
	}
	if len(exit) > 0 && exit[0] && file != nil {
		file.Sync()
		file.Close()
		file, w = nil, nil
	}
}

func progName() string {
	if title != "" {
		return title
	}
	return filepath.Base(os.Args[0])
}

func host() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}
