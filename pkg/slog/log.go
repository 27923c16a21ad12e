// Package slog is the level logger used across outboxr. Each package creates
// its own printers with New and checks errors with the returned Check set:
//
//	var log, chk = slog.New(os.Stderr)
//
//	if err = thing(); chk.E(err) {
//		return
//	}
package slog

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gookit/color"
)

const (
	Off = iota
	Fatal
	Error
	Warn
	Info
	Debug
	Trace
)

type (
	// Ln prints lists of interfaces with spaces in between
	Ln func(a ...interface{})
	// F prints like fmt.Printf surrounded by log details
	F func(format string, a ...interface{})
	// S prints a spew.Sdump for an interface slice
	S func(a ...interface{})
	// C accepts a function so that the extra computation can be avoided if it
	// is not being viewed
	C func(closure func() string)
	// Chk is a shortcut for printing if there is an error, or returning true
	Chk func(e error) bool
	// Err is a pass-through function that uses fmt.Errorf to construct an
	// error and returns the error after printing it to the log
	Err func(format string, a ...interface{}) error

	LevelPrinter struct {
		Ln
		F
		S
		C
		Chk
		Err
	}

	LevelSpec struct {
		ID        int
		Name      string
		Colorizer func(a ...interface{}) string
	}
)

var (
	currentLevel atomic.Int32
	// LevelSpecs specifies the id, string name and color-printing function
	LevelSpecs = []LevelSpec{
		{Off, "   ", color.Bit24(0, 0, 0, false).Sprint},
		{Fatal, "FTL", color.Bit24(128, 0, 0, false).Sprint},
		{Error, "ERR", color.Bit24(255, 0, 0, false).Sprint},
		{Warn, "WRN", color.Bit24(0, 255, 0, false).Sprint},
		{Info, "INF", color.Bit24(255, 255, 0, false).Sprint},
		{Debug, "DBG", color.Bit24(0, 125, 255, false).Sprint},
		{Trace, "TRC", color.Bit24(125, 0, 255, false).Sprint},
	}
	// levelNames maps the names accepted by SetLogLevelString, which can be
	// truncated down to the first letter.
	levelNames = []string{"off", "fatal", "error", "warn", "info", "debug",
		"trace"}
)

func init() {
	currentLevel.Store(Info)
	switch strings.ToUpper(os.Getenv("GODEBUG")) {
	case "1", "TRUE", "ON", "DEBUG":
		SetLogLevel(Debug)
	case "INFO":
		SetLogLevel(Info)
	case "TRACE":
		SetLogLevel(Trace)
	case "WARN":
		SetLogLevel(Warn)
	case "ERROR":
		SetLogLevel(Error)
	case "FATAL":
		SetLogLevel(Fatal)
	case "0", "OFF", "FALSE":
		SetLogLevel(Off)
	}
}

// Log is a set of log printers for the various Level items.
type Log struct {
	F, E, W, I, D, T LevelPrinter
}

// Check is the set of error checkers matching the levels of a Log.
type Check struct {
	F, E, W, I, D, T Chk
}

func JoinStrings(a ...any) (s string) {
	for i := range a {
		s += fmt.Sprint(a[i])
		if i < len(a)-1 {
			s += " "
		}
	}
	return
}

func enabled(l int32) bool { return l <= currentLevel.Load() }

func GetPrinter(l int32, writer io.Writer) LevelPrinter {
	emit := func(text string) {
		if !enabled(l) {
			return
		}
		_, _ = fmt.Fprintf(writer, "%s %s %s %s\n",
			time.Now().Format(time.StampMilli),
			LevelSpecs[l].Colorizer(LevelSpecs[l].Name),
			text,
			GetLoc(3),
		)
	}
	return LevelPrinter{
		Ln: func(a ...interface{}) { emit(JoinStrings(a...)) },
		F: func(format string, a ...interface{}) {
			emit(fmt.Sprintf(format, a...))
		},
		S: func(a ...interface{}) {
			if enabled(l) {
				emit(spew.Sdump(a...))
			}
		},
		C: func(closure func() string) {
			if enabled(l) {
				emit(closure())
			}
		},
		Chk: func(e error) bool {
			if e != nil {
				emit(e.Error())
				return true
			}
			return false
		},
		Err: func(format string, a ...interface{}) error {
			err := fmt.Errorf(format, a...)
			emit(err.Error())
			return err
		},
	}
}

// New creates a set of printers and checkers writing to writer.
func New(writer io.Writer) (l *Log, c *Check) {
	l = &Log{
		F: GetPrinter(Fatal, writer),
		E: GetPrinter(Error, writer),
		W: GetPrinter(Warn, writer),
		I: GetPrinter(Info, writer),
		D: GetPrinter(Debug, writer),
		T: GetPrinter(Trace, writer),
	}
	c = &Check{
		F: l.F.Chk,
		E: l.E.Chk,
		W: l.W.Chk,
		I: l.I.Chk,
		D: l.D.Chk,
		T: l.T.Chk,
	}
	return
}

func SetLogLevel(l int) { currentLevel.Store(int32(l)) }

func GetLogLevel() (l int) { return int(currentLevel.Load()) }

// SetLogLevelString sets the log level via a string, which can be truncated
// down to one character, as the first letter of each level is unique.
// Unrecognised values leave the level unchanged and return false.
func SetLogLevelString(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return false
	}
	for i, name := range levelNames {
		if strings.HasPrefix(name, s) {
			SetLogLevel(i)
			return true
		}
	}
	return false
}

func GetLoc(skip int) (output string) {
	_, file, line, _ := runtime.Caller(skip)
	if i := strings.LastIndex(file, "/pkg/"); i >= 0 {
		file = file[i+1:]
	}
	output = color.Bit24(0, 128, 255, false).Sprint(file, ":", line)
	return
}
