package logflags

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var watch = false
var reverse = false
var sysret = false
var replay = false
var session = false
var terminal = false
var starlark = false

var logOut io.WriteCloser

var textFormatterInstance = &logrus.TextFormatter{FullTimestamp: true, DisableColors: true}

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Watch returns true if the watch registry and context manager should log.
func Watch() bool {
	return watch
}

// WatchLogger returns a logger for the watch package.
func WatchLogger() Logger {
	return makeFlaggableLogger(watch, Fields{"layer": "watch"})
}

// Reverse returns true if the backward search controller should log.
func Reverse() bool {
	return reverse
}

// ReverseLogger returns a logger for the backward search controller.
func ReverseLogger() Logger {
	return makeFlaggableLogger(reverse, Fields{"layer": "reverse"})
}

// Sysret returns true if the syscall return correlator should log.
func Sysret() bool {
	return sysret
}

// SysretLogger returns a logger for the syscall return correlator.
func SysretLogger() Logger {
	return makeFlaggableLogger(sysret, Fields{"layer": "sysret"})
}

// Replay returns true if the replay substrate should log every run.
func Replay() bool {
	return replay
}

func ReplayLogger() Logger {
	return makeFlaggableLogger(replay, Fields{"layer": "replay"})
}

func SessionLogger() Logger {
	return makeFlaggableLogger(session, Fields{"layer": "session"})
}

func TerminalLogger() Logger {
	return makeFlaggableLogger(terminal, Fields{"layer": "terminal"})
}

// StarlarkLogger returns a logger for the starlark scripting layer.
func StarlarkLogger() Logger {
	return makeFlaggableLogger(starlark, Fields{"layer": "starlark"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "revmon-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logOut != nil {
		log.SetOutput(logOut)
	}
	if logstr == "" {
		logstr = "reverse,sysret"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "watch":
			watch = true
		case "reverse":
			reverse = true
		case "sysret":
			sysret = true
		case "replay":
			replay = true
		case "session":
			session = true
		case "terminal":
			terminal = true
		case "starlark":
			starlark = true
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}
