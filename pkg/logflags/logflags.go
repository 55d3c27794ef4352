package logflags

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var vmiLayer = false
var walker = false
var session = false
var layout = false
var scan = false
var snapshot = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return entry{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// VMI returns true if the memory access facade should log.
func VMI() bool {
	return vmiLayer
}

// VMILogger returns a logger for the memory access facade.
func VMILogger() Logger {
	return makeFlaggableLogger(vmiLayer, Fields{"layer": "vmi"})
}

// Walker returns true if the graph walker should log every link it follows.
func Walker() bool {
	return walker
}

// WalkerLogger returns a logger for the graph walker.
func WalkerLogger() Logger {
	return makeFlaggableLogger(walker, Fields{"layer": "walker"})
}

// Session returns true if session state transitions should be logged.
func Session() bool {
	return session
}

// SessionLogger returns a logger for the session controller.
func SessionLogger() Logger {
	return makeFlaggableLogger(session, Fields{"layer": "session"})
}

// Layout returns true if layout selection should be logged.
func Layout() bool {
	return layout
}

// LayoutLogger returns a logger for the layout registry.
func LayoutLogger() Logger {
	return makeFlaggableLogger(layout, Fields{"layer": "layout"})
}

// Scan returns true if scans should log degraded objects.
func Scan() bool {
	return scan
}

// ScanLogger returns a logger for scans.
func ScanLogger() Logger {
	return makeFlaggableLogger(scan, Fields{"layer": "scan"})
}

// Snapshot returns true if the snapshot loader should be logged.
func Snapshot() bool {
	return snapshot
}

func SnapshotLogger() Logger {
	return makeFlaggableLogger(snapshot, Fields{"layer": "vmi", "kind": "snapshot"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets kwalk flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "kwalk-logs")
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
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logOut != nil {
		log.SetOutput(logOut)
	}
	if logstr == "" {
		logstr = "scan"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "vmi":
			vmiLayer = true
		case "walker":
			walker = true
		case "session":
			session = true
		case "layout":
			layout = true
		case "scan":
			scan = true
		case "snapshot":
			snapshot = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'kwalk help log' for usage.\n", logcmd)
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

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct {
}

var textFormatterInstance = &textFormatter{}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteString(entry.Time.Format("2006-01-02T15:04:05Z07:00"))
	b.WriteByte(' ')
	b.WriteString(entry.Level.String())
	b.WriteByte(' ')
	for i, key := range keys {
		b.WriteString(key)
		b.WriteByte('=')
		stringVal, isString := entry.Data[key].(string)
		if isString && needsQuoting(stringVal) {
			fmt.Fprintf(b, "%q", stringVal)
		} else {
			fmt.Fprint(b, entry.Data[key])
		}
		if i != len(keys)-1 {
			b.WriteByte(',')
		}
	}
	b.WriteByte(' ')
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func needsQuoting(text string) bool {
	for _, ch := range text {
		if !((ch >= 'a' && ch <= 'z') ||
			(ch >= 'A' && ch <= 'Z') ||
			(ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '/' || ch == '@' || ch == '^' || ch == '+') {
			return true
		}
	}
	return false
}
