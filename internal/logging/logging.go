// Package logging writes a run's progress to the console and, once the backup
// directory is known to be usable, to a log file inside it.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TimeFormat is the ISO-8601 UTC timestamp prefixed to every log file line.
const TimeFormat = "2006-01-02T15:04:05.000Z"

const headerRule = "---------------------------"

// RunLog is the log sink of a single run.
type RunLog struct {
	logger *log.Logger

	mu   sync.Mutex
	file *os.File
	path string
	err  error
}

func New(console io.Writer) *RunLog {
	l := &RunLog{logger: log.New()}
	l.logger.SetOutput(console)
	l.logger.SetFormatter(&ConsoleFormatter{})
	l.logger.SetLevel(log.InfoLevel)
	l.logger.AddHook(&fileHook{runLog: l})
	return l
}

// Open starts appending to the log file at path, beginning with header and a
// rule line. Nothing is written to the file before Open succeeds.
func (l *RunLog) Open(path, header string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%s\r\n%s\r\n", header, headerRule); err != nil {
		f.Close()
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
	}
	l.file = f
	l.path = path
	return nil
}

// Header is the first line a run appends to its log file.
func Header(title string, startedAt time.Time) string {
	return fmt.Sprintf("%s for %s", title, startedAt.UTC().Format(TimeFormat))
}

func (l *RunLog) Infof(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

func (l *RunLog) Warnf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l *RunLog) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

// Err reports the first failure to append to the log file, if any.
func (l *RunLog) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close stops writing to the log file. The console keeps working.
func (l *RunLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *RunLog) append(entry *log.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil || l.err != nil {
		return nil
	}
	line := fmt.Sprintf("%s %s %s\r\n", entry.Time.UTC().Format(TimeFormat), Tag(entry.Level), entry.Message)
	if _, err := l.file.WriteString(line); err != nil {
		l.err = fmt.Errorf("failed to append to %s: %w", l.path, err)
		return l.err
	}
	return nil
}

// Tag is the bracketed level marker written before each message. Only
// [INFO] and [ERROR] exist; warnings are reported as [INFO].
func Tag(level log.Level) string {
	switch level {
	case log.PanicLevel, log.FatalLevel, log.ErrorLevel:
		return "[ERROR]"
	default:
		return "[INFO]"
	}
}

// ConsoleFormatter prints "[INFO] message" lines without timestamps.
type ConsoleFormatter struct{}

func (f *ConsoleFormatter) Format(entry *log.Entry) ([]byte, error) {
	return []byte(fmt.Sprintf("%s %s\n", Tag(entry.Level), entry.Message)), nil
}

type fileHook struct {
	runLog *RunLog
}

func (h *fileHook) Levels() []log.Level {
	return log.AllLevels
}

func (h *fileHook) Fire(entry *log.Entry) error {
	return h.runLog.append(entry)
}
