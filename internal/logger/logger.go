package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type level string

const (
	Debug level = "DEBUG"
	Info  level = "INFO"
	Warn  level = "WARN"
	Error level = "ERROR"
	Fatal level = "FATAL"
)

type Logger struct {
	*logrus.Logger
	guiLogsCh chan string
}

// New returns a logger writing to stdout, or to logfile when the dashboard
// owns the terminal. guiLogsCh may be nil.
func New(guiLogsCh chan string, debug bool, logfile string) *Logger {
	log := logrus.New()
	format := &logrus.TextFormatter{
		ForceColors:      true,
		DisableTimestamp: false,
		FullTimestamp:    true,
	}

	// set logs output to file if GUI is enabled
	if guiLogsCh != nil && logfile != "" {
		file, err := os.OpenFile(logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			log.SetOutput(file)
			format.ForceColors = false
			format.DisableColors = true
		} else {
			log.Fatal(err)
		}
	}

	if debug {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}

	log.SetFormatter(format)

	return &Logger{log, guiLogsCh}
}

// Discard is a logger for tests.
func Discard() *Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &Logger{log, nil}
}

func (l *Logger) Close() error {
	if file, ok := l.Out.(*os.File); ok && file != os.Stdout && file != os.Stderr {
		return file.Close()
	}
	return nil
}

// ResetToStdout is used once the dashboard is gone.
func (l *Logger) ResetToStdout() {
	_ = l.Close()
	l.SetOutput(os.Stdout)
	l.guiLogsCh = nil
}

// never block the caller on a slow dashboard
func (l *Logger) sendToGUI(t level, args ...interface{}) {
	if l.guiLogsCh == nil {
		return
	}
	msg := fmt.Sprintf("%s: ", t)
	msg += fmt.Sprint(args...)
	select {
	case l.guiLogsCh <- msg:
	default:
	}
}

func (l *Logger) sendToGUIf(t level, format string, args ...interface{}) {
	l.sendToGUI(t, fmt.Sprintf(format, args...))
}

// debug lines are too chatty for the dashboard
func (l *Logger) Debug(args ...interface{}) {
	l.Logger.Debug(args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.Logger.Debugf(format, args...)
}

// info
func (l *Logger) Info(args ...interface{}) {
	l.Logger.Info(args...)
	l.sendToGUI(Info, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.Logger.Infof(format, args...)
	l.sendToGUIf(Info, format, args...)
}

// warn
func (l *Logger) Warn(args ...interface{}) {
	l.Logger.Warn(args...)
	l.sendToGUI(Warn, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Logger.Warnf(format, args...)
	l.sendToGUIf(Warn, format, args...)
}

// error
func (l *Logger) Error(args ...interface{}) {
	l.Logger.Error(args...)
	l.sendToGUI(Error, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Logger.Errorf(format, args...)
	l.sendToGUIf(Error, format, args...)
}

// fatal
func (l *Logger) Fatal(args ...interface{}) {
	l.sendToGUI(Fatal, args...)
	l.Logger.Fatal(args...)
}

func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.sendToGUIf(Fatal, format, args...)
	l.Logger.Fatalf(format, args...)
}
