package shardkv

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// LogTopic classifies a log line by the component that wrote it.
type LogTopic int

const (
	LogTopicClerk LogTopic = iota
	LogTopicServer
	LogTopicWAL
	LogTopicHTTP
)

func (t LogTopic) String() string {
	switch t {
	case LogTopicClerk:
		return "CLERK"
	case LogTopicServer:
		return "SERVER"
	case LogTopicWAL:
		return "WAL"
	case LogTopicHTTP:
		return "HTTP"
	default:
		return "MISC"
	}
}

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelOff
)

// ParseLevel accepts "debug", "info" or "off".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "off", "none":
		return LevelOff, nil
	}
	return LevelOff, fmt.Errorf("unknown log level %q", s)
}

// Logger prefixes every line with the owner ("S1" for server 1, "C" for a
// clerk) and the topic. The level is fixed at construction.
type Logger struct {
	owner string
	level Level
	out   *log.Logger
}

func NewLogger(owner string, level Level, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		owner: owner,
		level: level,
		out:   log.New(w, "", log.LstdFlags|log.Lmicroseconds),
	}
}

// NopLogger drops everything.
func NopLogger() *Logger {
	return &Logger{level: LevelOff, out: log.New(io.Discard, "", 0)}
}

// With returns a logger that shares the output and level under a new owner.
func (l *Logger) With(owner string) *Logger {
	if l == nil {
		return NopLogger()
	}
	return &Logger{owner: owner, level: l.level, out: l.out}
}

func (l *Logger) Debugf(topic LogTopic, format string, args ...any) {
	l.logf(LevelDebug, topic, format, args...)
}

func (l *Logger) Infof(topic LogTopic, format string, args ...any) {
	l.logf(LevelInfo, topic, format, args...)
}

func (l *Logger) logf(lvl Level, topic LogTopic, format string, args ...any) {
	if l == nil || lvl < l.level || l.level == LevelOff {
		return
	}
	prefix := fmt.Sprintf("%s [%s]", l.owner, topic)
	l.out.Printf("%-14s %s", prefix, fmt.Sprintf(format, args...))
}
