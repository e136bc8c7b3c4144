// Package nmealog appends received GGA sentences to log files: one shared
// log across all sessions plus optional per-session files that the registry
// sweep removes together with their session entries.
package nmealog

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Log is the shared, append-only sentence log. Each sentence goes out in a
// single Write call and lumberjack serializes concurrent writers, so lines
// from different sessions never interleave.
type Log struct {
	out        *lumberjack.Logger
	sessionDir string
}

// New returns a sentence log writing to path, with per-session files under
// sessionDir. Either may be empty to disable that output; a fully disabled
// log is represented by a nil *Log, on which all methods are no-ops.
func New(path, sessionDir string) *Log {
	if path == "" && sessionDir == "" {
		return nil
	}
	l := &Log{sessionDir: sessionDir}
	if path != "" {
		l.out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // MB
			MaxBackups: 10,
		}
	}
	return l
}

// Append writes one sentence as a single line.
func (l *Log) Append(sentence string) error {
	if l == nil || l.out == nil {
		return nil
	}
	_, err := l.out.Write([]byte(sentence + "\n"))
	return err
}

// OpenSession opens the per-session sentence file for the given session id.
// Returns nil when per-session files are disabled.
func (l *Log) OpenSession(id string) (*SessionLog, error) {
	if l == nil || l.sessionDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(l.sessionDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "cannot create session log directory")
	}
	path := filepath.Join(l.sessionDir, id+".nmea")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open session log")
	}
	return &SessionLog{f: f, Path: path}, nil
}

// Close closes the shared log file.
func (l *Log) Close() error {
	if l == nil || l.out == nil {
		return nil
	}
	return l.out.Close()
}

// SessionLog is one session's private sentence file. Its Path is recorded in
// the connection registry so the retention sweep can delete it.
type SessionLog struct {
	f    *os.File
	Path string
}

// Append writes one sentence as a single line.
func (sl *SessionLog) Append(sentence string) error {
	if sl == nil {
		return nil
	}
	_, err := sl.f.WriteString(sentence + "\n")
	return err
}

// Close closes the file, leaving it on disk for the retention window.
func (sl *SessionLog) Close() error {
	if sl == nil {
		return nil
	}
	return sl.f.Close()
}
