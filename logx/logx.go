// Package logx is the process-wide logger. It wraps zerolog with the small
// printf-style surface the rest of the tree uses, optional output
// buffering and an extra syslog sink.
package logx

import (
	"bufio"
	"fmt"
	"io"
	"log/syslog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Level int

const (
	LevelError Level = iota
	LevelInfo
	LevelDebug
	LevelTrace
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	case LevelTrace:
		return "trace"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

func (l Level) zl() zerolog.Level {
	switch l {
	case LevelError:
		return zerolog.ErrorLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelDebug:
		return zerolog.DebugLevel
	}
	return zerolog.TraceLevel
}

// ParseLevel accepts the names printed by Level.String, plus "warn"
// which maps to LevelInfo.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return LevelError, nil
	case "warn", "warning", "info", "":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "trace":
		return LevelTrace, nil
	}
	return LevelInfo, fmt.Errorf("logx: unknown level %q", s)
}

// Format selects the line encoding.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "pretty", "console":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("logx: unknown format %q", s)
}

// sink serializes writes from concurrent loggers and owns the optional
// buffer in front of the primary writer.
type sink struct {
	mu  sync.Mutex
	dst io.Writer
	buf *bufio.Writer
}

func (s *sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf != nil {
		return s.buf.Write(p)
	}
	return s.dst.Write(p)
}

func (s *sink) setBuffered(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		if s.buf == nil {
			s.buf = bufio.NewWriterSize(s.dst, 64<<10)
		}
		return nil
	}
	if s.buf == nil {
		return nil
	}
	err := s.buf.Flush()
	s.buf = nil
	return err
}

func (s *sink) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return nil
	}
	return s.buf.Flush()
}

var (
	mu     sync.RWMutex
	out    = &sink{dst: os.Stderr}
	sys    io.Writer
	level  = LevelInfo
	format = FormatText
	logger zerolog.Logger
)

func init() {
	// per-logger levels do the gating
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	rebuild()
}

// rebuild recreates logger from the current settings. Callers hold mu,
// except init.
func rebuild() {
	var primary io.Writer = out
	if format == FormatText {
		primary = zerolog.ConsoleWriter{Out: out, NoColor: true, TimeFormat: time.TimeOnly}
	}
	w := primary
	if sys != nil {
		w = zerolog.MultiLevelWriter(primary, sys)
	}
	logger = zerolog.New(w).Level(level.zl()).With().Timestamp().Logger()
}

// Init points the logger at w. When instaflush is false output is held
// in a buffer until Flush or SetInstaflush(true).
func Init(w io.Writer, lvl Level, instaflush bool) {
	mu.Lock()
	defer mu.Unlock()
	out = &sink{dst: w}
	_ = out.setBuffered(!instaflush)
	sys = nil
	level = lvl
	rebuild()
}

func SetLevel(lvl Level) {
	mu.Lock()
	defer mu.Unlock()
	level = lvl
	rebuild()
}

func GetLevel() Level {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

func SetFormat(f Format) {
	mu.Lock()
	defer mu.Unlock()
	format = f
	rebuild()
}

// SetInstaflush toggles buffering. Turning it on flushes anything pending.
func SetInstaflush(on bool) {
	mu.RLock()
	defer mu.RUnlock()
	_ = out.setBuffered(!on)
}

// Flush writes out anything held by the buffer.
func Flush() error {
	mu.RLock()
	defer mu.RUnlock()
	return out.flush()
}

// AttachSyslog adds w as a second sink. It always receives JSON lines;
// a zerolog.LevelWriter also gets the level of each line.
func AttachSyslog(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	sys = w
	rebuild()
}

// EnableSyslog connects to the local syslog daemon under tag.
func EnableSyslog(tag string) error {
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, tag)
	if err != nil {
		return fmt.Errorf("logx: syslog: %w", err)
	}
	AttachSyslog(zerolog.SyslogLevelWriter(w))
	return nil
}

// Logger returns the current zerolog logger for callers that want
// structured fields.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Tracef(msg string, args ...any) { l := Logger(); l.Trace().Msgf(msg, args...) }
func Debugf(msg string, args ...any) { l := Logger(); l.Debug().Msgf(msg, args...) }
func Infof(msg string, args ...any) { l := Logger(); l.Info().Msgf(msg, args...) }
func Warnf(msg string, args ...any) { l := Logger(); l.Warn().Msgf(msg, args...) }
func Errorf(msg string, args ...any) { l := Logger(); l.Error().Msgf(msg, args...) }
