package logx

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Field mutates a zerolog event. Fields are applied in order; if the same
// key is set twice, the later one wins.
type Field func(e *zerolog.Event)

func String(k, v string) Field      { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field     { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Bool(k string, v bool) Field   { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Service owns the log sinks. Loggers created from it stay live across
// Apply() calls, so hot config reloads change the level everywhere at once.
type Service struct {
	mu   sync.RWMutex
	zl   zerolog.Logger
	file *os.File
}

// New builds the sinks described by cfg and returns the service plus its
// root logger.
func New(cfg Config) (*Service, Logger, error) {
	s := &Service{zl: zerolog.Nop()}
	if err := s.Apply(cfg); err != nil {
		return nil, Logger{}, err
	}
	return s, Logger{svc: s}, nil
}

// Apply rebuilds sinks from cfg. Safe to call at runtime.
func (s *Service) Apply(cfg Config) error {
	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat})
	}

	var file *os.File
	if cfg.File.Enabled && strings.TrimSpace(cfg.File.Path) != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		file = f
		writers = append(writers, f)
	}

	var out io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		out = writers[0]
	default:
		out = zerolog.MultiLevelWriter(writers...)
	}

	zerolog.TimeFieldFormat = consoleTimeFormat
	zerolog.ErrorFieldName = "err"
	zl := zerolog.New(out).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()

	s.mu.Lock()
	old := s.file
	s.zl = zl
	s.file = file
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zl = zerolog.Nop()
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

func (s *Service) current() zerolog.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.zl
}

// Logger is a lightweight handle. The zero value is a no-op.
type Logger struct {
	svc     *Service
	base    zerolog.Logger
	hasBase bool
	fields  []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger { return Logger{base: zerolog.Nop(), hasBase: true} }

// NewConsole creates a standalone console logger, useful before the full
// log service exists (bootstrap errors) and in tests.
func NewConsole(level string) Logger {
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat}
	zl := zerolog.New(cw).Level(parseLevel(level, zerolog.InfoLevel)).With().Timestamp().Logger()
	return Logger{base: zl, hasBase: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.hasBase && len(l.fields) == 0 }

// With returns a derived logger with additional fixed fields.
func (l Logger) With(fields ...Field) Logger {
	out := l
	out.fields = append(append([]Field(nil), l.fields...), fields...)
	return out
}

func (l Logger) root() zerolog.Logger {
	if l.svc != nil {
		return l.svc.current()
	}
	if l.hasBase {
		return l.base
	}
	return zerolog.Nop()
}

func (l Logger) emit(e *zerolog.Event, msg string, fields []Field) {
	for _, f := range l.fields {
		f(e)
	}
	for _, f := range fields {
		f(e)
	}
	e.Msg(msg)
}

func (l Logger) Debug(msg string, fields ...Field) { r := l.root(); l.emit(r.Debug(), msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { r := l.root(); l.emit(r.Info(), msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { r := l.root(); l.emit(r.Warn(), msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { r := l.root(); l.emit(r.Error(), msg, fields) }

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "":
		return def
	default:
		return def
	}
}
