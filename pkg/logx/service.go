package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"

	DefaultFilePath = "./cadence.log"
)

var stdout io.Writer = os.Stdout

type Config struct {
	Level   string
	Console bool
	// Format of the console sink: "console" (default) or "json", which
	// suits journald collecting stdout.
	Format string
	File   FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Validate rejects unknown levels and console formats. An empty level
// means info.
func (c Config) Validate() error {
	if lv := strings.TrimSpace(c.Level); lv != "" && !knownLevel(lv) {
		return fmt.Errorf("logging.level: unknown level %q", c.Level)
	}
	switch strings.ToLower(strings.TrimSpace(c.Format)) {
	case "", FormatConsole, FormatJSON:
	default:
		return fmt.Errorf("logging.format: want %q or %q, got %q", FormatConsole, FormatJSON, c.Format)
	}
	return nil
}

type ServiceOption func(*Service)

// WithConsoleOutput replaces stdout as the console sink.
func WithConsoleOutput(w io.Writer) ServiceOption {
	return func(s *Service) {
		if w != nil {
			s.console = w
		}
	}
}

// Service owns the sinks and swaps them on Apply. The log file stays open
// across Apply calls that keep its path.
type Service struct {
	console io.Writer

	mu       sync.Mutex
	cfg      Config
	file     *os.File
	filePath string

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with its live root Logger. A log
// file that cannot be opened is reported on the console sink.
func New(cfg Config, opts ...ServiceOption) (*Service, Logger) {
	s := &Service{console: stdout}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	log := Logger{svc: s}
	if err := s.Apply(cfg); err != nil {
		log.Warn("log file unavailable; console only", Err(err))
	}
	return s, log
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Config returns the last applied config.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps level, format and sinks. Loggers handed out earlier follow the
// change. When the file cannot be opened the console sink is used even if
// disabled, and the open error is returned.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	var openErr error
	path := ""
	if cfg.File.Enabled {
		path = strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = DefaultFilePath
		}
	}
	if path != s.filePath {
		s.closeFileLocked()
		if path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				openErr = fmt.Errorf("logx: open %s: %w", path, err)
			} else {
				s.file, s.filePath = f, path
			}
		}
	}

	writers := make([]io.Writer, 0, 2)
	if cfg.Console || s.file == nil {
		if strings.EqualFold(strings.TrimSpace(cfg.Format), FormatJSON) {
			writers = append(writers, s.console)
		} else {
			writers = append(writers, newConsoleWriter(s.console))
		}
	}
	if s.file != nil {
		writers = append(writers, zerolog.SyncWriter(s.file))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
	return openErr
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFileLocked()
}

func (s *Service) closeFileLocked() error {
	f := s.file
	s.file, s.filePath = nil, ""
	if f == nil {
		return nil
	}
	return f.Close()
}

func newConsoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
	cw.FormatCaller = func(i interface{}) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

func knownLevel(s string) bool {
	return parseLevel(s, zerolog.NoLevel) != zerolog.NoLevel
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
