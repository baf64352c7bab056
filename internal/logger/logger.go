package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options defines logger initialization parameters.
type Options struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// Console receives console output; nil means stdout.
	Console io.Writer

	// Service tags every forwarded event; defaults to "scansplit".
	Service string

	// Axiom
	SendToAxiom  bool
	AxiomAPIKey  string
	AxiomOrgID   string
	AxiomDataset string
	AxiomFlush   time.Duration
	// AxiomLevel is the lowest level forwarded; defaults to info so per-label
	// debug events stay local.
	AxiomLevel string
}

var fwd *forwarder

// Init sets up the global logger: file rotation, console, optional Axiom forwarding.
// An empty File disables the rotating file writer (the CLI logs to stderr only).
func Init(opts Options) error {
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return fmt.Errorf("create logs dir: %w", err)
		}
	}
	service := opts.Service
	if service == "" {
		service = "scansplit"
	}

	var writers []io.Writer
	if opts.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		})
	}
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}
	if opts.Pretty {
		writers = append(writers, zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339})
	} else {
		writers = append(writers, console)
	}

	Close()
	if opts.SendToAxiom && opts.AxiomAPIKey != "" {
		dataset := opts.AxiomDataset
		if dataset == "" {
			dataset = "dev_" + service
		}
		ing, err := newAxiomIngester(opts.AxiomAPIKey, opts.AxiomOrgID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Axiom disabled: %v\n", err)
		} else {
			fwd = newForwarder(ing, dataset, service, parseLevel(opts.AxiomLevel, zerolog.InfoLevel), opts.AxiomFlush)
			writers = append(writers, fwd)
		}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(opts.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	return nil
}

// Close flushes and stops the Axiom forwarder, if any.
func Close() {
	if fwd != nil {
		fwd.Close()
		fwd = nil
	}
}

// Session returns a child of the global logger tagged with a split session id.
func Session(id string) zerolog.Logger {
	return log.Logger.With().Str("session_id", id).Logger()
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	if s == "" {
		return def
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return def
	}
	return lvl
}
