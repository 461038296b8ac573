// Package cmd implements the ridereplay command line using cobra.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/ridereplay/internal/config"
	"firestige.xyz/ridereplay/internal/demux"
	"firestige.xyz/ridereplay/internal/event"
	"firestige.xyz/ridereplay/internal/log"
	"firestige.xyz/ridereplay/internal/metrics"
	"firestige.xyz/ridereplay/internal/replay"
	"firestige.xyz/ridereplay/internal/sink"
	"firestige.xyz/ridereplay/internal/sink/console"
	"firestige.xyz/ridereplay/internal/sink/kafka"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitUsage       = 1
	ExitFatal       = 2
	ExitInterrupted = 130
)

const (
	banner       = "ridereplay capture replay"
	usage        = "Usage: ridereplay <capture>"
	stopTimeout  = 10 * time.Second
	notFoundText = "Capture file not found"
)

// exitError carries the process exit code out of RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exit(code int, err error) error { return &exitError{code: code, err: err} }

type flags struct {
	configFile    string
	pace          bool
	speed         float64
	local         string
	logLevel      string
	logFormat     string
	summary       bool
	metricsListen string
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// Flag parsing errors.
	fmt.Fprintf(stderr, "Error: %v\n%s\n", err, usage)
	return ExitUsage
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "ridereplay <capture>",
		Short: "Replay a ride session capture as decoded events",
		Long: `ridereplay reads a pcap or pcapng capture of a ride session, reassembles the
desktop and companion protocol streams, decodes every message and publishes
the results as events to the configured sinks, in capture order.`,
		Version:       "0.1.0",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(stdout, banner)
			if len(args) != 1 {
				fmt.Fprintln(stderr, usage)
				return exit(ExitUsage, nil)
			}
			if info, err := os.Stat(args[0]); err != nil || !info.Mode().IsRegular() {
				fmt.Fprintln(stderr, notFoundText)
				return exit(ExitUsage, nil)
			}

			cfg, err := loadConfig(cmd, f)
			if err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
				return exit(ExitUsage, err)
			}
			return run(cmd.Context(), cfg, args[0], f.summary, stdout)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	fs := cmd.Flags()
	fs.StringVarP(&f.configFile, "config", "c", "", "config file path")
	fs.BoolVar(&f.pace, "pace", false, "emit events at capture pace")
	fs.Float64Var(&f.speed, "speed", replay.DefaultSpeed, "pacing speed multiplier")
	fs.StringVar(&f.local, "local", "", "local address of the captured session (default: learned)")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&f.logFormat, "log-format", "", "log format: text, json")
	fs.BoolVar(&f.summary, "summary", false, "print a YAML summary after the replay")
	fs.StringVar(&f.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	return cmd
}

// loadConfig loads the config file and applies flags the user set.
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return nil, err
	}
	fs := cmd.Flags()
	if fs.Changed("pace") {
		cfg.Pacing.Enabled = f.pace
	}
	if fs.Changed("speed") {
		cfg.Pacing.Speed = f.speed
	}
	if fs.Changed("local") {
		cfg.Demux.LocalAddress = f.local
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if fs.Changed("metrics-listen") {
		cfg.Metrics.Enabled, cfg.Metrics.Listen = true, f.metricsListen
	}
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, path string, summary bool, stdout io.Writer) error {
	closer, err := log.Init(cfg.Log)
	if err != nil {
		return exit(ExitUsage, err)
	}
	defer closer.Close()

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := srv.Start(ctx); err != nil {
			slog.Error("metrics server failed", "error", err)
			return exit(ExitFatal, err)
		}
		defer srv.Stop(context.Background())
	}

	bus := event.NewBus()
	sinks, err := startSinks(ctx, cfg.Sinks, bus, stdout)
	defer stopSinks(sinks)
	if err != nil {
		slog.Error("sink setup failed", "error", err)
		return exit(ExitFatal, err)
	}

	engine := replay.New(replayConfig(cfg), bus)
	sum, err := engine.Replay(ctx, path)
	logSummary(sum, err)

	if summary {
		if out, yerr := sum.YAML(); yerr == nil {
			fmt.Fprintf(stdout, "---\n%s", out)
		} else {
			slog.Warn("summary encoding failed", "error", yerr)
		}
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return exit(ExitInterrupted, err)
	default:
		return exit(ExitFatal, err)
	}
}

func replayConfig(cfg *config.Config) replay.Config {
	return replay.Config{
		Demux: demux.Config{
			DesktopUDPPort:   cfg.Demux.DesktopUDPPort,
			DesktopTCPPort:   cfg.Demux.DesktopTCPPort,
			CompanionTCPPort: cfg.Demux.CompanionTCPPort,
			Local:            cfg.Demux.Local(),
			MaxStreamBuffer:  cfg.Demux.MaxStreamBuffer,
			MaxMessageSize:   cfg.Demux.MaxMessageSize,
			FragmentTimeout:  cfg.Demux.FragmentTimeout,
		},
		Pacing: replay.PacingConfig{
			Enabled: cfg.Pacing.Enabled,
			Speed:   cfg.Pacing.Speed,
			MaxGap:  cfg.Pacing.MaxGap,
		},
	}
}

// startSinks creates every enabled sink from the registry and starts it.
func startSinks(ctx context.Context, cfg config.SinksConfig, bus *event.Bus, stdout io.Writer) ([]sink.Sink, error) {
	var started []sink.Sink
	for _, entry := range []struct {
		name string
		cfg  config.SinkConfig
	}{
		{console.Name, cfg.Console},
		{kafka.Name, cfg.Kafka},
	} {
		if !entry.cfg.Enabled {
			continue
		}
		s, err := sink.New(entry.name, sink.Env{Stdout: stdout})
		if err != nil {
			return started, err
		}
		if err := s.Init(entry.cfg.Options); err != nil {
			return started, fmt.Errorf("sink %s: %w", entry.name, err)
		}
		if err := s.Start(ctx, bus); err != nil {
			return started, fmt.Errorf("sink %s: %w", entry.name, err)
		}
		started = append(started, s)
	}
	return started, nil
}

func stopSinks(sinks []sink.Sink) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	for _, s := range sinks {
		if err := s.Stop(ctx); err != nil {
			slog.Warn("sink stop failed", "sink", s.Name(), "error", err)
		}
	}
}

func logSummary(sum replay.Summary, err error) {
	attrs := []any{
		"path", sum.Path,
		"frames", sum.Frames,
		"events", sum.TotalEvents(),
		"reports", sum.TotalReports(),
		"incomplete", sum.Incomplete,
		"span", sum.Span(),
	}
	if err != nil {
		slog.Error("replay failed", append(attrs, "error", err)...)
		return
	}
	slog.Info("replay finished", attrs...)
}
