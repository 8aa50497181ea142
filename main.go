package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/pthm-cable/mutare/manager"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mutare", flag.ContinueOnError)
	simDir := fs.String("sim-dir", ".", "Simulation directory (holds config.yaml and run-NNNN/)")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return usageError(fmt.Sprintf("invalid -log-level %q", *logLevel))
	}
	// Set up slog (JSON to stdout for structured logging)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	rest := fs.Args()
	if len(rest) == 0 {
		return usageError("missing command")
	}

	m := manager.New(*simDir, logger)

	switch rest[0] {
	case "create":
		return runCreate(ctx, m, rest[1:])
	case "resume":
		return runResume(ctx, m, rest[1:])
	case "analyze":
		return runAnalyze(ctx, m, rest[1:])
	case "clean":
		return runClean(m, rest[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", rest[0]))
	}
}

func runCreate(ctx context.Context, m *manager.Manager, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	idx, err := m.CreateRun(ctx)
	if err != nil {
		return err
	}
	fmt.Println(idx)
	return nil
}

func runResume(ctx context.Context, m *manager.Manager, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	runIdx := fs.Int("run-idx", -1, "Index of the run to resume")
	files := fs.Int("files", 1, "Output files to write before stopping")
	metricsFile := fs.String("metrics-file", "", "Write run metrics in Prometheus text format to this path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runIdx < 0 {
		return usageError("resume requires -run-idx")
	}
	if *files < 1 {
		return usageError("-files must be at least 1")
	}
	return m.ResumeRun(ctx, *runIdx, *files, *metricsFile)
}

func runAnalyze(ctx context.Context, m *manager.Manager, args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	workers := fs.Int("workers", runtime.GOMAXPROCS(0), "Runs loaded in parallel")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return m.AnalyzeSim(ctx, *workers)
}

func runClean(m *manager.Manager, args []string) error {
	fs := flag.NewFlagSet("clean", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return m.CleanSim()
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: mutare [-sim-dir DIR] [-log-level LEVEL] <create|resume|analyze|clean> [flags]", msg)
}
