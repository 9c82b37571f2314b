// Command feedesk is the fee desk device: it records installments and
// payments against the local ledger and replays them to the receipt
// authority when it is reachable.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/feedesk/backend/internal/infrastructure/config"
	"github.com/feedesk/backend/internal/infrastructure/logger"
	"github.com/feedesk/backend/internal/interfaces/http/dto"
	"go.uber.org/zap"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command line. Results and errors are written to stdout
// as JSON envelopes; logs and usage go to stderr.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("feedesk", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "config file (default: ./config.toml or /etc/feedesk/config.toml)")
	offline := fs.Bool("offline", false, "skip the authority probe and work from the device store")
	logLevel := fs.String("log-level", "", "override log.level")
	fs.Usage = func() { printUsage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitUsage
	}
	cmd, ok := lookupCommand(fs.Arg(0))
	if !ok {
		fmt.Fprintf(stderr, "feedesk: unknown command %q\n\n", fs.Arg(0))
		fs.Usage()
		return exitUsage
	}

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "feedesk: %v\n", err)
		return exitError
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	// stdout carries the JSON result
	if cfg.Log.Output == "stdout" {
		cfg.Log.Output = "stderr"
	}

	log, err := logger.New(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		fmt.Fprintf(stderr, "feedesk: init logger: %v\n", err)
		return exitError
	}
	defer func() {
		_ = logger.Sync(log)
	}()
	log = log.With(zap.String("device_id", cfg.App.DeviceID), zap.String("command", cmd.name))

	a, err := openApp(ctx, cfg, log, *offline)
	if err != nil {
		return writeError(stdout, err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
	}()

	payload, err := cmd.run(ctx, a, fs.Args()[1:])
	if err != nil {
		var uerr *usageError
		if errors.As(err, &uerr) {
			fmt.Fprintf(stderr, "feedesk: %v\nusage: feedesk %s\n", uerr, cmd.usage)
			return exitUsage
		}
		return writeError(stdout, err)
	}
	if err := writeJSON(stdout, dto.NewSuccessResponse(payload)); err != nil {
		log.Error("write result", zap.Error(err))
		return exitError
	}
	return exitOK
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeError(w io.Writer, err error) int {
	_ = writeJSON(w, dto.NewErrorResponse(dto.CodeForError(err), err.Error()))
	return exitError
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "Usage: feedesk [flags] <command> [arguments]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", c.name, c.summary)
		fmt.Fprintf(w, "           feedesk %s\n", c.usage)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fs.PrintDefaults()
}
