// Command loopback runs a server endpoint against a hand-driven client over
// an in-memory stream and reports whether round trips, replay rejection,
// tamper rejection and eviction behave as configured.
//
// Usage:
//
//	loopback [-config sovereign-net.yaml] [-count 100]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/opticfluorine/sovereign-net/pkg/config"
	"github.com/opticfluorine/sovereign-net/pkg/log"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "YAML config file")
	count := flag.Int("count", 100, "number of round trips")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loopback: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))

	protoLog, closeLog, err := openProtocolLog(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loopback: %v\n", err)
		return 1
	}
	defer closeLog.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := Run(ctx, cfg, Options{Count: *count, Logger: logger, ProtocolLogger: protoLog})
	report.Print(os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loopback: %v\n", err)
		return 1
	}
	return 0
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openProtocolLog builds the protocol logger: debug-level slog output, plus
// a capture file when cfg.ProtocolLog is set.
func openProtocolLog(cfg config.Config, logger *slog.Logger) (log.Logger, io.Closer, error) {
	console := log.NewSlogAdapter(logger)
	if cfg.ProtocolLog == "" {
		return console, nopCloser{}, nil
	}
	file, err := log.NewFileLogger(cfg.ProtocolLog)
	if err != nil {
		return nil, nil, fmt.Errorf("open protocol log: %w", err)
	}
	return log.NewMultiLogger(console, file), file, nil
}
