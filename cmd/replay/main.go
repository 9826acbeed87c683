// Command replay builds a training matrix from a pipe-delimited transaction
// log. Rows are replayed in time order into a fresh history store so each
// labeled row only sees its own past.
//
// Usage:
//
//	go run ./cmd/replay -input transactions.csv -output training.csv -features features.json
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mbd888/txfeatures/internal/config"
	"github.com/mbd888/txfeatures/internal/engine"
	"github.com/mbd888/txfeatures/internal/features"
	"github.com/mbd888/txfeatures/internal/history"
	"github.com/mbd888/txfeatures/internal/logging"
	"github.com/mbd888/txfeatures/internal/replay"
)

func main() {
	_ = godotenv.Load()

	input := flag.String("input", "", "pipe-delimited CSV with header (required)")
	output := flag.String("output", "training.csv", "training matrix output")
	manifest := flag.String("features", "features.json", "feature manifest output")
	backend := flag.String("backend", config.BackendSQLite, "history backend used while replaying: sqlite or memory")
	dbPath := flag.String("db", config.DefaultSQLitePath, "sqlite history file, recreated on each run")
	limit := flag.Int("limit", 0, "cap the number of rows (0 = all)")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger := logging.New(*logLevel, "text")

	if *input == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	if err := run(ctx, *input, *output, *manifest, *backend, *dbPath, *limit); err != nil {
		logger.Error("replay failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, input, output, manifest, backend, dbPath string, limit int) error {
	logger := logging.L(ctx)

	in, err := os.Open(input) // #nosec G304 -- operator-supplied path
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer func() { _ = in.Close() }()

	records, err := replay.ReadRecords(in)
	if err != nil {
		return err
	}
	logger.Info("input loaded", "rows", len(records), "path", input)

	// Replay needs an empty history so nothing from a previous run leaks in.
	if backend == config.BackendSQLite {
		if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("reset history db: %w", err)
		}
	}
	store, err := history.Open(ctx, history.OpenOptions{
		Backend:    history.Backend(backend),
		SQLitePath: dbPath,
	})
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	out, err := os.Create(output) // #nosec G304 -- operator-supplied path
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer func() { _ = out.Close() }()

	eng := engine.New(store, engine.WithBackendName(backend))
	st, err := replay.Run(ctx, eng, records, replay.NewMatrixWriter(out), replay.Options{Limit: limit})
	if err != nil {
		return err
	}

	if err := features.WriteManifest(manifest); err != nil {
		return err
	}

	logger.Info("replay complete",
		"rows", st.Rows,
		"labeled", st.Labeled,
		"history_only", st.History,
		"skipped", st.Skipped,
		"matrix", output,
		"features", manifest,
		"fingerprint", features.Fingerprint(),
	)
	return nil
}
