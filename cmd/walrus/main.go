// Command walrus is the WALRUS CDC authorization and fan-out sidecar. It
// spawns an upstream logical-decoding reader, authorizes each change record
// against Postgres RLS policies and per-subscription filters, and writes the
// resulting events as newline-delimited JSON to stdout.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/supabase-community/walrus/internal/authz"
	"github.com/supabase-community/walrus/internal/config"
	"github.com/supabase-community/walrus/internal/dbpool"
	"github.com/supabase-community/walrus/internal/ingest"
	"github.com/supabase-community/walrus/internal/metrics"
	"github.com/supabase-community/walrus/internal/record"
	"github.com/supabase-community/walrus/internal/registry"
	"github.com/supabase-community/walrus/internal/walrus"
)

const poolName = "walrus"

func main() {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "walrus",
		Short: "Authorize and fan out PostgreSQL change data capture events",
		Long:  "WALRUS reads logical-decoding output, checks row-level security and per-subscription filters, and emits authorized events as newline-delimited JSON.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	if err := config.BindFlags(cmd.Flags(), v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("walrus: logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck
	zap.ReplaceGlobals(logger)

	pools := dbpool.NewPoolManager()
	if err := pools.Add(ctx, dbpool.Pool{Name: poolName, ConnString: cfg.Connection}, true); err != nil {
		return fmt.Errorf("walrus: connect: %w", err)
	}
	defer pools.Close()

	pool, err := pools.Active()
	if err != nil {
		return err
	}

	oracle := authz.New(pool)
	reg := registry.New(pool)
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("walrus: load subscriptions: %w", err)
	}

	processor := walrus.New(oracle, reg, cfg.Publication, cfg.MaxRecordBytes)

	var wg sync.WaitGroup
	if cfg.MetricsAddr != "" {
		metrics.StartServer(ctx, &wg, &metrics.ServerOpts{Addr: cfg.MetricsAddr})
	}

	sup := &ingest.Supervisor{
		ReaderCmd:    readerCmd(cfg),
		Sink:         os.Stdout,
		ExitOnNoWork: cfg.ExitOnNoWork,
		Process:      processFunc(processor),
	}

	zap.L().Info("walrus starting",
		zap.String("slot", cfg.Slot),
		zap.String("publication", cfg.Publication),
		zap.Strings("reader_cmd", cfg.ReaderCmd),
	)

	err = sup.Run(ctx)
	wg.Wait()
	return err
}

// processFunc adapts walrus.Processor.Process to the shape ingest.Supervisor
// drives, marshaling each emitted event to a line of JSON.
func processFunc(p *walrus.Processor) func(context.Context, *record.ChangeRecord) ([]json.RawMessage, error) {
	return func(ctx context.Context, rec *record.ChangeRecord) ([]json.RawMessage, error) {
		events, err := p.Process(ctx, rec)
		if err != nil {
			return nil, err
		}
		out := make([]json.RawMessage, 0, len(events))
		for _, ev := range events {
			b, err := json.Marshal(ev)
			if err != nil {
				return nil, fmt.Errorf("walrus: marshal output event: %w", err)
			}
			out = append(out, b)
		}
		return out, nil
	}
}

// readerCmd returns cfg.ReaderCmd unchanged if the user customized it beyond
// the default single-element binary name, otherwise appends the --slot and
// --connection flags the default walrus-reader binary expects.
func readerCmd(cfg *config.Config) []string {
	if len(cfg.ReaderCmd) != 1 {
		return cfg.ReaderCmd
	}
	return append(cfg.ReaderCmd, "--slot", cfg.Slot, "--connection", cfg.ReplicationConnection)
}

func newLogger(level string) (*zap.Logger, error) {
	var zl zapcore.Level
	if err := zl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zl)
	return cfg.Build()
}
