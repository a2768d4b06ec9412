// Package ingest owns the upstream reader child process, feeds its output
// to the event processor, and implements supervised restart on failure.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/supabase-community/walrus/internal/metrics"
	"github.com/supabase-community/walrus/internal/record"
)

// RestartDelay is the pause between a failed pipeline attempt and the next
// restart, per §4.6.
const RestartDelay = 5 * time.Second

// Supervisor spawns the upstream logical-decoding reader, reads its stdout
// line by line, and writes the processor's output as newline-delimited JSON
// to Sink. On a fatal error it kills the child and restarts after
// RestartDelay, unless ExitOnNoWork is set.
type Supervisor struct {
	// ReaderCmd is the child process command and arguments, e.g.
	// []string{"walrus-reader", "--slot", "realtime", ...}.
	ReaderCmd []string
	Process   func(ctx context.Context, rec *record.ChangeRecord) ([]json.RawMessage, error)
	Sink      io.Writer

	ExitOnNoWork bool
}

// Run drives the supervised ingest loop until ctx is canceled or, with
// ExitOnNoWork set, the first pipeline attempt ends; it then returns that
// attempt's error, or nil if the child reader exited cleanly.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.ExitOnNoWork {
			return err
		}
		if err != nil {
			zap.L().Error("pipeline attempt failed, restarting", zap.Error(err))
		}
		metrics.PipelineRestarts.Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(RestartDelay):
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	if len(s.ReaderCmd) == 0 {
		return fmt.Errorf("ingest: no reader command configured")
	}

	cmd := exec.CommandContext(ctx, s.ReaderCmd[0], s.ReaderCmd[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ingest: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ingest: start reader: %w", err)
	}

	processErr := s.consume(ctx, stdout)

	if processErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return processErr
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ingest: reader exited: %w", err)
	}
	return nil
}

func (s *Supervisor) consume(ctx context.Context, stdout io.Reader) error {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		rec, err := record.ParseLine(line)
		if err != nil {
			metrics.RecordsParseErrors.Inc()
			zap.L().Warn("skipping unparsable line", zap.Error(err))
			continue
		}
		metrics.RecordsProcessed.Inc()

		start := time.Now()
		events, err := s.Process(ctx, rec)
		metrics.RecordProcessingDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("ingest: process record: %w", err)
		}

		for _, ev := range events {
			metrics.EventsEmitted.WithLabelValues(rec.Schema, rec.Table).Inc()
			b, err := json.Marshal(ev)
			if err != nil {
				zap.L().Error("failed to serialize output event", zap.Error(err))
				continue
			}
			if _, err := s.Sink.Write(append(b, '\n')); err != nil {
				return fmt.Errorf("ingest: write sink: %w", err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ingest: read reader stdout: %w", err)
	}
	return nil
}
