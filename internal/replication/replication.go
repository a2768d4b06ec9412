// Package replication drives a PostgreSQL logical replication slot using the
// wal2json output plugin (format-version 2) and forwards each row-change
// action line to a writer, unmodified, skipping the plugin's begin/commit
// control lines.
package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"
)

const standbyUpdateInterval = 10 * time.Second

// Config configures the replication stream.
type Config struct {
	Slot string
	// Tables restricts decoding to schema.table entries, passed to wal2json's
	// add-tables option. Empty decodes every table in the slot's database.
	Tables []string
}

// controlActions is the subset of wal2json format-version 2 action lines this
// package does not forward: transaction boundaries carry no row data.
var controlActions = map[string]bool{"B": true, "C": true}

// Stream ensures the replication slot exists, starts streaming, and writes
// each wal2json row-action line followed by a newline to dst until ctx is
// canceled or the connection fails.
func Stream(ctx context.Context, conn *pgconn.PgConn, cfg Config, dst io.Writer) error {
	if err := ensureSlot(ctx, conn, cfg.Slot); err != nil {
		return fmt.Errorf("replication: ensure slot: %w", err)
	}

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("replication: identify system: %w", err)
	}

	pluginArgs := []string{
		"\"format-version\" '2'",
		"\"include-pk\" '1'",
		"\"include-type-oids\" '1'",
		"\"include-timestamp\" '1'",
		"\"actions\" 'insert,update,delete,truncate'",
	}
	for _, t := range cfg.Tables {
		pluginArgs = append(pluginArgs, fmt.Sprintf("\"add-tables\" '%s'", t))
	}

	if err := pglogrepl.StartReplication(ctx, conn, cfg.Slot, sysident.XLogPos, pglogrepl.StartReplicationOptions{
		PluginArgs: pluginArgs,
	}); err != nil {
		return fmt.Errorf("replication: start: %w", err)
	}

	return streamLoop(ctx, conn, dst)
}

func ensureSlot(ctx context.Context, conn *pgconn.PgConn, name string) error {
	exists, err := slotExists(ctx, conn, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, name, "wal2json", pglogrepl.CreateReplicationSlotOptions{Temporary: false})
	return err
}

func slotExists(ctx context.Context, conn *pgconn.PgConn, name string) (bool, error) {
	rows, err := conn.Exec(ctx, fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = '%s')", name)).ReadAll()
	if err != nil {
		return false, fmt.Errorf("check slot exists: %w", err)
	}
	return len(rows) > 0 && len(rows[0].Rows) > 0 && string(rows[0].Rows[0][0]) == "t", nil
}

func streamLoop(ctx context.Context, conn *pgconn.PgConn, dst io.Writer) error {
	clientXLogPos := pglogrepl.LSN(0)
	nextStandbyDeadline := time.Now().Add(standbyUpdateInterval)

	for {
		if time.Now().After(nextStandbyDeadline) {
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: clientXLogPos}); err != nil {
				return fmt.Errorf("replication: standby status update: %w", err)
			}
			nextStandbyDeadline = time.Now().Add(standbyUpdateInterval)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandbyDeadline)
		rawMsg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("replication: receive message: %w", err)
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("replication: server error: %s", errMsg.Message)
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				zap.L().Warn("malformed keepalive message", zap.Error(err))
				continue
			}
			if pkm.ServerWALEnd > clientXLogPos {
				clientXLogPos = pkm.ServerWALEnd
			}
			if pkm.ReplyRequested {
				nextStandbyDeadline = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				zap.L().Warn("malformed XLogData message", zap.Error(err))
				continue
			}
			if xld.WALStart > clientXLogPos {
				clientXLogPos = xld.WALStart
			}
			if err := forwardLine(xld.WALData, dst); err != nil {
				return err
			}
		}
	}
}

// forwardLine writes line to dst if it is a row-change action, skipping
// wal2json's begin/commit transaction-boundary lines.
func forwardLine(line []byte, dst io.Writer) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	var probe struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		zap.L().Warn("skipping unparsable wal2json line", zap.Error(err))
		return nil
	}
	if controlActions[probe.Action] {
		return nil
	}

	if _, err := dst.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("replication: write sink: %w", err)
	}
	return nil
}
