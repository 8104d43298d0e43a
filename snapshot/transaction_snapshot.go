package snapshot

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"github.com/snapflowio/pgcdc/internal/pg"
	"github.com/snapflowio/pgcdc/logger"
)

const temporarySlotPrefix = "pgcdc_snapshot_"

// exportSnapshot opens the long-lived repeatable read transaction whose snapshot every page reuses.
// The returned LSN is read inside that transaction and only approximates the snapshot's position.
func exportSnapshot(ctx context.Context, conn *pgxpool.Conn) (pgx.Tx, string, pg.LSN, error) {
	for _, stmt := range []string{"SET idle_in_transaction_session_timeout = 0", "SET statement_timeout = 0"} {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return nil, "", 0, fmt.Errorf("disable timeouts: %w", err)
		}
	}

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, "", 0, fmt.Errorf("begin export transaction: %w", err)
	}

	var snapshotID, current string
	if err := tx.QueryRow(ctx, "SELECT pg_export_snapshot(), pg_current_wal_lsn()::text").Scan(&snapshotID, &current); err != nil {
		_ = tx.Rollback(ctx)

		msg := err.Error()
		if strings.Contains(msg, "permission denied") {
			return nil, "", 0, fmt.Errorf("pg_export_snapshot requires REPLICATION privilege. Run: ALTER USER your_user WITH REPLICATION")
		}
		if strings.Contains(msg, "wal_level") {
			return nil, "", 0, fmt.Errorf("pg_export_snapshot requires wal_level='logical'. Set in postgresql.conf and restart")
		}
		return nil, "", 0, fmt.Errorf("export snapshot: %w", err)
	}

	lsn, err := pg.ParseLSN(current)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, "", 0, fmt.Errorf("parse current lsn: %w", err)
	}

	return tx, snapshotID, lsn, nil
}

// exportSlotSnapshot creates a temporary logical slot that exports its snapshot. Transactions that
// commit at or below the slot's consistent point are visible in the snapshot and none after it are.
// The snapshot stays valid until the next command on conn, and the slot goes away with conn.
func exportSlotSnapshot(ctx context.Context, conn *pgconn.PgConn) (string, pg.LSN, error) {
	name := temporarySlotName()
	result, err := pglogrepl.CreateReplicationSlot(ctx, conn, name, "pgoutput", pglogrepl.CreateReplicationSlotOptions{
		Temporary:      true,
		SnapshotAction: "EXPORT_SNAPSHOT",
		Mode:           pglogrepl.LogicalReplication,
	})
	if err != nil {
		return "", 0, fmt.Errorf("create temporary slot %s: %w", name, err)
	}

	boundary, err := pg.ParseLSN(result.ConsistentPoint)
	if err != nil {
		return "", 0, fmt.Errorf("parse consistent point of %s: %w", name, err)
	}
	if result.SnapshotName == "" {
		return "", 0, fmt.Errorf("temporary slot %s exported no snapshot", name)
	}

	logger.Debug("[snapshot] temporary slot created", "slot", name, "consistentPoint", boundary)
	return result.SnapshotName, boundary, nil
}

func temporarySlotName() string {
	return temporarySlotPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func setTransactionSnapshot(ctx context.Context, tx pgx.Tx, snapshotID string) error {
	if _, err := tx.Exec(ctx, "SET TRANSACTION SNAPSHOT "+pq.QuoteLiteral(snapshotID)); err != nil {
		return fmt.Errorf("set transaction snapshot: %w", err)
	}

	logger.Debug("[snapshot] transaction snapshot set", "snapshotID", snapshotID)
	return nil
}

func checkIsolation(ctx context.Context, tx pgx.Tx) error {
	var level string
	if err := tx.QueryRow(ctx, "SHOW transaction_isolation").Scan(&level); err != nil {
		return fmt.Errorf("read isolation level: %w", err)
	}
	if level != "repeatable read" {
		return fmt.Errorf("%w: got %q", ErrIsolationLevel, level)
	}
	return nil
}
