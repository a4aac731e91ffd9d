// Package audit implements an append-only command audit log on top of
// Postgres via pgx: one insert-only table recording every dispatched
// room command, for debugging and replay.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// Writer is a pgx-backed append-only log of dispatched commands,
// satisfying commands.AuditWriter.
type Writer struct {
	pool    *pgxpool.Pool
	log     *slog.Logger
	latency metric.Float64Histogram
}

// New connects to dsn and verifies the database is reachable. Callers
// may pass an empty dsn to disable auditing entirely; New then returns
// (nil, nil) and the dispatcher is wired without an AuditWriter.
func New(ctx context.Context, dsn string, log *slog.Logger) (*Writer, error) {
	if dsn == "" {
		return nil, nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}

	meter := otel.Meter("audit-writer")
	latency, err := meter.Float64Histogram("audit.write.latency", metric.WithUnit("ms"))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: create audit.write.latency instrument: %w", err)
	}

	return &Writer{pool: pool, log: log, latency: latency}, nil
}

// Record implements commands.AuditWriter. Failures are logged and
// swallowed: the audit trail is best-effort and must never block or
// fail a client command.
func (w *Writer) Record(ctx context.Context, roomID, connID, commandType string, payload []byte) {
	start := time.Now()
	tracer := otel.Tracer("audit-writer")
	ctx, span := tracer.Start(ctx, "audit.record")
	defer span.End()

	_, err := w.pool.Exec(ctx,
		`INSERT INTO command_audit_log (room_id, connection_id, command_type, payload, recorded_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		roomID, connID, commandType, payload, time.Now().UTC(),
	)
	w.latency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("audit.command", commandType)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "audit insert failed")
		if w.log != nil {
			w.log.Warn("audit: failed to record command", "command", commandType, "room_id", roomID, "error", err)
		}
	}
}

// Close releases the underlying connection pool.
func (w *Writer) Close() {
	if w != nil && w.pool != nil {
		w.pool.Close()
	}
}

// Schema is the DDL for the audit table, applied by an operator-run
// migration rather than at process startup.
const Schema = `
CREATE TABLE IF NOT EXISTS command_audit_log (
	id            BIGSERIAL PRIMARY KEY,
	room_id       TEXT NOT NULL,
	connection_id TEXT NOT NULL,
	command_type  TEXT NOT NULL,
	payload       JSONB NOT NULL,
	recorded_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS command_audit_log_room_id_idx ON command_audit_log (room_id, recorded_at);
`
