package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coralpbx/coralpbx/internal/database/models"
)

// PGSink mirrors finished call records and QoS summaries to an external
// Postgres database for fleet-wide reporting. SQLite stays authoritative;
// a sink failure is logged and dropped, never propagated to the call path.
type PGSink struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGSink connects to the given Postgres DSN and ensures the mirror
// tables exist. Returns nil (and no error) when dsn is empty.
func NewPGSink(ctx context.Context, dsn string, logger *slog.Logger) (*PGSink, error) {
	if dsn == "" {
		return nil, nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres sink: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres sink: %w", err)
	}

	s := &PGSink{
		pool:   pool,
		logger: logger.With("component", "pgsink"),
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s.logger.Info("postgres sink connected")
	return s, nil
}

func (s *PGSink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_records (
			call_id TEXT PRIMARY KEY,
			from_ext TEXT NOT NULL DEFAULT '',
			to_ext TEXT NOT NULL DEFAULT '',
			start_time TIMESTAMPTZ NOT NULL,
			answer_time TIMESTAMPTZ,
			end_time TIMESTAMPTZ,
			duration INTEGER NOT NULL DEFAULT 0,
			billable_dur INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			recording_path TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS qos_metrics (
			id BIGSERIAL PRIMARY KEY,
			call_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			packets_sent BIGINT NOT NULL DEFAULT 0,
			packets_received BIGINT NOT NULL DEFAULT 0,
			packets_lost BIGINT NOT NULL DEFAULT 0,
			out_of_order BIGINT NOT NULL DEFAULT 0,
			loss_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_jitter_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			max_jitter_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			max_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			mos DOUBLE PRECISION NOT NULL DEFAULT 0,
			quality TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("creating postgres sink schema: %w", err)
		}
	}
	return nil
}

// MirrorCallRecord writes a finished call record to the mirror. Errors are
// logged, not returned.
func (s *PGSink) MirrorCallRecord(ctx context.Context, rec *models.CallRecord) {
	if s == nil {
		return
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_records (call_id, from_ext, to_ext, start_time,
		 answer_time, end_time, duration, billable_dur, status, recording_path)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (call_id) DO UPDATE SET
		 end_time = EXCLUDED.end_time,
		 duration = EXCLUDED.duration,
		 billable_dur = EXCLUDED.billable_dur,
		 status = EXCLUDED.status,
		 recording_path = EXCLUDED.recording_path`,
		rec.CallID, rec.FromExt, rec.ToExt, rec.StartTime, rec.AnswerTime,
		rec.EndTime, rec.Duration, rec.BillableDur, rec.Status, rec.RecordingPath)
	if err != nil {
		s.logger.Warn("dropping call record mirror write", "call_id", rec.CallID, "error", err)
	}
}

// MirrorQoS writes a per-direction QoS summary to the mirror. Errors are
// logged, not returned.
func (s *PGSink) MirrorQoS(ctx context.Context, rec *models.QoSRecord) {
	if s == nil {
		return
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO qos_metrics (call_id, direction, packets_sent,
		 packets_received, packets_lost, out_of_order, loss_pct,
		 avg_jitter_ms, max_jitter_ms, avg_latency_ms, max_latency_ms,
		 mos, quality)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.CallID, rec.Direction, rec.PacketsSent, rec.PacketsReceived,
		rec.PacketsLost, rec.OutOfOrder, rec.LossPct, rec.AvgJitterMs,
		rec.MaxJitterMs, rec.AvgLatencyMs, rec.MaxLatencyMs, rec.MOS,
		rec.Quality)
	if err != nil {
		s.logger.Warn("dropping qos mirror write", "call_id", rec.CallID, "error", err)
	}
}

// Close releases the Postgres pool.
func (s *PGSink) Close() {
	if s == nil {
		return
	}
	s.pool.Close()
}
