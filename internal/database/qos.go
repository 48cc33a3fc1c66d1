package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/coralpbx/coralpbx/internal/database/models"
)

// qosRepo implements QoSRepository.
type qosRepo struct {
	db *DB
}

// NewQoSRepository creates a new QoSRepository.
func NewQoSRepository(db *DB) QoSRepository {
	return &qosRepo{db: db}
}

const qosColumns = `id, call_id, direction, packets_sent, packets_received,
	 packets_lost, out_of_order, loss_pct, avg_jitter_ms, max_jitter_ms,
	 avg_latency_ms, max_latency_ms, mos, quality, created_at`

// Create inserts a per-direction QoS summary row.
func (r *qosRepo) Create(ctx context.Context, rec *models.QoSRecord) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO qos_metrics (call_id, direction, packets_sent,
		 packets_received, packets_lost, out_of_order, loss_pct,
		 avg_jitter_ms, max_jitter_ms, avg_latency_ms, max_latency_ms,
		 mos, quality)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.Direction, rec.PacketsSent, rec.PacketsReceived,
		rec.PacketsLost, rec.OutOfOrder, rec.LossPct, rec.AvgJitterMs,
		rec.MaxJitterMs, rec.AvgLatencyMs, rec.MaxLatencyMs, rec.MOS,
		rec.Quality,
	)
	if err != nil {
		return fmt.Errorf("inserting qos record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// GetByCallID returns both direction rows for a call.
func (r *qosRepo) GetByCallID(ctx context.Context, callID string) ([]models.QoSRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+qosColumns+` FROM qos_metrics WHERE call_id = ? ORDER BY direction`, callID)
	if err != nil {
		return nil, fmt.Errorf("querying qos by call: %w", err)
	}
	defer rows.Close()
	return scanQoSRecords(rows)
}

// ListRecent returns the most recent QoS rows up to the given limit.
func (r *qosRepo) ListRecent(ctx context.Context, limit int) ([]models.QoSRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+qosColumns+` FROM qos_metrics ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent qos rows: %w", err)
	}
	defer rows.Close()
	return scanQoSRecords(rows)
}

// AverageMOS returns the mean MOS across rows that carry data. Rows with
// the 0.0 no-data sentinel are excluded.
func (r *qosRepo) AverageMOS(ctx context.Context) (float64, error) {
	var avg sql.NullFloat64
	err := r.db.QueryRowContext(ctx,
		`SELECT AVG(mos) FROM qos_metrics WHERE packets_received > 0`).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("averaging mos: %w", err)
	}
	if !avg.Valid {
		return 0, nil
	}
	return avg.Float64, nil
}

func scanQoSRecords(rows *sql.Rows) ([]models.QoSRecord, error) {
	var recs []models.QoSRecord
	for rows.Next() {
		var rec models.QoSRecord
		if err := rows.Scan(&rec.ID, &rec.CallID, &rec.Direction,
			&rec.PacketsSent, &rec.PacketsReceived, &rec.PacketsLost,
			&rec.OutOfOrder, &rec.LossPct, &rec.AvgJitterMs, &rec.MaxJitterMs,
			&rec.AvgLatencyMs, &rec.MaxLatencyMs, &rec.MOS, &rec.Quality,
			&rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning qos row: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
