package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/coralpbx/coralpbx/internal/database/models"
)

// callRecordRepo implements CallRecordRepository.
type callRecordRepo struct {
	db *DB
}

// NewCallRecordRepository creates a new CallRecordRepository.
func NewCallRecordRepository(db *DB) CallRecordRepository {
	return &callRecordRepo{db: db}
}

const callRecordColumns = `call_id, from_ext, to_ext, start_time, answer_time,
	 end_time, duration, billable_dur, status, recording_path`

// Create inserts a new call record.
func (r *callRecordRepo) Create(ctx context.Context, rec *models.CallRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO call_records (call_id, from_ext, to_ext, start_time,
		 answer_time, end_time, duration, billable_dur, status, recording_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.FromExt, rec.ToExt, rec.StartTime, rec.AnswerTime,
		rec.EndTime, rec.Duration, rec.BillableDur, rec.Status, rec.RecordingPath,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	return nil
}

// GetByCallID returns a call record by SIP Call-ID, or nil if none.
func (r *callRecordRepo) GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+callRecordColumns+` FROM call_records WHERE call_id = ?`, callID)

	var rec models.CallRecord
	err := row.Scan(&rec.CallID, &rec.FromExt, &rec.ToExt, &rec.StartTime,
		&rec.AnswerTime, &rec.EndTime, &rec.Duration, &rec.BillableDur,
		&rec.Status, &rec.RecordingPath)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call record: %w", err)
	}
	return &rec, nil
}

// Update modifies an existing call record.
func (r *callRecordRepo) Update(ctx context.Context, rec *models.CallRecord) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE call_records SET from_ext = ?, to_ext = ?, start_time = ?,
		 answer_time = ?, end_time = ?, duration = ?, billable_dur = ?,
		 status = ?, recording_path = ?
		 WHERE call_id = ?`,
		rec.FromExt, rec.ToExt, rec.StartTime, rec.AnswerTime, rec.EndTime,
		rec.Duration, rec.BillableDur, rec.Status, rec.RecordingPath, rec.CallID,
	)
	if err != nil {
		return fmt.Errorf("updating call record: %w", err)
	}
	return nil
}

// List returns call records matching the filter along with the total count.
func (r *callRecordRepo) List(ctx context.Context, filter CallRecordListFilter) ([]models.CallRecord, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Search != "" {
		where += " AND (from_ext LIKE ? OR to_ext LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s)
	}
	if filter.StartDate != "" {
		where += " AND start_time >= ?"
		args = append(args, filter.StartDate)
	}
	if filter.EndDate != "" {
		where += " AND start_time <= ?"
		args = append(args, filter.EndDate)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM call_records WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call records: %w", err)
	}

	query := `SELECT ` + callRecordColumns + ` FROM call_records WHERE ` + where +
		` ORDER BY start_time DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	recs, err := scanCallRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// ListRecent returns the most recent call records up to the given limit.
func (r *callRecordRepo) ListRecent(ctx context.Context, limit int) ([]models.CallRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+callRecordColumns+` FROM call_records
		 ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent call records: %w", err)
	}
	defer rows.Close()
	return scanCallRecords(rows)
}

func scanCallRecords(rows *sql.Rows) ([]models.CallRecord, error) {
	var recs []models.CallRecord
	for rows.Next() {
		var rec models.CallRecord
		if err := rows.Scan(&rec.CallID, &rec.FromExt, &rec.ToExt, &rec.StartTime,
			&rec.AnswerTime, &rec.EndTime, &rec.Duration, &rec.BillableDur,
			&rec.Status, &rec.RecordingPath); err != nil {
			return nil, fmt.Errorf("scanning call record row: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
