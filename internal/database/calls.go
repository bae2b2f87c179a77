package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"outdial/internal/calls"
)

const callColumns = `id, tenant_id, lead_id, from_number, to_number, transfer_number,
	status, disposition, hangup_cause, switch_id, start_time, end_time, duration,
	last_status_update`

// CallRepository implements calls.Store on a SQL database.
type CallRepository struct {
	conn *Connection
}

// NewCallRepository creates a CallRepository.
func NewCallRepository(conn *Connection) *CallRepository {
	return &CallRepository{conn: conn}
}

var _ calls.Store = (*CallRepository)(nil)

func (r *CallRepository) Create(ctx context.Context, rec *calls.CallRecord) error {
	_, err := r.conn.exec(ctx,
		`INSERT INTO call_records (`+callColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		recordArgs(rec)...,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	return nil
}

func (r *CallRepository) Get(ctx context.Context, id string) (*calls.CallRecord, error) {
	rec, err := scanRecord(r.conn.queryRow(ctx,
		`SELECT `+callColumns+` FROM call_records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("call %s: %w", id, calls.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading call %s: %w", id, err)
	}
	return rec, nil
}

func (r *CallRepository) Update(ctx context.Context, rec *calls.CallRecord) error {
	args := recordArgs(rec)
	// id moves from first to last for the WHERE clause
	args = append(args[1:], args[0])
	res, err := r.conn.exec(ctx,
		`UPDATE call_records SET tenant_id = ?, lead_id = ?, from_number = ?, to_number = ?,
		 transfer_number = ?, status = ?, disposition = ?, hangup_cause = ?, switch_id = ?,
		 start_time = ?, end_time = ?, duration = ?, last_status_update = ?
		 WHERE id = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("updating call %s: %w", rec.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("call %s: %w", rec.ID, calls.ErrNotFound)
	}
	return nil
}

func (r *CallRepository) SetSwitchID(ctx context.Context, id, switchID string) error {
	_, err := r.conn.exec(ctx,
		`UPDATE call_records SET switch_id = ? WHERE id = ? AND switch_id = ''`,
		switchID, id,
	)
	if err != nil {
		return fmt.Errorf("recording switch id for call %s: %w", id, err)
	}
	return nil
}

func (r *CallRepository) FindInitiated(ctx context.Context, from, to string) (*calls.CallRecord, error) {
	rec, err := scanRecord(r.conn.queryRow(ctx,
		`SELECT `+callColumns+` FROM call_records
		 WHERE status = ? AND from_number = ? AND to_number = ? AND end_time IS NULL
		 ORDER BY start_time DESC LIMIT 1`,
		string(calls.StatusInitiated), from, to,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, calls.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding initiated call: %w", err)
	}
	return rec, nil
}

func (r *CallRepository) List(ctx context.Context, f calls.Filter) ([]calls.CallRecord, int, error) {
	where := "1=1"
	var args []any

	if f.TenantID != "" {
		where += " AND tenant_id = ?"
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Search != "" {
		where += " AND (from_number LIKE ? OR to_number LIKE ?)"
		s := "%" + f.Search + "%"
		args = append(args, s, s)
	}
	if !f.Since.IsZero() {
		where += " AND start_time >= ?"
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		where += " AND start_time <= ?"
		args = append(args, f.Until.UTC())
	}

	var total int
	if err := r.conn.queryRow(ctx, "SELECT COUNT(*) FROM call_records WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting calls: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = calls.DefaultLimit
	}
	rows, err := r.conn.query(ctx,
		`SELECT `+callColumns+` FROM call_records WHERE `+where+
			` ORDER BY start_time DESC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("listing calls: %w", err)
	}
	defer rows.Close()

	out := []calls.CallRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning call: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("listing calls: %w", err)
	}
	return out, total, nil
}

func (r *CallRepository) FailStale(ctx context.Context, olderThan, now time.Time) (int64, error) {
	now = now.UTC()
	res, err := r.conn.exec(ctx,
		`UPDATE call_records
		 SET status = ?, disposition = ?, end_time = ?, duration = 0, last_status_update = ?
		 WHERE status = ? AND end_time IS NULL AND start_time < ?`,
		string(calls.StatusFailed), calls.DispositionNoAnswer, now, now,
		string(calls.StatusInitiated), olderThan.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failing stale calls: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failing stale calls: %w", err)
	}
	return n, nil
}

func recordArgs(rec *calls.CallRecord) []any {
	var leadID sql.NullInt64
	if rec.LeadID != nil {
		leadID = sql.NullInt64{Int64: *rec.LeadID, Valid: true}
	}
	var endTime sql.NullTime
	if rec.EndTime != nil {
		endTime = sql.NullTime{Time: rec.EndTime.UTC(), Valid: true}
	}
	var duration sql.NullInt64
	if rec.Duration != nil {
		duration = sql.NullInt64{Int64: int64(*rec.Duration), Valid: true}
	}
	return []any{
		rec.ID, rec.TenantID, leadID, rec.From, rec.To, rec.TransferNumber,
		string(rec.Status), rec.Disposition, rec.HangupCause, rec.SwitchID,
		rec.StartTime.UTC(), endTime, duration, rec.LastStatusUpdate.UTC(),
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*calls.CallRecord, error) {
	var (
		rec      calls.CallRecord
		status   string
		leadID   sql.NullInt64
		endTime  sql.NullTime
		duration sql.NullInt64
	)
	err := s.Scan(
		&rec.ID, &rec.TenantID, &leadID, &rec.From, &rec.To, &rec.TransferNumber,
		&status, &rec.Disposition, &rec.HangupCause, &rec.SwitchID,
		&rec.StartTime, &endTime, &duration, &rec.LastStatusUpdate,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = calls.Status(status)
	rec.StartTime = rec.StartTime.UTC()
	rec.LastStatusUpdate = rec.LastStatusUpdate.UTC()
	if leadID.Valid {
		v := leadID.Int64
		rec.LeadID = &v
	}
	if endTime.Valid {
		v := endTime.Time.UTC()
		rec.EndTime = &v
	}
	if duration.Valid {
		v := int(duration.Int64)
		rec.Duration = &v
	}
	return &rec, nil
}
