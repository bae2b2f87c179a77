package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"outdial/internal/lead"
)

// LeadRepository implements lead.Updater on the leads table. Durations are
// kept as a comma separated history next to their running total.
type LeadRepository struct {
	conn *Connection
	now  func() time.Time
}

// NewLeadRepository creates a LeadRepository.
func NewLeadRepository(conn *Connection) *LeadRepository {
	return &LeadRepository{conn: conn, now: time.Now}
}

var _ lead.Updater = (*LeadRepository)(nil)

// LeadRow is one stored lead.
type LeadRow struct {
	ID            int64
	CallDurations []int
	TotalDuration int
	Status        string
}

// AppendCallDuration adds seconds to the lead's history, creating the lead
// row when it does not exist yet.
func (r *LeadRepository) AppendCallDuration(ctx context.Context, leadID int64, seconds int) error {
	tx, err := r.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning lead update: %w", err)
	}
	defer tx.Rollback()

	q := `SELECT call_durations, total_duration FROM leads WHERE id = ?`
	if r.conn.Dialect != DialectSQLite {
		q += ` FOR UPDATE`
	}
	var (
		history string
		total   int
	)
	err = tx.QueryRowContext(ctx, r.conn.rebind(q), leadID).Scan(&history, &total)
	now := r.now().UTC()

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, r.conn.rebind(
			`INSERT INTO leads (id, call_durations, total_duration, status, updated_at) VALUES (?, ?, ?, '', ?)`),
			leadID, strconv.Itoa(seconds), seconds, now)
	case err != nil:
		return fmt.Errorf("loading lead %d: %w", leadID, err)
	default:
		if history != "" {
			history += ","
		}
		history += strconv.Itoa(seconds)
		_, err = tx.ExecContext(ctx, r.conn.rebind(
			`UPDATE leads SET call_durations = ?, total_duration = ?, updated_at = ? WHERE id = ?`),
			history, total+seconds, now, leadID)
	}
	if err != nil {
		return fmt.Errorf("storing lead %d duration: %w", leadID, err)
	}
	return tx.Commit()
}

// UpdateLeadStatus sets the lead status, creating the lead row when needed.
func (r *LeadRepository) UpdateLeadStatus(ctx context.Context, leadID int64, status string) error {
	now := r.now().UTC()
	res, err := r.conn.exec(ctx, `UPDATE leads SET status = ?, updated_at = ? WHERE id = ?`, status, now, leadID)
	if err != nil {
		return fmt.Errorf("updating lead %d status: %w", leadID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = r.conn.exec(ctx,
		`INSERT INTO leads (id, call_durations, total_duration, status, updated_at) VALUES (?, '', 0, ?, ?)`,
		leadID, status, now)
	if err != nil {
		return fmt.Errorf("creating lead %d: %w", leadID, err)
	}
	return nil
}

// Get returns one lead.
func (r *LeadRepository) Get(ctx context.Context, leadID int64) (*LeadRow, error) {
	var (
		row     = LeadRow{ID: leadID}
		history string
	)
	err := r.conn.queryRow(ctx, `SELECT call_durations, total_duration, status FROM leads WHERE id = ?`, leadID).
		Scan(&history, &row.TotalDuration, &row.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", lead.ErrNotFound, leadID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading lead %d: %w", leadID, err)
	}
	for _, part := range strings.Split(history, ",") {
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("lead %d: bad duration history %q", leadID, history)
		}
		row.CallDurations = append(row.CallDurations, v)
	}
	return &row, nil
}
