package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"outdial/internal/tenant"
)

const tenantColumns = `id, name, switch_host, switch_port, username, password, trunk,
	dial_context, extension, priority, caller_id, max_concurrent`

// TenantRepository implements tenant.Directory on the tenants table.
type TenantRepository struct {
	conn *Connection
}

// NewTenantRepository creates a TenantRepository.
func NewTenantRepository(conn *Connection) *TenantRepository {
	return &TenantRepository{conn: conn}
}

var _ tenant.Directory = (*TenantRepository)(nil)

func (r *TenantRepository) GetTenant(ctx context.Context, id string) (*tenant.Tenant, error) {
	t, err := scanTenant(r.conn.queryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", tenant.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading tenant %s: %w", id, err)
	}
	return t, nil
}

func (r *TenantRepository) ListTenants(ctx context.Context) ([]tenant.Tenant, error) {
	rows, err := r.conn.query(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	defer rows.Close()

	var out []tenant.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tenant: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Upsert inserts t or replaces the stored tenant with the same id.
func (r *TenantRepository) Upsert(ctx context.Context, t tenant.Tenant) error {
	tx, err := r.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tenant upsert: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.conn.rebind(
		`UPDATE tenants SET name = ?, switch_host = ?, switch_port = ?, username = ?, password = ?,
		 trunk = ?, dial_context = ?, extension = ?, priority = ?, caller_id = ?, max_concurrent = ?
		 WHERE id = ?`),
		t.Name, t.SwitchHost, t.SwitchPort, t.Username, t.Password, t.Trunk,
		t.DialContext, t.Extension, t.Priority, t.CallerID, t.MaxConcurrent, t.ID,
	)
	if err != nil {
		return fmt.Errorf("updating tenant %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = tx.ExecContext(ctx, r.conn.rebind(
			`INSERT INTO tenants (`+tenantColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			t.ID, t.Name, t.SwitchHost, t.SwitchPort, t.Username, t.Password, t.Trunk,
			t.DialContext, t.Extension, t.Priority, t.CallerID, t.MaxConcurrent,
		)
		if err != nil {
			return fmt.Errorf("inserting tenant %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

// Delete removes a tenant. Its call records are kept.
func (r *TenantRepository) Delete(ctx context.Context, id string) error {
	res, err := r.conn.exec(ctx, `DELETE FROM tenants WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting tenant %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", tenant.ErrNotFound, id)
	}
	return nil
}

func scanTenant(s scanner) (*tenant.Tenant, error) {
	var t tenant.Tenant
	err := s.Scan(&t.ID, &t.Name, &t.SwitchHost, &t.SwitchPort, &t.Username, &t.Password,
		&t.Trunk, &t.DialContext, &t.Extension, &t.Priority, &t.CallerID, &t.MaxConcurrent)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
