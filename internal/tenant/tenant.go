package tenant

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"outdial/internal/config"
)

var (
	// ErrNotFound is returned when the directory has no such tenant.
	ErrNotFound = errors.New("tenant not found")
	// ErrInvalidConfig marks a tenant whose switch settings are unusable.
	ErrInvalidConfig = errors.New("invalid tenant switch configuration")
)

// Tenant carries the switch credentials and routing defaults of one tenant.
type Tenant struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	SwitchHost    string `json:"switch_host"`
	SwitchPort    int    `json:"switch_port"`
	Username      string `json:"-"`
	Password      string `json:"-"`
	Trunk         string `json:"trunk"`
	DialContext   string `json:"dial_context"`
	Extension     string `json:"extension,omitempty"`
	Priority      int    `json:"priority,omitempty"`
	CallerID      string `json:"caller_id,omitempty"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
}

// Directory resolves tenants by id. The engine never mutates tenants.
type Directory interface {
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	ListTenants(ctx context.Context) ([]Tenant, error)
}

// Validate reports missing switch settings as ErrInvalidConfig.
func (t *Tenant) Validate() error {
	var missing []string
	if t.SwitchHost == "" {
		missing = append(missing, "switch host")
	}
	if t.SwitchPort <= 0 || t.SwitchPort > 65535 {
		missing = append(missing, "switch port")
	}
	if t.Username == "" || t.Password == "" {
		missing = append(missing, "credentials")
	}
	if t.Trunk == "" {
		missing = append(missing, "trunk")
	}
	if t.DialContext == "" {
		missing = append(missing, "dial context")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: tenant %s: missing %s", ErrInvalidConfig, t.ID, strings.Join(missing, ", "))
	}
	return nil
}

// SwitchAddress identifies the switch instance serving this tenant.
func (t *Tenant) SwitchAddress() string {
	return net.JoinHostPort(t.SwitchHost, strconv.Itoa(t.SwitchPort))
}

// StaticDirectory serves tenants declared in the config file.
type StaticDirectory struct {
	tenants map[string]Tenant
}

// NewStaticDirectory builds a directory from config entries.
func NewStaticDirectory(entries []config.TenantConfig) *StaticDirectory {
	d := &StaticDirectory{tenants: make(map[string]Tenant, len(entries))}
	for _, e := range entries {
		d.tenants[e.ID] = FromConfig(e)
	}
	return d
}

// FromConfig converts a config entry.
func FromConfig(e config.TenantConfig) Tenant {
	return Tenant{
		ID:            e.ID,
		Name:          e.Name,
		SwitchHost:    e.SwitchHost,
		SwitchPort:    e.SwitchPort,
		Username:      e.Username,
		Password:      e.Password,
		Trunk:         e.Trunk,
		DialContext:   e.DialContext,
		Extension:     e.Extension,
		Priority:      e.Priority,
		CallerID:      e.CallerID,
		MaxConcurrent: e.MaxConcurrent,
	}
}

func (d *StaticDirectory) GetTenant(_ context.Context, id string) (*Tenant, error) {
	t, ok := d.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &t, nil
}

func (d *StaticDirectory) ListTenants(_ context.Context) ([]Tenant, error) {
	out := make([]Tenant, 0, len(d.tenants))
	for _, t := range d.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
