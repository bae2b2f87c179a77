package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"outdial/internal/config"
)

// Dialects soportados.
const (
	DialectMySQL    = "mysql"
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Connection maneja el pool de conexiones a la base de datos
type Connection struct {
	DB      *sql.DB
	Dialect string
}

// NewConnection abre el pool para cfg.Driver y verifica conectividad.
func NewConnection(ctx context.Context, cfg config.DatabaseConfig) (*Connection, error) {
	driver, err := driverName(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", cfg.Driver, err)
	}

	if cfg.Driver == DialectSQLite {
		// un solo escritor
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(time.Hour)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %s database: %w", cfg.Driver, err)
	}

	return &Connection{DB: db, Dialect: cfg.Driver}, nil
}

// OpenSQLite abre (o crea) una base SQLite en path.
func OpenSQLite(ctx context.Context, path string) (*Connection, error) {
	return NewConnection(ctx, config.DatabaseConfig{Driver: DialectSQLite, Path: path})
}

func driverName(dialect string) (string, error) {
	switch dialect {
	case DialectMySQL:
		return "mysql", nil
	case DialectPostgres:
		return "pgx", nil
	case DialectSQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", dialect)
	}
}

// Close cierra la conexión a la base de datos
func (c *Connection) Close() error {
	return c.DB.Close()
}

// rebind converts ? placeholders to $n for PostgreSQL. Queries in this
// package never carry a literal question mark.
func (c *Connection) rebind(query string) string {
	if c.Dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *Connection) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.DB.ExecContext(ctx, c.rebind(query), args...)
}

func (c *Connection) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.DB.QueryContext(ctx, c.rebind(query), args...)
}

func (c *Connection) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.DB.QueryRowContext(ctx, c.rebind(query), args...)
}
