package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// ConnectPostgres establishes a connection to PostgreSQL
func ConnectPostgres(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// PostgresTenantDirectory lists tenants from the admin schema.
type PostgresTenantDirectory struct {
	db *sql.DB
}

func NewPostgresTenantDirectory(db *sql.DB) *PostgresTenantDirectory {
	return &PostgresTenantDirectory{db: db}
}

func (d *PostgresTenantDirectory) ListTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, name FROM admin."Tenant" ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}
