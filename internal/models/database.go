package models

import "time"

// Supported SQL dialects.
const (
	DialectRedshift = "redshift"
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

// DatabaseConfig holds one tunneled database target.
type DatabaseConfig struct {
	Dialect    string
	RemoteHost string // as seen from the bastion
	RemotePort int
	LocalPort  int // local end of the tunnel
	Database   string
	Username   string
	Password   string
}

// Forward returns the tunnel endpoint needed to reach the database.
func (c DatabaseConfig) Forward() Forward {
	return Forward{
		LocalPort:  c.LocalPort,
		RemoteHost: c.RemoteHost,
		RemotePort: c.RemotePort,
	}
}

// Table is a materialized query result.
type Table struct {
	Columns []string
	Rows    [][]any
}

// QueryResult holds the result of a single query execution.
type QueryResult struct {
	Table    *Table
	Duration time.Duration
	Error    error
}
