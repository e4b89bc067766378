// Package query runs extraction queries against tunneled databases.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/sqlrelay/internal/models"
	"github.com/rs/zerolog"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Service defines the interface for query operations.
type Service interface {
	Fetch(ctx context.Context, cfg models.DatabaseConfig, port int, query string) (*models.QueryResult, error)
}

// Opener allows mocking sql.Open in tests.
type Opener interface {
	Open(driverName, dsn string) (*sql.DB, error)
}

// DefaultOpener opens connections with database/sql.
type DefaultOpener struct{}

// Open opens a database handle.
func (o *DefaultOpener) Open(driverName, dsn string) (*sql.DB, error) {
	return sql.Open(driverName, dsn)
}

// Impl implements the query Service interface.
type Impl struct {
	opener Opener
	logger zerolog.Logger
}

// New creates a new query service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		opener: &DefaultOpener{},
		logger: logger,
	}
}

// NewWithOpener creates a new query service with a custom opener (for testing).
func NewWithOpener(logger zerolog.Logger, opener Opener) *Impl {
	return &Impl{
		opener: opener,
		logger: logger,
	}
}

// Fetch connects to 127.0.0.1:port, runs query and materializes every row.
func (s *Impl) Fetch(ctx context.Context, cfg models.DatabaseConfig, port int, query string) (*models.QueryResult, error) {
	s.logger.Info().
		Str("dialect", cfg.Dialect).
		Int("port", port).
		Str("database", cfg.Database).
		Msg("running query")

	start := time.Now()
	result := &models.QueryResult{}

	driver, dsn, err := DriverAndDSN(cfg, port)
	if err != nil {
		result.Error = err
		return result, nil
	}

	db, err := s.opener.Open(driver, dsn)
	if err != nil {
		result.Error = fmt.Errorf("failed to open %s connection: %w", cfg.Dialect, err)
		result.Duration = time.Since(start)
		return result, nil
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		result.Error = fmt.Errorf("failed to connect to %s: %w", cfg.Dialect, err)
		result.Duration = time.Since(start)
		return result, nil
	}

	table, err := readTable(ctx, db, query)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}
	result.Table = table

	s.logger.Info().
		Str("dialect", cfg.Dialect).
		Int("columns", len(table.Columns)).
		Int("rows", len(table.Rows)).
		Dur("duration", result.Duration).
		Msg("query completed")

	return result, nil
}

func readTable(ctx context.Context, db *sql.DB, query string) (*models.Table, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	decimals := make([]bool, len(columns))
	if types, err := rows.ColumnTypes(); err == nil {
		for i, ct := range types {
			decimals[i] = isDecimal(ct.DatabaseTypeName())
		}
	}

	table := &models.Table{Columns: columns, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row %d: %w", len(table.Rows)+1, err)
		}
		for i, v := range values {
			values[i] = normalize(v, decimals[i])
		}
		table.Rows = append(table.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return table, nil
}

// normalize turns driver byte slices into text so they land in the
// spreadsheet as strings rather than byte arrays. DECIMAL and NUMERIC
// values arrive as text from both drivers and are parsed so the cell is
// numeric; NaN, infinities and out-of-range values stay text.
func normalize(v any, decimal bool) any {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if s, ok := v.(string); ok && decimal {
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f
		}
	}
	return v
}

func isDecimal(typeName string) bool {
	name, _, _ := strings.Cut(strings.ToUpper(typeName), "(")
	switch strings.TrimSpace(name) {
	case "DECIMAL", "NUMERIC", "NEWDECIMAL":
		return true
	}
	return false
}
