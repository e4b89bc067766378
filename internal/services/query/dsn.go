package query

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/fgeck/sqlrelay/internal/models"
	"github.com/go-sql-driver/mysql"
)

// Driver names registered with database/sql.
const (
	DriverPgx   = "pgx"
	DriverMySQL = "mysql"
)

// LoopbackHost is where every tunneled database is reached.
const LoopbackHost = "127.0.0.1"

// DriverAndDSN returns the database/sql driver and DSN for a database reached
// through a local tunnel on port.
func DriverAndDSN(cfg models.DatabaseConfig, port int) (string, string, error) {
	switch cfg.Dialect {
	case models.DialectRedshift, models.DialectPostgres:
		q := url.Values{}
		q.Set("sslmode", "prefer")
		if cfg.Dialect == models.DialectRedshift {
			// Redshift rejects parts of the extended protocol pgx uses by default.
			q.Set("default_query_exec_mode", "simple_protocol")
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.Username, cfg.Password),
			Host:     net.JoinHostPort(LoopbackHost, strconv.Itoa(port)),
			Path:     "/" + cfg.Database,
			RawQuery: q.Encode(),
		}
		return DriverPgx, u.String(), nil

	case models.DialectMySQL:
		mc := mysql.NewConfig()
		mc.User = cfg.Username
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(LoopbackHost, strconv.Itoa(port))
		mc.DBName = cfg.Database
		mc.ParseTime = true
		return DriverMySQL, mc.FormatDSN(), nil

	default:
		return "", "", fmt.Errorf("unsupported dialect %q", cfg.Dialect)
	}
}
