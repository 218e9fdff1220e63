package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// DB wraps the SQL connection of the authority's persistence layer.
type DB struct {
	conn    *sql.DB
	dialect string
}

// Open connects to driver ("sqlite", "postgres" or "mysql") and runs the
// migrations. For sqlite, dsn is a file path or ":memory:".
func Open(driver, dsn string) (*DB, error) {
	var (
		conn *sql.DB
		err  error
	)
	switch driver {
	case DriverSQLite:
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
		conn, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite only supports one writer; a single connection also keeps
		// ":memory:" databases alive across calls
		conn.SetMaxOpenConns(1)
	case DriverPostgres, DriverMySQL:
		conn, err = sql.Open(driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", driver, err)
		}
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	db := &DB{conn: conn, dialect: driver}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

func (db *DB) Dialect() string {
	return db.dialect
}

// rebind rewrites ? placeholders as $1, $2, ... for postgres.
func (db *DB) rebind(query string) string {
	if db.dialect != DriverPostgres {
		return query
	}
	var b strings.Builder
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

func (db *DB) exec(query string, args ...any) (sql.Result, error) {
	return db.conn.Exec(db.rebind(query), args...)
}

func (db *DB) query(query string, args ...any) (*sql.Rows, error) {
	return db.conn.Query(db.rebind(query), args...)
}

func (db *DB) queryRow(query string, args ...any) *sql.Row {
	return db.conn.QueryRow(db.rebind(query), args...)
}

func (db *DB) migrate() error {
	floatType := "REAL"
	switch db.dialect {
	case DriverPostgres:
		floatType = "DOUBLE PRECISION"
	case DriverMySQL:
		floatType = "DOUBLE"
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS boards (
			id VARCHAR(64) PRIMARY KEY,
			name TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS elements (
			id VARCHAR(64) PRIMARY KEY,
			board_id VARCHAR(64) NOT NULL,
			type VARCHAR(32) NOT NULL,
			x ` + floatType + ` NOT NULL DEFAULT 0,
			y ` + floatType + ` NOT NULL DEFAULT 0,
			width ` + floatType + ` NOT NULL DEFAULT 0,
			height ` + floatType + ` NOT NULL DEFAULT 0,
			z INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL DEFAULT 0,
			temp_id VARCHAR(64) NOT NULL DEFAULT '',
			data_json TEXT NOT NULL
		)`,
		// "groups" is reserved in MySQL 8
		`CREATE TABLE IF NOT EXISTS element_groups (
			id VARCHAR(64) PRIMARY KEY,
			board_id VARCHAR(64) NOT NULL,
			element_ids_json TEXT NOT NULL
		)`,
	}
	if db.dialect == DriverMySQL {
		// no CREATE INDEX IF NOT EXISTS; the error for an existing index is ignored below
		migrations = append(migrations,
			`CREATE INDEX idx_elements_board ON elements(board_id)`,
			`CREATE INDEX idx_groups_board ON element_groups(board_id)`,
		)
	} else {
		migrations = append(migrations,
			`CREATE INDEX IF NOT EXISTS idx_elements_board ON elements(board_id)`,
			`CREATE INDEX IF NOT EXISTS idx_groups_board ON element_groups(board_id)`,
		)
	}

	for _, m := range migrations {
		if _, err := db.conn.Exec(m); err != nil {
			if db.dialect == DriverMySQL && strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return fmt.Errorf("migration failed: %s: %w", firstLine(m), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
