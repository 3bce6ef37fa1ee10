package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"kestrel-eim/config"
	"kestrel-eim/core/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// DB is the database handle together with the dialect it speaks. Queries in
// the stores are written with ? placeholders and rebound per dialect.
type DB struct {
	*sql.DB
	dialect string
}

func (d *DB) Dialect() string {
	return d.dialect
}

// Rebind rewrites ? placeholders into the $1..$n form postgres expects.
// SQLite queries pass through untouched. Query text never contains a literal
// question mark outside a placeholder position.
func (d *DB) Rebind(query string) string {
	if d.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// NewDB opens the configured database. The default driver is the CGO-free
// sqlite build; postgres deployments go through pgx.
func NewDB(cfg *config.AppConfig, logger *utils.Logger) (*DB, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg.DBURL, logger)
	case "postgres", "pgx":
		db, err := sql.Open("pgx", cfg.DBURL)
		if err != nil {
			return nil, err
		}
		return &DB{DB: db, dialect: DialectPostgres}, nil
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.DBDriver)
	}
}

func openSQLite(path string, logger *utils.Logger) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Serialized writes keep the sequence counter upsert race-free.
	db.SetMaxOpenConns(1)
	if logger != nil {
		logger.Debugf("sqlite open %s", path)
	}
	return &DB{DB: db, dialect: DialectSQLite}, nil
}
