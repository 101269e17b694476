package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/kjstillabower/heatpump-dashboard/internal/models"
)

// Dialect selects the SQL flavour used by SQLCache.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

type dialectSQL struct {
	schema string
	get    string
	upsert string
}

var dialects = map[Dialect]dialectSQL{
	DialectSQLite: {
		schema: `
	CREATE TABLE IF NOT EXISTS series_cache (
		cache_key  TEXT PRIMARY KEY,
		payload    BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL
	);`,
		get: `SELECT payload FROM series_cache WHERE cache_key = ?;`,
		upsert: `
	INSERT OR REPLACE INTO series_cache (cache_key, payload, created_at)
	VALUES (?, ?, ?);`,
	},
	DialectPostgres: {
		schema: `
	CREATE TABLE IF NOT EXISTS series_cache (
		cache_key  TEXT PRIMARY KEY,
		payload    BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);`,
		get: `SELECT payload FROM series_cache WHERE cache_key = $1;`,
		upsert: `
	INSERT INTO series_cache (cache_key, payload, created_at)
	VALUES ($1, $2, $3)
	ON CONFLICT (cache_key) DO UPDATE
	SET payload = EXCLUDED.payload,
		created_at = EXCLUDED.created_at;`,
	},
}

// SQLCache is a SQL-backed series cache. The sqlite dialect gives a
// file-backed cache that survives restarts; postgres lets several replicas share one.
type SQLCache struct {
	DB      *sql.DB
	dialect dialectSQL
}

// NewSQLCache wraps db and creates the series_cache table if missing.
func NewSQLCache(ctx context.Context, db *sql.DB, d Dialect) (*SQLCache, error) {
	if db == nil {
		return nil, errors.New("series cache: db is nil")
	}
	ds, ok := dialects[d]
	if !ok {
		return nil, fmt.Errorf("series cache: unknown dialect %d", d)
	}
	if _, err := db.ExecContext(ctx, ds.schema); err != nil {
		return nil, fmt.Errorf("series cache: create table: %w", err)
	}
	return &SQLCache{DB: db, dialect: ds}, nil
}

// OpenSQLite opens (or creates) a sqlite database at path. ":memory:" works for tests.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("openDB: open sqlite database: %w", err)
	}
	// one connection: sqlite serializes writers, and ":memory:" is per connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("openDB: verify sqlite database: %w", err)
	}
	return db, nil
}

// OpenPostgres opens a pgx-backed database/sql handle for databaseURL.
func OpenPostgres(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("openDB: open postgres database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("openDB: verify postgres connection: %w", err)
	}
	return db, nil
}

func (s *SQLCache) Get(ctx context.Context, key string) (models.TemperatureSeries, bool, error) {
	var raw []byte
	err := s.DB.QueryRowContext(ctx, s.dialect.get, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TemperatureSeries{}, false, nil
	}
	if err != nil {
		return models.TemperatureSeries{}, false, fmt.Errorf("get series cache: query series_cache: %w", err)
	}
	v, err := decodeSeries(raw)
	if err != nil {
		return models.TemperatureSeries{}, false, err
	}
	return v, true, nil
}

func (s *SQLCache) Set(ctx context.Context, key string, value models.TemperatureSeries) error {
	raw, err := encodeSeries(value)
	if err != nil {
		return err
	}
	if _, err := s.DB.ExecContext(ctx, s.dialect.upsert, key, raw, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert series cache key=%q: %w", key, err)
	}
	return nil
}

func (s *SQLCache) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

func (s *SQLCache) Close() error {
	return s.DB.Close()
}
