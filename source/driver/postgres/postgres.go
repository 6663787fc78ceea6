// Package postgres is the relational database connector: it discovers
// tables at run time and streams their rows as polymorphic entities, so
// databases with arbitrary schemas sync without per-table entity types.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // Registers the "pgx" driver.
	log "github.com/sirupsen/logrus"

	"github.com/airweave-ai/sync-engine/entity"
	"github.com/airweave-ai/sync-engine/source"
)

// Config selects what to sync. Empty Tables means every table of the
// schema.
type Config struct {
	Schema string   `json:"schema,omitempty" yaml:"schema"`
	Tables []string `json:"tables,omitempty" yaml:"tables"`
}

func (c Config) schema() string {
	if c.Schema != "" {
		return c.Schema
	}
	return "public"
}

// Source streams database rows.
type Source struct {
	source.Base
	dsn    string
	config Config
}

// NewFactory returns the registry factory for this connector.
// Credentials carry the DSN.
func NewFactory() source.Factory {
	return func(credentials, config json.RawMessage) (source.Source, error) {
		var creds struct {
			DSN string `json:"dsn"`
		}
		if err := json.Unmarshal(credentials, &creds); err != nil {
			return nil, fmt.Errorf("parsing postgres credentials: %w", err)
		}
		if creds.DSN == "" {
			return nil, fmt.Errorf("postgres credentials are missing a dsn")
		}
		var cfg Config
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, fmt.Errorf("parsing postgres config: %w", err)
			}
		}
		return New(creds.DSN, cfg), nil
	}
}

func New(dsn string, config Config) *Source {
	return &Source{dsn: dsn, config: config}
}

func (s *Source) Name() string { return "postgres" }

func (s *Source) open() (*sql.DB, error) {
	var db, err = sql.Open("pgx", s.dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

func (s *Source) Validate(ctx context.Context) error {
	var db, err = s.open()
	if err != nil {
		return err
	}
	defer db.Close()
	if err = db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

func (s *Source) GenerateEntities(ctx context.Context) <-chan source.Result {
	var out = make(chan source.Result)
	go func() {
		defer close(out)

		var db, err = s.open()
		if err != nil {
			out <- source.Result{Err: err}
			return
		}
		defer db.Close()

		var tables = s.config.Tables
		if len(tables) == 0 {
			if tables, err = s.discoverTables(ctx, db); err != nil {
				out <- source.Result{Err: err}
				return
			}
		}

		for _, table := range tables {
			if err = s.streamTable(ctx, db, table, out); err != nil {
				out <- source.Result{Err: err}
				return
			}
		}
	}()
	return out
}

func (s *Source) discoverTables(ctx context.Context, db *sql.DB) ([]string, error) {
	var rows, err = db.QueryContext(ctx,
		`SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE' ORDER BY table_name`,
		s.config.schema())
	if err != nil {
		return nil, fmt.Errorf("discovering tables: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// keyColumns reads the table's primary key column names, in key order.
func (s *Source) keyColumns(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	var rows, err = db.QueryContext(ctx,
		`SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = $1 AND tc.table_name = $2
			AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY kcu.ordinal_position`,
		s.config.schema(), table)
	if err != nil {
		return nil, fmt.Errorf("reading key columns of %s: %w", table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *Source) streamTable(ctx context.Context, db *sql.DB, table string, out chan<- source.Result) error {
	var keys, err = s.keyColumns(ctx, db, table)
	if err != nil {
		return err
	}
	s.Logger().WithFields(log.Fields{
		"table": table,
		"keys":  keys,
	}).Info("streaming table")

	// Identifiers can't be parameterized; they come from
	// information_schema or operator config, and are quoted.
	var rows *sql.Rows
	if rows, err = db.QueryContext(ctx, fmt.Sprintf(
		`SELECT * FROM %s.%s`, quoteIdent(s.config.schema()), quoteIdent(table))); err != nil {
		return fmt.Errorf("reading table %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	if cols, err = rows.Columns(); err != nil {
		return err
	}

	var ordinal int64
	for rows.Next() {
		var vals = make([]any, len(cols))
		var ptrs = make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err = rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scanning row of %s: %w", table, err)
		}

		var fields = make(map[string]any, len(cols))
		for i, col := range cols {
			fields[col] = normalize(vals[i])
		}
		ordinal++

		var e = &entity.Polymorphic{
			Base:       entity.Base{ID: rowID(table, keys, fields, ordinal)},
			Schema:     s.config.schema(),
			Table:      table,
			KeyColumns: keys,
			Fields:     fields,
		}
		select {
		case out <- source.Result{Entity: e}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return rows.Err()
}

// rowID derives a stable entity ID from the primary key values, falling
// back to the row's ordinal for keyless tables.
func rowID(table string, keys []string, fields map[string]any, ordinal int64) string {
	if len(keys) == 0 {
		return fmt.Sprintf("%s/%d", table, ordinal)
	}
	var parts = make([]string, 0, len(keys)+1)
	parts = append(parts, table)
	for _, k := range keys {
		parts = append(parts, fmt.Sprint(fields[k]))
	}
	return strings.Join(parts, "/")
}

// normalize folds driver-specific scan types into JSON-friendly values.
func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	default:
		return v
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
