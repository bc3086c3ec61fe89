// Package sqlite provides a SQLite-based ConfigStore implementation.
// Connector params and profile member lists are stored as JSON columns.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"cruncher/internal/config"
)

const serverSettingKey = "server"

// Store is a SQLite-based ConfigStore implementation.
type Store struct {
	db   *sql.DB
	path string
}

var _ config.Store = (*Store)(nil)

// NewStore opens a SQLite database at path and runs migrations.
func NewStore(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create config directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads the full configuration. Returns nil if all tables are empty.
func (s *Store) Load(ctx context.Context) (*config.Config, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT count(*) FROM connectors)
		     + (SELECT count(*) FROM profiles)
		     + (SELECT count(*) FROM settings)
	`).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}
	if count == 0 {
		return nil, nil
	}

	connectors, err := s.ListConnectors(ctx)
	if err != nil {
		return nil, err
	}
	profiles, err := s.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}
	server, err := s.serverConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &config.Config{Connectors: connectors, Profiles: profiles, Server: server}, nil
}

// Save replaces every row with the contents of cfg in one transaction.
func (s *Store) Save(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		cfg = &config.Config{}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"connectors", "profiles", "settings"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	for _, cc := range cfg.Connectors {
		if err := putConnector(ctx, tx, cc); err != nil {
			return err
		}
	}
	for name, p := range cfg.Profiles {
		if err := putProfile(ctx, tx, name, p); err != nil {
			return err
		}
	}
	if cfg.Server != (config.ServerConfig{}) {
		data, err := json.Marshal(cfg.Server)
		if err != nil {
			return fmt.Errorf("marshal server config: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO settings (key, value) VALUES (?, ?)", serverSettingKey, string(data)); err != nil {
			return fmt.Errorf("put server config: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) serverConfig(ctx context.Context) (config.ServerConfig, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM settings WHERE key = ?", serverSettingKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return config.ServerConfig{}, nil
	}
	if err != nil {
		return config.ServerConfig{}, fmt.Errorf("get server config: %w", err)
	}
	var sc config.ServerConfig
	if err := json.Unmarshal([]byte(raw), &sc); err != nil {
		return config.ServerConfig{}, fmt.Errorf("parse server config: %w", err)
	}
	return sc, nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Connectors

func (s *Store) ListConnectors(ctx context.Context) ([]config.ConnectorConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, type, params FROM connectors ORDER BY position")
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []config.ConnectorConfig
	for rows.Next() {
		var (
			cc     config.ConnectorConfig
			params string
		)
		if err := rows.Scan(&cc.Name, &cc.Type, &params); err != nil {
			return nil, fmt.Errorf("scan connector: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &cc.Params); err != nil {
			return nil, fmt.Errorf("parse params of connector %q: %w", cc.Name, err)
		}
		result = append(result, cc)
	}
	return result, rows.Err()
}

func (s *Store) PutConnector(ctx context.Context, cc config.ConnectorConfig) error {
	return putConnector(ctx, s.db, cc)
}

// putConnector upserts by name; an existing connector keeps its position.
func putConnector(ctx context.Context, db execer, cc config.ConnectorConfig) error {
	params, err := json.Marshal(cc.Params)
	if err != nil {
		return fmt.Errorf("marshal params of connector %q: %w", cc.Name, err)
	}
	if cc.Params == nil {
		params = []byte("{}")
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO connectors (name, type, params)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			type = excluded.type,
			params = excluded.params
	`, cc.Name, cc.Type, string(params))
	if err != nil {
		return fmt.Errorf("put connector %q: %w", cc.Name, err)
	}
	return nil
}

func (s *Store) DeleteConnector(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM connectors WHERE name = ?", name); err != nil {
		return fmt.Errorf("delete connector %q: %w", name, err)
	}
	return nil
}

// Profiles

func (s *Store) ListProfiles(ctx context.Context) (map[string]config.ProfileConfig, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, connectors FROM profiles")
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result map[string]config.ProfileConfig
	for rows.Next() {
		var name, members string
		if err := rows.Scan(&name, &members); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		var p config.ProfileConfig
		if err := json.Unmarshal([]byte(members), &p.Connectors); err != nil {
			return nil, fmt.Errorf("parse profile %q: %w", name, err)
		}
		if result == nil {
			result = make(map[string]config.ProfileConfig)
		}
		result[name] = p
	}
	return result, rows.Err()
}

func (s *Store) PutProfile(ctx context.Context, name string, p config.ProfileConfig) error {
	return putProfile(ctx, s.db, name, p)
}

func putProfile(ctx context.Context, db execer, name string, p config.ProfileConfig) error {
	members := p.Connectors
	if members == nil {
		members = []string{}
	}
	data, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("marshal profile %q: %w", name, err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO profiles (name, connectors)
		VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET connectors = excluded.connectors
	`, name, string(data))
	if err != nil {
		return fmt.Errorf("put profile %q: %w", name, err)
	}
	return nil
}

func (s *Store) DeleteProfile(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM profiles WHERE name = ?", name); err != nil {
		return fmt.Errorf("delete profile %q: %w", name, err)
	}
	return nil
}
