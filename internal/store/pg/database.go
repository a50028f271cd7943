package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/lenscloud/lenscloud/internal/config"
	"github.com/lenscloud/lenscloud/internal/errors"
	"github.com/lenscloud/lenscloud/internal/store"
)

// Database is the Postgres-backed Store implementation.
type Database struct {
	DB *sql.DB
}

// InitDatabase opens the connection pool and runs migrations.
func InitDatabase(databaseURL string) (*Database, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.AppConfig.DBMaxOpenConns)
	db.SetMaxIdleConns(config.AppConfig.DBMaxIdleConns)
	db.SetConnMaxIdleTime(time.Duration(config.AppConfig.DBConnMaxIdleTime) * time.Minute)
	db.SetConnMaxLifetime(time.Duration(config.AppConfig.DBConnMaxLifetime) * time.Minute)

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Run migrations
	if err := RunMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Database{DB: db}, nil
}

var _ store.Store = (*Database)(nil)

// GetUser loads a user record by stable identity.
func (d *Database) GetUser(ctx context.Context, userID string) (*store.User, error) {
	row := d.DB.QueryRowContext(ctx,
		`SELECT id, name, email FROM users WHERE id = $1`, userID)

	var u store.User
	if err := row.Scan(&u.ID, &u.Name, &u.Email); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("user " + userID)
		}
		return nil, errors.Newf(errors.KindTransient, "get user: %v", err)
	}
	return &u, nil
}

// GetApp loads an App manifest by package name.
func (d *Database) GetApp(ctx context.Context, packageName string) (*store.App, error) {
	row := d.DB.QueryRowContext(ctx,
		`SELECT package_name, name, webhook_url, COALESCE(settings, '{}'::jsonb)
		 FROM apps WHERE package_name = $1`, packageName)

	var a store.App
	var settings []byte
	if err := row.Scan(&a.PackageName, &a.Name, &a.WebhookURL, &settings); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("app " + packageName)
		}
		return nil, errors.Newf(errors.KindTransient, "get app: %v", err)
	}

	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &a.Settings); err != nil {
			return nil, errors.Newf(errors.KindTransient, "decode app settings: %v", err)
		}
	}
	return &a, nil
}

// ValidateAPIKey checks the App's hashed API key.
func (d *Database) ValidateAPIKey(ctx context.Context, packageName, apiKey string) (bool, error) {
	row := d.DB.QueryRowContext(ctx,
		`SELECT EXISTS(
		   SELECT 1 FROM apps
		   WHERE package_name = $1 AND api_key_hash = encode(sha256($2::bytea), 'hex')
		 )`, packageName, apiKey)

	var ok bool
	if err := row.Scan(&ok); err != nil {
		return false, errors.Newf(errors.KindTransient, "validate api key: %v", err)
	}
	return ok, nil
}

// TouchLastActive records App usage per (user, package).
func (d *Database) TouchLastActive(ctx context.Context, userID, packageName string) error {
	_, err := d.DB.ExecContext(ctx,
		`INSERT INTO app_activity (user_id, package_name, last_active_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (user_id, package_name) DO UPDATE SET last_active_at = now()`,
		userID, packageName)
	if err != nil {
		return errors.Newf(errors.KindTransient, "touch last active: %v", err)
	}
	return nil
}
