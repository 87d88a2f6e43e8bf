package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	database "github.com/Armour007/aura-captcha/internal"
	"github.com/Armour007/aura-captcha/internal/config"
	"github.com/Armour007/aura-captcha/internal/logging"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Development())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Connect(cfg.DSN())
	if err != nil {
		logger.Fatal("database unavailable", zap.Error(err))
	}
	defer database.Close()

	dir := os.Getenv("AURA_MIGRATIONS_DIR")
	if dir == "" {
		dir = filepath.Join("db", "migrations")
	}
	n, err := migrate(db, dir)
	if err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("migrations applied", zap.Int("count", n), zap.String("dir", dir))
}

// migrate applies every not-yet-recorded file in dir, in name order.
func migrate(db *sqlx.DB, dir string) (int, error) {
	if err := ensureMigrationsTable(db); err != nil {
		return 0, err
	}
	files, err := collectSQLFiles(dir)
	if err != nil {
		return 0, err
	}
	applied, err := getAppliedMigrations(db)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, f := range files {
		name := filepath.Base(f)
		if applied[name] {
			continue
		}
		upSQL, err := extractGooseUp(f)
		if err != nil {
			return count, fmt.Errorf("extract Up section from %s: %w", name, err)
		}
		if strings.TrimSpace(upSQL) != "" {
			zap.L().Info("applying migration", zap.String("file", name))
			if err := execStatements(db, upSQL); err != nil {
				return count, fmt.Errorf("migration %s: %w", name, err)
			}
		}
		if err := markApplied(db, name); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func ensureMigrationsTable(db *sqlx.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS schema_migrations (
            version TEXT PRIMARY KEY,
            applied_at timestamptz NOT NULL DEFAULT now()
        )
    `)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}
	return nil
}

func getAppliedMigrations(db *sqlx.DB) (map[string]bool, error) {
	var versions []string
	if err := db.Select(&versions, "SELECT version FROM schema_migrations"); err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	applied := make(map[string]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

func markApplied(db *sqlx.DB, version string) error {
	_, err := db.Exec("INSERT INTO schema_migrations(version, applied_at) VALUES ($1, $2) ON CONFLICT (version) DO NOTHING", version, time.Now())
	if err != nil {
		return fmt.Errorf("mark migration %s applied: %w", version, err)
	}
	return nil
}

func collectSQLFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(strings.ToLower(d.Name()), ".sql") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func extractGooseUp(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return gooseUp(string(b)), nil
}

// gooseUp returns the text between "-- +goose Up" and "-- +goose Down".
// Files without markers are treated as all Up.
func gooseUp(content string) string {
	lower := strings.ToLower(content)
	upIdx := strings.Index(lower, "-- +goose up")
	if upIdx == -1 {
		return content
	}
	rest := content[upIdx:]
	if nl := strings.Index(rest, "\n"); nl != -1 {
		rest = rest[nl+1:]
	} else {
		rest = ""
	}
	if down := strings.Index(strings.ToLower(rest), "-- +goose down"); down != -1 {
		rest = rest[:down]
	}
	return rest
}

// splitStatements splits on ';'. Migrations here contain no function bodies.
func splitStatements(sql string) []string {
	var out []string
	for _, raw := range strings.Split(sql, ";") {
		if stmt := strings.TrimSpace(raw); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// execStatements runs each statement, ignoring benign "already exists" errors.
func execStatements(db *sqlx.DB, sql string) error {
	for _, stmt := range splitStatements(sql) {
		if _, err := db.Exec(stmt); err != nil {
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate") {
				zap.L().Warn("ignoring idempotent migration error", zap.String("statement", short(stmt)), zap.Error(err))
				continue
			}
			return fmt.Errorf("statement failed: %w", err)
		}
	}
	return nil
}

func short(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
