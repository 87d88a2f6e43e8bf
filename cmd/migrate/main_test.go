package main

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func TestGooseUpSection(t *testing.T) {
	src := "-- +goose Up\nCREATE TABLE a (id int);\nCREATE TABLE b (id int);\n-- +goose Down\nDROP TABLE a;\n"
	up := gooseUp(src)
	if strings.Contains(up, "DROP") || !strings.Contains(up, "CREATE TABLE b") {
		t.Fatalf("up = %q", up)
	}
	if got := splitStatements(up); len(got) != 2 {
		t.Fatalf("statements = %v", got)
	}
	if gooseUp("SELECT 1;") != "SELECT 1;" {
		t.Fatalf("files without markers are all Up")
	}
}

func TestCaptchaMigrationCreatesTables(t *testing.T) {
	up, err := extractGooseUp(filepath.Join("..", "..", "db", "migrations", "0001_captcha.sql"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, table := range []string{"captcha_settings", "captcha_attempts", "captcha_challenges"} {
		if !strings.Contains(up, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("missing %s", table)
		}
	}
}

func TestMigrateSkipsApplied(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "0001_a.sql"), []byte("-- +goose Up\nCREATE TABLE a (id int);\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "0002_b.sql"), []byte("-- +goose Up\nCREATE TABLE b (id int);\n-- +goose Down\nDROP TABLE b;\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer sqlDB.Close()
	db := sqlx.NewDb(sqlDB, "sqlmock")

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("0001_a.sql"))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE b (id int)")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations")).
		WithArgs("0002_b.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := migrate(db, dir)
	if err != nil || n != 1 {
		t.Fatalf("migrate: n=%d err=%v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
