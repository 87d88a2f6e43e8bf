package database

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DB holds the database connection pool shared by the SQL-backed stores.
var DB *sqlx.DB

// Connect opens and pings the Postgres pool and stores it in DB.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	DB = db
	zap.L().Info("connected to database")
	return db, nil
}

// Close releases the shared pool, if any.
func Close() {
	if DB == nil {
		return
	}
	if err := DB.Close(); err != nil {
		zap.L().Warn("closing database", zap.Error(err))
	}
	DB = nil
}
