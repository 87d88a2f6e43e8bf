package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	database "github.com/Armour007/aura-captcha/internal"
	"github.com/jmoiron/sqlx"
)

// SQLLedger stores attempts in captcha_attempts.
type SQLLedger struct {
	db *sqlx.DB
}

// NewSQL uses db, or the shared connection when db is nil.
func NewSQL(db *sqlx.DB) *SQLLedger {
	if db == nil {
		db = database.DB
	}
	return &SQLLedger{db: db}
}

func (l *SQLLedger) Append(ctx context.Context, a Attempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `INSERT INTO captcha_attempts (client_ip, provider, success, score, service, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		a.ClientIP, a.Provider, a.Success, a.Score, a.Service, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	return nil
}

func (l *SQLLedger) CountFailures(ctx context.Context, ip string, since time.Time) (int, error) {
	var n int
	err := l.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM captcha_attempts WHERE client_ip=$1 AND success=false AND created_at >= $2`, ip, since)
	return n, err
}

func (l *SQLLedger) OldestFailure(ctx context.Context, ip string, since time.Time) (time.Time, bool, error) {
	var at sql.NullTime
	err := l.db.GetContext(ctx, &at, `SELECT MIN(created_at) FROM captcha_attempts WHERE client_ip=$1 AND success=false AND created_at >= $2`, ip, since)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at.Time, at.Valid, nil
}

func (l *SQLLedger) CountLockedOutIPs(ctx context.Context, since time.Time, threshold int) (int, error) {
	if threshold <= 0 {
		return 0, nil
	}
	var n int
	err := l.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM (SELECT client_ip FROM captcha_attempts WHERE success=false AND created_at >= $1 GROUP BY client_ip HAVING COUNT(*) >= $2) locked`, since, threshold)
	return n, err
}

func (l *SQLLedger) Stats(ctx context.Context, since, lockoutSince time.Time, threshold int) (Stats, error) {
	var st Stats
	var totals struct {
		Total   int64 `db:"total"`
		Success int64 `db:"success"`
	}
	if err := l.db.GetContext(ctx, &totals, `SELECT COUNT(*) AS total, COUNT(*) FILTER (WHERE success) AS success FROM captcha_attempts WHERE created_at >= $1`, since); err != nil {
		return st, fmt.Errorf("attempt totals: %w", err)
	}
	st.Total, st.Success = totals.Total, totals.Success
	if err := l.db.SelectContext(ctx, &st.ByProvider, `SELECT provider, COUNT(*) AS total, COUNT(*) FILTER (WHERE success) AS success, COUNT(*) FILTER (WHERE NOT success) AS failed FROM captcha_attempts WHERE created_at >= $1 GROUP BY provider ORDER BY total DESC`, since); err != nil {
		return st, fmt.Errorf("attempts by provider: %w", err)
	}
	locked, err := l.CountLockedOutIPs(ctx, lockoutSince, threshold)
	if err != nil {
		return st, fmt.Errorf("locked out ips: %w", err)
	}
	st.LockedOutIPs = locked
	finishStats(&st)
	return st, nil
}

func (l *SQLLedger) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM captcha_attempts WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
