package challenge

import (
	"context"
	"database/sql"
	"errors"
	"time"

	database "github.com/Armour007/aura-captcha/internal"
	"github.com/jmoiron/sqlx"
)

// SQLStore keeps challenges in captcha_challenges.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore uses db, or the shared connection when db is nil.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	if db == nil {
		db = database.DB
	}
	return &SQLStore{db: db}
}

func (s *SQLStore) Create(ctx context.Context, c Challenge) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO captcha_challenges (id, answer, expires_at, attempts, max_attempts, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		c.ID, c.Answer, c.ExpiresAt, c.Attempts, c.MaxAttempts, c.CreatedAt)
	return err
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Challenge, error) {
	var c Challenge
	err := s.db.GetContext(ctx, &c, `SELECT id, answer, expires_at, used_at, attempts, max_attempts, created_at FROM captcha_challenges WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLStore) IncrementAttempts(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE captcha_challenges SET attempts = attempts + 1 WHERE id=$1 AND attempts < max_attempts AND used_at IS NULL`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM captcha_challenges WHERE id=$1`, id)
	return err
}

func (s *SQLStore) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE captcha_challenges SET used_at=$2 WHERE id=$1 AND used_at IS NULL`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM captcha_challenges WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
