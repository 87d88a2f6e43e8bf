package policy

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func settingsRow(s Settings) *sqlmock.Rows {
	chain, _ := s.FallbackChain.Value()
	ips, _ := s.ExemptIPs.Value()
	str := func(p *string) driver.Value {
		if p == nil {
			return nil
		}
		return *p
	}
	return sqlmock.NewRows(settingsColumns).AddRow(
		s.ID, s.Version, s.Enabled, string(s.Mode), string(s.DefaultProvider), chain,
		s.TurnstileEnabled, s.RecaptchaV3Enabled, s.RecaptchaV2Enabled, s.HCaptchaEnabled, s.CustomEnabled,
		str(s.TurnstileSiteKey), str(s.RecaptchaV3SiteKey), str(s.RecaptchaV2SiteKey), str(s.HCaptchaSiteKey),
		s.CustomCodeLength, s.CustomTTLSeconds, s.CustomMaxAttempts, s.CustomEndpoint,
		s.RequireLogin, s.RequireRegistration, s.RequireComment, s.RequireContact, s.RequirePasswordReset, s.RequireNewsletter,
		s.MinScore, s.MaxFailedAttempts, s.LockoutMinutes,
		s.ExemptAuthenticated, s.ExemptAdmins, ips,
		s.Theme, s.Size, str(s.UpdatedBy), s.UpdatedAt,
	)
}

func newMockRepo(t *testing.T) (*SQLRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("error creating sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := NewSQLRepository(sqlx.NewDb(db, "sqlmock"))
	repo.now = func() time.Time { return time.Unix(1730200000, 0) }
	return repo, mock
}

func TestSQLLoadOrCreateExisting(t *testing.T) {
	repo, mock := newMockRepo(t)
	s := Defaults()
	s.Version = 7
	s.ExemptIPs = StringList{"10.0.0.0/8"}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, version, captcha_enabled")).
		WithArgs(1).
		WillReturnRows(settingsRow(s))

	got, err := repo.LoadOrCreate(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Version != 7 || len(got.ExemptIPs) != 1 || got.ExemptIPs[0] != "10.0.0.0/8" {
		t.Fatalf("unexpected row: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLLoadOrCreateInsertsDefaults(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, version")).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows(settingsColumns))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO captcha_settings")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, version")).
		WithArgs(1).
		WillReturnRows(settingsRow(Defaults()))

	got, err := repo.LoadOrCreate(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Version != 1 || got.MaxFailedAttempts != 5 {
		t.Fatalf("unexpected defaults: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLLoadOrCreatePropagatesError(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, version")).
		WillReturnError(errors.New("connection refused"))
	if _, err := repo.LoadOrCreate(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSQLUpdateLocksAndBumpsVersion(t *testing.T) {
	repo, mock := newMockRepo(t)
	cur := Defaults()
	cur.Version = 3

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, version")).
		WithArgs(1).
		WillReturnRows(settingsRow(cur))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, version.* FROM captcha_settings WHERE id=\$1 FOR UPDATE`).
		WithArgs(1).
		WillReturnRows(settingsRow(cur))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE captcha_settings SET version=")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	off := false
	got, err := repo.Update(context.Background(), Patch{HCaptchaEnabled: &off, Enabled: &off}, "ops")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Version != 4 || got.Enabled || got.UpdatedBy == nil || *got.UpdatedBy != "ops" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLUpdateRollsBackOnFailure(t *testing.T) {
	repo, mock := newMockRepo(t)
	cur := Defaults()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, version")).WillReturnRows(settingsRow(cur))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).WillReturnRows(settingsRow(cur))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE captcha_settings")).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	on := true
	if _, err := repo.Update(context.Background(), Patch{Enabled: &on}, ""); err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
