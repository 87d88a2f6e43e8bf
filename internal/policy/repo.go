package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	database "github.com/Armour007/aura-captcha/internal"
	"github.com/jmoiron/sqlx"
)

// Repository persists the singleton policy row.
type Repository interface {
	// LoadOrCreate returns the row, inserting Defaults when none exists.
	LoadOrCreate(ctx context.Context) (*Settings, error)
	// Update applies patch and bumps the version. editor may be empty.
	Update(ctx context.Context, patch Patch, editor string) (*Settings, error)
}

const settingsID = 1

var settingsColumns = []string{
	"id", "version", "captcha_enabled", "mode", "default_provider", "fallback_chain",
	"turnstile_enabled", "recaptcha_v3_enabled", "recaptcha_v2_enabled", "hcaptcha_enabled", "custom_enabled",
	"turnstile_site_key", "recaptcha_v3_site_key", "recaptcha_v2_site_key", "hcaptcha_site_key",
	"custom_code_length", "custom_ttl_seconds", "custom_max_attempts", "custom_endpoint",
	"require_login", "require_registration", "require_comment", "require_contact", "require_password_reset", "require_newsletter",
	"min_score", "max_failed_attempts", "lockout_minutes",
	"exempt_authenticated", "exempt_admins", "exempt_ips",
	"theme", "widget_size", "updated_by", "updated_at",
}

var (
	selectSettingsSQL = `SELECT ` + strings.Join(settingsColumns, ", ") + ` FROM captcha_settings WHERE id=$1`
	insertSettingsSQL = `INSERT INTO captcha_settings (` + strings.Join(settingsColumns, ", ") + `) VALUES (:` +
		strings.Join(settingsColumns, ", :") + `) ON CONFLICT (id) DO NOTHING`
	updateSettingsSQL = buildUpdateSQL()
)

func buildUpdateSQL() string {
	sets := make([]string, 0, len(settingsColumns))
	for _, c := range settingsColumns {
		if c == "id" {
			continue
		}
		sets = append(sets, c+"=:"+c)
	}
	return `UPDATE captcha_settings SET ` + strings.Join(sets, ", ") + ` WHERE id=:id`
}

// SQLRepository stores the policy in the captcha_settings table.
type SQLRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLRepository uses db, or the shared connection when db is nil.
func NewSQLRepository(db *sqlx.DB) *SQLRepository {
	if db == nil {
		db = database.DB
	}
	return &SQLRepository{db: db, now: time.Now}
}

func (r *SQLRepository) LoadOrCreate(ctx context.Context) (*Settings, error) {
	var s Settings
	err := r.db.GetContext(ctx, &s, selectSettingsSQL, settingsID)
	if err == nil {
		return &s, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load captcha settings: %w", err)
	}
	def := Defaults()
	def.UpdatedAt = r.now().UTC()
	if _, err := r.db.NamedExecContext(ctx, insertSettingsSQL, &def); err != nil {
		return nil, fmt.Errorf("create default captcha settings: %w", err)
	}
	// another instance may have won the insert; read whatever is there now
	if err := r.db.GetContext(ctx, &s, selectSettingsSQL, settingsID); err != nil {
		return nil, fmt.Errorf("reload captcha settings: %w", err)
	}
	return &s, nil
}

func (r *SQLRepository) Update(ctx context.Context, patch Patch, editor string) (*Settings, error) {
	if problems := patch.Validate(); len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	if _, err := r.LoadOrCreate(ctx); err != nil {
		return nil, err
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var cur Settings
	if err := tx.GetContext(ctx, &cur, selectSettingsSQL+` FOR UPDATE`, settingsID); err != nil {
		return nil, fmt.Errorf("lock captcha settings: %w", err)
	}
	next := cur.Clone()
	patch.Apply(next)
	next.Version = cur.Version + 1
	next.UpdatedAt = r.now().UTC()
	if editor != "" {
		next.UpdatedBy = &editor
	}
	if _, err := tx.NamedExecContext(ctx, updateSettingsSQL, next); err != nil {
		return nil, fmt.Errorf("update captcha settings: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}
