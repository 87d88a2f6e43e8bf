package captcha

import (
	"fmt"

	database "github.com/Armour007/aura-captcha/internal"
	"github.com/Armour007/aura-captcha/internal/challenge"
	"github.com/Armour007/aura-captcha/internal/config"
	"github.com/Armour007/aura-captcha/internal/ledger"
	"github.com/Armour007/aura-captcha/internal/policy"
	"github.com/Armour007/aura-captcha/internal/provider"
	"go.uber.org/zap"
)

// EnvKeysFromConfig collects the deployment-level public site keys.
func EnvKeysFromConfig(cfg config.Config) policy.EnvKeys {
	return policy.EnvKeys{
		policy.KindTurnstile:   cfg.Turnstile.SiteKey,
		policy.KindRecaptchaV3: cfg.RecaptchaV3.SiteKey,
		policy.KindRecaptchaV2: cfg.RecaptchaV2.SiteKey,
		policy.KindHCaptcha:    cfg.HCaptcha.SiteKey,
	}
}

// Open builds a Service backed by Postgres or process memory according to
// cfg.Store. The returned close func releases the database pool.
func Open(cfg config.Config) (*Service, func(), error) {
	opts := Options{
		Providers: provider.FromConfig(cfg),
		EnvKeys:   EnvKeysFromConfig(cfg),
	}
	closeFn := func() {}
	switch cfg.Store {
	case "memory":
		zap.L().Warn("using in-memory captcha storage; state is lost on restart and not shared between instances")
	case "postgres":
		db, err := database.Connect(cfg.DSN())
		if err != nil {
			return nil, nil, err
		}
		opts.Policies = policy.NewSQLRepository(db)
		opts.Ledger = ledger.NewSQL(db)
		opts.Challenges = challenge.NewSQLStore(db)
		closeFn = database.Close
	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
	return New(opts), closeFn, nil
}
