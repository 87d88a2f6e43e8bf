// Command captchactl administers the captcha policy directly against the
// configured store, bypassing the HTTP admin API.
package main

import (
	"fmt"
	"os"

	"github.com/Armour007/aura-captcha/internal/captcha"
	"github.com/Armour007/aura-captcha/internal/config"
	"github.com/Armour007/aura-captcha/internal/logging"
)

func main() {
	root := newRootCmd(openFromEnv)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openFromEnv() (*captcha.Service, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Development())
	if err != nil {
		return nil, nil, err
	}
	svc, closeStore, err := captcha.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	return svc, func() {
		closeStore()
		_ = logger.Sync()
	}, nil
}
