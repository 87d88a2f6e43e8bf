package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/Armour007/aura-captcha/internal/captcha"
	"github.com/Armour007/aura-captcha/internal/policy"
	"github.com/Armour007/aura-captcha/internal/utils"
	"github.com/spf13/cobra"
)

type opener func() (*captcha.Service, func(), error)

type cli struct {
	open   opener
	editor string
}

func newRootCmd(open opener) *cobra.Command {
	c := &cli{open: open}
	root := &cobra.Command{
		Use:           "captchactl",
		Short:         "Inspect and change the captcha policy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.editor, "editor", defaultEditor(), "name recorded as updated_by")

	root.AddCommand(
		c.showCmd(),
		c.simpleCmd("disable", "Turn captcha off everywhere", (*captcha.Service).DisableAll),
		c.simpleCmd("enable", "Turn captcha back on", (*captcha.Service).EnableAll),
		c.reloadCmd(),
		c.modeCmd(),
		c.providerCmd(),
		c.serviceCmd(),
		c.exemptCmd(),
		c.purgeCmd(),
		keygenCmd(),
		tokenCmd(),
	)
	return root
}

func defaultEditor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	return "cli"
}

func (c *cli) withService(fn func(svc *captcha.Service) error) error {
	svc, closeFn, err := c.open()
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(svc)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the policy and the last 24h of attempt stats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(func(svc *captcha.Service) error {
				ov, err := svc.GetAdminOverview(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ov)
			})
		},
	}
}

func (c *cli) simpleCmd(use, short string, op func(*captcha.Service, context.Context, string) (*policy.Settings, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(func(svc *captcha.Service) error {
				s, err := op(svc, cmd.Context(), c.editor)
				if err != nil {
					return err
				}
				return printSummary(cmd.OutOrStdout(), s)
			})
		},
	}
}

func printSummary(w io.Writer, s *policy.Settings) error {
	_, err := fmt.Fprintf(w, "version=%d enabled=%t mode=%s providers=%v services=%v\n",
		s.Version, s.Enabled, s.Mode, s.EnabledProviders(), s.EnabledServices())
	return err
}

func (c *cli) reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reread the policy from storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(func(svc *captcha.Service) error {
				s, err := svc.ReloadSettings(cmd.Context())
				if err != nil {
					return err
				}
				return printSummary(cmd.OutOrStdout(), s)
			})
		},
	}
}

func (c *cli) modeCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "mode always|suspicious|disabled",
		Short:     "Set the operating mode",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(policy.ModeAlways), string(policy.ModeSuspicious), string(policy.ModeDisabled)},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(func(svc *captcha.Service) error {
				s, err := svc.SetMode(cmd.Context(), policy.Mode(strings.ToLower(args[0])), c.editor)
				if err != nil {
					return err
				}
				return printSummary(cmd.OutOrStdout(), s)
			})
		},
	}
}

func parseOnOff(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on", "true", "enable", "enabled":
		return true, nil
	case "off", "false", "disable", "disabled":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", v)
}

func (c *cli) providerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provider <kind> on|off",
		Short: "Enable or disable a provider",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			on, err := parseOnOff(args[1])
			if err != nil {
				return err
			}
			return c.withService(func(svc *captcha.Service) error {
				s, err := svc.ToggleProvider(cmd.Context(), policy.Kind(strings.ToLower(args[0])), on, c.editor)
				if err != nil {
					return err
				}
				return printSummary(cmd.OutOrStdout(), s)
			})
		},
	}
}

func (c *cli) serviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "service <name> on|off",
		Short: "Require or stop requiring verification for a service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			on, err := parseOnOff(args[1])
			if err != nil {
				return err
			}
			return c.withService(func(svc *captcha.Service) error {
				s, err := svc.ToggleServiceRequirement(cmd.Context(), policy.Service(strings.ToLower(args[0])), on, c.editor)
				if err != nil {
					return err
				}
				return printSummary(cmd.OutOrStdout(), s)
			})
		},
	}
}

func (c *cli) exemptCmd() *cobra.Command {
	exempt := &cobra.Command{
		Use:   "exempt",
		Short: "Manage exempt IPs and CIDRs",
	}
	exempt.AddCommand(
		&cobra.Command{
			Use:   "add <ip-or-cidr>",
			Short: "Add an exempt address",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withService(func(svc *captcha.Service) error {
					s, err := svc.AddExemptIP(cmd.Context(), args[0], c.editor)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.Join(s.ExemptIPs, "\n"))
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "remove <ip-or-cidr>",
			Short: "Remove an exempt address",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withService(func(svc *captcha.Service) error {
					s, err := svc.RemoveExemptIP(cmd.Context(), args[0], c.editor)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.Join(s.ExemptIPs, "\n"))
					return err
				})
			},
		},
	)
	return exempt
}

func (c *cli) purgeCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete recorded attempts older than --days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(func(svc *captcha.Service) error {
				n, err := svc.PurgeOldAttempts(cmd.Context(), days)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d attempts older than %d days\n", n, days)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "retention in days")
	return cmd
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a service API key and the bcrypt hash for AURA_SERVICE_KEY_HASH",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, hash, err := utils.GenerateServiceKey()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "key:  %s\nhash: %s\n", key, hash)
			return err
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin JWT for the /admin/captcha API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := utils.ResolveJWTSecret(os.Getenv("JWT_SECRET"), os.Getenv("APP_ENV") == "development")
			if err != nil {
				return err
			}
			tok, err := utils.GenerateAdminJWT(secret, subject, "admin", ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "ops", "token subject, recorded as the editor of changes")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
