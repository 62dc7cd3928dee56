package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/kindred-ngo/messaging-gateway/internal/channel"
	"github.com/kindred-ngo/messaging-gateway/internal/config"
	"github.com/kindred-ngo/messaging-gateway/internal/middleware"
	"github.com/kindred-ngo/messaging-gateway/internal/model"
	"github.com/kindred-ngo/messaging-gateway/internal/webhook"
	"github.com/kindred-ngo/messaging-gateway/pkg/logger"
)

// readInput reads the named file, or stdin for "" and "-".
func readInput(c *cli.Context, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(c.App.Reader)
	}
	return os.ReadFile(path)
}

// secretFor resolves a webhook secret from --secret or the provider's env var.
func secretFor(c *cli.Context) (string, error) {
	if s := c.String("secret"); s != "" {
		return s, nil
	}
	if p := c.String("provider"); p != "" {
		if s := os.Getenv(webhook.SecretEnvKey(p)); s != "" {
			return s, nil
		}
		return "", fmt.Errorf("%s is not set", webhook.SecretEnvKey(p))
	}
	return "", errors.New("either --secret or --provider is required")
}

var secretFlags = []cli.Flag{
	&cli.StringFlag{Name: "secret", Aliases: []string{"s"}, Usage: "Shared webhook secret"},
	&cli.StringFlag{Name: "provider", Aliases: []string{"p"}, Usage: "Read the secret from WEBHOOK_SECRET_<PROVIDER>"},
}

// SignCommand returns the sign command
func SignCommand() *cli.Command {
	return &cli.Command{
		Name:      "sign",
		Usage:     "Compute the webhook signature of a JSON payload",
		ArgsUsage: "[FILE]",
		Flags:     secretFlags,
		Action: func(c *cli.Context) error {
			secret, err := secretFor(c)
			if err != nil {
				return err
			}
			body, err := readInput(c, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to read payload: %w", err)
			}
			fmt.Fprintln(c.App.Writer, webhook.Sign(secret, body))
			return nil
		},
	}
}

// VerifyCommand returns the verify command
func VerifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Check a webhook signature against a payload",
		ArgsUsage: "SIGNATURE [FILE]",
		Flags:     secretFlags,
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return errors.New("missing required argument: SIGNATURE")
			}
			secret, err := secretFor(c)
			if err != nil {
				return err
			}
			body, err := readInput(c, c.Args().Get(1))
			if err != nil {
				return fmt.Errorf("failed to read payload: %w", err)
			}
			if err := webhook.Verify(secret, body, c.Args().First()); err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, "signature ok")
			return nil
		},
	}
}

// NormalizePhoneCommand returns the normalize-phone command
func NormalizePhoneCommand() *cli.Command {
	return &cli.Command{
		Name:      "normalize-phone",
		Usage:     "Normalize phone numbers the way the WhatsApp adapter does",
		ArgsUsage: "NUMBER...",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return errors.New("missing required argument: NUMBER")
			}
			failed := 0
			for _, raw := range c.Args().Slice() {
				phone, err := channel.NormalizePhone(raw)
				if err != nil {
					failed++
					fmt.Fprintf(c.App.Writer, "%s\tinvalid\n", raw)
					continue
				}
				fmt.Fprintf(c.App.Writer, "%s\t%s\n", raw, phone)
			}
			if failed > 0 {
				return fmt.Errorf("%d invalid number(s)", failed)
			}
			return nil
		},
	}
}

// ParseCommand returns the parse command
func ParseCommand() *cli.Command {
	return &cli.Command{
		Name:      "parse",
		Usage:     "Run a channel's webhook parser on a payload",
		ArgsUsage: "[FILE]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "channel",
				Usage:    "Channel whose parser to run (whatsapp, instagram, facebook, inapp)",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			registry, err := offlineRegistry()
			if err != nil {
				return err
			}
			adapter, ok := registry.Get(model.Channel(c.String("channel")))
			if !ok {
				return fmt.Errorf("unknown channel %q", c.String("channel"))
			}
			body, err := readInput(c, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to read payload: %w", err)
			}

			msg, err := adapter.ParseWebhook(body)
			if errors.Is(err, channel.ErrNotMessageEvent) {
				fmt.Fprintln(c.App.Writer, "not a message event")
				return nil
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(c.App.Writer)
			enc.SetIndent("", "  ")
			return enc.Encode(msg)
		},
	}
}

// offlineRegistry builds adapters for parsing only; none of them is sent on.
func offlineRegistry() (*channel.Registry, error) {
	log := logger.NewNop()
	return channel.NewRegistry(
		channel.NewWhatsApp("", channel.ClientConfig{}, log),
		channel.NewInstagram("", channel.ClientConfig{}, log),
		channel.NewMessenger("", channel.ClientConfig{}, log),
		channel.NewInApp(nil),
		channel.NewSMS(),
		channel.NewEmail(),
	)
}

// TokenCommand returns the token command
func TokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue an API token signed with the configured JWT secret",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "User id (token subject)", Required: true},
			&cli.StringFlag{Name: "role", Aliases: []string{"r"}, Usage: "user, moderator or admin", Value: string(model.RoleUser)},
			&cli.DurationFlag{Name: "ttl", Usage: "Token lifetime", Value: time.Hour},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			role := model.Role(c.String("role"))
			switch role {
			case model.RoleUser, model.RoleModerator, model.RoleAdmin:
			default:
				return fmt.Errorf("unknown role %q", role)
			}
			token, err := middleware.IssueToken(cfg.JWTSecret, c.String("user"), role, c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, token)
			return nil
		},
	}
}

// ConfigCommand returns the config command
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Inspect gateway configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "validate",
				Usage: "Load and validate the configuration",
				Action: func(c *cli.Context) error {
					cfg, err := config.Load(c.String("config"))
					if err != nil {
						return fmt.Errorf("failed to load config: %w", err)
					}
					if err := cfg.Validate(); err != nil {
						return fmt.Errorf("invalid configuration: %w", err)
					}
					fmt.Fprintf(c.App.Writer, "configuration ok (env=%s, store=%s, webhook secrets=%d)\n",
						cfg.Env, cfg.StoreBackend, len(cfg.WebhookSecrets))
					return nil
				},
			},
		},
	}
}
