// Command gatewayctl is the operator tool for the messaging gateway.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "gatewayctl",
		Usage: "Operate and debug the messaging gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a TOML config file",
				EnvVars: []string{"CONFIG_FILE"},
			},
		},
		Commands: []*cli.Command{
			SignCommand(),
			VerifyCommand(),
			NormalizePhoneCommand(),
			ParseCommand(),
			TokenCommand(),
			ConfigCommand(),
		},
	}
}
