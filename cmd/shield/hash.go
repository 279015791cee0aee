package main

import (
	"fmt"

	"github.com/spf13/cobra"

	goShield "github.com/MrEthical07/goShield"
)

func newHashCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hash <name> <password>",
		Short: "Print the stored key of a user entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			engineCfg, err := cfg.engineConfig()
			if err != nil {
				return err
			}
			engine, err := goShield.New().WithConfig(engineCfg).WithUsers(goShield.StaticUsers{}).Build()
			if err != nil {
				return err
			}
			defer engine.Close()

			key, err := engine.GenerateAuthHash(goShield.Credentials{Name: args[0], Pass: args[1]})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		},
	}
}
