package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/attia12/stage-mouna/cmd/internal/app"
)

const redacted = "REDACTED"

func newConfigCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the dashctl configuration file",
	}
	cmd.AddCommand(newConfigInitCmd(o), newConfigShowCmd(o))
	return cmd
}

func newConfigInitCmd(o *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(o.configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", o.configPath)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := app.DefaultConfig().Save(o.configPath); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "Wrote %s\n", o.configPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigShowCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (file plus environment)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			c := *cfg
			if c.Store.Passphrase != "" {
				c.Store.Passphrase = redacted
			}
			if c.Devserver.SigningKey != "" {
				c.Devserver.SigningKey = redacted
			}
			if c.Devserver.RefreshHMACKey != "" {
				c.Devserver.RefreshHMACKey = redacted
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(&c); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
