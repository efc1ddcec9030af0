package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/Composer-Team/beethoven-runtime/internal/config"
)

func init() {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `The config command prints the configuration beethovenctl would run with,
after applying the --config file and BEETHOVEN_* environment variables.

Example:
  beethovenctl config
  BEETHOVEN_MAX_TAGS=8 beethovenctl config
  beethovenctl config validate beethoven.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(args[0])
		},
	})
	rootCmd.AddCommand(cmd)
}

func runConfigShow() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cfg)
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func runConfigValidate(path string) error {
	if _, err := config.Load(path); err != nil {
		return err
	}
	printInfo("%s: ok\n", path)
	return nil
}
