package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mediguard-intake/internal/bootstrap"
	"github.com/mediguard-intake/internal/database"
	"github.com/mediguard-intake/internal/setup"
)

func migrateCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run PostgreSQL history migrations",
	}

	run := func(cmd *cobra.Command, up bool) error {
		manager, err := bootstrap.LoadConfig(opts.configPath)
		if err != nil {
			return err
		}
		cfg := manager.GetConfig()
		logger, err := bootstrap.NewLogger(cfg.Logging, "stderr")
		if err != nil {
			return err
		}

		runner, err := database.NewMigrationRunner(manager.GetDatabaseURL(), cfg.Database.MigrationsPath, logger)
		if err != nil {
			return err
		}
		defer runner.Close()

		if up {
			err = runner.Up()
		} else {
			err = runner.Down()
		}
		if err != nil {
			return err
		}

		version, dirty, err := runner.Version()
		if err != nil {
			fmt.Fprintln(cmd.OutOrStdout(), "No migrations applied")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Schema version %d (dirty: %t)\n", version, dirty)
		return nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return run(cmd, true) },
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return run(cmd, false) },
	})
	return cmd
}

func mcpConfigCmd() *cobra.Command {
	var (
		clientConfig string
		binary       string
		serverConfig string
	)

	cmd := &cobra.Command{
		Use:   "mcp-config",
		Short: "Register the intake MCP server with a desktop MCP client",
	}
	cmd.PersistentFlags().StringVar(&clientConfig, "client-config", "", "client config file (defaults to the desktop app's)")

	resolvePath := func() (string, error) {
		if clientConfig != "" {
			return clientConfig, nil
		}
		return setup.DefaultClientConfigPath()
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Add or update the intake server entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolvePath()
			if err != nil {
				return err
			}
			replaced, err := setup.Register(path, setup.Options{BinaryPath: binary, ConfigFile: serverConfig})
			if err != nil {
				return err
			}
			verb := "Added"
			if replaced {
				verb = "Updated"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s in %s\n", verb, setup.ServerName, path)
			return nil
		},
	}
	installCmd.Flags().StringVar(&binary, "binary", "", "path to the intake-mcp binary")
	installCmd.Flags().StringVar(&serverConfig, "server-config", "", "config file passed to intake-mcp")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the intake server is registered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolvePath()
			if err != nil {
				return err
			}
			status, err := setup.GetStatus(path)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), status)
		},
	}

	cmd.AddCommand(installCmd, statusCmd)
	return cmd
}
