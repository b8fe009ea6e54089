package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/linkedin-signals/internal/migrations"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Applies or rolls back the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Applies all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if rt.cfg.DB.Backend != "postgres" {
				return fmt.Errorf("migrate requires the postgres backend, got %q", rt.cfg.DB.Backend)
			}
			return migrations.Up(rt.cfg.DB.DSN, rt.logger.Named("migrate"))
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Rolls back the most recent migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if rt.cfg.DB.Backend != "postgres" {
				return fmt.Errorf("migrate requires the postgres backend, got %q", rt.cfg.DB.Backend)
			}
			return migrations.Down(rt.cfg.DB.DSN, steps, rt.logger.Named("migrate"))
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.AddCommand(down)

	return cmd
}
