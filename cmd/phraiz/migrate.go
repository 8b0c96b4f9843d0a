package main

import (
	"github.com/phraiz/phraiz/internal/config"
	"github.com/phraiz/phraiz/internal/migration"
	"github.com/phraiz/phraiz/internal/observability"
	"github.com/phraiz/phraiz/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				config.Module,
				observability.Module,
				db.Module,
				migration.Module,
				fx.NopLogger,
			)
			return runOnce(cmd, app, func() error { return nil })
		},
	}
}
