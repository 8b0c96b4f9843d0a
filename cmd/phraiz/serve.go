package main

import (
	"github.com/phraiz/phraiz/internal/history"
	"github.com/phraiz/phraiz/internal/migration"
	"github.com/phraiz/phraiz/internal/ratelimit"
	"github.com/phraiz/phraiz/internal/server"
	"github.com/phraiz/phraiz/internal/usage/reconcile"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the usage reconciler",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	app := fx.New(
		coreModules(),
		migration.Module,
		history.Module,
		ratelimit.Module,
		reconcile.Module,
		server.Module,
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}
