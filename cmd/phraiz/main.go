package main

import (
	"fmt"
	"os"

	"github.com/bwmarrin/snowflake"
	"github.com/phraiz/phraiz/internal/cache"
	"github.com/phraiz/phraiz/internal/clock"
	"github.com/phraiz/phraiz/internal/config"
	"github.com/phraiz/phraiz/internal/member"
	"github.com/phraiz/phraiz/internal/observability"
	"github.com/phraiz/phraiz/internal/plan"
	"github.com/phraiz/phraiz/internal/usage"
	"github.com/phraiz/phraiz/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "phraiz",
		Short:   "Phraiz quota and history service",
		Version: Version,
		// Running the binary without a subcommand starts the API.
		RunE: runServe,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(usageCmd())
	rootCmd.AddCommand(memberCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// coreModules is the storage and domain stack every command shares.
func coreModules() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,
		plan.Module,
		member.Module,
		usage.Module,
	)
}

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
