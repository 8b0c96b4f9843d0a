package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	usagedomain "github.com/phraiz/phraiz/internal/usage/domain"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var errMemberFlag = errors.New("--member is required")

func usageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect and repair monthly usage counters",
	}
	cmd.AddCommand(usageShowCmd())
	cmd.AddCommand(usageResyncCmd())
	return cmd
}

func usageShowCmd() *cobra.Command {
	var memberID, monthKey string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the ledger total for a member and month",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(memberID) == "" {
				return errMemberFlag
			}

			var svc usagedomain.Service
			app := fx.New(coreModules(), fx.Populate(&svc), fx.NopLogger)
			return runOnce(cmd, app, func() error {
				ctx := cmd.Context()
				used, err := svc.LedgerUsage(ctx, memberID, monthKey)
				if err != nil {
					return err
				}
				out := map[string]any{
					"member_id": memberID,
					"month_key": monthKey,
					"used":      used,
				}
				if strings.TrimSpace(monthKey) == "" {
					summary, err := svc.Summary(ctx, memberID)
					if err != nil {
						return err
					}
					out = map[string]any{
						"member_id":  memberID,
						"month_key":  summary.MonthKey,
						"used":       used,
						"plan":       summary.Plan,
						"limit":      summary.Limit,
						"unlimited":  summary.Unlimited,
						"used_today": summary.UsedToday,
					}
				}
				return printJSON(cmd, out)
			})
		},
	}

	cmd.Flags().StringVar(&memberID, "member", "", "member id")
	cmd.Flags().StringVar(&monthKey, "month", "", "month key (YYYY-MM), defaults to the current month")
	return cmd
}

func usageResyncCmd() *cobra.Command {
	var memberID, monthKey string

	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Drop the cached counter so the next read reloads it from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(memberID) == "" {
				return errMemberFlag
			}

			var svc usagedomain.Service
			app := fx.New(coreModules(), fx.Populate(&svc), fx.NopLogger)
			return runOnce(cmd, app, func() error {
				return svc.Resync(cmd.Context(), memberID, monthKey)
			})
		},
	}

	cmd.Flags().StringVar(&memberID, "member", "", "member id")
	cmd.Flags().StringVar(&monthKey, "month", "", "month key (YYYY-MM), defaults to the current month")
	return cmd
}

// runOnce starts app, runs fn and always stops the app again.
func runOnce(cmd *cobra.Command, app *fx.App, fn func() error) (err error) {
	if err := app.Err(); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, app.Stop(context.Background()))
	}()

	return fn()
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
