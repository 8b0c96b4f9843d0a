package main

import (
	"strings"

	memberdomain "github.com/phraiz/phraiz/internal/member/domain"
	plandomain "github.com/phraiz/phraiz/internal/plan/domain"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func memberCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Manage member plan assignments",
	}

	var memberID, planID string
	setPlan := &cobra.Command{
		Use:   "set-plan",
		Short: "Assign a plan to a member",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(memberID) == "" {
				return errMemberFlag
			}

			var svc memberdomain.Service
			app := fx.New(coreModules(), fx.Populate(&svc), fx.NopLogger)
			return runOnce(cmd, app, func() error {
				m, err := svc.SetPlan(cmd.Context(), memberID, plandomain.ParsePlanID(planID))
				if err != nil {
					return err
				}
				return printJSON(cmd, m)
			})
		},
	}
	setPlan.Flags().StringVar(&memberID, "member", "", "member id")
	setPlan.Flags().StringVar(&planID, "plan", "", "plan id (FREE, BASIC, PRO)")

	cmd.AddCommand(setPlan)
	return cmd
}
