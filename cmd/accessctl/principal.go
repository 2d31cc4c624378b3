package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/medrex/ehr-access/internal/app"
	"github.com/medrex/ehr-access/internal/identity"
	"github.com/medrex/ehr-access/pkg/rbac"
)

func init() {
	rootCmd.AddCommand(principalCmd)
	principalCmd.AddCommand(principalCreateCmd)

	principalCreateCmd.Flags().String("role", "", "role: admin, doctor, nurse or staff")
	principalCreateCmd.Flags().String("password", "", "initial password (generated when empty)")
	principalCreateCmd.Flags().StringToString("attr", nil, "attribute key=value, repeatable (e.g. hospitalId=H1)")
	principalCreateCmd.Flags().StringSlice("assign", nil, "assigned patient ids")
	_ = principalCreateCmd.MarkFlagRequired("role")
}

var principalCmd = &cobra.Command{
	Use:   "principal",
	Short: "Manage principals",
}

var principalCreateCmd = &cobra.Command{
	Use:   "create <username>",
	Short: "Register a principal",
	Long: `Register an active principal.

Examples:
  accessctl principal create dr.grey --role doctor --attr hospitalId=H1 --assign pat-1,pat-2
  accessctl principal create ops --role admin`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		password, _ := cmd.Flags().GetString("password")
		attrs, _ := cmd.Flags().GetStringToString("attr")
		assigned, _ := cmd.Flags().GetStringSlice("assign")

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			generated := password == ""
			if generated {
				var err error
				if password, err = a.Passwords.GenerateRandomPassword(20); err != nil {
					return err
				}
			}

			p, err := a.Resolver.Register(ctx, identity.RegisterRequest{
				Username:         args[0],
				Password:         password,
				Role:             rbac.Role(role),
				Attributes:       attrs,
				AssignedPatients: assigned,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created principal %s (%s)\n", p.ID, p.Role)
			if generated {
				fmt.Fprintf(out, "  Password: %s\n", password)
			}
			return nil
		})
	},
}
