package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/medrex/ehr-access/internal/app"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().String("password", "", "password")
	_ = loginCmd.MarkFlagRequired("password")
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Print a bearer token for use with --token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, _ := cmd.Flags().GetString("password")

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			token, err := a.Service.Login(ctx, args[0], password, false)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token.AccessToken)
			return nil
		})
	},
}
