package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/medrex/ehr-access/internal/app"
	"github.com/medrex/ehr-access/pkg/rbac"
)

func init() {
	rootCmd.AddCommand(decisionsCmd)
	decisionsCmd.AddCommand(decisionsListCmd, decisionsExportCmd)

	decisionsCmd.PersistentFlags().String("token", "", "administrator bearer token (default $EHR_TOKEN)")
	decisionsCmd.PersistentFlags().String("principal", "", "filter by principal id")
	decisionsCmd.PersistentFlags().String("patient", "", "filter by patient id")
	decisionsCmd.PersistentFlags().String("resource-type", "", "filter by resource type")
	decisionsCmd.PersistentFlags().String("status", "", "filter by outcome: Allow, Deny or EmergencyAllow")
	decisionsCmd.PersistentFlags().Bool("break-glass", false, "only emergency overrides")
	decisionsCmd.PersistentFlags().Duration("since", 0, "only decisions newer than this (e.g. 24h)")

	decisionsListCmd.Flags().Int("page", 1, "page number")
	decisionsListCmd.Flags().Int("limit", rbac.DefaultPageSize, "page size")

	decisionsExportCmd.Flags().StringP("output", "o", "", "CSV file (default stdout)")
}

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "Read the audit trail",
}

var decisionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded decisions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := filterFromFlags(cmd)
		filter.Page, _ = cmd.Flags().GetInt("page")
		filter.Limit, _ = cmd.Flags().GetInt("limit")

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			page, _, err := a.Service.QueryAudit(ctx, operatorRequest(cmd), filter)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTIMESTAMP\tPRINCIPAL\tACTION\tRESOURCE\tOUTCOME\tREASON")
			for _, d := range page.Decisions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s/%s\t%s\t%s\n",
					d.ID, d.Timestamp.Format(time.RFC3339), d.PrincipalID, d.Action,
					d.ResourceType, d.ResourceID, d.Outcome, d.DenialReason)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nPage %d of %d (%d decisions)\n", page.Page, page.TotalPages, page.Total)
			return nil
		})
	},
}

var decisionsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export matching decisions as CSV",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := filterFromFlags(cmd)
		output, _ := cmd.Flags().GetString("output")

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", output, err)
				}
				defer f.Close()
				out = f
			}

			_, err := a.Service.ExportAudit(ctx, operatorRequest(cmd), filter, out)
			return err
		})
	},
}

func filterFromFlags(cmd *cobra.Command) rbac.AuditFilter {
	flags := cmd.Flags()
	filter := rbac.AuditFilter{}
	filter.UserID, _ = flags.GetString("principal")
	filter.PatientID, _ = flags.GetString("patient")
	filter.ResourceType, _ = flags.GetString("resource-type")

	status, _ := flags.GetString("status")
	filter.Status = rbac.Outcome(status)

	if bg, _ := flags.GetBool("break-glass"); bg {
		filter.BreakGlass = &bg
	}
	if since, _ := flags.GetDuration("since"); since > 0 {
		filter.StartDate = time.Now().UTC().Add(-since)
	}
	return filter
}

// operatorRequest identifies the CLI caller to the enforcement point
func operatorRequest(cmd *cobra.Command) *rbac.AccessRequest {
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("EHR_TOKEN")
	}
	host, _ := os.Hostname()
	return &rbac.AccessRequest{
		Credential:    token,
		NetworkOrigin: "cli:" + host,
		UserAgent:     "accessctl/" + app.Version,
		ReceivedAt:    time.Now().UTC(),
	}
}
