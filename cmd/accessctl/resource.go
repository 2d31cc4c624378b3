package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/medrex/ehr-access/internal/app"
	"github.com/medrex/ehr-access/pkg/rbac"
)

func init() {
	rootCmd.AddCommand(resourceCmd)
	resourceCmd.AddCommand(resourcePutCmd)

	resourcePutCmd.Flags().String("patient", "", "owning patient id")
	resourcePutCmd.Flags().StringToString("attr", nil, "attribute key=value, repeatable (e.g. hospitalId=H1)")
	resourcePutCmd.Flags().StringSlice("consent", nil, "granted consents (treatment, research, sharing)")
}

var resourceCmd = &cobra.Command{
	Use:   "resource",
	Short: "Manage protected resource facts",
}

var resourcePutCmd = &cobra.Command{
	Use:   "put <type> <id>",
	Short: "Create or replace the facts of a protected resource",
	Long: `Create or replace the patient, attributes and consents the policy
evaluates for a resource.

Examples:
  accessctl resource put patient_record rec-1 --patient pat-1 --attr hospitalId=H1 --consent treatment`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		patient, _ := cmd.Flags().GetString("patient")
		attrs, _ := cmd.Flags().GetStringToString("attr")
		consents, _ := cmd.Flags().GetStringSlice("consent")

		res := &rbac.Resource{
			Type:       args[0],
			ID:         args[1],
			PatientID:  patient,
			Attributes: attrs,
			Consents:   make(map[string]bool, len(consents)),
		}
		for _, c := range consents {
			res.Consents[c] = true
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Catalog.Register(ctx, res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s/%s\n", res.Type, res.ID)
			return nil
		})
	},
}
