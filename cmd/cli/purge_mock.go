package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var purgeCompanyID string

var purgeMockCmd = &cobra.Command{
	Use:   "purge-mock",
	Short: "Delete test and demo workflows and tickets of one company",
	RunE: func(cmd *cobra.Command, args []string) error {
		if purgeCompanyID == "" {
			return errors.New("--company is required")
		}
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Workflows.PurgeMockData(cmd.Context(), purgeCompanyID, "")
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d workflows and %d tickets\n", res.Workflows, res.Tickets)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(purgeMockCmd)
	purgeMockCmd.Flags().StringVar(&purgeCompanyID, "company", "", "company id")
}
