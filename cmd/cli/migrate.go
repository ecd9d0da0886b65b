package cli

import (
	"fmt"

	"flowstream/internal/app"
	"flowstream/internal/config"
	"flowstream/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var migrateSeed bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update database tables and indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if err := config.InitLogger(cfg); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		db, err := app.OpenDatabase(cfg)
		if err != nil {
			return err
		}
		if err := app.Migrate(db); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migration completed")

		if !migrateSeed {
			return nil
		}
		auth := services.NewAuthService(db, cfg.JWT.Secret, cfg.JWT.ExpiresIn, nil, logrus.StandardLogger())
		company, err := app.SeedDemo(cmd.Context(), db, auth, logrus.StandardLogger())
		if err != nil {
			return fmt.Errorf("seed demo data: %w", err)
		}
		if company != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "demo company %s (login %s)\n", company.ID, app.DemoEmail)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&migrateSeed, "seed", false, "create a demo company with sample workflows")
}
