package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ISCPIF/OpenPortability-sub004/cmd/opgraph/internal/config"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/cli"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/consent"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/query"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the relations and the consent trigger",
	Long: `Apply the follow relations and the consent table, its history and its
NOTIFY trigger to database_url. Statements are idempotent.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadService[config.Server](config.ServiceServer)
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return errors.New("migrate: database_url is not set")
		}
		db, err := query.OpenSQL(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		if _, err := db.ExecContext(ctx, query.Schema); err != nil {
			return fmt.Errorf("migrate: graph relations: %w", err)
		}
		if err := consent.NewPGRepository(db).Migrate(ctx); err != nil {
			return err
		}
		cli.PrintSuccess(cmd.OutOrStdout(), "Schema applied.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
