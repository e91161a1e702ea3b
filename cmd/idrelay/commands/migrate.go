package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/idrelay/idrelay/pkg/config"
	"github.com/idrelay/idrelay/pkg/stores"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply repository schema migrations",
		Long: `Apply the embedded schema migrations to the identity repository and
exit. The run command migrates on startup as well; this command exists for
deployments that separate schema changes from service restarts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			repo, err := stores.NewSQLiteRepository(stores.Config{
				Path:       cfg.Repository.Path,
				NaturalKey: cfg.Repository.NaturalKey,
			})
			if err != nil {
				return err
			}
			if err := repo.Init(cmd.Context()); err != nil {
				return err
			}
			defer repo.Close()

			if err := repo.Migrate(cmd.Context()); err != nil {
				return err
			}

			log.Info().Str("path", cfg.Repository.Path).Msg("Migrations applied")
			return nil
		},
	}

	return cmd
}
