package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/idrelay/idrelay/pkg/config"
	"github.com/idrelay/idrelay/pkg/policy"
	"github.com/idrelay/idrelay/pkg/templates"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration without processing events",
		Long: `Validate the configuration file, the identity templates, and the
reaction policy rules, then exit.

This command checks:
  - config file syntax and field constraints
  - template YAML syntax and rule forms
  - rego rule compilation`,
		Example: `  # Validate the default config
  idrelay validate

  # Validate a specific config file
  idrelay validate -c /etc/idrelay/idrelay.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log.Info().Str("config", configPath).Msg("Config file is valid")

			if cfg.Templates.Dir != "" {
				store, err := templates.NewFileStore(cfg.Templates.Dir, log.Logger)
				if err != nil {
					return err
				}
				log.Info().
					Int("templates", len(store.IDs())).
					Str("dir", cfg.Templates.Dir).
					Msg("Templates are valid")

				if cfg.Engine.DefaultTemplateID != "" {
					if _, err := store.Get(cmd.Context(), cfg.Engine.DefaultTemplateID); err != nil {
						return fmt.Errorf("default template %q is not defined in %s",
							cfg.Engine.DefaultTemplateID, cfg.Templates.Dir)
					}
				}
			} else if cfg.Engine.DefaultTemplateID != "" {
				return fmt.Errorf("default template %q is set but no template directory is configured",
					cfg.Engine.DefaultTemplateID)
			}

			reviewEngine, err := policy.NewReviewEngine(log.Logger)
			if err != nil {
				return err
			}
			if cfg.Policies.Dir != "" {
				if err := reviewEngine.LoadFromDirectory(cmd.Context(), cfg.Policies.Dir); err != nil {
					return err
				}
				log.Info().Str("dir", cfg.Policies.Dir).Msg("Reaction policies are valid")
			}

			fmt.Println("Configuration is valid")
			return nil
		},
	}

	return cmd
}
