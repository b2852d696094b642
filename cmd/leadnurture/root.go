package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"LeadNurture/internal/app"
	"LeadNurture/internal/config"
	"LeadNurture/internal/domain"
	"LeadNurture/internal/logging"
	"LeadNurture/internal/usecase"
)

const (
	configKey   = "config"
	logLevelKey = "log-level"
)

// cli carries the flag and environment bindings shared by every command.
type cli struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "leadnurture",
		Short:         "Follow-up sequence orchestration for lead conversion campaigns",
		Long:          "leadnurture advances leads through multi-stage follow-up campaigns over email, WhatsApp and Reddit, on a schedule or on operator request.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.String(configKey, "", "path to a YAML or TOML config file (env "+config.ConfigPathEnv+")")
	flags.String(logLevelKey, "", "log level override: debug, info, warn, error")
	_ = c.v.BindPFlag(configKey, flags.Lookup(configKey))
	_ = c.v.BindPFlag(logLevelKey, flags.Lookup(logLevelKey))
	_ = c.v.BindEnv(configKey, config.ConfigPathEnv)

	rootCmd.AddCommand(
		c.newServeCmd(),
		c.newRunCmd(),
		c.newEnrollCmd(),
		c.newConfigCmd(),
	)
	return rootCmd
}

func (c *cli) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.v.GetString(configKey))
	if err != nil {
		return config.Config{}, nil, err
	}
	if lvl := c.v.GetString(logLevelKey); lvl != "" {
		cfg.Logging.Level = lvl
	}
	return cfg, logging.New(cfg.Logging.Level, cfg.Logging.Format), nil
}

func (c *cli) application() (*app.Application, error) {
	cfg, logger, err := c.load()
	if err != nil {
		return nil, err
	}
	return app.New(cfg, logger)
}

func (c *cli) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the operator HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := c.application()
			if err != nil {
				return err
			}
			defer application.Close()
			return application.Serve(cmd.Context())
		},
	}
}

func (c *cli) newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <campaign>",
		Short: "Run one campaign now and print the run result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			campaign, err := domain.ParseSequenceType(args[0])
			if err != nil {
				return err
			}
			application, err := c.application()
			if err != nil {
				return err
			}
			defer application.Close()

			res, err := application.Trigger(cmd.Context(), campaign)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd, res); err != nil {
				return err
			}
			return triggerError(campaign, res)
		},
	}
}

func triggerError(campaign domain.SequenceType, res usecase.TriggerResult) error {
	switch res.Status {
	case usecase.TriggerAccepted:
		return nil
	case usecase.TriggerConflict:
		return fmt.Errorf("campaign %s is already running", campaign)
	case usecase.TriggerRateLimited:
		return fmt.Errorf("campaign %s ran recently, retry in %ds", campaign, res.RetryAfterSeconds)
	case usecase.TriggerPaused:
		return errors.New("campaign runs are paused under memory pressure")
	default:
		return fmt.Errorf("campaign %s failed: %s", campaign, res.Error)
	}
}

func (c *cli) newEnrollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enroll <campaign>",
		Short: "Enroll qualifying leads into a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			campaign, err := domain.ParseSequenceType(args[0])
			if err != nil {
				return err
			}
			application, err := c.application()
			if err != nil {
				return err
			}
			defer application.Close()

			res, err := application.Enroll(cmd.Context(), campaign)
			if err != nil {
				return err
			}
			return writeJSON(cmd, res)
		},
	}
}

func (c *cli) newConfigCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := c.load()
			if err != nil {
				return err
			}
			out, err := cfg.Redacted().Marshal(format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "output format: yaml or toml")
	return cmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
