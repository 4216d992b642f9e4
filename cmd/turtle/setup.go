package main

import (
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/Turtle/internal/config"
	"github.com/dkeye/Turtle/internal/logging"
)

// setup loads configuration with the command's flags bound, installs the
// logger and re-applies the log level when the config file changes.
func setup(cmd *cobra.Command) (*config.Config, io.Closer, error) {
	cfg, v, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	closer, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	if _, err := os.Stat(v.ConfigFileUsed()); err == nil {
		config.Watch(v, func(next *config.Config) {
			if err := logging.SetLevel(next.Log.Level); err != nil {
				log.Warn().Err(err).Msg("log level not applied")
			}
		})
	}
	return cfg, closer, nil
}
