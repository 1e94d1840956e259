package main

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"classroom-sfu/server/internal/config"
	"classroom-sfu/server/internal/logger"
)

type rootOptions struct {
	v       *viper.Viper
	cfgFile string
	envFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}
	cmd := &cobra.Command{
		Use:           "classroom-sfu",
		Short:         "Real-time media session orchestration for virtual classrooms",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded into the environment")
	flags.String("log-level", "INFO", "DEBUG, INFO, WARN or ERROR")
	flags.String("instance-id", "", "instance id (generated when empty)")
	flags.String("jwt-secret", "", "HS256 secret for participant tokens")
	flags.String("jwt-issuer", "", "expected token issuer")
	for key, flag := range map[string]string{
		"log_level":   "log-level",
		"instance_id": "instance-id",
		"jwt_secret":  "jwt-secret",
		"jwt_issuer":  "jwt-issuer",
	} {
		_ = opts.v.BindPFlag(key, flags.Lookup(flag))
	}

	cmd.AddCommand(newServeCmd(opts), newTokenCmd(opts), newJoinCmd(opts))
	return cmd
}

// load reads the dotenv file, the config file and the environment, in that
// order of increasing precedence below flags.
func (o *rootOptions) load() (config.Config, *logger.Logger, error) {
	if err := config.LoadDotEnv(o.envFile); err != nil {
		return config.Config{}, nil, err
	}
	if o.cfgFile != "" {
		o.v.SetConfigFile(o.cfgFile)
		if err := o.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return config.Config{}, nil, err
			}
		}
	}
	cfg, err := config.Load(o.v)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger.New(cfg.InstanceID, cfg.LogLevel), nil
}
