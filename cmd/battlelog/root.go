package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"battlelog/internal/config"
	"battlelog/internal/logging"
)

// app is the state shared by the subcommands once flags and config are
// resolved.
type app struct {
	configFile string
	cfg        *config.Config
	log        *logging.ComponentLogger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "battlelog",
		Short:         "Collect and consolidate Clash Royale battle logs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default: ./battlelog.yaml or ~/.config/battlelog/battlelog.yaml)")
	flags.String("data-dir", "", "directory holding snapshots and the canonical table (default "+config.DefaultDataDir+")")
	flags.String("player-tag", "", "player tag, e.g. #JJV92QG2V")
	flags.String("log-level", "", "debug, info, warn or error")

	root.AddCommand(
		newCollectCmd(a),
		newReduceCmd(a),
		newRunCmd(a),
		newValidateTokenCmd(a),
		newVersionCmd(),
	)
	return root
}

var flagKeys = map[string]string{
	"data-dir":   config.KeyDataDir,
	"player-tag": config.KeyPlayerTag,
	"log-level":  config.KeyLogLevel,
}

// load resolves .env, the config file, the environment and the flags, in
// increasing precedence.
func (a *app) load(cmd *cobra.Command) error {
	config.LoadEnv()

	v, err := config.NewViper(a.configFile)
	if err != nil {
		return err
	}
	if err := bindFlags(v, cmd); err != nil {
		return err
	}

	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logging.NewWithWriter(os.Stderr, "battlelog", version, cfg.LogLevel, cfg.Environment)
	return nil
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for flag, key := range flagKeys {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}
