package main

import (
	"errors"
	"io"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prism-board/client"
	"prism-board/config"
)

type app struct {
	cfgPath   string
	server    string
	workspace string
	token     string
	verbose   bool

	out    io.Writer
	logger *log.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{logger: log.New()}
	root := &cobra.Command{
		Use:           "boardctl",
		Short:         "Inspect and rearrange a prism board from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.out = cmd.OutOrStdout()
			a.logger.SetOutput(cmd.ErrOrStderr())
			if a.verbose {
				a.logger.SetLevel(log.DebugLevel)
			} else {
				a.logger.SetLevel(log.WarnLevel)
			}
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgPath, "config", config.DefaultCLIPath(), "path to the boardctl YAML config")
	flags.StringVar(&a.server, "server", "", "card service base URL")
	flags.StringVarP(&a.workspace, "workspace", "w", "", "workspace id")
	flags.StringVar(&a.token, "token", "", "bearer token")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newShowCmd(a),
		newMoveCmd(a),
		newCreateCmd(a),
		newDeleteCmd(a),
		newWatchCmd(a),
	)
	return root
}

// settings merges the config file, environment and flags, flags winning.
func (a *app) settings() (config.CLI, error) {
	cfg, err := config.LoadCLI(a.cfgPath)
	if err != nil {
		return config.CLI{}, err
	}
	if a.server != "" {
		cfg.Server = a.server
	}
	if a.workspace != "" {
		cfg.Workspace = a.workspace
	}
	if a.token != "" {
		cfg.Token = a.token
	}
	if cfg.Workspace == "" {
		return config.CLI{}, errors.New("no workspace configured; pass --workspace or set BOARD_WORKSPACE")
	}
	return cfg, nil
}

func (a *app) client() (*client.Client, config.CLI, error) {
	cfg, err := a.settings()
	if err != nil {
		return nil, config.CLI{}, err
	}
	c, err := client.New(cfg.Server, cfg.Workspace, cfg.Token)
	if err != nil {
		return nil, config.CLI{}, err
	}
	return c, cfg, nil
}
