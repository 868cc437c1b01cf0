package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/go-eh/unwind/internal/config"
	"github.com/go-eh/unwind/internal/ehlog"
)

var (
	cfgFile  string
	logLevel string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ehtool",
		Short: "inspect DWARF call frame information and profile its CFI step counts",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return applyConfig()
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to ehtool.yml (default: $XDG_CONFIG_HOME/ehtool/ehtool.yml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	root.AddCommand(newInspectCmd())
	root.AddCommand(newProfileWalkCmd())
	return root
}

func applyConfig() error {
	path := cfgFile
	if path == "" {
		p, err := config.Path()
		if err != nil {
			return fmt.Errorf("ehtool: %w", err)
		}
		path = p
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("ehtool: %w", err)
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	if level != "" {
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("ehtool: invalid log level %q: %w", level, err)
		}
		ehlog.SetLevel(parsed)
	}

	for _, name := range cfg.EnabledLoggers {
		switch name {
		case "stack":
			ehlog.Stack().Enable()
		case "abi":
			ehlog.ABI().Enable()
		case "registry":
			ehlog.Registry().Enable()
		}
	}
	return nil
}
