// Package cli implements the omar command line.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/omar/internal/config"
)

// Build information - set via ldflags
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// globalOptions carries persistent flags and what PersistentPreRunE derives
// from them.
type globalOptions struct {
	cfgFile string
	apiURL  string
	sshHost string
	verbose bool
	noColor bool

	cfg    *config.Config
	logger *slog.Logger
}

// Execute runs the root command.
func Execute() error {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:   "omar",
		Short: "Orchestrate a fleet of AI coding agents in tmux sessions",
		Long: `omar runs AI coding agents in tmux sessions, tracks which manager each
worker belongs to, and classifies every agent's health from its recent output.

Quick Start:
  omar serve --manager ea            # Start the orchestrator with a manager agent
  omar spawn api -t "add pagination" # Start a worker
  omar list                          # Fleet health at a glance
  omar attach api                    # Watch an agent work`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.init(cmd)
		},
	}

	root.PersistentFlags().StringVar(&g.cfgFile, "config", "", "config file (default ~/.config/omar/config.toml)")
	root.PersistentFlags().StringVar(&g.apiURL, "api", "", "control surface URL (default from config)")
	root.PersistentFlags().StringVar(&g.sshHost, "ssh", "", "remote host running tmux (e.g. user@host)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().BoolVar(&g.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newServeCmd(g),
		newListCmd(g),
		newShowCmd(g),
		newSpawnCmd(g),
		newKillCmd(g),
		newSendCmd(g),
		newReassignCmd(g),
		newAttachCmd(g),
		newProjectsCmd(g),
		newHistoryCmd(g),
		newConfigCmd(g),
		newVersionCmd(),
	)
	return root
}

func (g *globalOptions) init(cmd *cobra.Command) error {
	level := slog.LevelInfo
	if g.verbose {
		level = slog.LevelDebug
	}
	g.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(g.logger)

	cfg, err := config.Load(g.configPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	g.cfg = cfg
	if g.apiURL == "" {
		g.apiURL = cfg.APIURL()
	}
	return nil
}

func (g *globalOptions) configPath() string {
	if g.cfgFile != "" {
		return config.ExpandHome(g.cfgFile)
	}
	return config.DefaultPath()
}

func (g *globalOptions) client() *Client {
	return NewClient(g.apiURL)
}

func newVersionCmd() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if short {
				fmt.Fprintln(cmd.OutOrStdout(), Version)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "omar %s (commit %s, built %s)\n", Version, Commit, Date)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "print only the version")
	return cmd
}
