package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/omar/internal/config"
	"github.com/Dicklesworthstone/omar/internal/state"
)

func newHistoryCmd(g *globalOptions) *cobra.Command {
	var (
		agentID string
		limit   int
	)
	format := FormatTable
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the audit log of lifecycle and health changes",
		Long: `Show recent entries from the audit log kept by omar serve, newest first.

Examples:
  omar history
  omar history --agent api --limit 20
  omar history -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			entries, err := readHistory(g.cfg, agentID, limit)
			if err != nil {
				return err
			}
			if format != FormatTable {
				if entries == nil {
					entries = []state.EventLogEntry{}
				}
				return writeStructured(cmd.OutOrStdout(), format, entries)
			}

			out := cmd.OutOrStdout()
			p := newPalette(out, g.noColor)
			if len(entries) == 0 {
				fmt.Fprintln(out, p.subtext.Render("No history recorded."))
				return nil
			}
			t := newTable("TIME", "AGENT", "EVENT", "FROM", "TO")
			for _, e := range entries {
				t.addRow(e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.AgentID, e.EventType, orDash(e.From), orDash(e.To))
			}
			fmt.Fprint(out, t.render(p))
			return nil
		},
	}
	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "only entries for this agent")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries to show")
	cmd.Flags().StringVarP(&format, "output", "o", format, "output format: table, json or yaml")
	return cmd
}

func readHistory(cfg *config.Config, agentID string, limit int) ([]state.EventLogEntry, error) {
	path := cfg.HistoryPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	store, err := state.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		return nil, err
	}
	return store.ListEvents(agentID, limit)
}

func newConfigCmd(g *globalOptions) *cobra.Command {
	var showPath bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration omar would run with: defaults, then the config
file, then environment overrides.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showPath {
				fmt.Fprintln(cmd.OutOrStdout(), g.configPath())
				return nil
			}
			return config.Print(g.cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&showPath, "path", false, "print only the config file path")
	return cmd
}
