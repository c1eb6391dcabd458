package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Dicklesworthstone/omar/internal/health"
	"github.com/Dicklesworthstone/omar/internal/serve"
	"github.com/Dicklesworthstone/omar/internal/supervisor"
	"github.com/Dicklesworthstone/omar/internal/tmux"
)

const requestTimeout = 30 * time.Second

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, requestTimeout)
}

func newListCmd(g *globalOptions) *cobra.Command {
	format := FormatTable
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show every agent with its health",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			fleet, err := g.client().List(ctx)
			if err != nil {
				return err
			}
			if format != FormatTable {
				return writeStructured(cmd.OutOrStdout(), format, fleet)
			}
			printFleet(cmd, g, fleet)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", format, "output format: table, json or yaml")
	return cmd
}

func printFleet(cmd *cobra.Command, g *globalOptions, fleet supervisor.Fleet) {
	out := cmd.OutOrStdout()
	p := newPalette(out, g.noColor)
	if len(fleet.Agents) == 0 {
		fmt.Fprintln(out, p.subtext.Render("No agents running."))
		return
	}

	width := terminalWidth(out, 120)
	t := newTable("AGENT", "ROLE", "PARENT", "HEALTH", "IDLE", "LAST OUTPUT")
	for _, a := range fleet.Agents {
		parent := a.Parent
		if parent == "" {
			parent = "-"
		}
		t.addRow(a.ID, string(a.Role), parent, p.health(a.Health),
			health.FormatIdle(time.Duration(a.IdleSeconds)*time.Second), a.Snippet)
	}
	// Leave the last column whatever room the others did not take.
	used := 1
	for _, w := range t.widths[:len(t.widths)-1] {
		used += w + 3
	}
	last := len(t.widths) - 1
	room := max(width-used-4, 10)
	t.widths[last] = min(t.widths[last], room)
	for i := range t.rows {
		t.rows[i][last] = clip(t.rows[i][last], room)
	}

	fmt.Fprint(out, t.render(p))
	c := fleet.Counts
	fmt.Fprintln(out, p.subtext.Render(fmt.Sprintf("%d agents: %d working, %d waiting, %d idle, %d stuck",
		c.Total(), c.Working, c.WaitingForInput, c.Idle, c.Stuck)))
	if len(fleet.Unassigned) > 0 {
		fmt.Fprintln(out, p.warn.Render("unassigned: "+strings.Join(fleet.Unassigned, ", ")))
	}
}

func newShowCmd(g *globalOptions) *cobra.Command {
	format := FormatTable
	cmd := &cobra.Command{
		Use:   "show AGENT",
		Short: "Show one agent with its latest output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			d, err := g.client().Get(ctx, args[0])
			if err != nil {
				return err
			}
			if format != FormatTable {
				return writeStructured(cmd.OutOrStdout(), format, d)
			}
			out := cmd.OutOrStdout()
			p := newPalette(out, g.noColor)
			kv := func(k, v string) {
				fmt.Fprintf(out, "%s %s\n", p.subtext.Render(fmt.Sprintf("%-10s", k+":")), v)
			}
			kv("agent", d.ID)
			kv("role", string(d.Role))
			kv("parent", orDash(d.ParentID))
			kv("health", p.health(d.Health))
			kv("idle", health.FormatIdle(time.Duration(d.IdleSeconds)*time.Second))
			kv("session", d.Handle)
			kv("workdir", d.Workdir)
			kv("command", d.Command)
			if d.Sandboxed {
				kv("sandbox", d.Container)
			}
			if len(d.Children) > 0 {
				kv("children", strings.Join(d.Children, ", "))
			}
			if d.Task != "" {
				kv("task", clip(d.Task, terminalWidth(out, 120)-12))
			}
			fmt.Fprintln(out, p.header.Render("── output ──"))
			fmt.Fprintln(out, d.OutputTail)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", format, "output format: table, json or yaml")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newSpawnCmd(g *globalOptions) *cobra.Command {
	var req serve.SpawnRequest
	cmd := &cobra.Command{
		Use:   "spawn [NAME]",
		Short: "Start a new agent",
		Long: `Start a new agent in its own tmux session. Without NAME a name is
generated. The parent manager is taken from --parent, from the calling agent
when run inside one, or inferred from the name.

Examples:
  omar spawn api -t "add pagination to /users"
  omar spawn --role manager pm
  omar spawn pm-db -t "migrate schema" --workdir ~/src/app`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.Name = args[0]
			}
			if req.Workdir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				req.Workdir = wd
			} else if !strings.HasPrefix(req.Workdir, "~") {
				abs, err := filepath.Abs(req.Workdir)
				if err != nil {
					return err
				}
				req.Workdir = abs
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()
			resp, err := g.client().Spawn(ctx, req)
			if err != nil {
				return err
			}
			p := newPalette(cmd.OutOrStdout(), g.noColor)
			msg := fmt.Sprintf("✓ spawned %s", resp.ID)
			if resp.Parent != "" {
				msg += fmt.Sprintf(" under %s (%s)", resp.Parent, resp.Rule)
			} else {
				msg += " (unassigned)"
			}
			if resp.Sandboxed {
				msg += " in sandbox"
			}
			fmt.Fprintln(cmd.OutOrStdout(), p.ok.Render(msg))
			return nil
		},
	}
	cmd.Flags().StringVarP(&req.Task, "task", "t", "", "initial task typed into the agent")
	cmd.Flags().StringVar(&req.Role, "role", "", "manager, worker or command (default worker)")
	cmd.Flags().StringVarP(&req.Parent, "parent", "p", "", "parent manager id")
	cmd.Flags().StringVarP(&req.Workdir, "workdir", "C", "", "working directory (default current directory)")
	cmd.Flags().StringVar(&req.Command, "command", "", "agent command line (default from config)")
	return cmd
}

func newKillCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "kill AGENT...",
		Short: "Stop agents and close their sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			p := newPalette(cmd.OutOrStdout(), g.noColor)
			var errs []error
			for _, id := range args {
				if err := g.client().Kill(ctx, id); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", id, err))
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), p.ok.Render("✓ killed "+id))
			}
			return errors.Join(errs...)
		},
	}
}

func newSendCmd(g *globalOptions) *cobra.Command {
	var noEnter bool
	cmd := &cobra.Command{
		Use:   "send AGENT TEXT...",
		Short: "Type text into an agent's session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			text := strings.Join(args[1:], " ")
			if err := g.client().Send(ctx, args[0], text, !noEnter); err != nil {
				return err
			}
			p := newPalette(cmd.OutOrStdout(), g.noColor)
			fmt.Fprintln(cmd.OutOrStdout(), p.ok.Render("✓ sent to "+args[0]))
			return nil
		},
	}
	cmd.Flags().BoolVar(&noEnter, "no-enter", false, "do not press Enter after the text")
	return cmd
}

func newReassignCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reassign AGENT [PARENT]",
		Short: "Move an agent under another manager, or unassign it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := ""
			if len(args) == 2 {
				parent = args[1]
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			if err := g.client().Reassign(ctx, args[0], parent); err != nil {
				return err
			}
			p := newPalette(cmd.OutOrStdout(), g.noColor)
			msg := fmt.Sprintf("✓ %s now reports to %s", args[0], parent)
			if parent == "" {
				msg = fmt.Sprintf("✓ %s is unassigned", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), p.ok.Render(msg))
			return nil
		},
	}
}

func newAttachCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "attach AGENT",
		Short: "Open an agent's session (popup when inside tmux)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return errors.New("attach requires an interactive terminal")
			}
			ctx, cancel := commandContext(cmd)
			d, err := g.client().Get(ctx, args[0])
			cancel()
			if err != nil {
				return err
			}
			return tmux.NewClient(g.sshHost).OpenPopup(cmd.Context(), d.Handle)
		},
	}
}
