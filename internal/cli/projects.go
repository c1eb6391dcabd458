package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/omar/internal/projects"
)

func newProjectsCmd(g *globalOptions) *cobra.Command {
	format := FormatTable
	cmd := &cobra.Command{
		Use:     "projects",
		Aliases: []string{"project"},
		Short:   "Show the operator's active projects",
		Long: `Show the numbered project list kept in tasks.md under the state directory.
Ids are positions: completing a project moves every later one up.

Examples:
  omar projects
  omar projects add Build the REST API
  omar projects done 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			list, err := g.client().Projects(ctx)
			if err != nil {
				return err
			}
			if format != FormatTable {
				if list == nil {
					list = []projects.Project{}
				}
				return writeStructured(cmd.OutOrStdout(), format, list)
			}

			out := cmd.OutOrStdout()
			p := newPalette(out, g.noColor)
			if len(list) == 0 {
				fmt.Fprintln(out, p.subtext.Render("No active projects."))
				return nil
			}
			t := newTable("ID", "PROJECT")
			for _, pr := range list {
				t.addRow(strconv.Itoa(pr.ID), pr.Name)
			}
			fmt.Fprint(out, t.render(p))
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", format, "output format: table, json or yaml")
	cmd.AddCommand(newProjectsAddCmd(g), newProjectsDoneCmd(g))
	return cmd
}

func newProjectsAddCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add NAME...",
		Short: "Add a project to the end of the list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			pr, err := g.client().AddProject(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			p := newPalette(cmd.OutOrStdout(), g.noColor)
			fmt.Fprintln(cmd.OutOrStdout(), p.ok.Render(fmt.Sprintf("✓ added project %d: %s", pr.ID, pr.Name)))
			return nil
		},
	}
}

func newProjectsDoneCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "done ID",
		Aliases: []string{"complete", "rm"},
		Short:   "Complete a project and remove it from the list",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil || id < 1 {
				return errors.New("project id must be a positive number")
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			resp, err := g.client().CompleteProject(ctx, id)
			if err != nil {
				return err
			}
			p := newPalette(cmd.OutOrStdout(), g.noColor)
			fmt.Fprintln(cmd.OutOrStdout(), p.ok.Render(fmt.Sprintf("✓ completed project %d: %s", resp.ID, resp.Name)))
			return nil
		},
	}
}
