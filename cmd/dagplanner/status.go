package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/aristath/dagplanner/internal/scheduler"
	"github.com/aristath/dagplanner/internal/tui"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [orchestrator]",
		Short: "Show the children of an orchestrator in dependency order",
		Long: `Show the children of an orchestrator in dependency order. Without an
argument, list every orchestrator in the task store with its progress.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, opts, func(a *app) error {
				if len(args) == 0 {
					tasks, err := a.store.ListTasks(ctx)
					if err != nil {
						return err
					}
					fmt.Fprint(cmd.OutOrStdout(), renderOrchestrators(tasks))
					return nil
				}
				orch, err := a.resolveTask(ctx, args[0])
				if err != nil {
					return err
				}
				load := tui.NewStoreLoader(a.store, orch.ID, a.planner.StatePath(orch.Key), 0)
				snap, err := load(ctx)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), renderStatus(snap))
				return nil
			})
		},
	}
}

// renderOrchestrators lists tasks that have children, with child progress.
func renderOrchestrators(tasks []*scheduler.Task) string {
	type progress struct{ done, blocked, total int }
	byParent := make(map[string]*progress)
	for _, t := range tasks {
		if t.ParentID == "" {
			continue
		}
		p := byParent[t.ParentID]
		if p == nil {
			p = &progress{}
			byParent[t.ParentID] = p
		}
		p.total++
		switch t.Status {
		case scheduler.StatusCompleted, scheduler.StatusCancelled:
			p.done++
		case scheduler.StatusBlocked:
			p.blocked++
		}
	}

	var rows [][]string
	for _, t := range tasks {
		p, ok := byParent[t.ID]
		if !ok {
			continue
		}
		rows = append(rows, []string{
			t.Key,
			string(t.Status),
			fmt.Sprintf("%d/%d", p.done, p.total),
			fmt.Sprint(p.blocked),
			t.Title,
		})
	}
	if len(rows) == 0 {
		return "no orchestrators\n"
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(tui.StyleHelp).
		Headers("KEY", "STATUS", "DONE", "BLOCKED", "TITLE").
		Rows(rows...)
	return t.String() + "\n"
}

func renderStatus(snap tui.Snapshot) string {
	var b strings.Builder

	c := snap.Counts()
	b.WriteString(tui.StyleTitle.Render(snap.OrchestratorKey))
	fmt.Fprintf(&b, "\n%d children: %d completed, %d running, %d ready, %d blocked, %d pending\n",
		c.Total, c.Completed, c.Running, c.Ready, c.Blocked, c.Pending)

	if len(snap.Cycle) > 0 {
		b.WriteString(tui.StyleWarning.Render("dependency cycle: "+strings.Join(snap.Cycle, " -> ")) + "\n")
	}
	for _, e := range snap.DAGErrors {
		b.WriteString(tui.StyleWarning.Render(e) + "\n")
	}
	if snap.StateError != "" {
		b.WriteString(tui.StyleWarning.Render("coordinator state: "+snap.StateError) + "\n")
	}
	if len(snap.Rows) == 0 {
		return b.String()
	}

	keys := make(map[string]string, len(snap.Rows))
	for _, r := range snap.Rows {
		keys[r.Task.ID] = r.Task.Key
	}
	rows := make([][]string, 0, len(snap.Rows))
	for _, r := range snap.Rows {
		deps := make([]string, 0, len(r.Task.Dependencies))
		for _, d := range r.Task.Dependencies {
			if k, ok := keys[d]; ok {
				d = k
			}
			deps = append(deps, d)
		}
		rows = append(rows, []string{
			tui.StatusIcon(r),
			r.Task.Key,
			string(r.Task.Status),
			string(r.Task.Band()),
			strings.Join(deps, ","),
			r.Task.Title,
		})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(tui.StyleHelp).
		Headers("", "KEY", "STATUS", "BAND", "DEPENDS ON", "TITLE").
		Rows(rows...)
	b.WriteString(t.String())
	b.WriteString("\n")
	return b.String()
}
