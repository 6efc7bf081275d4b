package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stride/internal/app"
	"stride/internal/coach"
	"stride/internal/domain"
	"stride/internal/engine"
	"stride/internal/repo"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect conversation sessions",
	}
	cmd.AddCommand(sessionShowCmd())
	cmd.AddCommand(sessionListCmd())
	cmd.AddCommand(sessionRestartCmd())
	return cmd
}

func sessionShowCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the session phase and recent messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.GetSession(ctx, sessionID())
				if err != nil {
					return err
				}
				msgs, err := a.Engine.Messages(ctx, s.ID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"session": s, "messages": msgs})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "session %s: %s", s.ID, s.Phase)
				if s.AwaitingConfirmation {
					fmt.Fprint(out, " (awaiting confirmation)")
				}
				fmt.Fprintln(out)
				for _, m := range msgs {
					fmt.Fprintf(out, "[%s] %s\n", m.Role, m.Content)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 10, "number of messages")
	return cmd
}

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListSessions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Phase", "Awaiting", "Updated"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Phase, s.AwaitingConfirmation, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sessionRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Start a new cycle after a finished goal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Coach.Restart(ctx, sessionID())
				if err != nil {
					return err
				}
				return printJSONOrText(s)
			})
		},
	}
}

func goalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "goal",
		Short: "Inspect goals and check off days",
	}
	cmd.AddCommand(goalActiveCmd())
	cmd.AddCommand(goalListCmd())
	cmd.AddCommand(goalShowCmd())
	cmd.AddCommand(goalDoneCmd())
	return cmd
}

func goalActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "Show the active goal as a calendar",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				g, err := a.Engine.ActiveGoal(ctx)
				if err != nil {
					return err
				}
				return showGoal(cmd.OutOrStdout(), g, a.Engine.Today())
			})
		},
	}
}

func goalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <goal-id>",
		Short: "Show a goal as a calendar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				g, err := a.Engine.GetGoal(ctx, args[0])
				if err != nil {
					return err
				}
				return showGoal(cmd.OutOrStdout(), g, a.Engine.Today())
			})
		},
	}
}

func goalListCmd() *cobra.Command {
	var f repo.GoalFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List goals, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if f.CompletedOnly {
					f.IncludeArchived = true
				}
				items, err := a.Engine.ListGoals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Title", "Days", "State", "Created"})
				for _, g := range items {
					tw.AppendRow(table.Row{g.ID, g.Title, g.TotalDays, goalState(g), g.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&f.IncludeArchived, "all", false, "include archived goals")
	cmd.Flags().BoolVar(&f.CompletedOnly, "completed", false, "only completed goals")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum goals")
	return cmd
}

func goalDoneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "done [task-id]",
		Short: "Check off a daily task (today's by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var taskID string
				if len(args) == 1 {
					taskID = args[0]
				} else {
					_, t, err := a.Engine.TodayTask(ctx, sessionID())
					if err != nil {
						return err
					}
					taskID = t.ID
				}
				res, err := a.Coach.CompleteTask(ctx, sessionID(), taskID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "day %d done: %s\n", res.Task.DayIndex+1, res.Task.Label)
				if res.GoalCompleted {
					fmt.Fprintf(out, "every day of %q is done. Congratulations!\n", res.Goal.Title)
				}
				return nil
			})
		},
	}
}

func checkinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkin",
		Short: "Show today's task with an encouragement",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return showCheckin(ctx, a.Coach, sessionID(), cmd.OutOrStdout())
			})
		},
	}
}

func showCheckin(ctx context.Context, c *coach.Coach, sid string, out io.Writer) error {
	ci, err := c.Checkin(ctx, sid)
	if err != nil {
		if errors.Is(err, engine.ErrNoActiveGoal) {
			fmt.Fprintln(out, "no active goal yet: start with 'stride chat'")
			return nil
		}
		return err
	}
	if viper.GetBool("json") {
		return printJSON(ci)
	}
	fmt.Fprintf(out, "%s: %d of %d days done\n", ci.Goal.Title, ci.DaysDone, ci.Goal.TotalDays)
	if ci.Today != nil {
		state := "open"
		if ci.Today.IsCompleted {
			state = "done"
		}
		fmt.Fprintf(out, "today: %s (%s)\n", ci.Today.Label, state)
	}
	fmt.Fprintln(out, ci.Encouragement)
	return nil
}

func goalState(g domain.Goal) string {
	switch {
	case g.IsCompleted:
		return "completed"
	case g.IsArchived:
		return "archived"
	default:
		return "active"
	}
}

func showGoal(out io.Writer, g domain.Goal, today string) error {
	if viper.GetBool("json") {
		return printJSON(g)
	}
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, "%s (%d days, %s)\n", g.Title, g.TotalDays, goalState(g))
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"Day", "Date", "Phase", "Task", "Done"})
	for _, t := range g.DailyTasks {
		phase := ""
		if t.PhaseIndex < len(g.Phases) {
			phase = g.Phases[t.PhaseIndex].Name
		}
		date := t.Date
		if date == today {
			date += " *"
		}
		done := ""
		if t.IsCompleted {
			done = "x"
		}
		tw.AppendRow(table.Row{t.DayIndex + 1, date, phase, t.Label, done})
	}
	tw.Render()
	return nil
}
