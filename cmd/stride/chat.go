package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stride/internal/app"
	"stride/internal/coach"
	"stride/internal/domain"
	"stride/internal/engine"
)

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk with the coach interactively",
		Long:  "Starts a conversation on the current session. Type /checkin for today's task, /restart after a finished goal, /quit to leave.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return chatLoop(ctx, a.Coach, sessionID(), os.Stdin, cmd.OutOrStdout())
			})
		},
	}
	return cmd
}

func chatLoop(ctx context.Context, c *coach.Coach, sid string, in io.Reader, out io.Writer) error {
	s, err := c.Engine.EnsureSession(ctx, sid, engine.ActorFrom(ctx))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "session %s (%s). /quit to leave.\n", s.ID, s.Phase)
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/checkin":
			if err := showCheckin(ctx, c, sid, out); err != nil {
				fmt.Fprintln(out, "!", err)
			}
			continue
		case "/restart":
			s, err := c.Restart(ctx, sid)
			if err != nil {
				fmt.Fprintln(out, "!", err)
				continue
			}
			fmt.Fprintf(out, "new cycle started (%s)\n", s.Phase)
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := c.HandleTurn(ctx, sid, line, func(chunk string) { fmt.Fprint(out, chunk) })
		fmt.Fprintln(out)
		if err != nil {
			fmt.Fprintln(out, "! the coach could not answer:", err)
			continue
		}
		printTurnNotes(out, res)
	}
}

func sayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "say <message>",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out := cmd.OutOrStdout()
				var onChunk func(string)
				if !viper.GetBool("json") {
					onChunk = func(chunk string) { fmt.Fprint(out, chunk) }
				}
				res, err := a.Coach.HandleTurn(ctx, sessionID(), strings.Join(args, " "), onChunk)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Fprintln(out)
				printTurnNotes(out, res)
				return nil
			})
		},
	}
	return cmd
}

// printTurnNotes reports what a turn changed besides the reply text.
func printTurnNotes(out io.Writer, res coach.TurnResult) {
	if g := res.CreatedGoal; g != nil {
		fmt.Fprintf(out, "* new goal: %s, %d days in %d phases\n", g.Title, g.TotalDays, len(g.Phases))
	}
	if t := res.UpdatedTask; t != nil {
		fmt.Fprintf(out, "* today's task is now: %s\n", t.Label)
	}
	if g := res.EndedGoal; g != nil {
		if g.IsCompleted {
			fmt.Fprintf(out, "* goal completed: %s\n", g.Title)
		} else {
			fmt.Fprintf(out, "* goal set aside: %s\n", g.Title)
		}
	}
	if res.PlanError != "" {
		fmt.Fprintf(out, "! %s (ask the coach to try again)\n", res.PlanError)
	}
	if res.CommandError != "" {
		fmt.Fprintf(out, "! action not applied: %s\n", res.CommandError)
	}
	if res.Session.AwaitingConfirmation {
		fmt.Fprintln(out, "* the coach is waiting for your confirmation")
	}
	if res.Session.Phase == domain.PhaseWitness && res.EndedGoal != nil {
		fmt.Fprintln(out, "* run 'stride session restart' when you are ready for a new goal")
	}
}
