package coach

import (
	"fmt"
	"strings"

	"stride/internal/domain"
	"stride/internal/llm"
)

const onboardingPrompt = `You are Stride, a warm and practical goal coach.
Interview the user briefly to understand one goal they want to reach, how much
time they have, and what a realistic daily effort looks like. Ask one question
at a time.

When you have enough information, propose a plan and include it as a single
JSON code block with exactly these keys:

` + "```json" + `
{
  "goal_title": "short goal title",
  "total_duration": 21,
  "phases": [
    {
      "name": "phase name",
      "duration_days": 7,
      "daily_task_label": "short label for each day",
      "daily_task_detail": "one sentence on how to do it",
      "bubble_color": "FFD700"
    }
  ]
}
` + "```" + `

total_duration must equal the sum of duration_days. Do not emit any other JSON.`

const companionPrompt = `You are Stride, a goal coach accompanying the user through an active plan.
Be brief and encouraging. Talk about today's task and how it went.

You may change the state of the plan by adding one JSON object to your reply:
- to replace today's task: {"action": "update_today_task", "new_task_label": "new label"}
- to abandon the goal and plan a new one: {"action": "reset_goal"}
- to mark the whole goal achieved: {"action": "trigger_phase_3_completion"}

Never emit trigger_phase_3_completion in reaction to a single message. When
the user says the whole goal is done, first ask them a yes or no question to
confirm, and only emit the command after they answer yes.`

const witnessPrompt = `You are Stride. The user has just completed their goal.
Celebrate honestly and specifically. Reflect on the journey using the plan
below, then invite them to start a new goal whenever they are ready. Do not
emit any JSON.`

const checkinPrompt = `Write one short sentence (under 20 words) of encouragement for
someone working on the goal and task below. Reply with the sentence only.`

func systemPrompt(phase domain.ConversationPhase) string {
	switch phase {
	case domain.PhaseCompanion:
		return companionPrompt
	case domain.PhaseWitness:
		return witnessPrompt
	default:
		return onboardingPrompt
	}
}

// goalContext summarizes the active goal for the model.
func goalContext(g domain.Goal, today string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current goal: %s (%d days).\n", g.Title, g.TotalDays)
	done := 0
	var todayTask *domain.DailyTask
	for i, t := range g.DailyTasks {
		if t.IsCompleted {
			done++
		}
		if t.Date == today {
			todayTask = &g.DailyTasks[i]
		}
	}
	fmt.Fprintf(&b, "Progress: %d of %d days completed.\n", done, len(g.DailyTasks))
	for _, p := range g.Phases {
		marker := " "
		if p.OrderIndex == g.CurrentPhaseIndex {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s phase %d %q: %d days, daily task %q\n", marker, p.OrderIndex+1, p.Name, p.DurationDays, p.TaskLabel)
	}
	if todayTask != nil {
		status := "not done yet"
		if todayTask.IsCompleted {
			status = "done"
		}
		fmt.Fprintf(&b, "Today (%s, day %d): %q, %s.", today, todayTask.DayIndex+1, todayTask.Label, status)
		if todayTask.Detail != "" {
			fmt.Fprintf(&b, " %s", todayTask.Detail)
		}
	} else {
		fmt.Fprintf(&b, "Nothing is scheduled for today (%s).", today)
	}
	return b.String()
}

func askConfirmationInstruction() string {
	return "The user's last message suggests they finished the whole goal. Do NOT emit any action JSON in this reply. " +
		"Ask them a single yes or no question to confirm that the entire goal is complete, and end your reply with that question."
}

func confirmInstruction(nonce string, requireNonce bool) string {
	s := "You asked the user to confirm that the whole goal is complete. If their reply is a clear yes, " +
		`include {"action": "trigger_phase_3_completion"`
	if requireNonce {
		s += fmt.Sprintf(`, "confirmation_nonce": %q`, nonce)
	}
	return s + "} in your reply. Otherwise continue normally without it."
}

func buildMessages(system []string, history []domain.ChatMessage, userText string) []llm.Message {
	msgs := make([]llm.Message, 0, len(system)+len(history)+1)
	for _, s := range system {
		if strings.TrimSpace(s) != "" {
			msgs = append(msgs, llm.Message{Role: domain.RoleSystem, Content: s})
		}
	}
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	return append(msgs, llm.Message{Role: domain.RoleUser, Content: userText})
}
