// Package command interprets the small action payloads a model embeds in its
// reply to request goal mutations other than plan creation.
package command

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"stride/internal/extract"
	"stride/internal/logging"
	"stride/internal/schema"
)

type Action string

const (
	ActionUpdateTodayTask Action = "update_today_task"
	ActionTriggerComplete Action = "trigger_phase_3_completion"
	ActionResetGoal       Action = "reset_goal"
	ActionUnknown         Action = "unknown"
)

var (
	ActionAliases       = schema.Aliases{"action"}
	NewTaskLabelAliases = schema.Aliases{"new_task_label", "newTaskLabel"}
	NonceAliases        = schema.Aliases{"confirmation_nonce", "nonce"}
)

// Command is a resolved action payload.
type Command struct {
	Action Action
	// RawAction keeps the original string, including for ActionUnknown.
	RawAction         string
	NewTaskLabel      string
	ConfirmationNonce string
}

// Result is the tagged outcome of Interpret.
type Result struct {
	Found   bool
	Command Command
}

func parseAction(s string) Action {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionUpdateTodayTask, ActionTriggerComplete, ActionResetGoal:
		return a
	}
	return ActionUnknown
}

// Resolve maps a raw object onto a Command. Only action is required.
func Resolve(obj map[string]any) (Command, error) {
	raw, ok := schema.String(obj, ActionAliases)
	if !ok {
		return Command{}, &schema.ResolutionError{Field: "action", AliasesTried: ActionAliases}
	}
	cmd := Command{Action: parseAction(raw), RawAction: raw}
	cmd.NewTaskLabel, _ = schema.String(obj, NewTaskLabelAliases)
	cmd.ConfirmationNonce, _ = schema.String(obj, NonceAliases)
	return cmd, nil
}

// Validate checks per-action arguments.
func (c Command) Validate() error {
	if c.Action == ActionUpdateTodayTask && c.NewTaskLabel == "" {
		return &schema.ResolutionError{Field: "new_task_label", AliasesTried: NewTaskLabelAliases}
	}
	return nil
}

// Interpret scans a full reply for an action payload.
func Interpret(text string, logger *zap.Logger) (Result, error) {
	log := logging.OrNop(logger)
	res, err := extract.Extract(text, extract.Options{
		SignalKeys:    ActionAliases,
		RequireSignal: true,
		Element:       "action command",
		Logger:        logger,
	})
	if err != nil {
		return Result{}, err
	}
	if !res.Found {
		return Result{}, nil
	}
	cmd, err := Resolve(res.Object)
	if err != nil {
		return Result{}, err
	}
	if cmd.Action == ActionUnknown {
		log.Warn("unrecognized action", zap.String("action", cmd.RawAction))
	}
	return Result{Found: true, Command: cmd}, nil
}

func (c Command) String() string {
	if c.NewTaskLabel != "" {
		return fmt.Sprintf("%s(%q)", c.Action, c.NewTaskLabel)
	}
	return string(c.Action)
}
