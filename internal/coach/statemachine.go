package coach

import (
	"fmt"

	"stride/internal/domain"
	"stride/internal/engine"
)

// Trigger is an event that may move a session between conversational phases.
type Trigger string

const (
	TriggerGoalCreated         Trigger = "goal_created"
	TriggerCompletionConfirmed Trigger = "completion_confirmed"
	TriggerRestart             Trigger = "restart"
	TriggerTaskUpdated         Trigger = "task_updated"
	TriggerGoalReset           Trigger = "goal_reset"
	TriggerGoalsExhausted      Trigger = "goals_exhausted"
)

type edge struct {
	from    domain.ConversationPhase
	trigger Trigger
}

var transitions = map[edge]domain.ConversationPhase{
	{domain.PhaseOnboarding, TriggerGoalCreated}:        domain.PhaseCompanion,
	{domain.PhaseCompanion, TriggerCompletionConfirmed}: domain.PhaseWitness,
	{domain.PhaseWitness, TriggerRestart}:               domain.PhaseOnboarding,
	{domain.PhaseCompanion, TriggerTaskUpdated}:         domain.PhaseCompanion,
	{domain.PhaseOnboarding, TriggerGoalReset}:          domain.PhaseOnboarding,
	{domain.PhaseCompanion, TriggerGoalReset}:           domain.PhaseOnboarding,
	{domain.PhaseCompanion, TriggerGoalsExhausted}:      domain.PhaseWitness,
}

// TransitionError reports a trigger that is not valid in the current phase.
type TransitionError struct {
	From    domain.ConversationPhase
	Trigger Trigger
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s is not allowed in phase %s", e.Trigger, e.From)
}

// NextPhase is the pure transition table.
func NextPhase(current domain.ConversationPhase, t Trigger) (domain.ConversationPhase, error) {
	next, ok := transitions[edge{current, t}]
	if !ok {
		return current, &TransitionError{From: current, Trigger: t}
	}
	return next, nil
}

// on adapts a trigger to the engine's in-transaction transition hook.
func on(t Trigger) engine.Transition {
	return func(current domain.ConversationPhase) (domain.ConversationPhase, error) {
		return NextPhase(current, t)
	}
}
