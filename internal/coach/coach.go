// Package coach runs conversation turns: it streams a model reply, feeds the
// text through the plan and command pipelines, and applies the results to the
// goal store under the phase state machine and the completion gate.
package coach

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"stride/internal/blueprint"
	"stride/internal/command"
	"stride/internal/config"
	"stride/internal/domain"
	"stride/internal/engine"
	"stride/internal/events"
	"stride/internal/extract"
	"stride/internal/llm"
	"stride/internal/logging"
	"stride/internal/schema"
)

type Coach struct {
	Engine engine.Engine
	LLM    llm.Completer
	Config *config.Config
	Logger *zap.Logger
	Gate   Gate

	encouragements *encouragementPool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(eng engine.Engine, completer llm.Completer, cfg *config.Config, logger *zap.Logger) *Coach {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Coach{
		Engine:         eng,
		LLM:            completer,
		Config:         cfg,
		Logger:         logging.OrNop(logger).Named("coach"),
		Gate:           Gate{RequireNonce: cfg.Coach.RequireConfirmationNonce},
		encouragements: newEncouragementPool(cfg.Coach.Encouragements, cfg.Coach.EncouragementMemory, cfg.EncouragementTTLDuration()),
		locks:          make(map[string]*sync.Mutex),
	}
}

// lock serializes turns per session.
func (c *Coach) lock(sessionID string) func() {
	c.mu.Lock()
	l, ok := c.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[sessionID] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// TurnResult reports everything a turn changed. PlanError and CommandError
// are user-visible and retryable; they never abort the turn.
type TurnResult struct {
	Session      domain.Session    `json:"session"`
	Reply        string            `json:"reply"`
	CreatedGoal  *domain.Goal      `json:"created_goal,omitempty"`
	Command      *AppliedCommand   `json:"command,omitempty"`
	UpdatedTask  *domain.DailyTask `json:"updated_task,omitempty"`
	EndedGoal    *domain.Goal      `json:"ended_goal,omitempty"`
	PlanError    string            `json:"plan_error,omitempty"`
	CommandError string            `json:"command_error,omitempty"`
}

// AppliedCommand is the action a turn carried out.
type AppliedCommand struct {
	Action       command.Action `json:"action"`
	NewTaskLabel string         `json:"new_task_label,omitempty"`
}

// HandleTurn runs one conversation turn for sessionID. Stream failures return
// an error and leave no trace in the store.
func (c *Coach) HandleTurn(ctx context.Context, sessionID, userText string, onChunk func(string)) (TurnResult, error) {
	var res TurnResult
	unlock := c.lock(sessionID)
	defer unlock()

	actor := engine.ActorFrom(ctx)
	log := c.Logger.With(zap.String("session", sessionID))
	s, err := c.Engine.EnsureSession(ctx, sessionID, actor)
	if err != nil {
		return res, err
	}
	history, err := c.Engine.Messages(ctx, sessionID, c.Config.Coach.HistoryLimit)
	if err != nil {
		return res, fmt.Errorf("load history: %w", err)
	}

	system := []string{systemPrompt(s.Phase)}
	if s.Phase != domain.PhaseOnboarding {
		if g, err := c.sessionGoal(ctx, s); err == nil {
			system = append(system, goalContext(g, c.Engine.Today()))
		}
	}
	askConfirmation := false
	switch {
	case s.Phase == domain.PhaseCompanion && s.AwaitingConfirmation:
		system = append(system, confirmInstruction(s.ConfirmationNonce, c.Gate.RequireNonce))
	case s.Phase == domain.PhaseCompanion && ImpliesCompletion(userText):
		askConfirmation = true
		system = append(system, askConfirmationInstruction())
	}

	reply, err := c.LLM.Complete(ctx, buildMessages(system, history, userText), onChunk)
	if err != nil {
		return res, err
	}
	res.Reply = reply
	m := engine.Mutation{SessionID: sessionID, ActorID: actor}

	completed := false
	if s.Phase == domain.PhaseOnboarding {
		created, err := c.applyPlan(ctx, reply, m, log)
		if err != nil {
			if !recoverable(err) {
				return res, err
			}
			res.PlanError = "Could not understand the plan: " + err.Error()
		}
		res.CreatedGoal = created
	}
	if res.CreatedGoal == nil && s.Phase != domain.PhaseWitness {
		completed, err = c.applyCommand(ctx, s, userText, reply, m, &res, log)
		if err != nil {
			if !recoverable(err) {
				return res, err
			}
			res.CommandError = err.Error()
			if rerr := c.Engine.Record(ctx, events.CommandRejected, m, events.EventPayload{"reason": err.Error()}); rerr != nil {
				log.Warn("record rejection", zap.Error(rerr))
			}
		}
	}

	// The plan or command above has already committed in its own
	// transaction. RecordTurn reloads the session, so a failure here loses
	// only the transcript and confirmation flag, never the state change.
	rec := engine.TurnRecord{SessionID: sessionID, ActorID: actor, UserText: userText, Reply: reply}
	if askConfirmation && !completed && IsQuestion(reply) {
		rec.AwaitingConfirmation = true
		rec.ConfirmationNonce = NewNonce()
	}
	res.Session, err = c.Engine.RecordTurn(ctx, rec)
	if err != nil {
		return res, fmt.Errorf("record turn: %w", err)
	}
	return res, nil
}

// sessionGoal is the goal shown to the model: the session's own goal, which
// in witness is the one just finished.
func (c *Coach) sessionGoal(ctx context.Context, s domain.Session) (domain.Goal, error) {
	if s.ActiveGoalID == nil {
		return domain.Goal{}, engine.ErrNoActiveGoal
	}
	return c.Engine.GetGoal(ctx, *s.ActiveGoalID)
}

func (c *Coach) applyPlan(ctx context.Context, reply string, m engine.Mutation, log *zap.Logger) (*domain.Goal, error) {
	defaults := schema.Defaults{TaskLabel: c.Config.Blueprint.DefaultTaskLabel, ColorTag: c.Config.Blueprint.DefaultColor}
	bp, found, err := schema.ParseBlueprint(reply, defaults, log)
	if err != nil {
		if rerr := c.Engine.Record(ctx, events.PlanRejected, m, events.EventPayload{"reason": err.Error()}); rerr != nil {
			log.Warn("record rejection", zap.Error(rerr))
		}
		return nil, err
	}
	if !found {
		return nil, nil
	}
	g := blueprint.Materialize(bp, c.Engine.Now(), c.Engine.NewID)
	m.Transition = on(TriggerGoalCreated)
	g, err = c.Engine.CreateGoal(ctx, g, m)
	if err != nil {
		return nil, err
	}
	log.Info("goal created", zap.String("goal", g.ID), zap.String("title", g.Title), zap.Int("days", g.TotalDays))
	return &g, nil
}

// applyCommand applies at most one action from the reply. It reports whether
// the goal was completed.
func (c *Coach) applyCommand(ctx context.Context, s domain.Session, userText, reply string, m engine.Mutation, res *TurnResult, log *zap.Logger) (bool, error) {
	found, err := command.Interpret(reply, log)
	if err != nil || !found.Found {
		return false, err
	}
	cmd := found.Command
	if err := cmd.Validate(); err != nil {
		return false, err
	}
	log = log.With(zap.Stringer("command", cmd))
	switch cmd.Action {
	case command.ActionUpdateTodayTask:
		m.Transition = on(TriggerTaskUpdated)
		task, err := c.Engine.UpdateTodayTask(ctx, cmd.NewTaskLabel, m)
		if err != nil {
			return false, err
		}
		res.UpdatedTask = &task
	case command.ActionTriggerComplete:
		if err := c.Gate.Authorize(s, userText, cmd.ConfirmationNonce); err != nil {
			log.Warn("completion refused", zap.Bool("awaiting", s.AwaitingConfirmation))
			return false, err
		}
		m.Transition = on(TriggerCompletionConfirmed)
		g, err := c.Engine.CompleteGoal(ctx, m)
		if err != nil {
			return false, err
		}
		res.EndedGoal = &g
		res.Command = &AppliedCommand{Action: cmd.Action}
		log.Info("goal completed", zap.String("goal", g.ID))
		return true, nil
	case command.ActionResetGoal:
		m.Transition = on(TriggerGoalReset)
		g, err := c.Engine.ResetGoal(ctx, m)
		if err != nil {
			return false, err
		}
		res.EndedGoal = &g
	default:
		return false, &UnknownActionError{Action: cmd.RawAction}
	}
	res.Command = &AppliedCommand{Action: cmd.Action, NewTaskLabel: cmd.NewTaskLabel}
	log.Info("command applied")
	return false, nil
}

// UnknownActionError is an action string the coach does not implement.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action %q", e.Action)
}

// recoverable reports errors that should surface to the user as a retry card
// rather than fail the turn.
func recoverable(err error) bool {
	var (
		ef *extract.ExtractionFailure
		re *schema.ResolutionError
		te *TransitionError
		ue *UnknownActionError
	)
	return errors.As(err, &ef) || errors.As(err, &re) || errors.As(err, &te) || errors.As(err, &ue) ||
		errors.Is(err, ErrCompletionNotConfirmed) || errors.Is(err, engine.ErrNoActiveGoal) || errors.Is(err, engine.ErrNoTaskToday)
}

// Restart begins a new cycle after the completion ritual.
func (c *Coach) Restart(ctx context.Context, sessionID string) (domain.Session, error) {
	unlock := c.lock(sessionID)
	defer unlock()
	if _, err := c.Engine.GetSession(ctx, sessionID); err != nil {
		return domain.Session{}, err
	}
	return c.Engine.Restart(ctx, engine.Mutation{
		SessionID:  sessionID,
		ActorID:    engine.ActorFrom(ctx),
		Transition: on(TriggerRestart),
	})
}

// CompleteTask checks off one daily task. Completing the last open task ends
// the goal and moves the session to witness.
func (c *Coach) CompleteTask(ctx context.Context, sessionID, taskID string) (engine.TaskCompletion, error) {
	unlock := c.lock(sessionID)
	defer unlock()
	actor := engine.ActorFrom(ctx)
	if _, err := c.Engine.EnsureSession(ctx, sessionID, actor); err != nil {
		return engine.TaskCompletion{}, err
	}
	res, err := c.Engine.CompleteDailyTask(ctx, taskID, engine.Mutation{SessionID: sessionID, ActorID: actor}, on(TriggerGoalsExhausted))
	if err != nil {
		return res, err
	}
	if res.GoalCompleted {
		c.Logger.Info("goal exhausted", zap.String("session", sessionID), zap.String("goal", res.Goal.ID))
	}
	return res, nil
}
