package coach_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stride/internal/coach"
	"stride/internal/command"
	"stride/internal/config"
	"stride/internal/db"
	"stride/internal/domain"
	"stride/internal/engine"
	"stride/internal/events"
	"stride/internal/llm"
	"stride/internal/migrate"
	"stride/internal/repo"
)

type step struct {
	text string
	err  error
}

// scripted replays canned model replies in order and records every request.
type scripted struct {
	mu    sync.Mutex
	steps []step
	calls [][]llm.Message
}

func (s *scripted) Complete(_ context.Context, msgs []llm.Message, onChunk func(string)) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, msgs)
	if len(s.steps) == 0 {
		return "", errors.New("no scripted reply left")
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	if st.err != nil {
		return "", st.err
	}
	if onChunk != nil {
		onChunk(st.text)
	}
	return st.text, nil
}

func (s *scripted) say(texts ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range texts {
		s.steps = append(s.steps, step{text: t})
	}
}

func (s *scripted) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step{err: err})
}

func (s *scripted) lastSystem() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var parts []string
	for _, m := range s.calls[len(s.calls)-1] {
		if m.Role == domain.RoleSystem {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

type testEnv struct {
	Coach *coach.Coach
	LLM   *scripted
	Ctx   context.Context
	Clock *time.Time
}

var day0 = time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	for _, f := range mutate {
		f(cfg)
	}
	eng := engine.New(conn, events.NewBus(), nil)
	clock := day0
	eng.Now = func() time.Time { return clock }
	fake := &scripted{}
	return testEnv{Coach: coach.New(eng, fake, cfg, nil), LLM: fake, Ctx: context.Background(), Clock: &clock}
}

const planReply = "Great, here's your plan!\n```json\n" +
	`{"goal_title":"Run 5k","phases":[{"name":"Base","duration_days":3,"daily_task_label":"Walk 20 min"},{"name":"Build","days":4,"task_label":"Jog 15 min"}]}` +
	"\n```\nReady to start?"

func (env testEnv) onboard(t *testing.T) domain.Goal {
	t.Helper()
	env.LLM.say(planReply)
	res, err := env.Coach.HandleTurn(env.Ctx, "s1", "I want to run 5k", nil)
	require.NoError(t, err)
	require.NotNil(t, res.CreatedGoal, "plan error: %s", res.PlanError)
	require.Equal(t, domain.PhaseCompanion, res.Session.Phase)
	return *res.CreatedGoal
}

func TestOnboardingCreatesGoal(t *testing.T) {
	env := newTestEnv(t)
	var streamed strings.Builder
	env.LLM.say(planReply)
	res, err := env.Coach.HandleTurn(env.Ctx, "s1", "I want to run 5k", func(s string) { streamed.WriteString(s) })
	require.NoError(t, err)
	assert.Equal(t, planReply, streamed.String())
	require.NotNil(t, res.CreatedGoal)
	assert.Equal(t, "Run 5k", res.CreatedGoal.Title)
	assert.Len(t, res.CreatedGoal.DailyTasks, 7)
	assert.Equal(t, "2025-05-01", res.CreatedGoal.DailyTasks[0].Date)
	assert.Equal(t, domain.PhaseCompanion, res.Session.Phase)
	require.NotNil(t, res.Session.ActiveGoalID)
	assert.Equal(t, res.CreatedGoal.ID, *res.Session.ActiveGoalID)

	msgs, err := env.Coach.Engine.Messages(env.Ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, planReply, msgs[1].Content)
}

func TestTranscriptFailureKeepsCommittedGoal(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Coach.Engine.DB.Exec(`CREATE TRIGGER refuse_messages BEFORE INSERT ON chat_messages
		BEGIN SELECT RAISE(ABORT, 'transcript unavailable'); END;`)
	require.NoError(t, err)

	env.LLM.say(planReply)
	_, err = env.Coach.HandleTurn(env.Ctx, "s1", "I want to run 5k", nil)
	require.ErrorContains(t, err, "record turn")

	g, err := env.Coach.Engine.SessionGoal(env.Ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Run 5k", g.Title)
	s, err := env.Coach.Engine.GetSession(env.Ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseCompanion, s.Phase)
	msgs, err := env.Coach.Engine.Messages(env.Ctx, "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = env.Coach.Engine.DB.Exec(`DROP TRIGGER refuse_messages`)
	require.NoError(t, err)
	env.LLM.say("Keep going!")
	res, err := env.Coach.HandleTurn(env.Ctx, "s1", "how am I doing", nil)
	require.NoError(t, err)
	assert.Nil(t, res.CreatedGoal)
	assert.Equal(t, domain.PhaseCompanion, res.Session.Phase)
}

func TestOnboardingMalformedPlanIsRecoverable(t *testing.T) {
	env := newTestEnv(t)
	env.LLM.say("Here:\n```json\n{\"vision_title\": \"Read\", \"phases\": [{\"name\": \"a\"}]}\n```")
	res, err := env.Coach.HandleTurn(env.Ctx, "s1", "plan please", nil)
	require.NoError(t, err)
	assert.Nil(t, res.CreatedGoal)
	assert.Contains(t, res.PlanError, "phases[0].duration_days")
	assert.Equal(t, domain.PhaseOnboarding, res.Session.Phase)

	// retry works
	env.LLM.say(planReply)
	res, err = env.Coach.HandleTurn(env.Ctx, "s1", "try again", nil)
	require.NoError(t, err)
	assert.NotNil(t, res.CreatedGoal)
}

func TestOversizedPlanIsRecoverable(t *testing.T) {
	env := newTestEnv(t)
	env.LLM.say("```json\n{\"goal_title\":\"Forever\",\"total_duration\":2000000000,\"phases\":[{\"days\":1}]}\n```")
	res, err := env.Coach.HandleTurn(env.Ctx, "s1", "plan please", nil)
	require.NoError(t, err)
	assert.Nil(t, res.CreatedGoal)
	assert.Contains(t, res.PlanError, "total_duration")
	assert.Equal(t, domain.PhaseOnboarding, res.Session.Phase)
}

func TestOnboardingConversationWithoutPlan(t *testing.T) {
	env := newTestEnv(t)
	env.LLM.say("What goal would you like to work on?")
	res, err := env.Coach.HandleTurn(env.Ctx, "s1", "hi", nil)
	require.NoError(t, err)
	assert.Nil(t, res.CreatedGoal)
	assert.Empty(t, res.PlanError)
	assert.Empty(t, res.CommandError)
	assert.Equal(t, domain.PhaseOnboarding, res.Session.Phase)
	assert.Contains(t, env.LLM.lastSystem(), "goal_title")
}

func TestStreamFailurePersistsNothing(t *testing.T) {
	env := newTestEnv(t)
	env.LLM.fail(&llm.TransportError{Transport: "primary", Err: errors.New("dial tcp: refused")})
	_, err := env.Coach.HandleTurn(env.Ctx, "s1", "hello", nil)
	var te *llm.TransportError
	require.ErrorAs(t, err, &te)
	msgs, err := env.Coach.Engine.Messages(env.Ctx, "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSingleMessageNeverCompletesGoal(t *testing.T) {
	env := newTestEnv(t)
	env.onboard(t)

	// the model misbehaves and emits the command right away
	env.LLM.say(`Wonderful! {"action": "trigger_phase_3_completion"}`)
	res, err := env.Coach.HandleTurn(env.Ctx, "s1", "I finished everything", nil)
	require.NoError(t, err)
	assert.Nil(t, res.EndedGoal)
	assert.Nil(t, res.Command)
	assert.Equal(t, coach.ErrCompletionNotConfirmed.Error(), res.CommandError)
	assert.Equal(t, domain.PhaseCompanion, res.Session.Phase)
	assert.Contains(t, env.LLM.lastSystem(), "Do NOT emit any action JSON")

	g, err := env.Coach.Engine.ActiveGoal(env.Ctx)
	require.NoError(t, err)
	for _, task := range g.DailyTasks {
		assert.False(t, task.IsCompleted)
	}
	rejected, err := env.Coach.Engine.LatestEvents(env.Ctx, repo.EventFilters{Type: events.CommandRejected})
	require.NoError(t, err)
	assert.Len(t, rejected, 1)
}

func TestTwoTurnConfirmationCompletesGoal(t *testing.T) {
	env := newTestEnv(t)
	goal := env.onboard(t)

	env.LLM.say("That's huge! Did you really complete the entire goal?")
	res, err := env.Coach.HandleTurn(env.Ctx, "s1", "I finished everything", nil)
	require.NoError(t, err)
	assert.Nil(t, res.EndedGoal)
	assert.True(t, res.Session.AwaitingConfirmation)
	assert.Equal(t, domain.PhaseCompanion, res.Session.Phase)

	env.LLM.say("Congratulations!\n```json\n{\"action\": \"trigger_phase_3_completion\"}\n```")
	res, err = env.Coach.HandleTurn(env.Ctx, "s1", "Yes, all of it!", nil)
	require.NoError(t, err)
	assert.Contains(t, env.LLM.lastSystem(), "trigger_phase_3_completion")
	require.NotNil(t, res.EndedGoal)
	assert.Equal(t, goal.ID, res.EndedGoal.ID)
	assert.True(t, res.EndedGoal.IsCompleted)
	assert.True(t, res.EndedGoal.IsArchived)
	for _, task := range res.EndedGoal.DailyTasks {
		assert.True(t, task.IsCompleted)
	}
	require.NotNil(t, res.Command)
	assert.Equal(t, command.ActionTriggerComplete, res.Command.Action)
	assert.Equal(t, domain.PhaseWitness, res.Session.Phase)
	assert.False(t, res.Session.AwaitingConfirmation)
}

func TestConfirmationDeclined(t *testing.T) {
	env := newTestEnv(t)
	env.onboard(t)

	env.LLM.say("Did you finish the whole plan?")
	_, err := env.Coach.HandleTurn(env.Ctx, "s1", "I'm done!", nil)
	require.NoError(t, err)

	env.LLM.say(`{"action":"trigger_phase_3_completion"}`)
	res, err := env.Coach.HandleTurn(env.Ctx, "s1", "no, not yet", nil)
	require.NoError(t, err)
	assert.Nil(t, res.EndedGoal)
	assert.NotEmpty(t, res.CommandError)
	assert.Equal(t, domain.PhaseCompanion, res.Session.Phase)
	assert.False(t, res.Session.AwaitingConfirmation)
}

func TestPendingConfirmationIsSingleShot(t *testing.T) {
	env := newTestEnv(t)
	env.onboard(t)

	env.LLM.say("Did you finish the whole plan?", "Okay, tell me more about today.", `{"action":"trigger_phase_3_completion"}`)
	_, err := env.Coach.HandleTurn(env.Ctx, "s1", "I finished everything", nil)
	require.NoError(t, err)
	_, err = env.Coach.HandleTurn(env.Ctx, "s1", "hmm, let me think", nil)
	require.NoError(t, err)
	res, err := env.Coach.HandleTurn(env.Ctx, "s1", "yes", nil)
	require.NoError(t, err)
	assert.Nil(t, res.EndedGoal)
	assert.Equal(t, domain.PhaseCompanion, res.Session.Phase)
}

func TestConfirmationNonceRequired(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Coach.RequireConfirmationNonce = true })
	env.onboard(t)

	env.LLM.say("Did you complete the whole goal?")
	res, err := env.Coach.HandleTurn(env.Ctx, "s1", "I finished everything", nil)
	require.NoError(t, err)
	require.True(t, res.Session.AwaitingConfirmation)
	stored, err := env.Coach.Engine.GetSession(env.Ctx, "s1")
	require.NoError(t, err)
	nonce := stored.ConfirmationNonce
	require.NotEmpty(t, nonce)

	env.LLM.say(`{"action":"trigger_phase_3_completion","confirmation_nonce":"wrong"}`)
	res, err = env.Coach.HandleTurn(env.Ctx, "s1", "yes", nil)
	require.NoError(t, err)
	assert.Contains(t, env.LLM.lastSystem(), nonce)
	assert.Nil(t, res.EndedGoal)

	env.LLM.say("Did you complete the whole goal?")
	_, err = env.Coach.HandleTurn(env.Ctx, "s1", "I finished everything", nil)
	require.NoError(t, err)
	stored, _ = env.Coach.Engine.GetSession(env.Ctx, "s1")
	env.LLM.say(`{"action":"trigger_phase_3_completion","confirmation_nonce":"` + stored.ConfirmationNonce + `"}`)
	res, err = env.Coach.HandleTurn(env.Ctx, "s1", "yes", nil)
	require.NoError(t, err)
	require.NotNil(t, res.EndedGoal)
	assert.Equal(t, domain.PhaseWitness, res.Session.Phase)
}

func TestUpdateTodayTaskCommand(t *testing.T) {
	env := newTestEnv(t)
	env.onboard(t)
	*env.Clock = day0.AddDate(0, 0, 1)

	env.LLM.say(`Let's go easier today. {"action":"update_today_task","new_task_label":"Stretch 10 min"}`)
	res, err := env.Coach.HandleTurn(env.Ctx, "s1", "my legs hurt", nil)
	require.NoError(t, err)
	require.NotNil(t, res.UpdatedTask)
	assert.Equal(t, 1, res.UpdatedTask.DayIndex)
	assert.Equal(t, "Stretch 10 min", res.UpdatedTask.Label)
	assert.Equal(t, domain.PhaseCompanion, res.Session.Phase)
	assert.Contains(t, env.LLM.lastSystem(), "Run 5k")
}

func TestUpdateWithoutLabelIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.onboard(t)
	env.LLM.say(`{"action":"update_today_task"}`)
	res, err := env.Coach.HandleTurn(env.Ctx, "s1", "change it", nil)
	require.NoError(t, err)
	assert.Nil(t, res.UpdatedTask)
	assert.Contains(t, res.CommandError, "new_task_label")
}

func TestResetGoalReturnsToOnboarding(t *testing.T) {
	env := newTestEnv(t)
	goal := env.onboard(t)
	env.LLM.say(`No problem, let's plan something else. {"action":"reset_goal"}`)
	res, err := env.Coach.HandleTurn(env.Ctx, "s1", "I want a different goal", nil)
	require.NoError(t, err)
	require.NotNil(t, res.EndedGoal)
	assert.Equal(t, goal.ID, res.EndedGoal.ID)
	assert.Equal(t, domain.PhaseOnboarding, res.Session.Phase)
	assert.Nil(t, res.Session.ActiveGoalID)
	_, err = env.Coach.Engine.GetGoal(env.Ctx, goal.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestUnknownActionIsReported(t *testing.T) {
	env := newTestEnv(t)
	env.onboard(t)
	env.LLM.say(`{"action":"throw_party"}`)
	res, err := env.Coach.HandleTurn(env.Ctx, "s1", "hey", nil)
	require.NoError(t, err)
	assert.Contains(t, res.CommandError, "throw_party")
	assert.Equal(t, domain.PhaseCompanion, res.Session.Phase)
}

func TestWitnessIgnoresCommandsUntilRestart(t *testing.T) {
	env := newTestEnv(t)
	env.onboard(t)
	env.LLM.say("Did you finish the whole goal?", `{"action":"trigger_phase_3_completion"}`)
	_, err := env.Coach.HandleTurn(env.Ctx, "s1", "I finished everything", nil)
	require.NoError(t, err)
	res, err := env.Coach.HandleTurn(env.Ctx, "s1", "yes", nil)
	require.NoError(t, err)
	require.Equal(t, domain.PhaseWitness, res.Session.Phase)

	env.LLM.say(`What a journey! {"action":"reset_goal"}`)
	res, err = env.Coach.HandleTurn(env.Ctx, "s1", "thanks", nil)
	require.NoError(t, err)
	assert.Nil(t, res.EndedGoal)
	assert.Equal(t, domain.PhaseWitness, res.Session.Phase)

	s, err := env.Coach.Restart(env.Ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseOnboarding, s.Phase)
	assert.Nil(t, s.ActiveGoalID)
	msgs, err := env.Coach.Engine.Messages(env.Ctx, "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRestartOutsideWitnessFails(t *testing.T) {
	env := newTestEnv(t)
	env.onboard(t)
	_, err := env.Coach.Restart(env.Ctx, "s1")
	var te *coach.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.PhaseCompanion, te.From)
}

func TestCompletingEveryTaskEntersWitness(t *testing.T) {
	env := newTestEnv(t)
	goal := env.onboard(t)
	var last engine.TaskCompletion
	for i, task := range goal.DailyTasks {
		*env.Clock = day0.AddDate(0, 0, i)
		var err error
		last, err = env.Coach.CompleteTask(env.Ctx, "s1", task.ID)
		require.NoError(t, err)
		if i < len(goal.DailyTasks)-1 {
			assert.False(t, last.GoalCompleted)
		}
	}
	assert.True(t, last.GoalCompleted)
	assert.Equal(t, domain.PhaseWitness, last.Session.Phase)
	assert.Equal(t, 1, last.Goal.CurrentPhaseIndex)
}

func TestCheckinFallsBackToLocalPhrase(t *testing.T) {
	env := newTestEnv(t)
	env.onboard(t)
	env.LLM.fail(errors.New("offline"))
	c, err := env.Coach.Checkin(env.Ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "local", c.Source)
	assert.Contains(t, env.Coach.Config.Coach.Encouragements, c.Encouragement)
	require.NotNil(t, c.Today)
	assert.Equal(t, 0, c.Today.DayIndex)
}

func TestCheckinUsesModelText(t *testing.T) {
	env := newTestEnv(t)
	env.onboard(t)
	env.LLM.say("  Keep going, runner!  ")
	c, err := env.Coach.Checkin(env.Ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "model", c.Source)
	assert.Equal(t, "Keep going, runner!", c.Encouragement)
}

func TestCheckinWithoutGoal(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Coach.Checkin(env.Ctx, "s1")
	assert.ErrorIs(t, err, engine.ErrNoActiveGoal)
}

func TestSessionsDoNotShareGoals(t *testing.T) {
	env := newTestEnv(t)
	first := env.onboard(t)

	*env.Clock = day0.Add(time.Hour)
	env.LLM.say(planReply)
	res, err := env.Coach.HandleTurn(env.Ctx, "s2", "me too", nil)
	require.NoError(t, err)
	require.NotNil(t, res.CreatedGoal)
	second := *res.CreatedGoal

	s1, err := env.Coach.Engine.GetSession(env.Ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseOnboarding, s1.Phase)
	assert.Nil(t, s1.ActiveGoalID)

	env.LLM.say(`Starting over. {"action":"reset_goal"}`)
	res, err = env.Coach.HandleTurn(env.Ctx, "s1", "scrap it", nil)
	require.NoError(t, err)
	assert.Nil(t, res.EndedGoal)
	assert.NotEmpty(t, res.CommandError)
	assert.NotContains(t, env.LLM.lastSystem(), "Current goal: "+first.Title)

	env.LLM.say(`Renamed. {"action":"update_today_task","new_task_label":"Nap"}`)
	res, err = env.Coach.HandleTurn(env.Ctx, "s1", "rename today", nil)
	require.NoError(t, err)
	assert.Nil(t, res.UpdatedTask)

	g, err := env.Coach.Engine.SessionGoal(env.Ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, second.ID, g.ID)
	assert.Equal(t, "Walk 20 min", g.DailyTasks[0].Label)
	s2, err := env.Coach.Engine.GetSession(env.Ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseCompanion, s2.Phase)

	_, err = env.Coach.CompleteTask(env.Ctx, "s1", second.DailyTasks[0].ID)
	assert.ErrorIs(t, err, engine.ErrNoActiveGoal)
	_, err = env.Coach.CompleteTask(env.Ctx, "s3", second.DailyTasks[0].ID)
	assert.ErrorIs(t, err, engine.ErrNoActiveGoal)
	g, err = env.Coach.Engine.GetGoal(env.Ctx, second.ID)
	require.NoError(t, err)
	assert.False(t, g.DailyTasks[0].IsCompleted)

	_, err = env.Coach.Checkin(env.Ctx, "s1")
	assert.ErrorIs(t, err, engine.ErrNoActiveGoal)
}
