package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"stride/internal/blueprint"
	"stride/internal/db"
	"stride/internal/domain"
	"stride/internal/engine"
	"stride/internal/events"
	"stride/internal/migrate"
	"stride/internal/repo"
	"stride/internal/schema"
)

type testEnv struct {
	Engine engine.Engine
	Bus    *events.Bus
	Ctx    context.Context
	Clock  *time.Time
}

var day0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bus := events.NewBus()
	eng := engine.New(conn, bus, nil)
	clock := day0
	eng.Now = func() time.Time { return clock }
	n := 0
	eng.NewID = func() string {
		n++
		return fmt.Sprintf("id-%03d", n)
	}
	ctx := context.Background()
	if _, err := eng.EnsureSession(ctx, "s1", "tester"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	return testEnv{Engine: eng, Bus: bus, Ctx: ctx, Clock: &clock}
}

func to(p domain.ConversationPhase) engine.Transition {
	return func(domain.ConversationPhase) (domain.ConversationPhase, error) { return p, nil }
}

func (env testEnv) createGoal(t *testing.T, title string, days ...int) domain.Goal {
	t.Helper()
	bp := schema.Blueprint{Title: title}
	for i, d := range days {
		bp.Phases = append(bp.Phases, schema.PhaseSpec{Name: fmt.Sprintf("P%d", i+1), DurationDays: d, TaskLabel: "task", ColorTag: "FFD700"})
	}
	g := blueprint.Materialize(bp, env.Engine.Now(), env.Engine.NewID)
	g, err := env.Engine.CreateGoal(env.Ctx, g, engine.Mutation{SessionID: "s1", Transition: to(domain.PhaseCompanion)})
	if err != nil {
		t.Fatalf("create goal: %v", err)
	}
	return g
}

func TestEnsureSessionStartsInOnboarding(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.GetSession(env.Ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Phase != domain.PhaseOnboarding || s.ActiveGoalID != nil {
		t.Fatalf("unexpected session %+v", s)
	}
	again, err := env.Engine.EnsureSession(env.Ctx, "s1", "tester")
	if err != nil || again.CreatedAt != s.CreatedAt {
		t.Fatalf("ensure should reuse session: %v", err)
	}
}

func TestCreateGoalPersistsCalendarAndMovesSession(t *testing.T) {
	env := newTestEnv(t)
	ch, cancel := env.Bus.Subscribe("s1", 16)
	defer cancel()

	g := env.createGoal(t, "Run 5k", 3, 4)
	if len(g.Phases) != 2 || len(g.DailyTasks) != 7 {
		t.Fatalf("got %d phases %d tasks", len(g.Phases), len(g.DailyTasks))
	}
	if g.DailyTasks[6].Date != "2024-01-07" {
		t.Fatalf("last task date %s", g.DailyTasks[6].Date)
	}
	s, _ := env.Engine.GetSession(env.Ctx, "s1")
	if s.Phase != domain.PhaseCompanion || s.ActiveGoalID == nil || *s.ActiveGoalID != g.ID {
		t.Fatalf("session not moved: %+v", s)
	}
	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	want := []string{events.SessionPhase, events.GoalCreated}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Fatalf("published %v, want %v", types, want)
	}
}

func TestCreateGoalArchivesPreviousActive(t *testing.T) {
	env := newTestEnv(t)
	first := env.createGoal(t, "first", 2)
	*env.Clock = env.Clock.Add(time.Hour)
	second := env.createGoal(t, "second", 2)

	active, err := env.Engine.ActiveGoal(env.Ctx)
	if err != nil || active.ID != second.ID {
		t.Fatalf("active goal %v: %v", active.ID, err)
	}
	old, err := env.Engine.GetGoal(env.Ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !old.IsArchived || old.IsCompleted {
		t.Fatalf("first goal should be archived, not completed: %+v", old)
	}
}

func TestFailedTransitionRollsBack(t *testing.T) {
	env := newTestEnv(t)
	refuse := func(domain.ConversationPhase) (domain.ConversationPhase, error) { return "", errors.New("nope") }
	g := blueprint.Materialize(schema.Blueprint{Title: "x", Phases: []schema.PhaseSpec{{DurationDays: 1}}}, env.Engine.Now(), nil)
	if _, err := env.Engine.CreateGoal(env.Ctx, g, engine.Mutation{SessionID: "s1", Transition: refuse}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := env.Engine.ActiveGoal(env.Ctx); !errors.Is(err, engine.ErrNoActiveGoal) {
		t.Fatalf("goal should not exist: %v", err)
	}
}

func TestUpdateTodayTask(t *testing.T) {
	env := newTestEnv(t)
	env.createGoal(t, "Read", 5)
	*env.Clock = day0.AddDate(0, 0, 2)
	task, err := env.Engine.UpdateTodayTask(env.Ctx, "Read 10 pages", engine.Mutation{SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	if task.DayIndex != 2 || task.Label != "Read 10 pages" {
		t.Fatalf("wrong task updated: %+v", task)
	}
	_, today, err := env.Engine.TodayTask(env.Ctx, "s1")
	if err != nil || today.Label != "Read 10 pages" {
		t.Fatalf("today task %+v: %v", today, err)
	}

	*env.Clock = day0.AddDate(0, 0, 30)
	if _, err := env.Engine.UpdateTodayTask(env.Ctx, "x", engine.Mutation{SessionID: "s1"}); !errors.Is(err, engine.ErrNoTaskToday) {
		t.Fatalf("expected ErrNoTaskToday, got %v", err)
	}
}

func TestUpdateTodayTaskWithoutGoal(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.UpdateTodayTask(env.Ctx, "x", engine.Mutation{SessionID: "s1"}); !errors.Is(err, engine.ErrNoActiveGoal) {
		t.Fatalf("expected ErrNoActiveGoal, got %v", err)
	}
}

func TestCompleteGoalForcesAllTasks(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGoal(t, "Meditate", 2, 2)
	done, err := env.Engine.CompleteGoal(env.Ctx, engine.Mutation{SessionID: "s1", Transition: to(domain.PhaseWitness)})
	if err != nil {
		t.Fatal(err)
	}
	if done.ID != g.ID || !done.IsCompleted || !done.IsArchived || done.CompletedAt == nil {
		t.Fatalf("goal not completed: %+v", done)
	}
	for _, task := range done.DailyTasks {
		if !task.IsCompleted {
			t.Fatalf("task %d still open", task.DayIndex)
		}
	}
	if _, err := env.Engine.ActiveGoal(env.Ctx); !errors.Is(err, engine.ErrNoActiveGoal) {
		t.Fatalf("completed goal still active: %v", err)
	}
	s, _ := env.Engine.GetSession(env.Ctx, "s1")
	if s.Phase != domain.PhaseWitness {
		t.Fatalf("phase %s", s.Phase)
	}
}

func TestResetGoalDeletes(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGoal(t, "Swim", 3)
	if _, err := env.Engine.ResetGoal(env.Ctx, engine.Mutation{SessionID: "s1", Transition: to(domain.PhaseOnboarding)}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GetGoal(env.Ctx, g.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("goal should be gone: %v", err)
	}
	s, _ := env.Engine.GetSession(env.Ctx, "s1")
	if s.Phase != domain.PhaseOnboarding || s.ActiveGoalID != nil {
		t.Fatalf("session not reset: %+v", s)
	}
}

func TestCompleteDailyTaskExhaustsGoal(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGoal(t, "Stretch", 1, 1)
	m := engine.Mutation{SessionID: "s1"}

	res, err := env.Engine.CompleteDailyTask(env.Ctx, g.DailyTasks[0].ID, m, to(domain.PhaseWitness))
	if err != nil {
		t.Fatal(err)
	}
	if res.GoalCompleted || !res.Task.IsCompleted || res.Session.Phase != domain.PhaseCompanion {
		t.Fatalf("first completion: %+v", res)
	}

	*env.Clock = day0.AddDate(0, 0, 1)
	res, err = env.Engine.CompleteDailyTask(env.Ctx, g.DailyTasks[1].ID, m, to(domain.PhaseWitness))
	if err != nil {
		t.Fatal(err)
	}
	if !res.GoalCompleted || !res.Goal.IsCompleted || !res.Goal.IsArchived {
		t.Fatalf("goal should be completed: %+v", res.Goal)
	}
	if res.Goal.CurrentPhaseIndex != 1 {
		t.Fatalf("current phase %d", res.Goal.CurrentPhaseIndex)
	}
	if res.Session.Phase != domain.PhaseWitness {
		t.Fatalf("phase %s", res.Session.Phase)
	}
}

func TestRecordTurnAndRestart(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.RecordTurn(env.Ctx, engine.TurnRecord{SessionID: "s1", UserText: fmt.Sprintf("u%d", i), Reply: fmt.Sprintf("a%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	msgs, err := env.Engine.Messages(env.Ctx, "s1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[0].Content != "a1" || msgs[2].Content != "a2" {
		t.Fatalf("unexpected window %+v", msgs)
	}

	s, err := env.Engine.RecordTurn(env.Ctx, engine.TurnRecord{SessionID: "s1", UserText: "done!", Reply: "Really?", AwaitingConfirmation: true, ConfirmationNonce: "n1"})
	if err != nil || !s.AwaitingConfirmation || s.ConfirmationNonce != "n1" {
		t.Fatalf("confirmation state not stored: %+v %v", s, err)
	}

	s, err = env.Engine.Restart(env.Ctx, engine.Mutation{SessionID: "s1", Transition: to(domain.PhaseOnboarding)})
	if err != nil {
		t.Fatal(err)
	}
	if s.AwaitingConfirmation || s.ConfirmationNonce != "" {
		t.Fatalf("restart kept confirmation state: %+v", s)
	}
	msgs, _ = env.Engine.Messages(env.Ctx, "s1", 0)
	if len(msgs) != 0 {
		t.Fatalf("history not cleared: %d", len(msgs))
	}
	evts, err := env.Engine.LatestEvents(env.Ctx, repo.EventFilters{SessionID: "s1", Type: events.SessionRestarted})
	if err != nil || len(evts) != 1 {
		t.Fatalf("restart event missing: %v", err)
	}
}

func (env testEnv) createGoalIn(t *testing.T, sessionID, title string, days int) domain.Goal {
	t.Helper()
	if _, err := env.Engine.EnsureSession(env.Ctx, sessionID, "tester"); err != nil {
		t.Fatal(err)
	}
	bp := schema.Blueprint{Title: title, Phases: []schema.PhaseSpec{{Name: "P1", DurationDays: days, TaskLabel: "task", ColorTag: "FFD700"}}}
	g := blueprint.Materialize(bp, env.Engine.Now(), env.Engine.NewID)
	g, err := env.Engine.CreateGoal(env.Ctx, g, engine.Mutation{SessionID: sessionID, Transition: to(domain.PhaseCompanion)})
	if err != nil {
		t.Fatalf("create goal in %s: %v", sessionID, err)
	}
	return g
}

func TestNewGoalDetachesOtherSession(t *testing.T) {
	env := newTestEnv(t)
	first := env.createGoalIn(t, "s1", "first", 2)
	*env.Clock = env.Clock.Add(time.Hour)
	second := env.createGoalIn(t, "s2", "second", 2)

	s1, err := env.Engine.GetSession(env.Ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if s1.Phase != domain.PhaseOnboarding || s1.ActiveGoalID != nil {
		t.Fatalf("s1 should be back in onboarding without a goal: %+v", s1)
	}
	if _, err := env.Engine.SessionGoal(env.Ctx, "s1"); !errors.Is(err, engine.ErrNoActiveGoal) {
		t.Fatalf("s1 goal: %v", err)
	}
	evts, err := env.Engine.LatestEvents(env.Ctx, repo.EventFilters{SessionID: "s1", Type: events.SessionPhase, Limit: 1})
	if err != nil || len(evts) != 1 || !strings.Contains(evts[0].Payload, "goal_superseded") {
		t.Fatalf("missing detach event: %+v %v", evts, err)
	}

	// Commands from the detached session never reach the other session's goal.
	if _, err := env.Engine.ResetGoal(env.Ctx, engine.Mutation{SessionID: "s1"}); !errors.Is(err, engine.ErrNoActiveGoal) {
		t.Fatalf("reset from s1: %v", err)
	}
	if _, err := env.Engine.UpdateTodayTask(env.Ctx, "hijack", engine.Mutation{SessionID: "s1"}); !errors.Is(err, engine.ErrNoActiveGoal) {
		t.Fatalf("update from s1: %v", err)
	}
	if _, err := env.Engine.CompleteGoal(env.Ctx, engine.Mutation{SessionID: "s1"}); !errors.Is(err, engine.ErrNoActiveGoal) {
		t.Fatalf("complete from s1: %v", err)
	}

	g, err := env.Engine.SessionGoal(env.Ctx, "s2")
	if err != nil || g.ID != second.ID {
		t.Fatalf("s2 goal %v: %v", g.ID, err)
	}
	if g.DailyTasks[0].Label != "task" {
		t.Fatalf("s2 task changed: %+v", g.DailyTasks[0])
	}
	s2, _ := env.Engine.GetSession(env.Ctx, "s2")
	if s2.Phase != domain.PhaseCompanion || s2.ActiveGoalID == nil || *s2.ActiveGoalID != second.ID {
		t.Fatalf("s2 disturbed: %+v", s2)
	}
	old, _ := env.Engine.GetGoal(env.Ctx, first.ID)
	if !old.IsArchived {
		t.Fatalf("first goal should be archived: %+v", old)
	}
}

func TestCompleteDailyTaskRefusesOtherSessionsTask(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGoalIn(t, "s1", "solo", 1)
	if _, err := env.Engine.EnsureSession(env.Ctx, "s2", "tester"); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.CompleteDailyTask(env.Ctx, g.DailyTasks[0].ID, engine.Mutation{SessionID: "s2"}, to(domain.PhaseWitness))
	if !errors.Is(err, engine.ErrNoActiveGoal) {
		t.Fatalf("expected ErrNoActiveGoal for a session without goal, got %v", err)
	}
	// s3's new goal detaches s1.
	other := env.createGoalIn(t, "s3", "other", 1)
	_, err = env.Engine.CompleteDailyTask(env.Ctx, other.DailyTasks[0].ID, engine.Mutation{SessionID: "s1"}, to(domain.PhaseWitness))
	if !errors.Is(err, engine.ErrNoActiveGoal) {
		t.Fatalf("expected ErrNoActiveGoal after detach, got %v", err)
	}

	fresh := env.createGoalIn(t, "s1", "again", 1)
	_, err = env.Engine.CompleteDailyTask(env.Ctx, other.DailyTasks[0].ID, engine.Mutation{SessionID: "s1"}, to(domain.PhaseWitness))
	if !errors.Is(err, engine.ErrForeignTask) {
		t.Fatalf("expected ErrForeignTask, got %v", err)
	}

	res, err := env.Engine.CompleteDailyTask(env.Ctx, fresh.DailyTasks[0].ID, engine.Mutation{SessionID: "s1"}, to(domain.PhaseWitness))
	if err != nil {
		t.Fatal(err)
	}
	if !res.GoalCompleted || res.Session.Phase != domain.PhaseWitness {
		t.Fatalf("own task should exhaust the goal: %+v", res)
	}
}
