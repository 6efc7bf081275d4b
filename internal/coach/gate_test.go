package coach

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stride/internal/domain"
)

func TestNextPhaseTable(t *testing.T) {
	cases := []struct {
		from    domain.ConversationPhase
		trigger Trigger
		want    domain.ConversationPhase
	}{
		{domain.PhaseOnboarding, TriggerGoalCreated, domain.PhaseCompanion},
		{domain.PhaseCompanion, TriggerCompletionConfirmed, domain.PhaseWitness},
		{domain.PhaseWitness, TriggerRestart, domain.PhaseOnboarding},
		{domain.PhaseCompanion, TriggerTaskUpdated, domain.PhaseCompanion},
		{domain.PhaseCompanion, TriggerGoalReset, domain.PhaseOnboarding},
		{domain.PhaseOnboarding, TriggerGoalReset, domain.PhaseOnboarding},
		{domain.PhaseCompanion, TriggerGoalsExhausted, domain.PhaseWitness},
	}
	for _, c := range cases {
		got, err := NextPhase(c.from, c.trigger)
		require.NoError(t, err, "%s --%s-->", c.from, c.trigger)
		assert.Equal(t, c.want, got)
	}
}

func TestNextPhaseRejects(t *testing.T) {
	invalid := []struct {
		from    domain.ConversationPhase
		trigger Trigger
	}{
		{domain.PhaseOnboarding, TriggerCompletionConfirmed},
		{domain.PhaseOnboarding, TriggerTaskUpdated},
		{domain.PhaseWitness, TriggerGoalReset},
		{domain.PhaseWitness, TriggerGoalCreated},
		{domain.PhaseCompanion, TriggerRestart},
		{domain.PhaseCompanion, TriggerGoalCreated},
	}
	for _, c := range invalid {
		got, err := NextPhase(c.from, c.trigger)
		var te *TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, c.from, got)
		assert.Equal(t, c.trigger, te.Trigger)
	}
}

func TestImpliesCompletion(t *testing.T) {
	yes := []string{"I finished everything!", "All done with the plan", "I'm done", "我已经全部完成了", "Nailed it, reached my goal"}
	no := []string{"I finished today's run", "I'm not done yet", "还没全部完成", "how is it going", ""}
	for _, s := range yes {
		assert.True(t, ImpliesCompletion(s), s)
	}
	for _, s := range no {
		assert.False(t, ImpliesCompletion(s), s)
	}
}

func TestIsAffirmative(t *testing.T) {
	yes := []string{"Yes", "yes!", "Yep, all of it", "of course", "OK", "是的", "对，全部完成了", "没错", "Sure thing"}
	no := []string{"no", "No, not yet", "nope", "I haven't", "不是", "还没有", "maybe later", "", "tell me yes or no"}
	for _, s := range yes {
		assert.True(t, IsAffirmative(s), s)
	}
	for _, s := range no {
		assert.False(t, IsAffirmative(s), s)
	}
}

func TestIsQuestion(t *testing.T) {
	assert.True(t, IsQuestion("Did you finish everything?"))
	assert.True(t, IsQuestion("真的全部完成了吗"))
	assert.True(t, IsQuestion("**Is the whole goal done?**  "))
	assert.True(t, IsQuestion("全部完成了？"))
	assert.False(t, IsQuestion("Congratulations!"))
}

func TestGateAuthorize(t *testing.T) {
	pending := domain.Session{AwaitingConfirmation: true, ConfirmationNonce: "abc"}
	assert.NoError(t, Gate{}.Authorize(pending, "yes", ""))
	assert.ErrorIs(t, Gate{}.Authorize(domain.Session{}, "yes", ""), ErrCompletionNotConfirmed)
	assert.ErrorIs(t, Gate{}.Authorize(pending, "no", ""), ErrCompletionNotConfirmed)
	assert.ErrorIs(t, Gate{RequireNonce: true}.Authorize(pending, "yes", "zzz"), ErrCompletionNotConfirmed)
	assert.NoError(t, Gate{RequireNonce: true}.Authorize(pending, "yes", "abc"))
}

func TestNewNonce(t *testing.T) {
	a, b := NewNonce(), NewNonce()
	assert.Len(t, a, 8)
	assert.NotEqual(t, a, b)
}

func TestEncouragementPoolAvoidsRepeats(t *testing.T) {
	pool := newEncouragementPool([]string{"a", "b", "c"}, 3, time.Hour)
	pool.intn = func(int) int { return 0 }
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		seen[pool.next()] = true
	}
	assert.Len(t, seen, 3)
	// every phrase is recent: the least recently shown comes back first
	assert.Equal(t, "a", pool.next())
	assert.Equal(t, "b", pool.next())
}

func TestEncouragementPoolEmpty(t *testing.T) {
	assert.Equal(t, "", newEncouragementPool(nil, 0, time.Hour).next())
}
