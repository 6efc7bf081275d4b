package coach

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stride/internal/domain"
	"stride/internal/engine"
	"stride/internal/events"
	"stride/internal/llm"
)

// Checkin is a daily summary for an active goal.
type Checkin struct {
	Goal          domain.Goal       `json:"goal"`
	Today         *domain.DailyTask `json:"today,omitempty"`
	DaysDone      int               `json:"days_done"`
	Encouragement string            `json:"encouragement"`
	// Source is "model" or "local".
	Source string `json:"source"`
}

// encouragementPool hands out local phrases, avoiding ones shown recently.
type encouragementPool struct {
	mu      sync.Mutex
	phrases []string
	recent  *expirable.LRU[string, struct{}]
	intn    func(n int) int
}

func newEncouragementPool(phrases []string, memory int, ttl time.Duration) *encouragementPool {
	if memory <= 0 {
		memory = len(phrases)
	}
	if memory <= 0 {
		memory = 1
	}
	return &encouragementPool{
		phrases: phrases,
		recent:  expirable.NewLRU[string, struct{}](memory, nil, ttl),
		intn:    rand.IntN,
	}
}

// next returns a phrase not shown within the memory window, or the least
// recently shown one when every phrase is in it.
func (p *encouragementPool) next() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.phrases)
	if n == 0 {
		return ""
	}
	start := p.intn(n)
	for i := 0; i < n; i++ {
		phrase := p.phrases[(start+i)%n]
		if !p.recent.Contains(phrase) {
			p.recent.Add(phrase, struct{}{})
			return phrase
		}
	}
	phrase := p.phrases[start]
	if keys := p.recent.Keys(); len(keys) > 0 {
		phrase = keys[0]
	}
	p.recent.Add(phrase, struct{}{})
	return phrase
}

// Checkin loads today's task while a silent model request writes an
// encouragement. The model is optional: any failure falls back to a local
// phrase.
func (c *Coach) Checkin(ctx context.Context, sessionID string) (Checkin, error) {
	var out Checkin
	goal, err := c.Engine.SessionGoal(ctx, sessionID)
	if err != nil {
		return out, err
	}
	out.Goal = goal

	var modelText string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, task, err := c.Engine.TodayTask(gctx, sessionID)
		if errors.Is(err, engine.ErrNoTaskToday) {
			return nil
		}
		if err != nil {
			return err
		}
		out.Today = &task
		return nil
	})
	g.Go(func() error {
		if c.LLM == nil {
			return nil
		}
		text, err := c.LLM.Complete(gctx, []llm.Message{
			{Role: domain.RoleSystem, Content: checkinPrompt},
			{Role: domain.RoleUser, Content: "Goal: " + goal.Title},
		}, nil)
		if err != nil {
			if gctx.Err() == nil {
				c.Logger.Warn("silent encouragement failed", zap.String("session", sessionID), zap.Error(err))
			}
			return nil
		}
		modelText = strings.TrimSpace(text)
		return nil
	})
	if err := g.Wait(); err != nil {
		return out, err
	}

	for _, t := range goal.DailyTasks {
		if t.IsCompleted {
			out.DaysDone++
		}
	}
	out.Encouragement, out.Source = modelText, "model"
	if out.Encouragement == "" {
		out.Encouragement, out.Source = c.encouragements.next(), "local"
	}
	m := engine.Mutation{SessionID: sessionID, ActorID: engine.ActorFrom(ctx)}
	if sessionID != "" {
		if _, err := c.Engine.GetSession(ctx, sessionID); err != nil {
			m.SessionID = ""
		}
	}
	if err := c.Engine.Record(ctx, events.EncouragementShown, m, events.EventPayload{"source": out.Source, "goal_id": goal.ID}); err != nil {
		c.Logger.Warn("record checkin", zap.Error(err))
	}
	return out, nil
}
