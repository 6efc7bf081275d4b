package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stride/internal/domain"
	"stride/internal/events"
	"stride/internal/logging"
	"stride/internal/repo"
)

var (
	ErrNoActiveGoal = errors.New("no active goal")
	ErrNoTaskToday  = errors.New("no task scheduled for today")
	// ErrForeignTask is a task that is not part of the session's active goal.
	ErrForeignTask = errors.New("task does not belong to this session's goal")
)

// DefaultActor is recorded on events when no caller identity is known.
const DefaultActor = "coach"

type actorKey struct{}

// WithActor attaches the caller identity recorded on events.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFrom returns the caller identity, or DefaultActor.
func ActorFrom(ctx context.Context) string {
	if id, ok := ctx.Value(actorKey{}).(string); ok && id != "" {
		return id
	}
	return DefaultActor
}

// Transition computes a session's next conversational phase. It runs inside
// the mutation's transaction; an error aborts the whole mutation.
type Transition func(current domain.ConversationPhase) (domain.ConversationPhase, error)

// Mutation identifies who changes which session, and how its phase moves.
type Mutation struct {
	SessionID string
	ActorID   string
	// Transition is nil when the session phase does not change.
	Transition Transition
}

func (m Mutation) actor() string {
	if m.ActorID == "" {
		return DefaultActor
	}
	return m.ActorID
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Bus    *events.Bus
	Logger *zap.Logger
	Now    func() time.Time
	NewID  func() string
}

func New(db *sql.DB, bus *events.Bus, logger *zap.Logger) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Bus:    bus,
		Logger: logging.OrNop(logger),
		Now:    time.Now,
		NewID:  uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// Today is the local calendar date tasks are scheduled against.
func (e Engine) Today() string {
	return e.now().Format("2006-01-02")
}

// txn collects the events appended inside one transaction so they can be
// published once it commits.
type txn struct {
	*sql.Tx
	e      Engine
	events []domain.Event
}

func (e Engine) begin(ctx context.Context) (*txn, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	if e.Events.Now == nil {
		e.Events.Now = e.Now
	}
	return &txn{Tx: tx, e: e}, nil
}

func (t *txn) append(ctx context.Context, evtType, sessionID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	evt, err := t.e.Events.Append(ctx, t.Tx, evtType, sessionID, entityKind, entityID, actorID, payload)
	if err != nil {
		return fmt.Errorf("append %s: %w", evtType, err)
	}
	t.events = append(t.events, evt)
	return nil
}

func (t *txn) commit() error {
	if err := t.Tx.Commit(); err != nil {
		return err
	}
	if dropped := t.e.Bus.Publish(t.events...); dropped > 0 {
		logging.OrNop(t.e.Logger).Debug("slow subscribers missed events", zap.Int("dropped", dropped))
	}
	return nil
}

// EnsureSession loads a session, creating it in onboarding when absent.
func (e Engine) EnsureSession(ctx context.Context, id, actorID string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, nil, id)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return s, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	now := e.timestamp()
	s = domain.Session{ID: id, Phase: domain.PhaseOnboarding, CreatedAt: now, UpdatedAt: now}
	if err := e.Repo.InsertSession(ctx, tx.Tx, s); err != nil {
		return s, fmt.Errorf("insert session: %w", err)
	}
	if err := tx.append(ctx, events.SessionCreated, id, "session", id, Mutation{ActorID: actorID}.actor(), events.EventPayload{"phase": s.Phase}); err != nil {
		return s, err
	}
	return s, tx.commit()
}

func (e Engine) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return e.Repo.GetSession(ctx, nil, id)
}

func (e Engine) ListSessions(ctx context.Context) ([]domain.Session, error) {
	return e.Repo.ListSessions(ctx)
}

// advance applies m.Transition to the stored session inside tx and records a
// phase change event when the phase moved. The updated session is returned
// unsaved so callers can adjust other fields first.
func (e Engine) advance(ctx context.Context, tx *txn, m Mutation) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, tx.Tx, m.SessionID)
	if err != nil {
		return s, fmt.Errorf("session %s: %w", m.SessionID, err)
	}
	if m.Transition == nil {
		return s, nil
	}
	next, err := m.Transition(s.Phase)
	if err != nil {
		return s, err
	}
	if next != s.Phase {
		if err := tx.append(ctx, events.SessionPhase, s.ID, "session", s.ID, m.actor(), events.EventPayload{"from": s.Phase, "to": next}); err != nil {
			return s, err
		}
		s.Phase = next
	}
	return s, nil
}

func (e Engine) saveSession(ctx context.Context, tx *txn, s domain.Session) error {
	s.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateSession(ctx, tx.Tx, s); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// TurnRecord is the conversational outcome of one turn.
type TurnRecord struct {
	SessionID            string
	ActorID              string
	UserText             string
	Reply                string
	AwaitingConfirmation bool
	ConfirmationNonce    string
}

// RecordTurn stores both sides of a turn and the session's confirmation state.
// It runs after, and separately from, any mutation the turn applied, and
// reads the session fresh so that mutation's phase change is kept.
func (e Engine) RecordTurn(ctx context.Context, r TurnRecord) (domain.Session, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetSession(ctx, tx.Tx, r.SessionID)
	if err != nil {
		return s, err
	}
	now := e.timestamp()
	for _, m := range []domain.ChatMessage{
		{ID: e.newID(), SessionID: s.ID, Role: domain.RoleUser, Content: r.UserText, CreatedAt: now},
		{ID: e.newID(), SessionID: s.ID, Role: domain.RoleAssistant, Content: r.Reply, CreatedAt: now},
	} {
		if m.Content == "" {
			continue
		}
		if err := e.Repo.AppendMessage(ctx, tx.Tx, m); err != nil {
			return s, fmt.Errorf("append %s message: %w", m.Role, err)
		}
	}
	if r.AwaitingConfirmation && !s.AwaitingConfirmation {
		if err := tx.append(ctx, events.ConfirmationAsked, s.ID, "session", s.ID, Mutation{ActorID: r.ActorID}.actor(), nil); err != nil {
			return s, err
		}
	}
	s.AwaitingConfirmation = r.AwaitingConfirmation
	s.ConfirmationNonce = r.ConfirmationNonce
	if err := e.saveSession(ctx, tx, s); err != nil {
		return s, err
	}
	if err := tx.commit(); err != nil {
		return s, err
	}
	return e.Repo.GetSession(ctx, nil, s.ID)
}

// Messages returns up to limit of the newest messages, oldest first.
func (e Engine) Messages(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error) {
	return e.Repo.RecentMessages(ctx, nil, sessionID, limit)
}

// Restart clears the session's goal reference and history for a new cycle.
func (e Engine) Restart(ctx context.Context, m Mutation) (domain.Session, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	s, err := e.advance(ctx, tx, m)
	if err != nil {
		return s, err
	}
	cleared, err := e.Repo.ClearMessages(ctx, tx.Tx, s.ID)
	if err != nil {
		return s, fmt.Errorf("clear history: %w", err)
	}
	s.ActiveGoalID = nil
	s.AwaitingConfirmation = false
	s.ConfirmationNonce = ""
	if err := e.saveSession(ctx, tx, s); err != nil {
		return s, err
	}
	if err := tx.append(ctx, events.SessionRestarted, s.ID, "session", s.ID, m.actor(), events.EventPayload{"messages_cleared": cleared}); err != nil {
		return s, err
	}
	if err := tx.commit(); err != nil {
		return s, err
	}
	return e.Repo.GetSession(ctx, nil, s.ID)
}

func (e Engine) LatestEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}

// Record appends a standalone session event, such as a refused command.
func (e Engine) Record(ctx context.Context, evtType string, m Mutation, payload events.EventPayload) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := tx.append(ctx, evtType, m.SessionID, "session", m.SessionID, m.actor(), payload); err != nil {
		return err
	}
	return tx.commit()
}
