package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type GateState string

const (
	GateNoAppSpecified     GateState = "no_app_specified"
	GateAssignmentNotFound GateState = "assignment_not_found"
	GateNoQuestions        GateState = "no_questions_available"
	GateAnswering          GateState = "answering"
	GateCooldown           GateState = "cooldown"
	GateUnlocked           GateState = "unlocked"
	GateClosed             GateState = "closed"
)

var (
	ErrNoAppSpecified       = errors.New("no app specified")
	ErrNoQuestionsAvailable = errors.New("no questions available")
	ErrCooldownActive       = errors.New("cooldown active")
	ErrGateNotAnswering     = errors.New("gate is not accepting answers")
	ErrGateNotUnlocked      = errors.New("gate is not unlocked")
	ErrEmptyAnswer          = errors.New("answer is empty")
	ErrNoLinkConfigured     = errors.New("no app link configured")
	ErrDeepLinkOpenFailed   = errors.New("deep link open failed")
	ErrGateSessionNotFound  = errors.New("gate session not found")
)

// GateStore is what a gate session needs from the domain store.
type GateStore interface {
	AppAssignmentByName(name string) (AppAssignment, bool)
	QuestionsForQuizSet(quizSetID string) []Question
	AddAttempt(ctx context.Context, in AttemptInput) (Attempt, error)
}

type GateOptions struct {
	// TickEvery is the cooldown countdown interval. Zero disables the
	// background ticker; Tick must then be called by the owner.
	TickEvery time.Duration
	// Intn picks random question indexes. Defaults to a time-seeded source.
	Intn func(int) int
}

// GateResult describes the outcome of one submitted answer.
type GateResult struct {
	QuestionID    string    `json:"questionId"`
	IsCorrect     bool      `json:"isCorrect"`
	CorrectAnswer string    `json:"correctAnswer,omitempty"`
	Explanation   string    `json:"explanation,omitempty"`
	Streak        int       `json:"streak"`
	State         GateState `json:"state"`
}

// GateSession drives one unlock interaction for one app.
type GateSession struct {
	ID  string
	App string

	store     GateStore
	log       *zap.Logger
	tickEvery time.Duration
	intn      func(int) int

	mu                sync.Mutex
	state             GateState
	assignment        AppAssignment
	questions         []Question
	current           int
	streak            int
	cooldownRemaining int
	last              *GateResult
	stopCooldown      context.CancelFunc
	wg                sync.WaitGroup
}

// OpenGateSession resolves app to its assignment and questions. Resolution
// failures leave the session in a terminal state and are also returned.
func OpenGateSession(app string, store GateStore, log *zap.Logger, opts GateOptions) (*GateSession, error) {
	intn := opts.Intn
	if intn == nil {
		intn = newRandIntn(nil)
	}
	s := &GateSession{
		ID:        uuid.NewString(),
		App:       strings.TrimSpace(app),
		store:     store,
		log:       log,
		tickEvery: opts.TickEvery,
		intn:      intn,
		current:   -1,
	}
	return s, s.resolve()
}

func (s *GateSession) resolve() error {
	if s.App == "" {
		s.state = GateNoAppSpecified
		return ErrNoAppSpecified
	}
	a, ok := s.store.AppAssignmentByName(s.App)
	if !ok {
		s.state = GateAssignmentNotFound
		return fmt.Errorf("%w: %q", ErrAssignmentNotFound, s.App)
	}
	s.assignment = a
	s.questions = s.store.QuestionsForQuizSet(a.QuizSetID)
	if len(s.questions) == 0 {
		s.state = GateNoQuestions
		return fmt.Errorf("%w: quiz set %s", ErrNoQuestionsAvailable, a.QuizSetID)
	}
	s.state = GateAnswering
	s.nextQuestionLocked()
	s.log.Debug("gate opened", zap.String("session", s.ID), zap.String("app", s.App),
		zap.String("assignment", a.ID), zap.Int("questions", len(s.questions)))
	return nil
}

func (s *GateSession) nextQuestionLocked() {
	s.current = selectQuestion(s.questions, s.assignment.Randomize, s.intn)
}

// Submit grades answer against the current question, records the attempt
// and advances the state machine.
func (s *GateSession) Submit(ctx context.Context, answer string) (GateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case GateAnswering:
	case GateCooldown:
		return GateResult{}, fmt.Errorf("%w: %ds remaining", ErrCooldownActive, s.cooldownRemaining)
	default:
		return GateResult{}, fmt.Errorf("%w: state %s", ErrGateNotAnswering, s.state)
	}
	if strings.TrimSpace(answer) == "" {
		return GateResult{}, ErrEmptyAnswer
	}

	q := &s.questions[s.current]
	correct := q.Grade(answer)

	if _, err := s.store.AddAttempt(ctx, AttemptInput{
		AppAssignmentID: s.assignment.ID,
		QuestionID:      q.ID,
		UserAnswer:      answer,
		IsCorrect:       correct,
	}); err != nil {
		s.log.Warn("attempt not persisted, continuing", zap.String("session", s.ID),
			zap.String("question", q.ID), zap.Error(err))
	}
	q.TimesSeen++
	if correct {
		q.TimesCorrect++
	}

	res := GateResult{QuestionID: q.ID, IsCorrect: correct, Explanation: q.Explanation}
	if mcq, ok := q.Key.(MCQ); ok {
		res.CorrectAnswer = mcq.CorrectAnswer
	}

	if correct {
		s.streak++
		if s.streak >= s.assignment.RequireStreak {
			s.state = GateUnlocked
			s.log.Info("gate unlocked", zap.String("session", s.ID), zap.String("app", s.App),
				zap.Int("streak", s.streak))
		} else {
			s.nextQuestionLocked()
		}
	} else {
		s.streak = 0
		s.nextQuestionLocked()
		if s.assignment.CooldownSeconds > 0 {
			s.state = GateCooldown
			s.cooldownRemaining = s.assignment.CooldownSeconds
			s.startCooldownLocked()
		}
	}

	res.Streak = s.streak
	res.State = s.state
	s.last = &res
	return res, nil
}

func (s *GateSession) startCooldownLocked() {
	if s.tickEvery <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopCooldown = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.tickEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if !s.Tick() {
					return
				}
			}
		}
	}()
}

// Tick advances the cooldown countdown by one second. It reports whether
// the session is still cooling down afterwards.
func (s *GateSession) Tick() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != GateCooldown {
		return false
	}
	s.cooldownRemaining--
	if s.cooldownRemaining > 0 {
		return true
	}
	s.cooldownRemaining = 0
	s.state = GateAnswering
	if s.stopCooldown != nil {
		s.stopCooldown()
		s.stopCooldown = nil
	}
	return false
}

// DeepLink returns the URL to hand off to once the gate is unlocked. A bad
// link leaves the session unlocked so the caller can retry.
func (s *GateSession) DeepLink() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != GateUnlocked {
		return "", fmt.Errorf("%w: state %s", ErrGateNotUnlocked, s.state)
	}
	if strings.TrimSpace(s.assignment.SchemeOrStoreURL) == "" {
		return "", ErrNoLinkConfigured
	}
	link, err := normalizeDeepLink(s.assignment.SchemeOrStoreURL)
	if err != nil {
		s.log.Warn("cannot open app link", zap.String("session", s.ID),
			zap.String("url", s.assignment.SchemeOrStoreURL), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrDeepLinkOpenFailed, err)
	}
	return link, nil
}

// Close stops the cooldown timer and waits for it to exit.
func (s *GateSession) Close() {
	s.mu.Lock()
	if s.stopCooldown != nil {
		s.stopCooldown()
		s.stopCooldown = nil
	}
	if s.state == GateAnswering || s.state == GateCooldown {
		s.state = GateClosed
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *GateSession) State() GateState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

type QuestionView struct {
	ID      string       `json:"id"`
	Type    QuestionType `json:"type"`
	Prompt  string       `json:"prompt"`
	Choices []string     `json:"choices,omitempty"`
}

type GateView struct {
	SessionID         string        `json:"sessionId"`
	App               string        `json:"app"`
	State             GateState     `json:"state"`
	Message           string        `json:"message,omitempty"`
	Streak            int           `json:"streak"`
	RequireStreak     int           `json:"requireStreak,omitempty"`
	CooldownRemaining int           `json:"cooldownRemaining"`
	HasLink           bool          `json:"hasLink"`
	Question          *QuestionView `json:"question,omitempty"`
	Last              *GateResult   `json:"last,omitempty"`
}

func (s *GateSession) View() GateView {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := GateView{
		SessionID:         s.ID,
		App:               s.App,
		State:             s.state,
		Message:           gateMessage(s.state, s.App),
		Streak:            s.streak,
		RequireStreak:     s.assignment.RequireStreak,
		CooldownRemaining: s.cooldownRemaining,
		HasLink:           s.assignment.SchemeOrStoreURL != "",
		Last:              s.last,
	}
	if (s.state == GateAnswering || s.state == GateCooldown) && s.current >= 0 {
		q := s.questions[s.current]
		qv := &QuestionView{ID: q.ID, Type: q.Type(), Prompt: q.Prompt}
		if mcq, ok := q.Key.(MCQ); ok {
			qv.Choices = cloneStrings(mcq.Choices)
		}
		v.Question = qv
	}
	return v
}

func gateMessage(state GateState, app string) string {
	switch state {
	case GateNoAppSpecified:
		return "Please provide an app name in the URL"
	case GateAssignmentNotFound:
		return fmt.Sprintf("No enabled assignment found for %q. Please configure it in App Assignments.", app)
	case GateNoQuestions:
		return "The assigned quiz set has no questions. Please add questions first."
	case GateUnlocked:
		return fmt.Sprintf("nice! continue to %s.", app)
	}
	return ""
}

// GateManager owns the gate sessions. Only one is active at a time: opening
// a new session closes the previous one.
type GateManager struct {
	store GateStore
	log   *zap.Logger
	opts  GateOptions

	mu     sync.Mutex
	active *GateSession
}

func NewGateManager(store GateStore, log *zap.Logger, opts GateOptions) *GateManager {
	return &GateManager{store: store, log: log, opts: opts}
}

func (m *GateManager) Open(app string) (*GateSession, error) {
	s, err := OpenGateSession(app, m.store, m.log, m.opts)

	m.mu.Lock()
	prev := m.active
	m.active = s
	m.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return s, err
}

func (m *GateManager) Get(id string) (*GateSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.ID != id {
		return nil, ErrGateSessionNotFound
	}
	return m.active, nil
}

func (m *GateManager) Close(id string) error {
	m.mu.Lock()
	s := m.active
	if s == nil || s.ID != id {
		m.mu.Unlock()
		return ErrGateSessionNotFound
	}
	m.active = nil
	m.mu.Unlock()
	s.Close()
	return nil
}

// Shutdown closes the active session, if any.
func (m *GateManager) Shutdown() {
	m.mu.Lock()
	s := m.active
	m.active = nil
	m.mu.Unlock()
	if s != nil {
		s.Close()
	}
}
