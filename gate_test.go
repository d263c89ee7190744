package main

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type fakeGateStore struct {
	mu          sync.Mutex
	assignments []AppAssignment
	questions   []Question
	attempts    []AttemptInput
	failWrites  bool
}

func (f *fakeGateStore) AppAssignmentByName(name string) (AppAssignment, bool) {
	for _, a := range f.assignments {
		if a.Enabled && strings.EqualFold(a.AppName, name) {
			return a, true
		}
	}
	return AppAssignment{}, false
}

func (f *fakeGateStore) QuestionsForQuizSet(id string) []Question {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Question
	for _, q := range f.questions {
		if q.QuizSetID == id {
			out = append(out, q.clone())
		}
	}
	return out
}

func (f *fakeGateStore) AddAttempt(_ context.Context, in AttemptInput) (Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, in)
	for i := range f.questions {
		if f.questions[i].ID == in.QuestionID {
			f.questions[i].TimesSeen++
			if in.IsCorrect {
				f.questions[i].TimesCorrect++
			}
		}
	}
	if f.failWrites {
		return Attempt{}, ErrPersistenceWriteFailed
	}
	return Attempt{ID: "attempt-x"}, nil
}

func (f *fakeGateStore) question(id string) Question {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.questions {
		if q.ID == id {
			return q
		}
	}
	return Question{}
}

func mcqQuestion(id, correct string) Question {
	return Question{
		ID:        id,
		QuizSetID: "quiz-1",
		Prompt:    "Pick " + correct,
		Key:       MCQ{Choices: []string{correct, "wrong"}, CorrectAnswer: correct},
	}
}

func newFakeStore(a AppAssignment, n int) *fakeGateStore {
	f := &fakeGateStore{assignments: []AppAssignment{a}}
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		f.questions = append(f.questions, mcqQuestion("q-"+id, "answer-"+id))
	}
	return f
}

func testAssignment() AppAssignment {
	return AppAssignment{
		ID:               "app-1",
		AppName:          "Instagram",
		QuizSetID:        "quiz-1",
		SchemeOrStoreURL: "instagram",
		RequireStreak:    3,
		Enabled:          true,
	}
}

func openTestGate(t *testing.T, f *fakeGateStore, app string) *GateSession {
	t.Helper()
	s, err := OpenGateSession(app, f, zap.NewNop(), GateOptions{Intn: func(int) int { return 0 }})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// answer submits the right or a wrong answer for whatever question is current.
func answer(t *testing.T, s *GateSession, f *fakeGateStore, correct bool) GateResult {
	t.Helper()
	v := s.View()
	require.NotNil(t, v.Question)
	given := "nope"
	if correct {
		given = f.question(v.Question.ID).Key.(MCQ).CorrectAnswer
	}
	res, err := s.Submit(context.Background(), given)
	require.NoError(t, err)
	require.Equal(t, correct, res.IsCorrect)
	return res
}

func TestGateResolution(t *testing.T) {
	f := newFakeStore(testAssignment(), 2)
	disabled := testAssignment()
	disabled.ID, disabled.AppName, disabled.Enabled = "app-2", "TikTok", false
	empty := testAssignment()
	empty.ID, empty.AppName, empty.QuizSetID = "app-3", "YouTube", "quiz-deleted"
	f.assignments = append(f.assignments, disabled, empty)

	tests := []struct {
		name    string
		app     string
		want    GateState
		wantErr error
	}{
		{name: "missing app", app: "  ", want: GateNoAppSpecified, wantErr: ErrNoAppSpecified},
		{name: "unknown app", app: "Snapchat", want: GateAssignmentNotFound, wantErr: ErrAssignmentNotFound},
		{name: "disabled app", app: "TikTok", want: GateAssignmentNotFound, wantErr: ErrAssignmentNotFound},
		{name: "dangling quiz set", app: "YouTube", want: GateNoQuestions, wantErr: ErrNoQuestionsAvailable},
		{name: "case-insensitive match", app: "instagram", want: GateAnswering},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := OpenGateSession(tt.app, f, zap.NewNop(), GateOptions{})
			defer s.Close()
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			v := s.View()
			assert.Equal(t, tt.want, v.State)
			if tt.want != GateAnswering {
				assert.Nil(t, v.Question)
				assert.NotEmpty(t, v.Message)
				_, err := s.Submit(context.Background(), "x")
				require.ErrorIs(t, err, ErrGateNotAnswering)
			}
		})
	}
}

func TestGateUnlocksAfterStreak(t *testing.T) {
	f := newFakeStore(testAssignment(), 3)
	s := openTestGate(t, f, "Instagram")

	assert.Equal(t, 1, answer(t, s, f, true).Streak)
	assert.Equal(t, 2, answer(t, s, f, true).Streak)
	res := answer(t, s, f, true)
	assert.Equal(t, 3, res.Streak)
	assert.Equal(t, GateUnlocked, res.State)
	assert.Equal(t, GateUnlocked, s.State())
	assert.Nil(t, s.View().Question)

	_, err := s.Submit(context.Background(), "answer-a")
	require.ErrorIs(t, err, ErrGateNotAnswering)
}

func TestGateWrongAnswerResetsStreak(t *testing.T) {
	f := newFakeStore(testAssignment(), 3)
	s := openTestGate(t, f, "Instagram")

	answer(t, s, f, true)
	res := answer(t, s, f, false)
	assert.Zero(t, res.Streak)
	assert.Equal(t, GateAnswering, res.State, "no cooldown configured")
	answer(t, s, f, true)
	res = answer(t, s, f, true)

	assert.Equal(t, 2, res.Streak)
	assert.Equal(t, GateAnswering, s.State())
}

func TestGateRecordsOneAttemptPerSubmission(t *testing.T) {
	f := newFakeStore(testAssignment(), 2)
	s := openTestGate(t, f, "Instagram")

	first := answer(t, s, f, false)
	answer(t, s, f, true)
	answer(t, s, f, false)

	require.Len(t, f.attempts, 3)
	assert.Equal(t, "app-1", f.attempts[0].AppAssignmentID)
	assert.Equal(t, first.QuestionID, f.attempts[0].QuestionID)
	assert.Equal(t, "nope", f.attempts[0].UserAnswer)

	seen, correct := 0, 0
	for _, q := range f.questions {
		seen += q.TimesSeen
		correct += q.TimesCorrect
	}
	assert.Equal(t, 3, seen)
	assert.Equal(t, 1, correct)
}

func TestGateEmptyAnswerIsNotAnAttempt(t *testing.T) {
	f := newFakeStore(testAssignment(), 1)
	s := openTestGate(t, f, "Instagram")

	_, err := s.Submit(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyAnswer)
	assert.Empty(t, f.attempts)
}

func TestGateSequentialSelectionCoversSet(t *testing.T) {
	a := testAssignment()
	a.RequireStreak = 10
	f := newFakeStore(a, 4)
	s := openTestGate(t, f, "Instagram")

	var order []string
	for i := 0; i < 5; i++ {
		order = append(order, s.View().Question.ID)
		answer(t, s, f, i%2 == 0)
	}
	assert.Equal(t, []string{"q-a", "q-b", "q-c", "q-d", "q-a"}, order)
}

func TestGateRandomSelectionUsesSource(t *testing.T) {
	a := testAssignment()
	a.Randomize = true
	f := newFakeStore(a, 3)
	picks := []int{2, 2, 1}
	s, err := OpenGateSession("Instagram", f, zap.NewNop(), GateOptions{Intn: func(n int) int {
		require.Equal(t, 3, n)
		p := picks[0]
		picks = picks[1:]
		return p
	}})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "q-c", s.View().Question.ID)
	answer(t, s, f, true)
	assert.Equal(t, "q-c", s.View().Question.ID, "draws are with replacement")
	answer(t, s, f, true)
	assert.Equal(t, "q-b", s.View().Question.ID)
}

func TestGateCooldownBlocksForConfiguredTicks(t *testing.T) {
	a := testAssignment()
	a.CooldownSeconds = 5
	f := newFakeStore(a, 2)
	s := openTestGate(t, f, "Instagram")

	res := answer(t, s, f, false)
	assert.Equal(t, GateCooldown, res.State)
	assert.Equal(t, 5, s.View().CooldownRemaining)

	for i := 0; i < 4; i++ {
		_, err := s.Submit(context.Background(), "answer-a")
		require.ErrorIs(t, err, ErrCooldownActive)
		assert.True(t, s.Tick(), "tick %d", i+1)
		assert.Equal(t, GateCooldown, s.State())
	}
	assert.Equal(t, 1, s.View().CooldownRemaining)

	assert.False(t, s.Tick())
	assert.Equal(t, GateAnswering, s.State())
	assert.Zero(t, s.View().CooldownRemaining)
	assert.Len(t, f.attempts, 1, "blocked submissions are not attempts")

	answer(t, s, f, true)
	assert.False(t, s.Tick(), "ticks outside cooldown do nothing")
}

func TestGateCooldownTimerRunsAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := testAssignment()
	a.CooldownSeconds = 2
	f := newFakeStore(a, 2)
	s, err := OpenGateSession("Instagram", f, zap.NewNop(), GateOptions{TickEvery: 5 * time.Millisecond})
	require.NoError(t, err)

	answer(t, s, f, false)
	require.Eventually(t, func() bool { return s.State() == GateAnswering }, time.Second, 5*time.Millisecond)
	s.Close()
}

func TestGateCloseCancelsCooldown(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := testAssignment()
	a.CooldownSeconds = 60
	f := newFakeStore(a, 1)
	s, err := OpenGateSession("Instagram", f, zap.NewNop(), GateOptions{TickEvery: time.Hour})
	require.NoError(t, err)

	answer(t, s, f, false)
	require.Equal(t, GateCooldown, s.State())
	s.Close()
	assert.Equal(t, GateClosed, s.State())
}

func TestGateDeepLink(t *testing.T) {
	a := testAssignment()
	a.RequireStreak = 1
	f := newFakeStore(a, 1)
	s := openTestGate(t, f, "Instagram")

	_, err := s.DeepLink()
	require.ErrorIs(t, err, ErrGateNotUnlocked)

	answer(t, s, f, true)
	link, err := s.DeepLink()
	require.NoError(t, err)
	assert.Equal(t, "instagram://", link)

	s.assignment.SchemeOrStoreURL = "%%bad"
	_, err = s.DeepLink()
	require.ErrorIs(t, err, ErrDeepLinkOpenFailed)
	assert.Equal(t, GateUnlocked, s.State(), "a failed open keeps the gate unlocked")

	s.assignment.SchemeOrStoreURL = ""
	_, err = s.DeepLink()
	require.ErrorIs(t, err, ErrNoLinkConfigured)
}

func TestGateContinuesWhenAttemptWriteFails(t *testing.T) {
	a := testAssignment()
	a.RequireStreak = 2
	f := newFakeStore(a, 2)
	f.failWrites = true
	s := openTestGate(t, f, "Instagram")

	answer(t, s, f, true)
	res := answer(t, s, f, true)
	assert.Equal(t, GateUnlocked, res.State)
}

func TestGateResultRevealsAnswer(t *testing.T) {
	a := testAssignment()
	f := &fakeGateStore{assignments: []AppAssignment{a}, questions: []Question{{
		ID:          "q-1",
		QuizSetID:   "quiz-1",
		Prompt:      "Capital of Japan?",
		Explanation: "Tokyo since 1868.",
		Key:         ShortAnswer{AcceptableAnswers: []string{"Tokyo"}},
	}}}
	s := openTestGate(t, f, "Instagram")

	v := s.View()
	assert.Equal(t, QuestionShortAnswer, v.Question.Type)
	assert.Empty(t, v.Question.Choices)

	res, err := s.Submit(context.Background(), " TOKYO ")
	require.NoError(t, err)
	assert.True(t, res.IsCorrect)
	assert.Equal(t, "Tokyo since 1868.", res.Explanation)
	assert.Empty(t, res.CorrectAnswer)
	assert.Equal(t, &res, s.View().Last)
}

func TestGateManagerKeepsOneActiveSession(t *testing.T) {
	f := newFakeStore(testAssignment(), 2)
	m := NewGateManager(f, zap.NewNop(), GateOptions{})

	first, err := m.Open("Instagram")
	require.NoError(t, err)
	second, err := m.Open("instagram")
	require.NoError(t, err)

	assert.Equal(t, GateClosed, first.State())
	_, err = m.Get(first.ID)
	require.ErrorIs(t, err, ErrGateSessionNotFound)

	got, err := m.Get(second.ID)
	require.NoError(t, err)
	assert.Same(t, second, got)

	require.NoError(t, m.Close(second.ID))
	require.ErrorIs(t, m.Close(second.ID), ErrGateSessionNotFound)
	m.Shutdown()
}
