package app

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"live-quiz-service/internal/domain"
)

const (
	EventQuizState = "quiz_state"

	// PointsPerCorrect is the fixed score increment; there is no partial or time credit.
	PointsPerCorrect = 10
	// DefaultQuestionDuration applies when neither question nor quiz set one.
	DefaultQuestionDuration = 30 * time.Second
	// QuizRoomPrefix namespaces quiz rooms among chat channels.
	QuizRoomPrefix = "quiz_"
)

// QuizRoomID is the room a quiz is played in.
func QuizRoomID(quizID string) string {
	return QuizRoomPrefix + quizID
}

// QuizIDFromRoom reverses QuizRoomID.
func QuizIDFromRoom(roomID string) (string, bool) {
	if !strings.HasPrefix(roomID, QuizRoomPrefix) || len(roomID) == len(QuizRoomPrefix) {
		return "", false
	}
	return strings.TrimPrefix(roomID, QuizRoomPrefix), true
}

// QuizOptions tunes the session coordinator.
type QuizOptions struct {
	QuestionDuration time.Duration
	Now              func() time.Time
}

// QuizService runs the per-room quiz session state machines.
type QuizService struct {
	sessions SessionRepository
	quizzes  QuizRepository
	rooms    *RoomManager
	recorder ResultRecorder
	duration time.Duration
	now      func() time.Time
	log      *logrus.Entry
}

func NewQuizService(store SessionRepository, quizzes QuizRepository, rooms *RoomManager, recorder ResultRecorder, opts QuizOptions) *QuizService {
	if opts.QuestionDuration <= 0 {
		opts.QuestionDuration = DefaultQuestionDuration
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &QuizService{
		sessions: store,
		quizzes:  quizzes,
		rooms:    rooms,
		recorder: recorder,
		duration: opts.QuestionDuration,
		now:      opts.Now,
		log:      logrus.WithField("component", "quiz"),
	}
}

// Join puts identity into the quiz room and registers them as a participant.
func (s *QuizService) Join(ctx context.Context, quizID string, identity domain.Identity) (domain.QuizState, error) {
	// Users cannot join unknown quizzes.
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.QuizState{}, err
	}

	roomID := QuizRoomID(quizID)
	if err := s.rooms.EnsureQuizRoom(roomID); err != nil {
		return domain.QuizState{}, err
	}
	session := s.session(roomID, quiz)
	if _, err := s.rooms.Join(roomID, identity); err != nil {
		return domain.QuizState{}, err
	}
	// Admins host the room without playing.
	if identity.IsAdmin() {
		return session.State(), nil
	}
	state := session.join(identity)
	s.sessions.Save(ctx, state)
	return state, nil
}

// Leave removes identity from the room. The session keeps running and the
// participant keeps their score so they can rejoin.
func (s *QuizService) Leave(_ context.Context, quizID, userID string) {
	s.rooms.Leave(QuizRoomID(quizID), userID)
}

// Start moves a waiting session to active and opens the first question.
func (s *QuizService) Start(ctx context.Context, quizID string, caller domain.Identity) (domain.QuizState, error) {
	if !caller.IsAdmin() {
		return domain.QuizState{}, domain.ErrUnauthorized
	}
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.QuizState{}, err
	}
	if len(quiz.Questions) == 0 {
		return domain.QuizState{}, domain.ErrInvalidQuiz
	}

	roomID := QuizRoomID(quizID)
	if err := s.rooms.EnsureQuizRoom(roomID); err != nil {
		return domain.QuizState{}, err
	}
	session := s.session(roomID, quiz)
	state, err := session.start(quiz)
	if err != nil {
		return domain.QuizState{}, err
	}
	s.log.WithField("room_id", roomID).Info("quiz started")
	s.sessions.Save(ctx, state)
	return state, nil
}

// SubmitAnswer records a participant's answer for the current question and
// returns private feedback. A question is answered at most once.
func (s *QuizService) SubmitAnswer(ctx context.Context, quizID, userID, questionID, optionID string) (domain.AnswerResult, error) {
	session, ok := s.sessions.Get(QuizRoomID(quizID))
	if !ok {
		return domain.AnswerResult{}, domain.ErrSessionNotFound
	}
	result, state, err := session.submit(userID, questionID, optionID)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	if state != nil {
		s.sessions.Save(ctx, *state)
		s.afterTransition(ctx, *state)
	}
	return result, nil
}

// Advance closes the current question, moving to the next or completing the session.
func (s *QuizService) Advance(ctx context.Context, quizID string, caller domain.Identity) (domain.QuizState, error) {
	if !caller.IsAdmin() {
		return domain.QuizState{}, domain.ErrUnauthorized
	}
	session, ok := s.sessions.Get(QuizRoomID(quizID))
	if !ok {
		return domain.QuizState{}, domain.ErrSessionNotFound
	}
	state, err := session.advance(-1)
	if err != nil {
		return domain.QuizState{}, err
	}
	s.sessions.Save(ctx, state)
	s.afterTransition(ctx, state)
	return state, nil
}

// End completes an active session early.
func (s *QuizService) End(ctx context.Context, quizID string, caller domain.Identity) (domain.QuizState, error) {
	if !caller.IsAdmin() {
		return domain.QuizState{}, domain.ErrUnauthorized
	}
	session, ok := s.sessions.Get(QuizRoomID(quizID))
	if !ok {
		return domain.QuizState{}, domain.ErrSessionNotFound
	}
	state, err := session.end()
	if err != nil {
		return domain.QuizState{}, err
	}
	s.sessions.Save(ctx, state)
	s.afterTransition(ctx, state)
	return state, nil
}

// Reset discards a completed session so the quiz can be played again.
func (s *QuizService) Reset(ctx context.Context, quizID string, caller domain.Identity) error {
	if !caller.IsAdmin() {
		return domain.ErrUnauthorized
	}
	roomID := QuizRoomID(quizID)
	session, ok := s.sessions.Get(roomID)
	if !ok {
		return domain.ErrSessionNotFound
	}
	if status := session.Status(); status != domain.SessionCompleted {
		return domain.ErrInvalidTransition
	}
	s.sessions.Delete(roomID)
	return nil
}

// State returns the current snapshot of a quiz's session.
func (s *QuizService) State(quizID string) (domain.QuizState, error) {
	session, ok := s.sessions.Get(QuizRoomID(quizID))
	if !ok {
		return domain.QuizState{}, domain.ErrSessionNotFound
	}
	return session.State(), nil
}

// Close stops every pending question timer.
func (s *QuizService) Close() {
	if closer, ok := s.sessions.(interface{ Each(func(*Session)) }); ok {
		closer.Each(func(session *Session) { session.stopTimer() })
	}
}

func (s *QuizService) session(roomID string, quiz domain.Quiz) *Session {
	return s.sessions.GetOrCreate(roomID, func() *Session {
		return newSession(roomID, quiz, s.rooms, s.duration, s.now, s.onTimeout)
	})
}

// onTimeout runs when a question's countdown elapses.
func (s *QuizService) onTimeout(session *Session, index int) {
	state, err := session.advance(index)
	if err != nil {
		if !errors.Is(err, errStaleTimer) {
			s.log.WithError(err).WithField("room_id", session.roomID).Warn("timed advance failed")
		}
		return
	}
	ctx := context.Background()
	s.sessions.Save(ctx, state)
	s.afterTransition(ctx, state)
}

func (s *QuizService) afterTransition(ctx context.Context, state domain.QuizState) {
	if state.Status != domain.SessionCompleted || state.Leaderboard == nil || s.recorder == nil {
		return
	}
	if err := s.recorder.RecordResults(ctx, *state.Leaderboard); err != nil {
		s.log.WithError(err).WithField("room_id", state.RoomID).Warn("record results failed")
	}
}

var errStaleTimer = errors.New("stale question timer")

// Session is the live state machine of one quiz room.
type Session struct {
	roomID    string
	quizID    string
	rooms     *RoomManager
	duration  time.Duration
	now       func() time.Time
	onTimeout func(*Session, int)

	mu           sync.Mutex
	quiz         domain.Quiz
	status       domain.SessionStatus
	currentIndex int
	startedAt    time.Time
	endedAt      time.Time
	deadline     time.Time
	timer        *time.Timer
	participants map[string]*participant
	leaderboard  *domain.Leaderboard
}

type participant struct {
	userID         string
	username       string
	score          int
	answers        map[string]domain.AnswerRecord
	lastAnsweredAt time.Time
}

func newSession(roomID string, quiz domain.Quiz, rooms *RoomManager, duration time.Duration, now func() time.Time, onTimeout func(*Session, int)) *Session {
	return &Session{
		roomID:       roomID,
		quizID:       quiz.ID,
		rooms:        rooms,
		duration:     duration,
		now:          now,
		onTimeout:    onTimeout,
		quiz:         quiz,
		status:       domain.SessionWaiting,
		participants: make(map[string]*participant),
	}
}

// Status returns the session's state machine status.
func (s *Session) Status() domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// State returns a snapshot of the session.
func (s *Session) State() domain.QuizState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// ParticipantAnswers returns the recorded answers of userID.
func (s *Session) ParticipantAnswers(userID string) map[string]domain.AnswerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[userID]
	if !ok {
		return nil
	}
	out := make(map[string]domain.AnswerRecord, len(p.answers))
	for k, v := range p.answers {
		out[k] = v
	}
	return out
}

func (s *Session) join(identity domain.Identity) domain.QuizState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.participants[identity.UserID]; ok {
		p.username = identity.Username
	} else {
		s.participants[identity.UserID] = &participant{
			userID:   identity.UserID,
			username: identity.Username,
			answers:  make(map[string]domain.AnswerRecord),
		}
	}
	return s.broadcastLocked()
}

func (s *Session) start(quiz domain.Quiz) (domain.QuizState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != domain.SessionWaiting {
		return domain.QuizState{}, domain.ErrInvalidTransition
	}
	// Content is frozen for the session once it starts.
	s.quiz = quiz
	s.status = domain.SessionActive
	s.currentIndex = 0
	s.startedAt = s.now()
	s.armTimerLocked()
	return s.broadcastLocked(), nil
}

// submit returns a non-nil state when the answer caused a transition.
func (s *Session) submit(userID, questionID, optionID string) (domain.AnswerResult, *domain.QuizState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != domain.SessionActive {
		return domain.AnswerResult{}, nil, domain.ErrSessionNotActive
	}
	p, ok := s.participants[userID]
	if !ok {
		return domain.AnswerResult{}, nil, domain.ErrParticipantNotFound
	}
	question, err := findQuestion(s.quiz, questionID)
	if err != nil {
		return domain.AnswerResult{}, nil, err
	}
	if _, answered := p.answers[questionID]; answered {
		return domain.AnswerResult{}, nil, domain.ErrDuplicateAnswer
	}
	if s.quiz.Questions[s.currentIndex].ID != questionID {
		return domain.AnswerResult{}, nil, domain.ErrQuestionClosed
	}
	if !hasOption(question, optionID) {
		return domain.AnswerResult{}, nil, domain.ErrOptionNotFound
	}

	now := s.now()
	correctID := question.CorrectOptionID()
	correct := optionID == correctID
	p.answers[questionID] = domain.AnswerRecord{OptionID: optionID, IsCorrect: correct, AnsweredAt: now}
	p.lastAnsweredAt = now
	if correct {
		p.score += PointsPerCorrect
	}

	result := domain.AnswerResult{
		QuestionID:      questionID,
		IsCorrect:       correct,
		CorrectOptionID: correctID,
		Explanation:     question.Explanation,
		Score:           p.score,
	}

	if s.allAnsweredLocked(questionID) {
		state := s.advanceLocked()
		return result, &state, nil
	}
	s.broadcastLocked()
	return result, nil, nil
}

// advance moves past the current question. expectIndex >= 0 restricts the
// move to that question so a late timer does not skip a newer one.
func (s *Session) advance(expectIndex int) (domain.QuizState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != domain.SessionActive {
		if expectIndex >= 0 {
			return domain.QuizState{}, errStaleTimer
		}
		return domain.QuizState{}, domain.ErrSessionNotActive
	}
	if expectIndex >= 0 && expectIndex != s.currentIndex {
		return domain.QuizState{}, errStaleTimer
	}
	return s.advanceLocked(), nil
}

func (s *Session) advanceLocked() domain.QuizState {
	s.stopTimerLocked()
	s.currentIndex++
	if s.currentIndex >= len(s.quiz.Questions) {
		return s.completeLocked()
	}
	s.armTimerLocked()
	return s.broadcastLocked()
}

func (s *Session) end() (domain.QuizState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != domain.SessionActive {
		return domain.QuizState{}, domain.ErrInvalidTransition
	}
	s.stopTimerLocked()
	return s.completeLocked(), nil
}

func (s *Session) completeLocked() domain.QuizState {
	s.status = domain.SessionCompleted
	s.endedAt = s.now()
	s.deadline = time.Time{}
	lb := s.leaderboardLocked()
	s.leaderboard = &lb
	return s.broadcastLocked()
}

func (s *Session) allAnsweredLocked(questionID string) bool {
	if len(s.participants) == 0 {
		return false
	}
	for _, p := range s.participants {
		if _, ok := p.answers[questionID]; !ok {
			return false
		}
	}
	return true
}

func (s *Session) questionDurationLocked() time.Duration {
	q := s.quiz.Questions[s.currentIndex]
	if q.TimeLimit > 0 {
		return time.Duration(q.TimeLimit) * time.Second
	}
	if s.quiz.QuestionDuration > 0 {
		return time.Duration(s.quiz.QuestionDuration) * time.Second
	}
	return s.duration
}

func (s *Session) armTimerLocked() {
	d := s.questionDurationLocked()
	s.deadline = s.now().Add(d)
	if s.onTimeout == nil {
		return
	}
	index := s.currentIndex
	s.timer = time.AfterFunc(d, func() { s.onTimeout(s, index) })
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) stopTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
}

func (s *Session) broadcastLocked() domain.QuizState {
	state := s.snapshotLocked()
	if s.rooms != nil {
		s.rooms.Broadcast(s.roomID, EventQuizState, state)
	}
	return state
}

func (s *Session) snapshotLocked() domain.QuizState {
	state := domain.QuizState{
		RoomID:               s.roomID,
		QuizID:               s.quizID,
		Title:                s.quiz.Title,
		Status:               s.status,
		CurrentQuestionIndex: s.currentIndex,
		TotalQuestions:       len(s.quiz.Questions),
		Participants:         make([]domain.ParticipantView, 0, len(s.participants)),
		Leaderboard:          s.leaderboard,
	}
	var currentID string
	if s.status == domain.SessionActive && s.currentIndex < len(s.quiz.Questions) {
		q := s.quiz.Questions[s.currentIndex]
		view := q.View()
		state.CurrentQuestion = &view
		currentID = q.ID
		deadline := s.deadline
		state.QuestionDeadline = &deadline
	}
	if !s.startedAt.IsZero() {
		started := s.startedAt
		state.StartedAt = &started
	}
	if !s.endedAt.IsZero() {
		ended := s.endedAt
		state.EndedAt = &ended
	}
	for _, p := range s.participants {
		_, answered := p.answers[currentID]
		state.Participants = append(state.Participants, domain.ParticipantView{
			UserID:   p.userID,
			Username: p.username,
			Score:    p.score,
			Answered: currentID != "" && answered,
		})
	}
	sort.Slice(state.Participants, func(i, j int) bool {
		return state.Participants[i].Username < state.Participants[j].Username
	})
	return state
}

// leaderboardLocked ranks by score, then by who gave their last answer
// earlier; participants who never answered rank after those who did.
func (s *Session) leaderboardLocked() domain.Leaderboard {
	entries := make([]domain.LeaderboardEntry, 0, len(s.participants))
	for _, p := range s.participants {
		entries = append(entries, domain.LeaderboardEntry{
			UserID:         p.userID,
			Username:       p.username,
			Score:          p.score,
			LastAnsweredAt: p.lastAnsweredAt,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.LastAnsweredAt.Equal(b.LastAnsweredAt) {
			if a.LastAnsweredAt.IsZero() || b.LastAnsweredAt.IsZero() {
				return b.LastAnsweredAt.IsZero()
			}
			return a.LastAnsweredAt.Before(b.LastAnsweredAt)
		}
		if a.Username != b.Username {
			return a.Username < b.Username
		}
		return a.UserID < b.UserID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return domain.Leaderboard{
		QuizID:    s.quizID,
		RoomID:    s.roomID,
		Entries:   entries,
		UpdatedAt: s.now(),
	}
}

func findQuestion(quiz domain.Quiz, questionID string) (domain.Question, error) {
	for _, q := range quiz.Questions {
		if q.ID == questionID {
			return q, nil
		}
	}
	return domain.Question{}, domain.ErrQuestionNotFound
}

func hasOption(q domain.Question, optionID string) bool {
	for _, opt := range q.Options {
		if opt.ID == optionID {
			return true
		}
	}
	return false
}
