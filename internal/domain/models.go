package domain

import "time"

// Role distinguishes admins from regular participants.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Identity is a participant independent of any single connection, plus the
// connection it was resolved for.
type Identity struct {
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	Role         Role   `json:"role"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// IsAdmin reports whether the identity carries the admin role.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Claims is what the auth collaborator decodes from a bearer token.
type Claims struct {
	UserID   string
	Username string
	Role     Role
}

// PresenceStatus is the liveness state of an identity.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusIdle    PresenceStatus = "idle"
	StatusOffline PresenceStatus = "offline"
)

// PresenceEntry is one row of the online-user table.
type PresenceEntry struct {
	Identity        Identity       `json:"identity"`
	Status          PresenceStatus `json:"status"`
	LastHeartbeatAt time.Time      `json:"lastHeartbeatAt"`
	ConnectionCount int            `json:"connectionCount"`
}

// RoomKind separates quiz rooms from chat channels.
type RoomKind string

const (
	RoomQuiz RoomKind = "quiz"
	RoomChat RoomKind = "chat"
)

// Room is a snapshot of a quiz room or chat channel.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      RoomKind  `json:"kind"`
	Members   []Member  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}

// Member is a room member as shown to other members.
type Member struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// MessageKind separates user chat from synthesized system notices.
type MessageKind string

const (
	MessageUser   MessageKind = "user"
	MessageSystem MessageKind = "system"
)

// Message is an immutable chat log entry. System messages have no author.
type Message struct {
	ID        string      `json:"id"`
	RoomID    string      `json:"room"`
	AuthorID  string      `json:"authorId,omitempty"`
	Author    string      `json:"from,omitempty"`
	Text      string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
	Kind      MessageKind `json:"kind"`
	ClientID  string      `json:"clientId,omitempty"`
}

// SessionStatus is the state of a live quiz session.
type SessionStatus string

const (
	SessionWaiting   SessionStatus = "waiting"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// AnswerRecord is one recorded answer of a participant.
type AnswerRecord struct {
	OptionID   string    `json:"optionId"`
	IsCorrect  bool      `json:"isCorrect"`
	AnsweredAt time.Time `json:"answeredAt"`
}

// ParticipantView is a participant as broadcast in quiz_state.
type ParticipantView struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Score    int    `json:"score"`
	Answered bool   `json:"answered"`
}

// LeaderboardEntry is a ranked participant of a completed session.
type LeaderboardEntry struct {
	Rank           int       `json:"rank"`
	UserID         string    `json:"userId"`
	Username       string    `json:"username"`
	Score          int       `json:"score"`
	LastAnsweredAt time.Time `json:"lastAnsweredAt,omitempty"`
}

// Leaderboard captures the ordered final results of a quiz session.
type Leaderboard struct {
	QuizID    string             `json:"quizId"`
	RoomID    string             `json:"roomId"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// QuizState is the session snapshot sent as quiz_state.
type QuizState struct {
	RoomID               string            `json:"roomId"`
	QuizID               string            `json:"quizId"`
	Title                string            `json:"title,omitempty"`
	Status               SessionStatus     `json:"status"`
	CurrentQuestionIndex int               `json:"currentQuestionIndex"`
	CurrentQuestion      *QuestionView     `json:"currentQuestion,omitempty"`
	TotalQuestions       int               `json:"totalQuestions"`
	Participants         []ParticipantView `json:"participants"`
	StartedAt            *time.Time        `json:"startedAt,omitempty"`
	EndedAt              *time.Time        `json:"endedAt,omitempty"`
	QuestionDeadline     *time.Time        `json:"questionDeadline,omitempty"`
	Leaderboard          *Leaderboard      `json:"leaderboard,omitempty"`
}

// AnswerResult is the private feedback for a submission.
type AnswerResult struct {
	QuestionID      string `json:"questionId"`
	IsCorrect       bool   `json:"isCorrect"`
	CorrectOptionID string `json:"correctOptionId"`
	Explanation     string `json:"explanation,omitempty"`
	Score           int    `json:"score"`
}

// Option represents a possible answer for a question.
type Option struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
}

// Question models an MCQ question with exactly one correct option.
type Question struct {
	ID          string   `json:"id"`
	Prompt      string   `json:"prompt"`
	Options     []Option `json:"options"`
	Explanation string   `json:"explanation,omitempty"`
	TimeLimit   int      `json:"timeLimit,omitempty"` // seconds; falls back to the quiz duration
}

// CorrectOptionID returns the ID of the option flagged correct.
func (q Question) CorrectOptionID() string {
	for _, opt := range q.Options {
		if opt.Correct {
			return opt.ID
		}
	}
	return ""
}

// View strips correctness flags for broadcast.
func (q Question) View() QuestionView {
	options := make([]OptionView, 0, len(q.Options))
	for _, opt := range q.Options {
		options = append(options, OptionView{ID: opt.ID, Text: opt.Text})
	}
	return QuestionView{ID: q.ID, Prompt: q.Prompt, Options: options, TimeLimit: q.TimeLimit}
}

// QuestionView is a question as participants see it.
type QuestionView struct {
	ID        string       `json:"id"`
	Prompt    string       `json:"prompt"`
	Options   []OptionView `json:"options"`
	TimeLimit int          `json:"timeLimit,omitempty"`
}

// OptionView is an option without its correctness flag.
type OptionView struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Quiz is a collection of questions.
type Quiz struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	QuestionDuration int        `json:"questionDuration,omitempty"` // seconds
	Questions        []Question `json:"questions"`
}

// QuizPatch is a partial quiz update; nil fields are left untouched.
type QuizPatch struct {
	Title            *string     `json:"title,omitempty"`
	QuestionDuration *int        `json:"questionDuration,omitempty"`
	Questions        *[]Question `json:"questions,omitempty"`
}

// Apply returns quiz with the patch applied.
func (p QuizPatch) Apply(quiz Quiz) Quiz {
	if p.Title != nil {
		quiz.Title = *p.Title
	}
	if p.QuestionDuration != nil {
		quiz.QuestionDuration = *p.QuestionDuration
	}
	if p.Questions != nil {
		quiz.Questions = *p.Questions
	}
	return quiz
}

// GenerateOptions tunes AI question generation.
type GenerateOptions struct {
	Difficulty  string   `json:"difficulty,omitempty"`
	OptionCount int      `json:"optionCount,omitempty"`
	Avoid       []string `json:"avoid,omitempty"` // prompts the generated question must not repeat
}
