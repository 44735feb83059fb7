package http

import (
	"encoding/json"
	"strings"

	"live-quiz-service/internal/domain"
)

// Wire event names. Pairs on one line are accepted aliases.
const (
	EventSession       = "session"
	EventHeartbeat     = "user:heartbeat"
	EventJoinRoom      = "join_room"
	EventLeaveRoom     = "leave_room"
	EventRoomMessage   = "room_message"
	EventChatMessage   = "chat_message"
	EventRoomHistory   = "room_history"
	EventUserTyping    = "user_typing"
	EventUserStop      = "user_stop_typing"
	EventCreateChannel = "create_channel"
	EventQuizStart     = "quiz:start"
	EventAdminStart    = "admin:start_quiz"
	EventQuizNext      = "quiz:next"
	EventQuizEnd       = "quiz:end"
	EventQuizReset     = "quiz:reset"
	EventQuizResetDone = "quiz_reset"
	EventSubmitAnswer  = "submit_answer"
	EventAnswerResult  = "answer_result"
	EventLogout        = "user_logout"
	EventLogoutAck     = "user_logout_ack"
	EventAdminBcast    = "admin:broadcast"
	EventError         = "error"
)

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type errorPayload struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	ClientID string `json:"clientId,omitempty"`
}

type sessionPayload struct {
	Identity domain.Identity       `json:"identity"`
	Stored   domain.StoredIdentity `json:"stored"`
	Channels []domain.Room         `json:"channels"`
}

// roomPayload accepts {"room": …}, {"roomId": …} or a bare string.
type roomPayload struct {
	Room   string `json:"room"`
	RoomID string `json:"roomId"`
}

func (p *roomPayload) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		p.Room = s
		return nil
	}
	type plain roomPayload
	return json.Unmarshal(data, (*plain)(p))
}

func (p roomPayload) id() string {
	if r := strings.TrimSpace(p.Room); r != "" {
		return r
	}
	return strings.TrimSpace(p.RoomID)
}

type chatPayload struct {
	Room     string `json:"room"`
	Message  string `json:"message"`
	ClientID string `json:"clientId"`
}

type historyPayload struct {
	Room     string           `json:"room"`
	Messages []domain.Message `json:"messages"`
}

type createChannelPayload struct {
	Name string `json:"name"`
}

type quizPayload struct {
	QuizID string `json:"quizId"`
}

type submitPayload struct {
	QuizID     string `json:"quizId"`
	QuestionID string `json:"questionId"`
	Answer     string `json:"answer"`
	OptionID   string `json:"optionId"`
}

func (p submitPayload) option() string {
	if p.OptionID != "" {
		return p.OptionID
	}
	return p.Answer
}

type logoutPayload struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	ForceRemove bool   `json:"forceRemove"`
}

type logoutAck struct {
	Success bool `json:"success"`
}

type announcePayload struct {
	Message string `json:"message"`
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
