package domain

import "errors"

var (
	// ErrAuthRejected is returned when a handshake credential is missing, invalid or expired.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrUnauthorized is returned when the caller's role does not permit the action.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidTransition indicates a quiz session state machine violation.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrDuplicateAnswer is returned when a participant answers the same question twice.
	ErrDuplicateAnswer = errors.New("question already answered")
	// ErrSessionNotActive is returned when answering or advancing a session that is not active.
	ErrSessionNotActive = errors.New("quiz session not active")
	// ErrDuplicateChannel is returned when a sanitized channel id already exists.
	ErrDuplicateChannel = errors.New("channel already exists")
	// ErrEmptyMessage is returned for blank chat messages.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrTransport covers disconnects and timeouts on the websocket.
	ErrTransport = errors.New("transport error")

	// ErrSessionNotFound is returned when a quiz session has not been initialized.
	ErrSessionNotFound = errors.New("quiz session not found")
	// ErrParticipantNotFound is returned when a user tries to act before joining.
	ErrParticipantNotFound = errors.New("participant not found in quiz")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrQuestionNotFound indicates a submitted question ID is invalid.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrOptionNotFound indicates a submitted option ID is invalid.
	ErrOptionNotFound = errors.New("option not found")
	// ErrQuestionClosed is returned for answers to a question other than the current one.
	ErrQuestionClosed = errors.New("question is not open for answers")
	// ErrRoomNotFound is returned for unknown rooms and channels.
	ErrRoomNotFound = errors.New("room not found")
	// ErrNotMember is returned when a user acts in a room they have not joined.
	ErrNotMember = errors.New("not a member of room")
	// ErrInvalidQuiz is returned when quiz content fails validation.
	ErrInvalidQuiz = errors.New("invalid quiz")
	// ErrInvalidName is returned for blank channel names and usernames.
	ErrInvalidName = errors.New("invalid name")
)

// AuthReason qualifies an ErrAuthRejected failure.
type AuthReason string

const (
	ReasonMissingCredentials AuthReason = "MissingCredentials"
	ReasonInvalidToken       AuthReason = "InvalidToken"
	ReasonExpiredToken       AuthReason = "ExpiredToken"
	ReasonBadCredentials     AuthReason = "BadCredentials"
	// ReasonIdentityInUse means the user id is live under a different role.
	ReasonIdentityInUse      AuthReason = "IdentityInUse"
)

// AuthError is an ErrAuthRejected with its reason attached.
type AuthError struct {
	Reason AuthReason
}

func (e *AuthError) Error() string {
	return ErrAuthRejected.Error() + ": " + string(e.Reason)
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuthRejected
}

// Rejected builds an AuthError for reason.
func Rejected(reason AuthReason) error {
	return &AuthError{Reason: reason}
}

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrAuthRejected, "AuthRejected"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrInvalidTransition, "InvalidTransition"},
	{ErrDuplicateAnswer, "DuplicateAnswer"},
	{ErrSessionNotActive, "SessionNotActive"},
	{ErrDuplicateChannel, "DuplicateChannel"},
	{ErrEmptyMessage, "EmptyMessage"},
	{ErrTransport, "TransportError"},
	{ErrSessionNotFound, "SessionNotFound"},
	{ErrParticipantNotFound, "ParticipantNotFound"},
	{ErrQuizNotFound, "QuizNotFound"},
	{ErrQuestionNotFound, "QuestionNotFound"},
	{ErrOptionNotFound, "OptionNotFound"},
	{ErrQuestionClosed, "QuestionClosed"},
	{ErrRoomNotFound, "RoomNotFound"},
	{ErrNotMember, "NotMember"},
	{ErrInvalidQuiz, "InvalidQuiz"},
	{ErrInvalidName, "InvalidName"},
}

// ErrorCode maps an error onto the code sent in "error" events.
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}
