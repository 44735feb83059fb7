package app

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"live-quiz-service/internal/domain"
)

const (
	EventUserTyping     = "user_typing"
	EventUserStopTyping = "user_stop_typing"
	EventAdminMessage   = "admin_message"

	// DefaultTypingTimeout is how long a typing indicator lives without a refresh.
	DefaultTypingTimeout = 3 * time.Second
)

// TypingEvent is the payload of typing indicator events.
type TypingEvent struct {
	Room     string `json:"room"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// ChatBus ingests chat messages and runs typing indicators.
type ChatBus struct {
	rooms         *RoomManager
	notifier      Notifier
	typingTimeout time.Duration
	now           func() time.Time
	log           *logrus.Entry

	mu     sync.Mutex
	typing map[typingKey]*typingTimer
	closed bool
}

type typingKey struct {
	room   string
	userID string
}

type typingTimer struct {
	timer    *time.Timer
	gen      uint64
	username string
}

func NewChatBus(rooms *RoomManager, notifier Notifier, typingTimeout time.Duration) *ChatBus {
	return NewChatBusWithClock(rooms, notifier, typingTimeout, time.Now)
}

// NewChatBusWithClock allows deterministic timestamps in tests.
func NewChatBusWithClock(rooms *RoomManager, notifier Notifier, typingTimeout time.Duration, now func() time.Time) *ChatBus {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if typingTimeout <= 0 {
		typingTimeout = DefaultTypingTimeout
	}
	return &ChatBus{
		rooms:         rooms,
		notifier:      notifier,
		typingTimeout: typingTimeout,
		now:           now,
		log:           logrus.WithField("component", "chat"),
		typing:        make(map[typingKey]*typingTimer),
	}
}

// Send validates, corrects and appends a user message to channelID.
// Only the corrected text is stored and broadcast.
func (c *ChatBus) Send(channelID string, author domain.Identity, text, clientID string) (domain.Message, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Message{}, domain.ErrEmptyMessage
	}
	room, ok := c.rooms.Get(channelID)
	if !ok || room.Kind != domain.RoomChat {
		return domain.Message{}, domain.ErrRoomNotFound
	}
	if !c.rooms.IsMember(channelID, author.UserID) {
		return domain.Message{}, domain.ErrNotMember
	}

	c.TypingStop(channelID, author.UserID)

	msg := domain.Message{
		ID:        uuid.NewString(),
		RoomID:    channelID,
		AuthorID:  author.UserID,
		Author:    author.Username,
		Text:      CorrectSpelling(strings.TrimSpace(text)),
		Timestamp: c.now(),
		Kind:      domain.MessageUser,
		ClientID:  clientID,
	}
	if err := c.rooms.AppendMessage(channelID, msg); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// Announce sends an admin notice to every connected user.
func (c *ChatBus) Announce(caller domain.Identity, text string) (domain.Message, error) {
	if !caller.IsAdmin() {
		return domain.Message{}, domain.ErrUnauthorized
	}
	if strings.TrimSpace(text) == "" {
		return domain.Message{}, domain.ErrEmptyMessage
	}
	msg := domain.Message{
		ID:        uuid.NewString(),
		AuthorID:  caller.UserID,
		Author:    caller.Username,
		Text:      strings.TrimSpace(text),
		Timestamp: c.now(),
		Kind:      domain.MessageSystem,
	}
	c.notifier.Broadcast(EventAdminMessage, msg)
	return msg, nil
}

// TypingStart shows user as typing in room. Each call restarts the expiry
// timer; the indicator is only announced when it was not already showing.
func (c *ChatBus) TypingStart(room string, user domain.Identity) error {
	if !c.rooms.IsMember(room, user.UserID) {
		return domain.ErrNotMember
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}

	key := typingKey{room: room, userID: user.UserID}
	t, active := c.typing[key]
	if active {
		t.timer.Stop()
		t.gen++
	} else {
		t = &typingTimer{username: user.Username}
		c.typing[key] = t
	}
	gen := t.gen
	t.timer = time.AfterFunc(c.typingTimeout, func() { c.expire(key, gen) })

	if !active {
		c.rooms.Broadcast(room, EventUserTyping, TypingEvent{Room: room, UserID: user.UserID, Username: user.Username})
	}
	return nil
}

// TypingStop clears the typing indicator; it is a no-op when none is showing.
func (c *ChatBus) TypingStop(room, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := typingKey{room: room, userID: userID}
	t, ok := c.typing[key]
	if !ok {
		return
	}
	t.timer.Stop()
	c.stopLocked(key, t)
}

// StopAllTyping clears every indicator userID has, e.g. after a disconnect.
func (c *ChatBus) StopAllTyping(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, t := range c.typing {
		if key.userID == userID {
			t.timer.Stop()
			c.stopLocked(key, t)
		}
	}
}

func (c *ChatBus) expire(key typingKey, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.typing[key]
	if !ok || t.gen != gen {
		return
	}
	c.stopLocked(key, t)
}

func (c *ChatBus) stopLocked(key typingKey, t *typingTimer) {
	delete(c.typing, key)
	c.rooms.Broadcast(key.room, EventUserStopTyping, TypingEvent{Room: key.room, UserID: key.userID, Username: t.username})
}

// IsTyping reports whether userID's indicator is showing in room.
func (c *ChatBus) IsTyping(room, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.typing[typingKey{room: room, userID: userID}]
	return ok
}

// Close cancels all typing timers.
func (c *ChatBus) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for key, t := range c.typing {
		t.timer.Stop()
		delete(c.typing, key)
	}
}
