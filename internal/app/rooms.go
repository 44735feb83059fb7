package app

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"live-quiz-service/internal/domain"
)

const (
	EventRoomMembers    = "room_members"
	EventRoomMessage    = "room_message"
	EventChannelCreated = "channel_created"

	// DefaultChannel always exists.
	DefaultChannel = "general"
	// DefaultHistoryLimit bounds each channel's message log.
	DefaultHistoryLimit = 100
)

// RoomManager tracks quiz rooms and chat channels, their members and chat history.
type RoomManager struct {
	notifier     Notifier
	historyLimit int
	now          func() time.Time
	log          *logrus.Entry

	mu    sync.RWMutex
	rooms map[string]*room
}

type room struct {
	id        string
	name      string
	kind      domain.RoomKind
	members   map[string]string // userID -> username
	createdAt time.Time
	log       *messageLog
}

// messageLog is a FIFO ring of the most recent messages.
type messageLog struct {
	limit    int
	messages []domain.Message
}

func (l *messageLog) append(msg domain.Message) {
	l.messages = append(l.messages, msg)
	if over := len(l.messages) - l.limit; over > 0 {
		l.messages = append(l.messages[:0:0], l.messages[over:]...)
	}
}

func (l *messageLog) snapshot() []domain.Message {
	out := make([]domain.Message, len(l.messages))
	copy(out, l.messages)
	return out
}

func NewRoomManager(notifier Notifier, historyLimit int) *RoomManager {
	return NewRoomManagerWithClock(notifier, historyLimit, time.Now)
}

// NewRoomManagerWithClock allows deterministic timestamps in tests.
func NewRoomManagerWithClock(notifier Notifier, historyLimit int, now func() time.Time) *RoomManager {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	m := &RoomManager{
		notifier:     notifier,
		historyLimit: historyLimit,
		now:          now,
		log:          logrus.WithField("component", "rooms"),
		rooms:        make(map[string]*room),
	}
	m.rooms[DefaultChannel] = m.newRoom(DefaultChannel, "General", domain.RoomChat)
	return m
}

func (m *RoomManager) newRoom(id, name string, kind domain.RoomKind) *room {
	r := &room{id: id, name: name, kind: kind, members: make(map[string]string), createdAt: m.now()}
	if kind == domain.RoomChat {
		r.log = &messageLog{limit: m.historyLimit}
	}
	return r
}

// SanitizeChannelID lowercases name and turns whitespace runs into hyphens.
func SanitizeChannelID(name string) string {
	fields := strings.FieldsFunc(strings.ToLower(strings.TrimSpace(name)), unicode.IsSpace)
	return strings.Join(fields, "-")
}

// CreateChannel registers a chat channel and announces it.
func (m *RoomManager) CreateChannel(name string, creator domain.Identity) (domain.Room, error) {
	id := SanitizeChannelID(name)
	if id == "" {
		return domain.Room{}, fmt.Errorf("%w: channel name is empty", domain.ErrInvalidName)
	}
	if strings.HasPrefix(id, QuizRoomPrefix) {
		return domain.Room{}, fmt.Errorf("%w: %q is reserved for quiz rooms", domain.ErrInvalidName, QuizRoomPrefix)
	}

	m.mu.Lock()
	if _, exists := m.rooms[id]; exists {
		m.mu.Unlock()
		return domain.Room{}, domain.ErrDuplicateChannel
	}
	r := m.newRoom(id, strings.TrimSpace(name), domain.RoomChat)
	m.rooms[id] = r
	notice := fmt.Sprintf("Channel #%s created", id)
	if creator.Username != "" {
		notice += " by " + creator.Username
	}
	m.appendLocked(r, m.systemMessage(id, notice))
	view := r.view()
	m.mu.Unlock()

	m.log.WithField("room_id", id).Info("channel created")
	m.notifier.Broadcast(EventChannelCreated, view)
	return view, nil
}

// EnsureQuizRoom creates the quiz room if it does not exist yet. An existing
// room of another kind under roomID is an ErrInvalidTransition.
func (m *RoomManager) EnsureQuizRoom(roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.rooms[roomID] = m.newRoom(roomID, roomID, domain.RoomQuiz)
		return nil
	}
	if r.kind != domain.RoomQuiz {
		return fmt.Errorf("%w: %s is a %s room", domain.ErrInvalidTransition, roomID, r.kind)
	}
	return nil
}

// Join adds identity to roomID. Joining twice is a no-op and reports false.
func (m *RoomManager) Join(roomID string, identity domain.Identity) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return false, domain.ErrRoomNotFound
	}
	if _, member := r.members[identity.UserID]; member {
		return false, nil
	}
	r.members[identity.UserID] = identity.Username
	if r.kind == domain.RoomChat {
		m.appendLocked(r, m.systemMessage(roomID, identity.Username+" joined"))
	}
	m.broadcastMembersLocked(r)
	return true, nil
}

// Leave removes userID from roomID; unknown rooms and non-members are ignored.
// Quiz sessions are left running so participants may come back.
func (m *RoomManager) Leave(roomID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	return m.leaveLocked(r, userID)
}

// LeaveAll removes userID from every room and returns the rooms left.
func (m *RoomManager) LeaveAll(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var left []string
	for id, r := range m.rooms {
		if m.leaveLocked(r, userID) {
			left = append(left, id)
		}
	}
	sort.Strings(left)
	return left
}

func (m *RoomManager) leaveLocked(r *room, userID string) bool {
	username, member := r.members[userID]
	if !member {
		return false
	}
	delete(r.members, userID)
	if r.kind == domain.RoomChat {
		m.appendLocked(r, m.systemMessage(r.id, username+" left"))
	}
	m.broadcastMembersLocked(r)
	return true
}

// Broadcast delivers payload to every member's live connections.
func (m *RoomManager) Broadcast(roomID, event string, payload any) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.rooms[roomID]; ok {
		m.broadcastLocked(r, event, payload)
	}
}

// AppendMessage stores msg in the channel log (evicting the oldest beyond the
// bound) and sends it to the members.
func (m *RoomManager) AppendMessage(channelID string, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[channelID]
	if !ok || r.kind != domain.RoomChat {
		return domain.ErrRoomNotFound
	}
	msg.RoomID = channelID
	m.appendLocked(r, msg)
	return nil
}

func (m *RoomManager) appendLocked(r *room, msg domain.Message) {
	r.log.append(msg)
	m.broadcastLocked(r, EventRoomMessage, msg)
}

func (m *RoomManager) systemMessage(roomID, text string) domain.Message {
	return domain.Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Text:      text,
		Timestamp: m.now(),
		Kind:      domain.MessageSystem,
	}
}

// History returns the channel log, oldest first.
func (m *RoomManager) History(channelID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[channelID]
	if !ok || r.kind != domain.RoomChat {
		return nil, domain.ErrRoomNotFound
	}
	return r.log.snapshot(), nil
}

// IsMember reports whether userID has joined roomID.
func (m *RoomManager) IsMember(roomID, userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	_, member := r.members[userID]
	return member
}

// Members lists roomID's members ordered by username.
func (m *RoomManager) Members(roomID string) ([]domain.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return r.view().Members, nil
}

// Get returns a snapshot of roomID.
func (m *RoomManager) Get(roomID string) (domain.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return domain.Room{}, false
	}
	return r.view(), true
}

// Channels lists chat channels ordered by id.
func (m *RoomManager) Channels() []domain.Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		if r.kind == domain.RoomChat {
			out = append(out, r.view())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *RoomManager) broadcastMembersLocked(r *room) {
	view := r.view()
	m.broadcastLocked(r, EventRoomMembers, struct {
		Room    string          `json:"room"`
		Members []domain.Member `json:"members"`
	}{Room: r.id, Members: view.Members})
}

func (m *RoomManager) broadcastLocked(r *room, event string, payload any) {
	for userID := range r.members {
		m.notifier.SendToUser(userID, event, payload)
	}
}

func (r *room) view() domain.Room {
	members := make([]domain.Member, 0, len(r.members))
	for id, name := range r.members {
		members = append(members, domain.Member{UserID: id, Username: name})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Username < members[j].Username })
	return domain.Room{ID: r.id, Name: r.name, Kind: r.kind, Members: members, CreatedAt: r.createdAt}
}
