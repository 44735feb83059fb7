// Package client is a Go websocket client for the quiz service: it keeps the
// connection alive, reconnects with the stored identity and runs the logout
// handshake.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/retry"
)

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
	StateLoggedOut    State = "logged_out"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultLogoutTimeout     = 5 * time.Second

	eventBuffer = 128
	writeWait   = 10 * time.Second
)

const (
	eventSession     = "session"
	eventHeartbeat   = "user:heartbeat"
	eventJoinRoom    = "join_room"
	eventLeaveRoom   = "leave_room"
	eventRoomMessage = "room_message"
	eventChatMessage = "chat_message"
	eventSubmit      = "submit_answer"
	eventLogout      = "user_logout"
	eventLogoutAck   = "user_logout_ack"
	eventError       = "error"
)

var (
	ErrLogoutTimeout  = errors.New("logout not acknowledged")
	ErrNotConnected   = fmt.Errorf("%w: not connected", domain.ErrTransport)
	ErrAlreadyStarted = errors.New("client already started")
)

type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL      string
	Username string
	// Token, when set, authenticates instead of Username.
	Token             string
	HeartbeatInterval time.Duration
	LogoutTimeout     time.Duration
	// Reconnect bounds dialing. A zero policy uses retry.ReconnectPolicy.
	Reconnect retry.Policy
	Identity  IdentityStore
	// Bus links sibling clients so a logout in one ends the others.
	Bus    *TabBus
	Dialer *websocket.Dialer
}

// Event is one frame received from the server.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type Client struct {
	id          string
	cfg         Config
	log         *logrus.Entry
	outbox      *Outbox
	events      chan Event
	ready       chan struct{}
	readyOnce   sync.Once
	done        chan struct{}
	acks        chan struct{}
	logoutGroup singleflight.Group
	unsubscribe func()

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	state     State
	identity  domain.Identity
	token     string
	rooms     map[string]struct{}
	cancel    context.CancelFunc
	ending    bool
	loggedOut bool
	// logoutErr is the outcome of this client's logout handshake, returned
	// to every caller.
	logoutErr error
}

func New(cfg Config) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.LogoutTimeout <= 0 {
		cfg.LogoutTimeout = DefaultLogoutTimeout
	}
	if cfg.Reconnect.BaseDelay <= 0 && cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect = retry.ReconnectPolicy()
	}
	if cfg.Identity == nil {
		cfg.Identity = NewMemoryIdentityStore()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	c := &Client{
		id:     uuid.NewString(),
		cfg:    cfg,
		log:    logrus.WithFields(logrus.Fields{"component": "client", "username": cfg.Username}),
		outbox: NewOutbox(),
		events: make(chan Event, eventBuffer),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		acks:   make(chan struct{}, 1),
		state:  StateIdle,
		token:  cfg.Token,
		rooms:  make(map[string]struct{}),
	}
	if cfg.Bus != nil {
		c.unsubscribe = cfg.Bus.Subscribe(c.onTabEvent)
	}
	return c
}

// Start dials the server, retrying per the reconnect policy, and then keeps
// the connection alive in the background until Close or Logout.
func (c *Client) Start(ctx context.Context) error {
	if _, err := url.Parse(c.cfg.URL); err != nil {
		return fmt.Errorf("parse url: %w", err)
	}

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.connect(runCtx)
	if err != nil {
		cancel()
		c.setState(StateDisconnected)
		close(c.done)
		return err
	}
	go c.run(runCtx, conn)
	return nil
}

// Ready is closed once the server has confirmed the identity.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Done is closed when the connection loop has stopped for good.
func (c *Client) Done() <-chan struct{} { return c.done }

// Events delivers every server frame. Frames are dropped when nobody reads.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) Outbox() *Outbox { return c.outbox }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Identity() domain.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Rooms lists the rooms the client rejoins after a reconnect.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	return out
}

func (c *Client) JoinRoom(room string) error {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
	return c.Send(eventJoinRoom, map[string]string{"room": room})
}

func (c *Client) LeaveRoom(room string) error {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
	return c.Send(eventLeaveRoom, map[string]string{"room": room})
}

// SendChat posts text to room and tracks it in the outbox until the server
// echoes it back or reports an error. Blank text never leaves the client.
func (c *Client) SendChat(room, text string) (OutboundMessage, error) {
	if strings.TrimSpace(text) == "" {
		return OutboundMessage{}, domain.ErrEmptyMessage
	}
	msg := c.outbox.Add(room, text)
	err := c.Send(eventChatMessage, map[string]string{"room": room, "message": text, "clientId": msg.ClientID})
	if err != nil {
		c.outbox.Fail(msg.ClientID, err.Error())
		msg.Status = DeliveryFailed
		msg.Reason = err.Error()
		return msg, err
	}
	return msg, nil
}

func (c *Client) SubmitAnswer(quizID, questionID, optionID string) error {
	return c.Send(eventSubmit, map[string]string{"quizId": quizID, "questionId": questionID, "optionId": optionID})
}

// Send writes one event on the current connection.
func (c *Client) Send(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, event, payload)
}

// Logout ends the session on the server and locally. Concurrent callers
// share one handshake and every call, later ones included, returns its
// outcome. Local state is cleared even when the server does not acknowledge
// within LogoutTimeout.
func (c *Client) Logout(ctx context.Context) error {
	if done, err := c.logoutOutcome(); done {
		return err
	}
	_, err, _ := c.logoutGroup.Do("logout", func() (any, error) {
		return nil, c.logout(ctx)
	})
	return err
}

func (c *Client) logoutOutcome() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut, c.logoutErr
}

func (c *Client) logout(ctx context.Context) error {
	c.mu.Lock()
	if c.loggedOut {
		err := c.logoutErr
		c.mu.Unlock()
		return err
	}
	c.ending = true
	identity := c.identity
	c.mu.Unlock()

	select {
	case <-c.acks:
	default:
	}
	err := c.Send(eventLogout, map[string]any{
		"userId":      identity.UserID,
		"username":    identity.Username,
		"forceRemove": true,
	})
	if err == nil {
		timer := time.NewTimer(c.cfg.LogoutTimeout)
		defer timer.Stop()
		select {
		case <-c.acks:
		case <-timer.C:
			err = ErrLogoutTimeout
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	c.mu.Lock()
	c.logoutErr = err
	c.mu.Unlock()
	c.dropSession()
	if c.cfg.Bus != nil {
		c.cfg.Bus.Publish(TabEvent{Kind: TabLogout, UserID: identity.UserID, Origin: c.id})
	}
	if err != nil {
		c.log.WithError(err).Warn("logout not confirmed by server")
		return err
	}
	c.log.Info("logged out")
	return nil
}

// Close disconnects without logging out.
func (c *Client) Close() {
	c.mu.Lock()
	c.ending = true
	conn, cancel := c.conn, c.cancel
	if !c.loggedOut {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

func (c *Client) onTabEvent(ev TabEvent) {
	if ev.Kind != TabLogout || ev.Origin == c.id {
		return
	}
	if c.dropSession() {
		c.log.Info("logged out in another tab")
	}
}

// dropSession clears connection, identity and token without telling the server.
func (c *Client) dropSession() bool {
	c.mu.Lock()
	if c.loggedOut {
		c.mu.Unlock()
		return false
	}
	c.loggedOut = true
	c.ending = true
	c.state = StateLoggedOut
	conn, cancel := c.conn, c.cancel
	c.conn = nil
	c.token = ""
	c.identity = domain.Identity{}
	c.rooms = make(map[string]struct{})
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	if err := c.cfg.Identity.Clear(); err != nil {
		c.log.WithError(err).Warn("clear stored identity failed")
	}
	c.outbox.Reset()
	return true
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	policy := c.cfg.Reconnect
	retryable, observe := policy.Retryable, policy.OnRetry
	policy.Retryable = func(err error) bool {
		if errors.Is(err, domain.ErrAuthRejected) || c.stopping() {
			return false
		}
		return retryable == nil || retryable(err)
	}
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.log.WithError(err).WithFields(logrus.Fields{"attempt": attempt, "wait": wait}).Warn("dial failed, retrying")
		if observe != nil {
			observe(attempt, err, wait)
		}
	}

	var conn *websocket.Conn
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		var err error
		conn, err = c.dial(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	q := u.Query()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	} else {
		q.Set("username", c.cfg.Username)
		stored, ok, err := c.cfg.Identity.Load()
		if err != nil {
			c.log.WithError(err).Warn("load stored identity failed")
		}
		if ok && stored.Username == c.cfg.Username {
			cookie := &http.Cookie{Name: domain.IdentityCookieName, Value: domain.EncodeStoredIdentity(stored)}
			header.Set("Cookie", cookie.String())
		}
	}
	u.RawQuery = q.Encode()

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: handshake refused", domain.ErrAuthRejected)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	return conn, nil
}

// run owns the connection: it serves frames and reconnects after a loss
// until the client is closed, logged out or out of attempts.
func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	defer close(c.done)
	reconnected := false
	for {
		if !c.attach(conn) {
			_ = conn.Close()
			return
		}
		if reconnected {
			c.rejoin()
		}
		err := c.serve(ctx, conn)
		c.detach(conn)
		if ctx.Err() != nil || c.stopping() {
			c.setState(StateDisconnected)
			return
		}

		c.log.WithError(err).Warn("connection lost, reconnecting")
		c.setState(StateReconnecting)
		next, err := c.connect(ctx)
		if err != nil {
			c.log.WithError(err).Error("reconnect gave up")
			c.setState(StateDisconnected)
			return
		}
		conn, reconnected = next, true
	}
}

func (c *Client) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ending {
		return false
	}
	c.conn = conn
	return true
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) rejoin() {
	for _, room := range c.Rooms() {
		if err := c.Send(eventJoinRoom, map[string]string{"room": room}); err != nil {
			c.log.WithError(err).WithField("room", room).Warn("rejoin failed")
		}
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go c.heartbeat(hbCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.WithError(err).Warn("malformed frame")
			continue
		}
		c.handle(ev)
	}
}

// heartbeat ticks until the connection is torn down, then closes it so a
// cancelled context also unblocks the reader.
func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := c.write(conn, eventHeartbeat, nil); err != nil {
				c.log.WithError(err).Debug("heartbeat failed")
			}
		}
	}
}

func (c *Client) handle(ev Event) {
	switch ev.Type {
	case eventSession:
		var p struct {
			Identity domain.Identity       `json:"identity"`
			Stored   domain.StoredIdentity `json:"stored"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			c.log.WithError(err).Warn("malformed session event")
			return
		}
		c.mu.Lock()
		if c.loggedOut {
			c.mu.Unlock()
			return
		}
		c.identity = p.Identity
		c.state = StateConnected
		c.mu.Unlock()
		if err := c.cfg.Identity.Save(p.Stored); err != nil {
			c.log.WithError(err).Warn("save stored identity failed")
		}
		c.readyOnce.Do(func() { close(c.ready) })

	case eventLogoutAck:
		select {
		case c.acks <- struct{}{}:
		default:
		}

	case eventRoomMessage, eventChatMessage:
		var msg domain.Message
		if err := json.Unmarshal(ev.Payload, &msg); err == nil && msg.ClientID != "" && msg.AuthorID == c.Identity().UserID {
			c.outbox.Confirm(msg.ClientID)
		}

	case eventError:
		var p struct {
			Code     string `json:"code"`
			ClientID string `json:"clientId"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err == nil && p.ClientID != "" {
			c.outbox.Fail(p.ClientID, p.Code)
		}
	}

	select {
	case c.events <- ev:
	default:
		c.log.WithField("event", ev.Type).Warn("event dropped, consumer too slow")
	}
}

func (c *Client) write(conn *websocket.Conn, event string, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(outbound{Type: event, Payload: payload}); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateLoggedOut {
		c.state = s
	}
}

func (c *Client) stopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ending
}

func (c *Client) isLoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}
