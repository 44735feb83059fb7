package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/auth"
)

const (
	DefaultPingInterval = 25 * time.Second
	DefaultPingTimeout  = 60 * time.Second
	defaultSendBuffer   = 64
	maxMessageSize      = 64 << 10
	identityCookieAge   = 365 * 24 * time.Hour
)

// Services are the registries a connection drives.
type Services struct {
	Resolver *app.Resolver
	Presence *app.PresenceRegistry
	Rooms    *app.RoomManager
	Quiz     *app.QuizService
	Chat     *app.ChatBus
}

// Options tunes websocket keep-alive. PingTimeout bounds how long a dead
// peer can stay listed as online.
type Options struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	SendBuffer   int
}

type WSHandler struct {
	svc      Services
	hub      *Hub
	opts     Options
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

func NewWSHandler(svc Services, hub *Hub, opts Options) *WSHandler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PingTimeout <= opts.PingInterval {
		opts.PingTimeout = opts.PingInterval + DefaultPingTimeout - DefaultPingInterval
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	return &WSHandler{
		svc:  svc,
		hub:  hub,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: logrus.WithField("component", "ws"),
	}
}

// ServeWS authenticates the handshake, upgrades the request and runs the
// connection until the peer goes away.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Resolver.Resolve(r.Context(), handshakeFrom(r))
	if err == nil {
		err = h.svc.Presence.CheckIdentity(res.Identity)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	cookie := &http.Cookie{
		Name:     domain.IdentityCookieName,
		Value:    domain.EncodeStoredIdentity(res.Stored),
		Path:     "/",
		MaxAge:   int(identityCookieAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	header := http.Header{}
	header.Add("Set-Cookie", cookie.String())

	ws, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		h.log.WithError(err).Warn("ws upgrade failed")
		return
	}

	identity := res.Identity
	identity.ConnectionID = uuid.NewString()
	conn := newConnection(ws, identity, h.opts)
	h.hub.Add(conn)
	go conn.writeLoop()

	conn.log.WithField("minted", res.Minted).Info("connected")
	conn.Send(EventSession, sessionPayload{
		Identity: identity,
		Stored:   res.Stored,
		Channels: h.svc.Rooms.Channels(),
	})
	if _, err := h.svc.Presence.Register(identity); err != nil {
		// Lost a race with a live session under another role.
		h.sendError(conn, err, "")
		h.hub.Remove(conn)
		conn.Close()
		<-conn.writerDone
		return
	}

	h.readLoop(r.Context(), conn)
	h.disconnect(conn)
}

func (h *WSHandler) readLoop(ctx context.Context, c *Connection) {
	ws := c.ws
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(h.opts.PingTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.PingTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Debug("ws read failed")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.opts.PingTimeout))

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendError(c, errMalformed, "")
			continue
		}
		h.dispatch(ctx, c, msg)
	}
}

func (h *WSHandler) disconnect(c *Connection) {
	h.hub.Remove(c)
	c.Close()
	<-c.writerDone

	if c.isLoggedOut() {
		c.log.Info("disconnected after logout")
		return
	}
	userID := c.identity.UserID
	h.svc.Presence.Deregister(userID, c.id, func() {
		h.svc.Chat.StopAllTyping(userID)
		h.svc.Rooms.LeaveAll(userID)
	})
	c.log.Info("disconnected")
}

var (
	errMalformed    = errors.New("malformed payload")
	errUnknownEvent = errors.New("unknown event")
	errMissingQuiz  = errors.New("quizId is required")
)

func (h *WSHandler) dispatch(ctx context.Context, c *Connection, msg inboundMessage) {
	id := c.identity
	switch msg.Type {
	case EventHeartbeat:
		h.svc.Presence.Heartbeat(id.UserID)

	case EventJoinRoom:
		var p roomPayload
		if err := decode(msg.Payload, &p); err != nil || p.id() == "" {
			h.sendError(c, errMalformed, "")
			return
		}
		h.joinRoom(ctx, c, p.id())

	case EventLeaveRoom:
		var p roomPayload
		if err := decode(msg.Payload, &p); err != nil || p.id() == "" {
			h.sendError(c, errMalformed, "")
			return
		}
		if quizID, ok := app.QuizIDFromRoom(p.id()); ok {
			h.svc.Quiz.Leave(ctx, quizID, id.UserID)
			return
		}
		h.svc.Chat.TypingStop(p.id(), id.UserID)
		h.svc.Rooms.Leave(p.id(), id.UserID)

	case EventRoomMessage, EventChatMessage:
		var p chatPayload
		if err := decode(msg.Payload, &p); err != nil {
			h.sendError(c, errMalformed, "")
			return
		}
		if _, err := h.svc.Chat.Send(roomOrDefault(p.Room), id, p.Message, p.ClientID); err != nil {
			h.sendError(c, err, p.ClientID)
		}

	case EventUserTyping:
		var p roomPayload
		_ = decode(msg.Payload, &p)
		if err := h.svc.Chat.TypingStart(roomOrDefault(p.id()), id); err != nil {
			h.sendError(c, err, "")
		}

	case EventUserStop:
		var p roomPayload
		_ = decode(msg.Payload, &p)
		h.svc.Chat.TypingStop(roomOrDefault(p.id()), id.UserID)

	case EventCreateChannel:
		var p createChannelPayload
		if err := decode(msg.Payload, &p); err != nil {
			h.sendError(c, errMalformed, "")
			return
		}
		room, err := h.svc.Rooms.CreateChannel(p.Name, id)
		if err != nil {
			h.sendError(c, err, "")
			return
		}
		h.joinRoom(ctx, c, room.ID)

	case EventQuizStart, EventAdminStart, EventQuizNext, EventQuizEnd, EventQuizReset:
		var p quizPayload
		if err := decode(msg.Payload, &p); err != nil {
			h.sendError(c, errMalformed, "")
			return
		}
		h.quizControl(ctx, c, msg.Type, p.QuizID)

	case EventSubmitAnswer:
		var p submitPayload
		if err := decode(msg.Payload, &p); err != nil {
			h.sendError(c, errMalformed, "")
			return
		}
		result, err := h.svc.Quiz.SubmitAnswer(ctx, p.QuizID, id.UserID, p.QuestionID, p.option())
		if err != nil {
			h.sendError(c, err, "")
			return
		}
		c.Send(EventAnswerResult, result)

	case EventLogout:
		var p logoutPayload
		_ = decode(msg.Payload, &p)
		h.logout(c, p)

	case EventAdminBcast:
		var p announcePayload
		if err := decode(msg.Payload, &p); err != nil {
			h.sendError(c, errMalformed, "")
			return
		}
		if _, err := h.svc.Chat.Announce(id, p.Message); err != nil {
			h.sendError(c, err, "")
		}

	default:
		h.sendError(c, errUnknownEvent, "")
	}
}

func (h *WSHandler) joinRoom(ctx context.Context, c *Connection, roomID string) {
	if quizID, ok := app.QuizIDFromRoom(roomID); ok {
		state, err := h.svc.Quiz.Join(ctx, quizID, c.identity)
		if err != nil {
			h.sendError(c, err, "")
			return
		}
		// Participants get the room broadcast; hosts are answered directly.
		if c.identity.IsAdmin() {
			c.Send(app.EventQuizState, state)
		}
		return
	}

	if _, err := h.svc.Rooms.Join(roomID, c.identity); err != nil {
		h.sendError(c, err, "")
		return
	}
	history, err := h.svc.Rooms.History(roomID)
	if err != nil {
		h.sendError(c, err, "")
		return
	}
	c.Send(EventRoomHistory, historyPayload{Room: roomID, Messages: history})
}

func (h *WSHandler) quizControl(ctx context.Context, c *Connection, event, quizID string) {
	if strings.TrimSpace(quizID) == "" {
		h.sendError(c, errMissingQuiz, "")
		return
	}
	var (
		state domain.QuizState
		err   error
	)
	switch event {
	case EventQuizStart, EventAdminStart:
		state, err = h.svc.Quiz.Start(ctx, quizID, c.identity)
	case EventQuizNext:
		state, err = h.svc.Quiz.Advance(ctx, quizID, c.identity)
	case EventQuizEnd:
		state, err = h.svc.Quiz.End(ctx, quizID, c.identity)
	case EventQuizReset:
		if err = h.svc.Quiz.Reset(ctx, quizID, c.identity); err == nil {
			payload := quizPayload{QuizID: quizID}
			h.svc.Rooms.Broadcast(app.QuizRoomID(quizID), EventQuizResetDone, payload)
			if !h.svc.Rooms.IsMember(app.QuizRoomID(quizID), c.identity.UserID) {
				c.Send(EventQuizResetDone, payload)
			}
			return
		}
	}
	if err != nil {
		h.sendError(c, err, "")
		return
	}
	// Room members already got the broadcast.
	if !h.svc.Rooms.IsMember(state.RoomID, c.identity.UserID) {
		c.Send(app.EventQuizState, state)
	}
}

// logout force-removes the identity and acknowledges exactly once per request.
// Repeated logouts are acknowledged as successful no-ops.
func (h *WSHandler) logout(c *Connection, p logoutPayload) {
	if p.UserID != "" && p.UserID != c.identity.UserID {
		h.sendError(c, domain.ErrUnauthorized, "")
		return
	}
	c.markLoggedOut()
	removed := h.svc.Presence.ForceRemove(c.identity.UserID)
	h.svc.Chat.StopAllTyping(c.identity.UserID)
	h.svc.Rooms.LeaveAll(c.identity.UserID)
	c.log.WithField("removed", removed).Info("logout")

	c.Send(EventLogoutAck, logoutAck{Success: true})
	c.Close()
}

func (h *WSHandler) sendError(c *Connection, err error, clientID string) {
	code := domain.ErrorCode(err)
	switch {
	case errors.Is(err, errMalformed):
		code = "Malformed"
	case errors.Is(err, errUnknownEvent):
		code = "UnknownEvent"
	case errors.Is(err, errMissingQuiz):
		code = "Malformed"
	case code == "Internal":
		c.log.WithError(err).Warn("event failed")
	}
	c.Send(EventError, errorPayload{Code: code, Message: err.Error(), ClientID: clientID})
}

func roomOrDefault(room string) string {
	if room = strings.TrimSpace(room); room != "" {
		return room
	}
	return app.DefaultChannel
}

func handshakeFrom(r *http.Request) app.Handshake {
	q := r.URL.Query()
	hs := app.Handshake{
		Token:    q.Get("token"),
		Username: q.Get("username"),
	}
	if hs.Token == "" {
		hs.Token = auth.ExtractToken(r)
	}
	if cookie, err := r.Cookie(domain.IdentityCookieName); err == nil {
		if stored, err := domain.DecodeStoredIdentity(cookie.Value); err == nil {
			hs.Stored = &stored
		}
	}
	return hs
}
