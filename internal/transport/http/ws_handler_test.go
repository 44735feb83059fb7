package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/auth"
	"live-quiz-service/internal/infra/memory"
	infraredis "live-quiz-service/internal/infra/redis"
)

type testServer struct {
	*httptest.Server
	svc     Services
	auth    *auth.Authenticator
	results *memory.ResultStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	hub := NewHub()
	authn, err := auth.NewAuthenticator([]auth.Account{
		{Username: "host", Password: "pw", Role: domain.RoleAdmin},
	}, time.Hour)
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	redisClient := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })
	mirror := infraredis.NewPresenceMirror(redisClient)

	store := memory.NewQuizStore(sampleQuiz())
	cache := memory.NewQuizRepository(store, time.Minute)
	sessions := memory.NewSessionStore()
	results := memory.NewResultStore()
	rooms := app.NewRoomManager(hub, 50)
	svc := Services{
		Resolver: app.NewResolver(authn),
		Presence: app.NewPresenceRegistry(hub, mirror),
		Rooms:    rooms,
		Quiz:     app.NewQuizService(sessions, cache, rooms, results, app.QuizOptions{QuestionDuration: time.Hour}),
		Chat:     app.NewChatBus(rooms, hub, time.Second),
	}
	t.Cleanup(svc.Quiz.Close)
	t.Cleanup(svc.Chat.Close)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", NewWSHandler(svc, hub, Options{PingInterval: time.Second, PingTimeout: 3 * time.Second}).ServeWS)
	NewAdminHandler(authn, app.NewQuizCatalog(store, cache, nil), svc.Presence, AdminStores{
		Results:  results,
		Sessions: sessions,
		Mirror:   mirror,
	}).Register(mux)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return &testServer{Server: server, svc: svc, auth: authn, results: results}
}

func (s *testServer) wsURL(query url.Values) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?" + query.Encode()
}

func (s *testServer) dial(t *testing.T, query url.Values, header http.Header) (*websocket.Conn, *http.Response) {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(s.wsURL(query), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, resp
}

func (s *testServer) adminToken(t *testing.T) string {
	t.Helper()
	token, _, err := s.auth.Authenticate(context.Background(), "host", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return token
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// readUntil skips frames until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want string) json.RawMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if f.Type == want {
			return f.Payload
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": event, "payload": payload}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func sessionOf(t *testing.T, conn *websocket.Conn) sessionPayload {
	t.Helper()
	var s sessionPayload
	if err := json.Unmarshal(readUntil(t, conn, EventSession), &s); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return s
}

func TestWebSocketAnswerFlow(t *testing.T) {
	srv := newTestServer(t)

	alice, _ := srv.dial(t, url.Values{"username": {"alice"}}, nil)
	sessionOf(t, alice)
	send(t, alice, EventJoinRoom, map[string]string{"room": app.QuizRoomID("quiz-1")})

	var state domain.QuizState
	_ = json.Unmarshal(readUntil(t, alice, app.EventQuizState), &state)
	if state.Status != domain.SessionWaiting || len(state.Participants) != 1 {
		t.Fatalf("expected waiting state with alice, got %+v", state)
	}

	admin, _ := srv.dial(t, url.Values{"token": {srv.adminToken(t)}}, nil)
	if s := sessionOf(t, admin); !s.Identity.IsAdmin() {
		t.Fatalf("expected admin identity, got %+v", s.Identity)
	}
	send(t, admin, EventAdminStart, map[string]string{"quizId": "quiz-1"})

	_ = json.Unmarshal(readUntil(t, alice, app.EventQuizState), &state)
	if state.Status != domain.SessionActive || state.CurrentQuestionIndex != 0 || state.CurrentQuestion == nil {
		t.Fatalf("expected active state on question 0, got %+v", state)
	}
	_ = json.Unmarshal(readUntil(t, admin, app.EventQuizState), &state)
	if state.Status != domain.SessionActive {
		t.Fatalf("admin should be told about the start, got %+v", state)
	}

	send(t, alice, EventSubmitAnswer, map[string]string{"quizId": "quiz-1", "questionId": "q1", "answer": "b"})
	var result domain.AnswerResult
	_ = json.Unmarshal(readUntil(t, alice, EventAnswerResult), &result)
	if !result.IsCorrect || result.Score != 10 || result.CorrectOptionID != "b" {
		t.Fatalf("unexpected answer result %+v", result)
	}

	send(t, alice, EventSubmitAnswer, map[string]string{"quizId": "quiz-1", "questionId": "q1", "answer": "a"})
	var e errorPayload
	_ = json.Unmarshal(readUntil(t, alice, EventError), &e)
	if e.Code != "DuplicateAnswer" {
		t.Fatalf("expected DuplicateAnswer, got %+v", e)
	}
}

func TestNonAdminCannotStart(t *testing.T) {
	srv := newTestServer(t)
	alice, _ := srv.dial(t, url.Values{"username": {"alice"}}, nil)
	sessionOf(t, alice)

	send(t, alice, EventQuizStart, map[string]string{"quizId": "quiz-1"})
	var e errorPayload
	_ = json.Unmarshal(readUntil(t, alice, EventError), &e)
	if e.Code != "Unauthorized" {
		t.Fatalf("expected Unauthorized, got %+v", e)
	}
}

func TestHandshakeRequiresCredentials(t *testing.T) {
	srv := newTestServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(srv.wsURL(url.Values{}), nil)
	if err == nil {
		t.Fatalf("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}

	_, resp, err = websocket.DefaultDialer.Dial(srv.wsURL(url.Values{"token": {"bogus"}}), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %v %+v", err, resp)
	}
}

func TestUsernameReclaimFromCookie(t *testing.T) {
	srv := newTestServer(t)
	header := http.Header{}
	header.Set("Cookie", (&http.Cookie{
		Name:  domain.IdentityCookieName,
		Value: domain.EncodeStoredIdentity(domain.StoredIdentity{Username: "bob", UserID: "user_100"}),
	}).String())

	conn, _ := srv.dial(t, url.Values{"username": {"bob"}}, header)
	if s := sessionOf(t, conn); s.Identity.UserID != "user_100" {
		t.Fatalf("expected reclaimed id user_100, got %q", s.Identity.UserID)
	}
}

func TestMintedIdentitySetsCookie(t *testing.T) {
	srv := newTestServer(t)
	conn, resp := srv.dial(t, url.Values{"username": {"carol"}}, nil)
	s := sessionOf(t, conn)

	var found bool
	for _, c := range resp.Cookies() {
		if c.Name != domain.IdentityCookieName {
			continue
		}
		stored, err := domain.DecodeStoredIdentity(c.Value)
		if err != nil {
			t.Fatalf("decode cookie: %v", err)
		}
		found = stored.UserID == s.Identity.UserID && stored.Username == "carol"
	}
	if !found {
		t.Fatalf("expected identity cookie for %s", s.Identity.UserID)
	}
}

func TestLogoutIsAcknowledged(t *testing.T) {
	srv := newTestServer(t)
	conn, _ := srv.dial(t, url.Values{"username": {"dave"}}, nil)
	s := sessionOf(t, conn)
	if _, ok := srv.svc.Presence.Get(s.Identity.UserID); !ok {
		t.Fatalf("expected dave registered")
	}

	send(t, conn, EventLogout, logoutPayload{UserID: s.Identity.UserID, Username: "dave", ForceRemove: true})
	var ack logoutAck
	_ = json.Unmarshal(readUntil(t, conn, EventLogoutAck), &ack)
	if !ack.Success {
		t.Fatalf("expected success ack")
	}
	if _, ok := srv.svc.Presence.Get(s.Identity.UserID); ok {
		t.Fatalf("expected dave removed from presence")
	}
}

func TestChatMessageIsCorrectedAndEchoed(t *testing.T) {
	srv := newTestServer(t)
	alice, _ := srv.dial(t, url.Values{"username": {"alice"}}, nil)
	sessionOf(t, alice)
	send(t, alice, EventJoinRoom, app.DefaultChannel)
	readUntil(t, alice, EventRoomHistory)

	send(t, alice, EventChatMessage, chatPayload{Room: app.DefaultChannel, Message: "teh answer", ClientID: "m-1"})
	for {
		var msg domain.Message
		_ = json.Unmarshal(readUntil(t, alice, EventRoomMessage), &msg)
		if msg.Kind != domain.MessageUser {
			continue
		}
		if msg.Text != "the answer" || msg.ClientID != "m-1" {
			t.Fatalf("unexpected echo %+v", msg)
		}
		break
	}

	send(t, alice, EventRoomMessage, chatPayload{Room: app.DefaultChannel, Message: "   ", ClientID: "m-2"})
	var e errorPayload
	_ = json.Unmarshal(readUntil(t, alice, EventError), &e)
	if e.Code != "EmptyMessage" || e.ClientID != "m-2" {
		t.Fatalf("expected EmptyMessage for m-2, got %+v", e)
	}
}

func TestDisconnectRemovesPresenceAndMembership(t *testing.T) {
	srv := newTestServer(t)
	conn, _ := srv.dial(t, url.Values{"username": {"erin"}}, nil)
	s := sessionOf(t, conn)
	send(t, conn, EventJoinRoom, map[string]string{"roomId": app.DefaultChannel})
	readUntil(t, conn, EventRoomHistory)

	conn.Close()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_, present := srv.svc.Presence.Get(s.Identity.UserID)
		if !present && !srv.svc.Rooms.IsMember(app.DefaultChannel, s.Identity.UserID) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected erin cleaned up after disconnect")
}

func sampleQuiz() domain.Quiz {
	return domain.Quiz{
		ID:    "quiz-1",
		Title: "Letters",
		Questions: []domain.Question{
			{
				ID:     "q1",
				Prompt: "Second letter?",
				Options: []domain.Option{
					{ID: "a", Text: "a", Correct: false},
					{ID: "b", Text: "b", Correct: true},
				},
				Explanation: "a, b, c",
			},
			{
				ID:     "q2",
				Prompt: "First letter?",
				Options: []domain.Option{
					{ID: "a", Text: "a", Correct: true},
					{ID: "b", Text: "b", Correct: false},
				},
			},
		},
	}
}
