package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"live-quiz-service/internal/domain"
)

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAdminLoginAndQuizCRUD(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/login", "", loginRequest{Username: "host", Password: "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/login", "", loginRequest{Username: "host", Password: "pw"})
	var login loginResponse
	_ = json.NewDecoder(resp.Body).Decode(&login)
	if resp.StatusCode != http.StatusOK || login.Token == "" || !login.User.IsAdmin() {
		t.Fatalf("login failed: %d %+v", resp.StatusCode, login)
	}

	quiz := domain.Quiz{ID: "quiz-2", Title: "New", Questions: sampleQuiz().Questions}
	if resp := doJSON(t, http.MethodPost, srv.URL+"/api/quizzes", login.Token, quiz); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", resp.StatusCode)
	}

	title := "Renamed"
	resp = doJSON(t, http.MethodPut, srv.URL+"/api/quizzes/quiz-2", login.Token, domain.QuizPatch{Title: &title})
	var updated domain.Quiz
	_ = json.NewDecoder(resp.Body).Decode(&updated)
	if resp.StatusCode != http.StatusOK || updated.Title != "Renamed" {
		t.Fatalf("update failed: %d %+v", resp.StatusCode, updated)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/quizzes", login.Token, nil)
	var list []domain.Quiz
	_ = json.NewDecoder(resp.Body).Decode(&list)
	if len(list) != 2 {
		t.Fatalf("expected 2 quizzes, got %d", len(list))
	}

	if resp := doJSON(t, http.MethodDelete, srv.URL+"/api/quizzes/quiz-2", login.Token, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", resp.StatusCode)
	}
	if resp := doJSON(t, http.MethodGet, srv.URL+"/api/quizzes/quiz-2", login.Token, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t)
	if resp := doJSON(t, http.MethodGet, srv.URL+"/api/quizzes", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	if resp := doJSON(t, http.MethodGet, srv.URL+"/healthz", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthz open, got %d", resp.StatusCode)
	}
}

func TestAdminReportingEndpoints(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	token := srv.adminToken(t)
	alice := domain.Identity{UserID: "user_1", Username: "alice", Role: domain.RoleUser, ConnectionID: "c1"}

	if resp := doJSON(t, http.MethodGet, srv.URL+"/api/quizzes/quiz-1/session", token, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before any session, got %d", resp.StatusCode)
	}
	if _, err := srv.svc.Quiz.Join(ctx, "quiz-1", alice); err != nil {
		t.Fatalf("join: %v", err)
	}
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/quizzes/quiz-1/session", token, nil)
	var state domain.QuizState
	_ = json.NewDecoder(resp.Body).Decode(&state)
	if resp.StatusCode != http.StatusOK || state.Status != domain.SessionWaiting || len(state.Participants) != 1 {
		t.Fatalf("unexpected session snapshot %d %+v", resp.StatusCode, state)
	}

	if resp := doJSON(t, http.MethodGet, srv.URL+"/api/quizzes/quiz-1/results", token, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before results, got %d", resp.StatusCode)
	}
	_ = srv.results.RecordResults(ctx, domain.Leaderboard{
		QuizID:  "quiz-1",
		Entries: []domain.LeaderboardEntry{{Rank: 1, UserID: alice.UserID, Username: alice.Username, Score: 10}},
	})
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/quizzes/quiz-1/results", token, nil)
	var lb domain.Leaderboard
	_ = json.NewDecoder(resp.Body).Decode(&lb)
	if resp.StatusCode != http.StatusOK || len(lb.Entries) != 1 || lb.Entries[0].Score != 10 {
		t.Fatalf("unexpected results %d %+v", resp.StatusCode, lb)
	}

	if _, err := srv.svc.Presence.Register(alice); err != nil {
		t.Fatalf("register: %v", err)
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/presence?source=mirror", token, nil)
	var mirrored []domain.PresenceEntry
	_ = json.NewDecoder(resp.Body).Decode(&mirrored)
	if resp.StatusCode != http.StatusOK || len(mirrored) != 1 || mirrored[0].Identity.UserID != alice.UserID {
		t.Fatalf("unexpected mirrored presence %d %+v", resp.StatusCode, mirrored)
	}
}

func TestReportingEndpointsAreAdminOnly(t *testing.T) {
	srv := newTestServer(t)
	if resp := doJSON(t, http.MethodGet, srv.URL+"/api/quizzes/quiz-1/results", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
}
