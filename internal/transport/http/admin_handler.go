package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/sirupsen/logrus"
	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/auth"
)

// Authenticator is the credential collaborator behind the REST API.
type Authenticator interface {
	app.TokenVerifier
	Authenticate(ctx context.Context, username, password string) (string, domain.Identity, error)
}

// ResultReader serves recorded final leaderboards.
type ResultReader interface {
	Latest(ctx context.Context, quizID string) (domain.Leaderboard, error)
}

// SessionReader serves saved quiz session state.
type SessionReader interface {
	Snapshot(ctx context.Context, roomID string) (domain.QuizState, error)
}

// PresenceLister serves the presence view shared with other processes.
type PresenceLister interface {
	List(ctx context.Context) ([]domain.PresenceEntry, error)
}

// AdminStores are the read models behind the reporting endpoints. Nil
// members turn their endpoint into a 404.
type AdminStores struct {
	Results  ResultReader
	Sessions SessionReader
	Mirror   PresenceLister
}

// AdminHandler serves the quiz management and login endpoints.
type AdminHandler struct {
	auth     Authenticator
	catalog  *app.QuizCatalog
	presence *app.PresenceRegistry
	stores   AdminStores
	log      *logrus.Entry
}

func NewAdminHandler(authn Authenticator, catalog *app.QuizCatalog, presence *app.PresenceRegistry, stores AdminStores) *AdminHandler {
	return &AdminHandler{
		auth:     authn,
		catalog:  catalog,
		presence: presence,
		stores:   stores,
		log:      logrus.WithField("component", "admin-api"),
	}
}

// Register mounts the routes on mux.
func (h *AdminHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("POST /api/login", h.login)
	mux.HandleFunc("GET /api/presence", h.requireIdentity(h.listPresence))
	mux.HandleFunc("GET /api/quizzes", h.requireIdentity(h.listQuizzes))
	mux.HandleFunc("POST /api/quizzes", h.requireIdentity(h.createQuiz))
	mux.HandleFunc("GET /api/quizzes/{id}", h.requireIdentity(h.getQuiz))
	mux.HandleFunc("PUT /api/quizzes/{id}", h.requireIdentity(h.updateQuiz))
	mux.HandleFunc("DELETE /api/quizzes/{id}", h.requireIdentity(h.deleteQuiz))
	mux.HandleFunc("POST /api/quizzes/{id}/generate", h.requireIdentity(h.generateQuestion))
	mux.HandleFunc("GET /api/quizzes/{id}/results", h.requireAdmin(h.latestResults))
	mux.HandleFunc("GET /api/quizzes/{id}/session", h.requireAdmin(h.sessionSnapshot))
}

type identityHandler func(w http.ResponseWriter, r *http.Request, caller domain.Identity)

func (h *AdminHandler) requireIdentity(next identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := auth.ExtractToken(r)
		if token == "" {
			writeError(w, domain.Rejected(domain.ReasonMissingCredentials))
			return
		}
		claims, err := h.auth.VerifyToken(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, domain.Identity{UserID: claims.UserID, Username: claims.Username, Role: claims.Role})
	}
}

func (h *AdminHandler) requireAdmin(next identityHandler) http.HandlerFunc {
	return h.requireIdentity(func(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
		if !caller.IsAdmin() {
			writeError(w, domain.ErrUnauthorized)
			return
		}
		next(w, r, caller)
	})
}

func (h *AdminHandler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string          `json:"token"`
	User  domain.Identity `json:"user"`
}

func (h *AdminHandler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload{Code: "Malformed", Message: "invalid request body"})
		return
	}
	token, identity, err := h.auth.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		h.log.WithField("username", req.Username).Info("login rejected")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: identity})
}

// listPresence serves this process's registry, or the shared mirror with
// ?source=mirror.
func (h *AdminHandler) listPresence(w http.ResponseWriter, r *http.Request, _ domain.Identity) {
	if r.URL.Query().Get("source") != "mirror" {
		writeJSON(w, http.StatusOK, h.presence.Snapshot())
		return
	}
	if h.stores.Mirror == nil {
		writeJSON(w, http.StatusNotFound, errorPayload{Code: "NotConfigured", Message: "no presence mirror configured"})
		return
	}
	entries, err := h.stores.Mirror.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Identity.Username != entries[j].Identity.Username {
			return entries[i].Identity.Username < entries[j].Identity.Username
		}
		return entries[i].Identity.UserID < entries[j].Identity.UserID
	})
	writeJSON(w, http.StatusOK, entries)
}

func (h *AdminHandler) latestResults(w http.ResponseWriter, r *http.Request, _ domain.Identity) {
	if h.stores.Results == nil {
		writeJSON(w, http.StatusNotFound, errorPayload{Code: "NotConfigured", Message: "no result store configured"})
		return
	}
	lb, err := h.stores.Results.Latest(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lb)
}

func (h *AdminHandler) sessionSnapshot(w http.ResponseWriter, r *http.Request, _ domain.Identity) {
	if h.stores.Sessions == nil {
		writeJSON(w, http.StatusNotFound, errorPayload{Code: "NotConfigured", Message: "no session store configured"})
		return
	}
	state, err := h.stores.Sessions.Snapshot(r.Context(), app.QuizRoomID(r.PathValue("id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *AdminHandler) listQuizzes(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	if !caller.IsAdmin() {
		writeError(w, domain.ErrUnauthorized)
		return
	}
	quizzes, err := h.catalog.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quizzes)
}

func (h *AdminHandler) getQuiz(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	if !caller.IsAdmin() {
		writeError(w, domain.ErrUnauthorized)
		return
	}
	quiz, err := h.catalog.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quiz)
}

func (h *AdminHandler) createQuiz(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	var quiz domain.Quiz
	if err := json.NewDecoder(r.Body).Decode(&quiz); err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload{Code: "Malformed", Message: "invalid quiz body"})
		return
	}
	created, err := h.catalog.Create(r.Context(), caller, quiz)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *AdminHandler) updateQuiz(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	var patch domain.QuizPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload{Code: "Malformed", Message: "invalid patch body"})
		return
	}
	updated, err := h.catalog.Update(r.Context(), caller, r.PathValue("id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *AdminHandler) deleteQuiz(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	if err := h.catalog.Delete(r.Context(), caller, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type generateRequest struct {
	Topic string `json:"topic"`
	domain.GenerateOptions
}

func (h *AdminHandler) generateQuestion(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload{Code: "Malformed", Message: "invalid generate body"})
		return
	}
	question, err := h.catalog.GenerateQuestion(r.Context(), caller, r.PathValue("id"), req.Topic, req.GenerateOptions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, question)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrAuthRejected):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrQuizNotFound), errors.Is(err, domain.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidQuiz):
		status = http.StatusBadRequest
	}
	payload := errorPayload{Code: domain.ErrorCode(err), Message: err.Error()}
	if status == http.StatusInternalServerError {
		logrus.WithError(err).Error("request failed")
		payload.Message = "internal error"
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
