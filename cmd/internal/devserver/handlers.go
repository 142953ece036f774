package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	v1 "github.com/attia12/stage-mouna/shared/contracts/realtime/v1"

	"github.com/attia12/stage-mouna/cmd/internal/api"
	"github.com/attia12/stage-mouna/cmd/internal/auth/session"
	"github.com/attia12/stage-mouna/cmd/internal/notify"
	"github.com/attia12/stage-mouna/cmd/security/token"
)

type ctxKey struct{}

// caller returns the authenticated user set by requireAuth.
func caller(ctx context.Context) (user, bool) {
	u, ok := ctx.Value(ctxKey{}).(user)
	return u, ok
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		claims, err := s.tokens.verifyAccess(raw)
		if err != nil {
			s.log.Debug("auth.access.reject", "err", err, "token", token.Fingerprint(raw))
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}
		u, ok := s.users.get(claims.UserID)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "unknown user")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, u)))
	})
}

// ---- auth ----

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req api.Credentials
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	email := normalizeEmail(req.Email)
	if limited, retry := s.loginThrottled(clientIP(r), email); limited {
		s.audit(r, auditLoginRateLimited, "", map[string]any{
			"identifier":    email,
			"retry_after_s": int64(retry.Seconds()),
		})
		writeRateLimited(w, retry)
		return
	}

	u, err := s.users.authenticate(req.Email, req.Password)
	if err != nil {
		s.audit(r, auditLoginFailed, "", map[string]any{"identifier": email})
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
		return
	}
	pair, err := s.tokens.issue(u)
	if err != nil {
		s.log.Error("auth.login.issue.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "could not issue tokens")
		return
	}
	s.audit(r, auditLoginSuccess, u.ID, map[string]any{"identifier": email})
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.Registration
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	u, err := s.users.create(req, []string{RoleUser}, s.now())
	switch {
	case errors.Is(err, errDuplicateEmail):
		writeError(w, http.StatusConflict, "email_taken", "email already registered")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	s.audit(r, auditRegister, u.ID, nil)
	writeJSON(w, http.StatusCreated, u.profile())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing refresh token")
		return
	}
	userID, err := s.tokens.consumeRefresh(raw)
	if err != nil {
		s.audit(r, auditRefreshRejected, "", map[string]any{
			"reason": err.Error(),
			"token":  token.Fingerprint(raw),
		})
		writeError(w, http.StatusUnauthorized, "invalid_refresh", err.Error())
		return
	}
	u, ok := s.users.get(userID)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_refresh", "unknown user")
		return
	}
	pair, err := s.tokens.issue(u)
	if err != nil {
		s.log.Error("auth.refresh.issue.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "could not issue tokens")
		return
	}
	s.audit(r, auditRefreshSuccess, u.ID, nil)
	writeJSON(w, http.StatusOK, pair)
}

// ---- users ----

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, _ := caller(r.Context())
	writeJSON(w, http.StatusOK, u.profile())
}

func (s *Server) handleUsers(w http.ResponseWriter, _ *http.Request) {
	all := s.users.list()
	out := make([]session.Profile, 0, len(all))
	for _, u := range all {
		out = append(out, u.profile())
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- notifications ----

func (s *Server) handleCreateNotification(w http.ResponseWriter, r *http.Request) {
	var req notify.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	if utf8.RuneCountInString(req.Message) > maxMessageChars {
		writeError(w, http.StatusBadRequest, "validation_failed", fmt.Sprintf("message too long: max=%d chars", maxMessageChars))
		return
	}
	for _, id := range req.RecipientIDs {
		if _, ok := s.users.get(id); !ok {
			writeError(w, http.StatusBadRequest, "unknown_recipient", "unknown recipient "+id)
			return
		}
	}

	creator, _ := caller(r.Context())
	created := s.notes.add(req, &creator, s.now())

	var first notify.Notification
	for i, rid := range req.RecipientIDs {
		n, ok := created[rid]
		if !ok {
			continue
		}
		if i == 0 {
			first = n
		}
		s.publishNotification(rid, n)
	}
	s.log.Info("notification.create", "creator_id", creator.ID, "recipients", len(created), "priority", req.Priority)
	writeJSON(w, http.StatusCreated, first)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}
	u, _ := caller(r.Context())
	writeJSON(w, http.StatusOK, s.notes.list(u.ID, f))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	u, _ := caller(r.Context())
	writeJSON(w, http.StatusOK, s.notes.stats(u.ID))
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	u, _ := caller(r.Context())
	n, err := s.notes.markRead(u.ID, chi.URLParam(r, "id"), s.now())
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	s.publishStats(u.ID)
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	u, _ := caller(r.Context())
	if s.notes.markAllRead(u.ID, s.now()) > 0 {
		s.publishStats(u.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- realtime fan-out ----

func (s *Server) publishNotification(userID string, n notify.Notification) {
	if _, err := s.hub.Publish(v1.NotificationsTopic(userID), n); err != nil {
		s.log.Error("notification.publish.fail", "user_id", userID, "err", err)
	}
	s.publishStats(userID)
}

func (s *Server) publishStats(userID string) {
	if _, err := s.hub.Publish(v1.StatsTopic(userID), s.notes.stats(userID)); err != nil {
		s.log.Error("notification.stats.publish.fail", "user_id", userID, "err", err)
	}
}
